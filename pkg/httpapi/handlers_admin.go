package httpapi

import (
	"net/http"

	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/types"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

type warmImageRequest struct {
	URL string `json:"url"`
}

// handleWarmImage fetches url into this node's image cache if it
// isn't already present and clean, idempotently: a second call with
// the same URL observes the cached copy and performs no fetch.
func (s *Server) handleWarmImage(w http.ResponseWriter, r *http.Request) {
	var req warmImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" {
		writeError(w, apierr.New(apierr.KindBadRequest, "url is required"))
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	path, rec, err := s.images.Get(ctx, req.URL)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"path": path, "record": rec})
}

type networkUUIDRequest struct {
	UUID string `json:"uuid"`
}

// handleDeployNetworkNode brings up the overlay/NAT/DHCP plumbing for
// a network on this (the network) node, the Go analogue of
// shakenfist's deploy_network_node admin action.
func (s *Server) handleDeployNetworkNode(w http.ResponseWriter, r *http.Request) {
	var req networkUUIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	n, err := s.store.GetNetwork(req.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	if n == nil {
		writeError(w, apierr.NotFound("network", req.UUID))
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := s.overlay.EnsureNetwork(ctx, n); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpdateDHCP(w http.ResponseWriter, r *http.Request) {
	var req networkUUIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	n, err := s.store.GetNetwork(req.UUID)
	if err != nil {
		writeError(w, err)
		return
	}
	if n == nil {
		writeError(w, apierr.NotFound("network", req.UUID))
		return
	}

	all, err := s.store.ListInterfaces()
	if err != nil {
		writeError(w, err)
		return
	}
	var ifaces []*types.NetworkInterface
	for _, iface := range all {
		if iface.NetworkUUID == n.UUID {
			ifaces = append(ifaces, iface)
		}
	}

	if err := s.overlay.UpdateDHCP(n, ifaces); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRemoveDHCP(w http.ResponseWriter, r *http.Request) {
	var req networkUUIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.overlay.RemoveDHCP(req.UUID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

type joinNodeRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// handleJoinNode adds a new coordination store voter. An operator
// calls this against the current leader after starting warrend on the
// new node with --join: the new node brings up its own Raft instance
// and waits, but only the leader's AddVoter call actually admits it to
// the cluster configuration.
func (s *Server) handleJoinNode(w http.ResponseWriter, r *http.Request) {
	var req joinNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.Address == "" {
		writeError(w, apierr.New(apierr.KindBadRequest, "node_id and address are required"))
		return
	}

	if err := s.store.AddVoter(req.NodeID, req.Address); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

// handleRemoveNode evicts nodeID from the coordination store cluster
// configuration, the counterpart to handleJoinNode used when
// decommissioning a node.
func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	if nodeID == "" {
		writeError(w, apierr.New(apierr.KindBadRequest, "node id is required"))
		return
	}

	if err := s.store.RemoveServer(nodeID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}
