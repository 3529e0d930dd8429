package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/ipam"
	"github.com/nimbusfleet/warren/pkg/types"
)

// ipManagerLockTTL mirrors pkg/pipeline's: it covers one read-modify-
// write cycle of an IPManager record.
const ipManagerLockTTL = 120 * time.Second

// vxlanLockTTL covers the read-candidate-write sequence that picks a
// network's vxlan_id, guarding against two concurrent POST /networks
// calls colliding on the same id.
const vxlanLockTTL = 30 * time.Second

// vxlanLockName is the cluster-wide lock nextVxlanID's candidate
// selection is serialized under.
const vxlanLockName = "networks/vxlan"

type createNetworkRequest struct {
	Netblock    string `json:"netblock"`
	ProvideDHCP bool   `json:"provide_dhcp"`
	ProvideNAT  bool   `json:"provide_nat"`
	Name        string `json:"name"`
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.store.ListNetworks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, networks)
}

func (s *Server) handleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	var req createNetworkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	lock, err := s.store.Locks().Acquire(r.Context(), vxlanLockName, vxlanLockTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	defer lock.Release()

	vxlanID, err := s.nextVxlanID()
	if err != nil {
		writeError(w, err)
		return
	}

	n := &types.Network{
		UUID:        uuid.NewString(),
		VxlanID:     vxlanID,
		Netblock:    req.Netblock,
		ProvideDHCP: req.ProvideDHCP,
		ProvideNAT:  req.ProvideNAT,
		Owner:       namespaceFrom(r.Context()),
		Name:        req.Name,
		State:       types.NetworkStateCreated,
	}

	ipManager, err := ipam.NewManager(n.UUID, n.Netblock)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.PutIPManager(ipManager); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutNetwork(n); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookupNetwork(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleDeleteNetwork refuses to delete the floating network and
// refuses any network that still has attached interfaces (403),
// matching spec.md §7's invariant.
func (s *Server) handleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookupNetwork(w, r)
	if !ok {
		return
	}

	if n.Name == types.FloatingNetwork {
		writeError(w, apierr.New(apierr.KindForbidden, "the floating network cannot be deleted"))
		return
	}

	ifaces, err := s.store.ListInterfaces()
	if err != nil {
		writeError(w, err)
		return
	}
	for _, iface := range ifaces {
		if iface.NetworkUUID == n.UUID && iface.State != types.InterfaceStateDeleted {
			writeError(w, apierr.New(apierr.KindForbidden, "network has attached interfaces"))
			return
		}
	}

	if err := s.overlay.RemoveDHCP(n.UUID); err != nil {
		s.logger().Warn().Err(err).Str("network", n.UUID).Msg("remove dhcp during delete failed")
	}
	if err := s.store.DeleteIPManager(n.UUID); err != nil {
		s.logger().Warn().Err(err).Str("network", n.UUID).Msg("delete ipmanager during network delete failed")
	}
	n.State = types.NetworkStateDeleted
	if err := s.store.PutNetwork(n); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) lookupNetwork(w http.ResponseWriter, r *http.Request) (*types.Network, bool) {
	id := r.PathValue("uuid")
	n, err := s.store.GetNetwork(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if n == nil {
		writeError(w, apierr.NotFound("network", id))
		return nil, false
	}
	return n, true
}

// handleFloat allocates a floating address for an interface from the
// reserved floating network, proxying to the network node first since
// it alone owns the floating IPManager's NAT rules.
func (s *Server) handleFloat(w http.ResponseWriter, r *http.Request) {
	if !s.isNetworkNode() {
		s.forwardToNetworkNode(w, r)
		return
	}

	iface, ok := s.lookupInterface(w, r)
	if !ok {
		return
	}
	if iface.Floating != "" {
		writeError(w, apierr.New(apierr.KindConflict, "interface is already floating"))
		return
	}

	floatingNet, ok := s.lookupFloatingNetwork(w)
	if !ok {
		return
	}

	lock, err := s.store.Locks().Acquire(r.Context(), "ipmanager/"+floatingNet.UUID, ipManagerLockTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	defer lock.Release()

	m, err := s.store.GetIPManager(floatingNet.UUID)
	if err != nil || m == nil {
		writeError(w, apierr.NotFound("ipmanager", floatingNet.UUID))
		return
	}

	address, err := ipam.GetRandomFreeAddress(m)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutIPManager(m); err != nil {
		writeError(w, err)
		return
	}

	iface.Floating = address
	if err := s.store.PutInterface(iface); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, iface)
}

// handleDefloat releases the floating address backing iface, if any.
func (s *Server) handleDefloat(w http.ResponseWriter, r *http.Request) {
	if !s.isNetworkNode() {
		s.forwardToNetworkNode(w, r)
		return
	}

	iface, ok := s.lookupInterface(w, r)
	if !ok {
		return
	}
	if iface.Floating == "" {
		writeJSON(w, http.StatusOK, iface)
		return
	}

	floatingNet, ok := s.lookupFloatingNetwork(w)
	if !ok {
		return
	}

	lock, err := s.store.Locks().Acquire(r.Context(), "ipmanager/"+floatingNet.UUID, ipManagerLockTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	defer lock.Release()

	m, err := s.store.GetIPManager(floatingNet.UUID)
	if err == nil && m != nil {
		ipam.Release(m, iface.Floating)
		s.store.PutIPManager(m)
	}

	iface.Floating = ""
	if err := s.store.PutInterface(iface); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, iface)
}

func (s *Server) lookupInterface(w http.ResponseWriter, r *http.Request) (*types.NetworkInterface, bool) {
	id := r.PathValue("uuid")
	iface, err := s.store.GetInterface(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if iface == nil {
		writeError(w, apierr.NotFound("interface", id))
		return nil, false
	}
	return iface, true
}

func (s *Server) lookupFloatingNetwork(w http.ResponseWriter) (*types.Network, bool) {
	networks, err := s.store.ListNetworks()
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	for _, n := range networks {
		if n.Name == types.FloatingNetwork {
			return n, true
		}
	}
	writeError(w, apierr.New(apierr.KindNotFound, "floating network not bootstrapped"))
	return nil, false
}

// forwardToNetworkNode proxies a network-lifecycle mutation to the
// network node. Unlike instance-mutation proxying, which carries the
// original caller's Authorization header verbatim, this mints a fresh
// admin token: the network node must perform the operation under its
// own authority regardless of which namespace's caller triggered it.
func (s *Server) forwardToNetworkNode(w http.ResponseWriter, r *http.Request) {
	token, err := s.issuer.IssueAdminToken()
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "mint admin token for network-node proxy", err))
		return
	}
	if err := s.proxy.ForwardAs(w, r, s.networkNodeIP, token); err != nil {
		s.logger().Error().Err(err).Msg("proxy to network node failed")
	}
}

// nextVxlanID picks a VXLAN ID unused by any existing network,
// retrying a time-seeded candidate until it finds a free one. Callers
// must hold vxlanLockName for the whole read-candidate-write sequence:
// on its own this read is not atomic with the Network record that
// will claim the id.
func (s *Server) nextVxlanID() (int, error) {
	networks, err := s.store.ListNetworks()
	if err != nil {
		return 0, err
	}
	inUse := make(map[int]bool, len(networks))
	for _, n := range networks {
		inUse[n.VxlanID] = true
	}

	candidate := int(time.Now().UnixNano() % 16000000)
	for inUse[candidate] {
		candidate++
	}
	return candidate, nil
}
