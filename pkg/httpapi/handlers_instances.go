package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/pipeline"
	"github.com/nimbusfleet/warren/pkg/scheduler"
	"github.com/nimbusfleet/warren/pkg/types"
)

// createInstanceRequest is the POST /instances body shape from
// spec.md §6: {name, cpus, memory, network[], disk[], ssh_key?,
// user_data?, placed_on?, instance_uuid?}.
type createInstanceRequest struct {
	Name         string                 `json:"name"`
	CPUs         int                    `json:"cpus"`
	MemoryMB     int64                  `json:"memory"`
	Networks     []types.NetworkRequest `json:"network"`
	Disks        []types.DiskSpec       `json:"disk"`
	SSHKey       string                 `json:"ssh_key,omitempty"`
	UserData     string                 `json:"user_data,omitempty"`
	PlacedOn     string                 `json:"placed_on,omitempty"`
	InstanceUUID string                 `json:"instance_uuid,omitempty"`
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListInstances()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// handleCreateInstance resolves placement before doing anything else:
// if the winning node is not self, the original request is re-sent
// there with placed_on/instance_uuid pinned, and that node's response
// is relayed back untouched (spec.md §4.5 step 5).
func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.InstanceUUID == "" {
		req.InstanceUUID = uuid.NewString()
	}

	placedOn := req.PlacedOn
	if placedOn == "" {
		networkUUIDs := make([]string, len(req.Networks))
		for i, n := range req.Networks {
			networkUUIDs[i] = n.NetworkUUID
		}
		c := scheduler.Constraints{VCPUs: req.CPUs, MemoryMB: req.MemoryMB, NetworkUUIDs: networkUUIDs}
		for _, d := range req.Disks {
			c.DiskGB += d.SizeGB
		}

		chosen, err := s.resolvePlacement(c)
		if err != nil {
			writeError(w, err)
			return
		}
		placedOn = chosen.Name
	}

	if placedOn != s.nodeName {
		node, err := s.store.GetNode(placedOn)
		if err != nil || node == nil {
			writeError(w, apierr.New(apierr.KindCandidateNodeNotFound, "placement node not found"))
			return
		}
		req.PlacedOn = placedOn
		if err := s.proxy.ForwardJSON(w, r, node.IP, http.MethodPost, "/instances", req); err != nil {
			s.logger().Error().Err(err).Str("node", placedOn).Msg("proxy instance create failed")
		}
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	inst, err := s.pipeline.CreateInstance(ctx, pipeline.CreateRequest{
		Name:         req.Name,
		VCPUs:        req.CPUs,
		MemoryMB:     req.MemoryMB,
		Disks:        req.Disks,
		Networks:     req.Networks,
		SSHKey:       req.SSHKey,
		UserData:     req.UserData,
		PlacedOn:     placedOn,
		InstanceUUID: req.InstanceUUID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookupInstance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleDeleteInstance proxies to the owning node when this node
// isn't it, per spec.md §6.
func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	inst, err := s.store.GetInstance(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if inst == nil {
		writeError(w, apierr.NotFound("instance", id))
		return
	}

	if !s.isSelf(inst.Node) {
		s.forwardToNode(w, r, inst.Node)
		return
	}

	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := s.pipeline.DeleteInstance(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	events, err := s.store.ListEvents(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleInstanceInterfaces(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	ifaces, err := s.store.ListInterfacesByInstance(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ifaces)
}

// handlePowerOp builds a handler for one of the power-state verbs,
// proxying to the owning node exactly like delete does.
func (s *Server) handlePowerOp(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := s.lookupInstance(w, r)
		if !ok {
			return
		}

		if !s.isSelf(inst.Node) {
			s.forwardToNode(w, r, inst.Node)
			return
		}

		ctx, cancel := contextWithTimeout(r)
		defer cancel()

		var err error
		switch verb {
		case "poweron":
			err = s.driverPowerOn(ctx, inst)
		case "poweroff":
			err = s.driverPowerOff(ctx, inst, false)
		case "reboothard":
			err = s.driverReboot(ctx, inst, true)
		case "rebootsoft":
			err = s.driverReboot(ctx, inst, false)
		case "pause":
			err = s.driverPause(ctx, inst)
		case "unpause":
			err = s.driverUnpause(ctx, inst)
		case "snapshot":
			err = s.driverSnapshot(ctx, inst)
		default:
			err = apierr.New(apierr.KindBadRequest, "unknown power operation "+verb)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		s.store.PutEvent(inst.UUID, &types.Event{
			ObjectType: "instance",
			ObjectUUID: inst.UUID,
			Source:     "httpapi",
			Verb:       verb,
			Message:    verb + " requested",
		})
		writeJSON(w, http.StatusOK, nil)
	}
}

func (s *Server) driverPowerOn(ctx context.Context, inst *types.Instance) error {
	return s.driver.PowerOn(ctx, inst)
}

func (s *Server) driverPowerOff(ctx context.Context, inst *types.Instance, hard bool) error {
	return s.driver.PowerOff(ctx, inst, hard)
}

func (s *Server) driverReboot(ctx context.Context, inst *types.Instance, hard bool) error {
	return s.driver.Reboot(ctx, inst, hard)
}

func (s *Server) driverPause(ctx context.Context, inst *types.Instance) error {
	return s.driver.Pause(ctx, inst)
}

func (s *Server) driverUnpause(ctx context.Context, inst *types.Instance) error {
	return s.driver.Unpause(ctx, inst)
}

func (s *Server) driverSnapshot(ctx context.Context, inst *types.Instance) error {
	return s.driver.Snapshot(ctx, inst, "")
}

func (s *Server) lookupInstance(w http.ResponseWriter, r *http.Request) (*types.Instance, bool) {
	id := r.PathValue("uuid")
	inst, err := s.store.GetInstance(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if inst == nil {
		writeError(w, apierr.NotFound("instance", id))
		return nil, false
	}
	return inst, true
}

func (s *Server) forwardToNode(w http.ResponseWriter, r *http.Request, nodeName string) {
	node, err := s.store.GetNode(nodeName)
	if err != nil || node == nil {
		writeError(w, apierr.New(apierr.KindCandidateNodeNotFound, "owning node not found"))
		return
	}
	if err := s.proxy.Forward(w, r, node.IP); err != nil {
		s.logger().Error().Err(err).Str("node", nodeName).Msg("proxy failed")
	}
}
