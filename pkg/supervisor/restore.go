package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbusfleet/warren/pkg/hypervisor"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
)

// networkManager is the slice of *overlaynet.Manager's API restore
// needs to re-materialize an instance's networks, narrowed to an
// interface so tests can supply a fake that never shells out to
// ip/iptables, the same pattern pkg/pipeline and pkg/httpapi use for
// the same dependency.
type networkManager interface {
	EnsureNetwork(ctx context.Context, n *types.Network) error
	UpdateDHCP(n *types.Network, interfaces []*types.NetworkInterface) error
}

// instanceDeleter is the one pipeline operation restore needs: tearing
// down an instance it could not bring back successfully.
type instanceDeleter interface {
	DeleteInstance(ctx context.Context, instUUID string) error
}

// bootablePowerStates are the recorded power states restore will try
// to bring back up; anything else (off, transition-to-off, error) is
// left alone until an operator or a power-op request touches it.
var bootablePowerStates = map[types.PowerState]bool{
	types.PowerStateOn:             true,
	types.PowerStateTransitionToOn: true,
	types.PowerStateInitial:        true,
	types.PowerStateUnknown:        true,
}

// Restore reconciles every instance this node owns against cluster
// intent after a crash restart: for each, it re-materializes the
// overlay networks the instance's interfaces reference, then boots it
// if its last known power_state suggests it should be running. An
// instance that fails either step is torn down via deleter rather
// than left half-materialized. It is grounded on shakenfist's
// daemons/main.py restart-recovery step: a crash-restarted node must
// not trust its own stale record of what was running before it went
// away, and must actively rebuild rather than just resync a status
// field.
func Restore(ctx context.Context, st *store.Store, drv hypervisor.Driver, overlay networkManager, deleter instanceDeleter, nodeName string) error {
	logger := log.WithComponent("supervisor")

	instances, err := st.ListInstances()
	if err != nil {
		return err
	}

	for _, inst := range instances {
		if inst.Node != nodeName || inst.State != types.InstanceStateCreated {
			continue
		}

		if err := restoreOne(ctx, st, drv, overlay, inst); err != nil {
			logger.Error().Err(err).Str("instance", inst.UUID).Msg("restore failed, deleting instance")

			ev := &types.Event{
				ObjectType: "instance",
				ObjectUUID: inst.UUID,
				Timestamp:  time.Now(),
				Source:     "supervisor",
				Verb:       "restore_failed",
				Message:    fmt.Sprintf("restore failed: %v", err),
			}
			if perr := st.PutEvent(inst.UUID, ev); perr != nil {
				logger.Error().Err(perr).Str("instance", inst.UUID).Msg("failed recording restore-failure event")
			}

			if derr := deleter.DeleteInstance(ctx, inst.UUID); derr != nil {
				logger.Error().Err(derr).Str("instance", inst.UUID).Msg("failed deleting instance after restore failure")
			}
			continue
		}

		logger.Info().Str("instance", inst.UUID).Msg("restored instance")
	}

	return nil
}

// restoreOne re-materializes inst's networks and, if its recorded
// power state is bootable, starts it.
func restoreOne(ctx context.Context, st *store.Store, drv hypervisor.Driver, overlay networkManager, inst *types.Instance) error {
	if err := restoreNetworking(ctx, st, overlay, inst); err != nil {
		return fmt.Errorf("restore networking: %w", err)
	}

	if !bootablePowerStates[inst.PowerState] {
		return nil
	}

	if err := drv.PowerOn(ctx, inst); err != nil {
		return fmt.Errorf("power on: %w", err)
	}

	inst.PowerState = types.PowerStateOn
	return st.PutInstance(inst)
}

// restoreNetworking re-runs EnsureNetwork/UpdateDHCP for every network
// inst has a live interface on, the same idempotent sequence
// pkg/pipeline's ensureNetworking step performs at creation time.
func restoreNetworking(ctx context.Context, st *store.Store, overlay networkManager, inst *types.Instance) error {
	ifaces, err := st.ListInterfacesByInstance(inst.UUID)
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	seen := map[string]bool{}
	for _, iface := range ifaces {
		if iface.State == types.InterfaceStateDeleted || seen[iface.NetworkUUID] {
			continue
		}
		seen[iface.NetworkUUID] = true

		n, err := st.GetNetwork(iface.NetworkUUID)
		if err != nil || n == nil {
			return fmt.Errorf("network %s: %w", iface.NetworkUUID, err)
		}
		if err := overlay.EnsureNetwork(ctx, n); err != nil {
			return fmt.Errorf("ensure network %s: %w", n.UUID, err)
		}

		netIfaces, err := st.ListInterfaces()
		if err != nil {
			return err
		}
		var onNet []*types.NetworkInterface
		for _, ni := range netIfaces {
			if ni.NetworkUUID == n.UUID {
				onNet = append(onNet, ni)
			}
		}
		if err := overlay.UpdateDHCP(n, onNet); err != nil {
			return fmt.Errorf("update dhcp %s: %w", n.UUID, err)
		}
	}

	return nil
}
