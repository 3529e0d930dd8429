package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	status     types.PowerState
	powerOnErr error
	poweredOn  []string
}

func (f *fakeDriver) PowerOn(ctx context.Context, inst *types.Instance) error {
	if f.powerOnErr != nil {
		return f.powerOnErr
	}
	f.poweredOn = append(f.poweredOn, inst.UUID)
	return nil
}
func (f *fakeDriver) PowerOff(ctx context.Context, inst *types.Instance, hard bool) error {
	return nil
}
func (f *fakeDriver) Pause(ctx context.Context, inst *types.Instance) error   { return nil }
func (f *fakeDriver) Unpause(ctx context.Context, inst *types.Instance) error { return nil }
func (f *fakeDriver) Reboot(ctx context.Context, inst *types.Instance, hard bool) error {
	return nil
}
func (f *fakeDriver) Snapshot(ctx context.Context, inst *types.Instance, label string) error {
	return nil
}
func (f *fakeDriver) Status(ctx context.Context, inst *types.Instance) (types.PowerState, error) {
	return f.status, nil
}

type fakeOverlay struct {
	ensureErr error
	ensured   []string
}

func (f *fakeOverlay) EnsureNetwork(ctx context.Context, n *types.Network) error {
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensured = append(f.ensured, n.UUID)
	return nil
}
func (f *fakeOverlay) UpdateDHCP(n *types.Network, interfaces []*types.NetworkInterface) error {
	return nil
}

type fakeDeleter struct {
	deleted []string
}

func (f *fakeDeleter) DeleteInstance(ctx context.Context, instUUID string) error {
	f.deleted = append(f.deleted, instUUID)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	port := 22000 + (time.Now().Nanosecond() % 1000)
	st, err := store.Open(store.Config{
		NodeID:   "test-node",
		BindAddr: fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap())
	require.Eventually(t, st.IsLeader, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRestoreBootsBootablePowerState(t *testing.T) {
	st := newTestStore(t)

	inst := &types.Instance{
		UUID:       "inst-1",
		Node:       "node-a",
		State:      types.InstanceStateCreated,
		PowerState: types.PowerStateTransitionToOn,
	}
	require.NoError(t, st.PutInstance(inst))

	drv := &fakeDriver{status: types.PowerStateOn}
	overlay := &fakeOverlay{}
	deleter := &fakeDeleter{}
	require.NoError(t, Restore(context.Background(), st, drv, overlay, deleter, "node-a"))

	got, err := st.GetInstance("inst-1")
	require.NoError(t, err)
	require.Equal(t, types.PowerStateOn, got.PowerState)
	require.Equal(t, []string{"inst-1"}, drv.poweredOn)
	require.Empty(t, deleter.deleted)
}

func TestRestoreSkipsInstancesOnOtherNodes(t *testing.T) {
	st := newTestStore(t)

	inst := &types.Instance{
		UUID:       "inst-2",
		Node:       "node-b",
		State:      types.InstanceStateCreated,
		PowerState: types.PowerStateOn,
	}
	require.NoError(t, st.PutInstance(inst))

	drv := &fakeDriver{status: types.PowerStateOff}
	overlay := &fakeOverlay{}
	deleter := &fakeDeleter{}
	require.NoError(t, Restore(context.Background(), st, drv, overlay, deleter, "node-a"))

	got, err := st.GetInstance("inst-2")
	require.NoError(t, err)
	require.Equal(t, types.PowerStateOn, got.PowerState)
	require.Empty(t, drv.poweredOn)
}

func TestRestoreLeavesNonBootablePowerStateAlone(t *testing.T) {
	st := newTestStore(t)

	inst := &types.Instance{
		UUID:       "inst-3",
		Node:       "node-a",
		State:      types.InstanceStateCreated,
		PowerState: types.PowerStateOff,
	}
	require.NoError(t, st.PutInstance(inst))

	drv := &fakeDriver{status: types.PowerStateOff}
	overlay := &fakeOverlay{}
	deleter := &fakeDeleter{}
	require.NoError(t, Restore(context.Background(), st, drv, overlay, deleter, "node-a"))

	require.Empty(t, drv.poweredOn)
	require.Empty(t, deleter.deleted)
}

func TestRestoreDeletesInstanceWhenPowerOnFails(t *testing.T) {
	st := newTestStore(t)

	inst := &types.Instance{
		UUID:       "inst-4",
		Node:       "node-a",
		State:      types.InstanceStateCreated,
		PowerState: types.PowerStateOn,
	}
	require.NoError(t, st.PutInstance(inst))

	drv := &fakeDriver{status: types.PowerStateOn, powerOnErr: fmt.Errorf("qmp socket gone")}
	overlay := &fakeOverlay{}
	deleter := &fakeDeleter{}
	require.NoError(t, Restore(context.Background(), st, drv, overlay, deleter, "node-a"))

	require.Equal(t, []string{"inst-4"}, deleter.deleted)

	events, err := st.ListEvents("inst-4")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, "restore_failed", events[len(events)-1].Verb)
}

func TestRestoreReMaterializesNetworking(t *testing.T) {
	st := newTestStore(t)

	net := &types.Network{UUID: "net-1", Name: "net-1", State: types.NetworkStateCreated}
	require.NoError(t, st.PutNetwork(net))

	inst := &types.Instance{
		UUID:       "inst-5",
		Node:       "node-a",
		State:      types.InstanceStateCreated,
		PowerState: types.PowerStateOn,
	}
	require.NoError(t, st.PutInstance(inst))
	require.NoError(t, st.PutInterface(&types.NetworkInterface{
		UUID:         "iface-1",
		InstanceUUID: inst.UUID,
		NetworkUUID:  net.UUID,
		State:        types.InterfaceStateCreated,
	}))

	drv := &fakeDriver{status: types.PowerStateOn}
	overlay := &fakeOverlay{}
	deleter := &fakeDeleter{}
	require.NoError(t, Restore(context.Background(), st, drv, overlay, deleter, "node-a"))

	require.Equal(t, []string{"net-1"}, overlay.ensured)
}
