package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/imagecache"
	"github.com/nimbusfleet/warren/pkg/ipam"
	"github.com/nimbusfleet/warren/pkg/scheduler"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeOverlay satisfies networkBringup without shelling out to ip/iptables.
type fakeOverlay struct{}

func (fakeOverlay) EnsureNetwork(ctx context.Context, n *types.Network) error { return nil }
func (fakeOverlay) UpdateDHCP(n *types.Network, interfaces []*types.NetworkInterface) error {
	return nil
}

type fakeDriver struct{ powerOnCalls int }

func (f *fakeDriver) PowerOn(ctx context.Context, inst *types.Instance) error {
	f.powerOnCalls++
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
	return types.PowerStateOn, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	port := 23000 + (time.Now().Nanosecond() % 1000)
	st, err := store.Open(store.Config{
		NodeID:   "node-a",
		BindAddr: fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap())
	require.Eventually(t, st.IsLeader, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateInstancePlacesAndProvisionsInterfaces(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.PutNode(&types.Node{Name: "node-a", FreeCPU: 8, FreeRAMMB: 8192, FreeDiskGB: 200, LastSeen: time.Now()}))

	net := &types.Network{UUID: "net-1", Name: "default", Netblock: "10.0.0.0/24", State: types.NetworkStateCreated}
	require.NoError(t, st.PutNetwork(net))
	ipm, err := ipam.NewManager(net.UUID, net.Netblock)
	require.NoError(t, err)
	require.NoError(t, st.PutIPManager(ipm))

	images, err := imagecache.New(t.TempDir(), st.Locks())
	require.NoError(t, err)

	drv := &fakeDriver{}
	sched := scheduler.New(16, 1.5)

	p := New(st, sched, images, drv, fakeOverlay{}, nil, "node-a", t.TempDir())

	inst, err := p.CreateInstance(context.Background(), CreateRequest{
		Name:     "web-1",
		VCPUs:    1,
		MemoryMB: 512,
		Networks: []types.NetworkRequest{{NetworkUUID: "net-1"}},
	})
	require.NoError(t, err)
	require.Equal(t, "node-a", inst.Node)
	require.Equal(t, types.InstanceStateCreated, inst.State)
	require.Equal(t, 1, drv.powerOnCalls)

	ifaces, err := st.ListInterfacesByInstance(inst.UUID)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	require.Equal(t, types.InterfaceStateCreated, ifaces[0].State)
	require.NotEmpty(t, ifaces[0].IPv4)
}

func TestCreateInstanceEmitsUUIDAllocatedEventWhenGenerated(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutNode(&types.Node{Name: "node-a", FreeCPU: 8, FreeRAMMB: 8192, FreeDiskGB: 200, LastSeen: time.Now()}))

	drv := &fakeDriver{}
	p := New(st, scheduler.New(16, 1.5), nil, drv, fakeOverlay{}, nil, "node-a", t.TempDir())

	inst, err := p.CreateInstance(context.Background(), CreateRequest{
		Name:     "web-1",
		VCPUs:    1,
		MemoryMB: 512,
	})
	require.NoError(t, err)

	events, err := st.ListEvents(inst.UUID)
	require.NoError(t, err)

	var found bool
	for _, ev := range events {
		if ev.Verb == "uuid_allocated" {
			found = true
		}
	}
	require.True(t, found, "expected a uuid_allocated event, got %+v", events)
}

func TestCreateInstanceSkipsUUIDAllocatedEventWhenUUIDSupplied(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutNode(&types.Node{Name: "node-a", FreeCPU: 8, FreeRAMMB: 8192, FreeDiskGB: 200, LastSeen: time.Now()}))

	drv := &fakeDriver{}
	p := New(st, scheduler.New(16, 1.5), nil, drv, fakeOverlay{}, nil, "node-a", t.TempDir())

	inst, err := p.CreateInstance(context.Background(), CreateRequest{
		InstanceUUID: "preassigned-uuid",
		Name:         "web-1",
		VCPUs:        1,
		MemoryMB:     512,
	})
	require.NoError(t, err)
	require.Equal(t, "preassigned-uuid", inst.UUID)

	events, err := st.ListEvents(inst.UUID)
	require.NoError(t, err)

	for _, ev := range events {
		require.NotEqual(t, "uuid_allocated", ev.Verb)
	}
}

func TestDeleteInstanceTombstonesRecord(t *testing.T) {
	st := newTestStore(t)
	drv := &fakeDriver{}
	p := New(st, scheduler.New(16, 1.5), nil, drv, fakeOverlay{}, nil, "node-a", t.TempDir())

	inst := &types.Instance{UUID: "inst-1", Node: "node-a", State: types.InstanceStateCreated}
	require.NoError(t, st.PutInstance(inst))

	require.NoError(t, p.DeleteInstance(context.Background(), "inst-1"))

	got, err := st.GetInstance("inst-1")
	require.NoError(t, err)
	require.Equal(t, types.InstanceStateDeleted, got.State)
	require.False(t, got.DeletedAt.IsZero())
}
