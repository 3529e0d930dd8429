// Package pipeline implements CreateInstance and DeleteInstance, the
// aggregating flows that orchestrate scheduler, store, imagecache, and
// hypervisor-driver calls behind instance creation and teardown. It
// collapses the teacher's Scheduler.scheduleService -> manager.CreateContainer
// hand-off (a background poller reconciling desired vs actual state)
// into one synchronous call path, since this spec's scheduler places
// synchronously per request rather than on a reconciliation tick.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/events"
	"github.com/nimbusfleet/warren/pkg/hypervisor"
	"github.com/nimbusfleet/warren/pkg/imagecache"
	"github.com/nimbusfleet/warren/pkg/ipam"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/metrics"
	"github.com/nimbusfleet/warren/pkg/scheduler"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/triggers"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/rs/zerolog"
)

// nameSanitizer retains the characters a network interface / cgroup
// name can safely use; anything else is dropped.
var nameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ipManagerLockTTL covers the read-modify-write of a single network's
// IPManager: parse netblock, reserve or allocate, marshal, write back.
const ipManagerLockTTL = 120 * time.Second

// instanceLockTTL covers the whole creation pipeline from placement
// through the final interface-created event (steps 3-9 of §4.5).
const instanceLockTTL = 300 * time.Second

// CreateRequest is the caller-supplied shape of POST /instances,
// already authenticated and namespace-checked by the HTTP layer.
type CreateRequest struct {
	Name         string
	VCPUs        int
	MemoryMB     int64
	Disks        []types.DiskSpec
	Networks     []types.NetworkRequest
	SSHKey       string
	UserData     string
	PlacedOn     string
	InstanceUUID string
}

// networkBringup is the slice of *overlaynet.Manager's API the
// pipeline depends on, narrowed to an interface so tests can supply a
// fake that never shells out to ip/iptables.
type networkBringup interface {
	EnsureNetwork(ctx context.Context, n *types.Network) error
	UpdateDHCP(n *types.Network, interfaces []*types.NetworkInterface) error
}

// Pipeline wires together the components CreateInstance and
// DeleteInstance orchestrate.
type Pipeline struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	images    *imagecache.Cache
	driver    hypervisor.Driver
	overlay   networkBringup
	events    *events.Broker
	nodeName  string
	runDir    string

	watchersMu sync.Mutex
	watchers   map[string]*triggers.Watcher
}

// New creates a Pipeline bound to this node's identity and components.
// broker may be nil, in which case instance lifecycle events are only
// persisted to the store, never fanned out live.
func New(st *store.Store, sched *scheduler.Scheduler, images *imagecache.Cache,
	driver hypervisor.Driver, overlay networkBringup, broker *events.Broker, nodeName, runDir string) *Pipeline {
	return &Pipeline{
		store:     st,
		scheduler: sched,
		images:    images,
		driver:    driver,
		overlay:   overlay,
		events:    broker,
		nodeName:  nodeName,
		runDir:    runDir,
		watchers:  make(map[string]*triggers.Watcher),
	}
}

// recordEvent persists ev and, if a broker is attached, fans it out to
// live subscribers.
func (p *Pipeline) recordEvent(ev *types.Event) {
	if err := p.store.PutEvent(ev.ObjectUUID, ev); err != nil {
		log.WithComponent("pipeline").Error().Err(err).Str("instance", ev.ObjectUUID).Msg("failed recording event")
	}
	if p.events != nil {
		p.events.Publish(ev)
	}
}

// consolePath returns the path of instUUID's console log, the same
// convention triggers.Watcher tails.
func (p *Pipeline) consolePath(instUUID string) string {
	return filepath.Join(p.runDir, instUUID, "console.log")
}

// startWatcher begins tailing instUUID's console log for known
// patterns (cloud-init completion, kernel panics, login prompts) for
// the lifetime of the instance, independent of the request context
// that created it.
func (p *Pipeline) startWatcher(instUUID string) {
	w := triggers.NewWatcher(instUUID, p.consolePath(instUUID), p.store)
	p.watchersMu.Lock()
	p.watchers[instUUID] = w
	p.watchersMu.Unlock()
	w.Start(context.Background())
}

// stopWatcher ends instUUID's console watcher, if one is running.
func (p *Pipeline) stopWatcher(instUUID string) {
	p.watchersMu.Lock()
	w, ok := p.watchers[instUUID]
	delete(p.watchers, instUUID)
	p.watchersMu.Unlock()
	if ok {
		w.Stop()
	}
}

// reservation tracks one address allocated during interface
// provisioning, kept so a later failure can unwind everything
// allocated so far under the same locking discipline it was acquired
// with (shakenfist's error_with_cleanup pattern).
type reservation struct {
	networkUUID string
	address     string
}

// allocationSet accumulates reservations across the interface-provisioning
// loop and rolls every one of them back on failure.
type allocationSet struct {
	st    *store.Store
	items []reservation
}

// CreateInstance runs the instance creation pipeline on this node. It
// sanitizes req.Name and, when req.InstanceUUID is empty, allocates a
// fresh UUID and records a uuid_allocated event; proxying to another
// node when placement lands elsewhere is the HTTP layer's job.
func (p *Pipeline) CreateInstance(ctx context.Context, req CreateRequest) (*types.Instance, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceCreateDuration)

	logger := log.WithComponent("pipeline")

	name := nameSanitizer.ReplaceAllString(req.Name, "")
	instUUID := req.InstanceUUID
	if instUUID == "" {
		instUUID = uuid.NewString()
		p.recordEvent(&types.Event{
			ObjectType: "instance",
			ObjectUUID: instUUID,
			Timestamp:  time.Now(),
			Source:     "pipeline",
			Verb:       "uuid_allocated",
			Message:    fmt.Sprintf("allocated instance uuid %s", instUUID),
		})
	}

	lock, err := p.store.Locks().Acquire(ctx, "instance/"+instUUID, instanceLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	defer lock.Release()

	inst := &types.Instance{
		UUID:       instUUID,
		Name:       name,
		VCPUs:      req.VCPUs,
		MemoryMB:   req.MemoryMB,
		Disks:      req.Disks,
		SSHKey:     req.SSHKey,
		UserData:   req.UserData,
		Node:       p.nodeName,
		PowerState: types.PowerStateInitial,
		State:      types.InstanceStateInitial,
		CreatedAt:  time.Now(),
	}

	if err := p.store.PutInstance(inst); err != nil {
		return nil, fmt.Errorf("persist instance record: %w", err)
	}

	networkUUIDs := make([]string, len(req.Networks))
	for i, n := range req.Networks {
		networkUUIDs[i] = n.NetworkUUID
	}

	if err := p.place(ctx, inst, req, networkUUIDs); err != nil {
		inst.State = types.InstanceStateError
		p.store.PutInstance(inst)
		return nil, err
	}

	allocs := &allocationSet{st: p.store}
	ifaces, err := p.provisionInterfaces(ctx, inst, req.Networks, allocs)
	if err != nil {
		allocs.rollback(logger)
		inst.State = types.InstanceStateError
		p.store.PutInstance(inst)
		return nil, err
	}

	if err := p.ensureNetworking(ctx, ifaces); err != nil {
		allocs.rollback(logger)
		inst.State = types.InstanceStateError
		p.store.PutInstance(inst)
		return nil, err
	}

	if err := p.buildAndStart(ctx, inst); err != nil {
		allocs.rollback(logger)
		inst.State = types.InstanceStateError
		p.store.PutInstance(inst)
		return nil, err
	}

	for _, iface := range ifaces {
		iface.State = types.InterfaceStateCreated
		if err := p.store.PutInterface(iface); err != nil {
			logger.Error().Err(err).Str("interface", iface.UUID).Msg("failed marking interface created")
		}
	}

	inst.State = types.InstanceStateCreated
	inst.PowerState = types.PowerStateOn
	if err := p.store.PutInstance(inst); err != nil {
		return nil, fmt.Errorf("persist final instance state: %w", err)
	}

	p.recordEvent(&types.Event{
		ObjectType: "instance",
		ObjectUUID: inst.UUID,
		Timestamp:  time.Now(),
		Source:     "pipeline",
		Verb:       "created",
		Message:    "instance created",
	})

	p.startWatcher(inst.UUID)

	return inst, nil
}

// place resolves and persists inst.Node. If the caller supplied
// placed_on, only that node is validated. It does not check for a node
// already recorded for inst's UUID: the chosen node overwrites
// whatever the stored record held.
func (p *Pipeline) place(ctx context.Context, inst *types.Instance, req CreateRequest, networkUUIDs []string) error {
	c := scheduler.Constraints{VCPUs: req.VCPUs, MemoryMB: req.MemoryMB, NetworkUUIDs: networkUUIDs}
	for _, d := range req.Disks {
		c.DiskGB += d.SizeGB
	}

	var candidates []*types.Node
	if req.PlacedOn != "" {
		n, err := p.store.GetNode(req.PlacedOn)
		if err != nil || n == nil {
			return apierr.New(apierr.KindCandidateNodeNotFound, fmt.Sprintf("placed_on node %q not found", req.PlacedOn))
		}
		if !n.Live(time.Now()) {
			return apierr.New(apierr.KindCandidateNodeNotFound, fmt.Sprintf("placed_on node %q has an expired heartbeat lease", req.PlacedOn))
		}
		candidates = []*types.Node{n}
	} else {
		nodes, err := p.store.ListNodes()
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		candidates = types.LiveNodes(nodes, time.Now())
	}

	chosen, err := p.scheduler.Place(c, candidates, func(nodeName string) bool {
		ifaces, err := p.store.ListInterfaces()
		if err != nil {
			return false
		}
		for _, iface := range ifaces {
			for _, nu := range networkUUIDs {
				if iface.NetworkUUID == nu {
					if owner, _ := p.store.GetInstance(iface.InstanceUUID); owner != nil && owner.Node == nodeName {
						return true
					}
				}
			}
		}
		return false
	})
	if err != nil {
		return err
	}

	inst.Node = chosen.Name
	return p.store.PutInstance(inst)
}

// provisionInterfaces implements step 6: reserve an address per
// requested network, in caller order, tracking every reservation in
// allocs for rollback.
func (p *Pipeline) provisionInterfaces(ctx context.Context, inst *types.Instance, reqs []types.NetworkRequest, allocs *allocationSet) ([]*types.NetworkInterface, error) {
	var ifaces []*types.NetworkInterface

	for order, nr := range reqs {
		lock, err := p.store.Locks().Acquire(ctx, "ipmanager/"+nr.NetworkUUID, ipManagerLockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire ipmanager lock for %s: %w", nr.NetworkUUID, err)
		}

		m, err := p.store.GetIPManager(nr.NetworkUUID)
		if err != nil || m == nil {
			lock.Release()
			return nil, apierr.NotFound("ipmanager", nr.NetworkUUID)
		}

		var address string
		if nr.Address != "" {
			if err := ipam.Reserve(m, nr.Address); err != nil {
				lock.Release()
				return nil, err
			}
			address = nr.Address
		} else {
			address, err = ipam.GetRandomFreeAddress(m)
			if err != nil {
				lock.Release()
				return nil, err
			}
		}

		err = p.store.PutIPManager(m)
		lock.Release()
		if err != nil {
			return nil, fmt.Errorf("persist ipmanager %s: %w", nr.NetworkUUID, err)
		}

		allocs.items = append(allocs.items, reservation{networkUUID: nr.NetworkUUID, address: address})

		model := nr.Model
		if model == "" {
			model = "virtio"
		}

		iface := &types.NetworkInterface{
			UUID:         uuid.NewString(),
			InstanceUUID: inst.UUID,
			NetworkUUID:  nr.NetworkUUID,
			IPv4:         address,
			MACAddr:      macForUUID(inst.UUID, order),
			Model:        model,
			Order:        order,
			State:        types.InterfaceStateInitial,
		}
		if err := p.store.PutInterface(iface); err != nil {
			return nil, fmt.Errorf("persist interface: %w", err)
		}
		ifaces = append(ifaces, iface)
	}

	return ifaces, nil
}

// ensureNetworking brings up the overlay mesh and DHCP for every
// network referenced by ifaces (step 7), idempotently.
func (p *Pipeline) ensureNetworking(ctx context.Context, ifaces []*types.NetworkInterface) error {
	seen := map[string]bool{}
	for _, iface := range ifaces {
		if seen[iface.NetworkUUID] {
			continue
		}
		seen[iface.NetworkUUID] = true

		n, err := p.store.GetNetwork(iface.NetworkUUID)
		if err != nil || n == nil {
			return apierr.NotFound("network", iface.NetworkUUID)
		}
		if err := p.overlay.EnsureNetwork(ctx, n); err != nil {
			return fmt.Errorf("ensure networking for %s: %w", n.UUID, err)
		}

		netIfaces, err := p.store.ListInterfaces()
		if err != nil {
			return err
		}
		var onNet []*types.NetworkInterface
		for _, ni := range netIfaces {
			if ni.NetworkUUID == n.UUID {
				onNet = append(onNet, ni)
			}
		}
		if err := p.overlay.UpdateDHCP(n, onNet); err != nil {
			return fmt.Errorf("update dhcp for %s: %w", n.UUID, err)
		}
	}
	return nil
}

// diskPath returns the path instUUID's disk at index is materialized
// at. The name always ends in .qcow2: a disk with a base image is a
// qcow2 COW overlay, while a blank volume is a raw file written by
// imagecache.CreateRaw.
func (p *Pipeline) diskPath(instUUID string, index int) string {
	return filepath.Join(p.runDir, instUUID, fmt.Sprintf("disk-%d.qcow2", index))
}

// buildAndStart materializes inst's disks (a COW overlay against the
// fetched, transcoded base image for each disk that names one, a
// blank volume otherwise), builds a cloud-init NoCloud seed ISO when
// the request carried user-data, and powers the guest on (step 8).
func (p *Pipeline) buildAndStart(ctx context.Context, inst *types.Instance) error {
	instDir := filepath.Join(p.runDir, inst.UUID)
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		return fmt.Errorf("create instance run dir: %w", err)
	}

	for i, d := range inst.Disks {
		dst := p.diskPath(inst.UUID, i)

		if d.Base == "" {
			if err := imagecache.CreateRaw(dst, d.SizeGB); err != nil {
				return fmt.Errorf("create blank disk %d: %w", i, err)
			}
			continue
		}

		basePath, _, err := p.images.Get(ctx, d.Base)
		if err != nil {
			return fmt.Errorf("fetch base image %s: %w", d.Base, err)
		}
		if err := imagecache.CreateCOW(ctx, basePath, dst); err != nil {
			return fmt.Errorf("derive disk %d from %s: %w", i, d.Base, err)
		}
	}

	if inst.UserData != "" {
		seedPath := filepath.Join(instDir, "seed.iso")
		if err := buildSeedISO(seedPath, inst); err != nil {
			return fmt.Errorf("build cloud-init seed iso: %w", err)
		}
	}

	return p.driver.PowerOn(ctx, inst)
}

// DeleteInstance tombstones inst: it marks the record deleted with a
// DeletedAt timestamp (reaped later by the cleaner after its grace
// period) and powers off the guest. Interfaces are left in place for
// the cleaner to remove alongside the instance.
func (p *Pipeline) DeleteInstance(ctx context.Context, instUUID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceDeleteDuration)

	lock, err := p.store.Locks().Acquire(ctx, "instance/"+instUUID, instanceLockTTL)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer lock.Release()

	inst, err := p.store.GetInstance(instUUID)
	if err != nil {
		return err
	}
	if inst == nil {
		return apierr.NotFound("instance", instUUID)
	}

	if err := p.driver.PowerOff(ctx, inst, true); err != nil {
		log.WithComponent("pipeline").Warn().Err(err).Str("instance", instUUID).Msg("power off during delete failed")
	}

	inst.State = types.InstanceStateDeleted
	inst.DeletedAt = time.Now()
	inst.PowerState = types.PowerStateOff
	if err := p.store.PutInstance(inst); err != nil {
		return fmt.Errorf("persist tombstoned instance: %w", err)
	}

	p.recordEvent(&types.Event{
		ObjectType: "instance",
		ObjectUUID: instUUID,
		Timestamp:  time.Now(),
		Source:     "pipeline",
		Verb:       "deleted",
		Message:    "instance deleted",
	})

	p.stopWatcher(instUUID)

	return nil
}

// rollback releases every tracked address reservation under the same
// locking discipline it was acquired with, in the order it failed
// during provisioning.
func (a *allocationSet) rollback(logger zerolog.Logger) {
	for _, r := range a.items {
		lock, err := a.st.Locks().Acquire(context.Background(), "ipmanager/"+r.networkUUID, ipManagerLockTTL)
		if err != nil {
			logger.Error().Err(err).Msg("failed acquiring ipmanager lock during rollback")
			continue
		}

		m, err := a.st.GetIPManager(r.networkUUID)
		if err == nil && m != nil {
			ipam.Release(m, r.address)
			a.st.PutIPManager(m)
		}
		lock.Release()
	}
}

func macForUUID(instUUID string, order int) string {
	h := fmt.Sprintf("%x", []byte(instUUID))
	if len(h) < 10 {
		h = h + "0000000000"
	}
	return fmt.Sprintf("52:54:%s:%s:%s:%02x", h[0:2], h[2:4], h[4:6], order&0xff)
}
