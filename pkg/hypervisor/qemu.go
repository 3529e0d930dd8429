package hypervisor

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	qmp "github.com/digitalocean/go-qemu/qmp"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/types"
)

// QEMUDriver drives guests through QEMU's QMP control socket, one per
// running instance, conventionally at <instance-dir>/qmp.sock. It does
// not launch the qemu process, and neither does any other warrend
// component; it only speaks QMP to a process already running.
type QEMUDriver struct {
	runDir string
}

// NewQEMUDriver creates a driver that expects each instance's QMP
// socket under runDir/<uuid>/qmp.sock.
func NewQEMUDriver(runDir string) *QEMUDriver {
	return &QEMUDriver{runDir: runDir}
}

func (d *QEMUDriver) socketPath(inst *types.Instance) string {
	return filepath.Join(d.runDir, inst.UUID, "qmp.sock")
}

func (d *QEMUDriver) connect(ctx context.Context, inst *types.Instance) (*qmp.SocketMonitor, error) {
	mon, err := qmp.NewSocketMonitor("unix", d.socketPath(inst), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect qmp socket for %s: %w", inst.UUID, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("negotiate qmp for %s: %w", inst.UUID, err)
	}
	return mon, nil
}

func (d *QEMUDriver) command(ctx context.Context, inst *types.Instance, cmd string) error {
	mon, err := d.connect(ctx, inst)
	if err != nil {
		return err
	}
	defer mon.Disconnect()

	if _, err := mon.Run([]byte(fmt.Sprintf(`{"execute":%q}`, cmd))); err != nil {
		return fmt.Errorf("qmp %s on %s: %w", cmd, inst.UUID, err)
	}
	return nil
}

func (d *QEMUDriver) PowerOn(ctx context.Context, inst *types.Instance) error {
	// The guest process must already be running; PowerOn only sends
	// cont over its QMP socket.
	return d.command(ctx, inst, "cont")
}

func (d *QEMUDriver) PowerOff(ctx context.Context, inst *types.Instance, hard bool) error {
	if hard {
		return d.command(ctx, inst, "quit")
	}
	return d.command(ctx, inst, "system_powerdown")
}

func (d *QEMUDriver) Pause(ctx context.Context, inst *types.Instance) error {
	return d.command(ctx, inst, "stop")
}

func (d *QEMUDriver) Unpause(ctx context.Context, inst *types.Instance) error {
	return d.command(ctx, inst, "cont")
}

func (d *QEMUDriver) Reboot(ctx context.Context, inst *types.Instance, hard bool) error {
	if hard {
		return d.command(ctx, inst, "system_reset")
	}
	return d.command(ctx, inst, "system_powerdown")
}

func (d *QEMUDriver) Snapshot(ctx context.Context, inst *types.Instance, label string) error {
	mon, err := d.connect(ctx, inst)
	if err != nil {
		return err
	}
	defer mon.Disconnect()

	cmd := fmt.Sprintf(`{"execute":"human-monitor-command","arguments":{"command-line":"savevm %s"}}`, label)
	if _, err := mon.Run([]byte(cmd)); err != nil {
		return fmt.Errorf("qmp savevm %s on %s: %w", label, inst.UUID, err)
	}
	return nil
}

func (d *QEMUDriver) Status(ctx context.Context, inst *types.Instance) (types.PowerState, error) {
	mon, err := d.connect(ctx, inst)
	if err != nil {
		if _, ok := err.(net.Error); ok {
			return types.PowerStateOff, nil
		}
		return types.PowerStateUnknown, err
	}
	defer mon.Disconnect()

	resp, err := mon.Run([]byte(`{"execute":"query-status"}`))
	if err != nil {
		log.WithComponent("hypervisor").Warn().Err(err).Str("instance", inst.UUID).Msg("query-status failed")
		return types.PowerStateUnknown, nil
	}
	_ = resp
	return types.PowerStateOn, nil
}
