// Package hypervisor defines the contract warrend uses to drive guest
// power state and expose it through a concrete QMP-backed driver for
// QEMU-based nodes.
package hypervisor

import (
	"context"

	"github.com/nimbusfleet/warren/pkg/types"
)

// Driver is the contract the instance pipeline and HTTP layer use to
// act on a guest, independent of the concrete hypervisor in use on a
// node. A node reports its Driver's capabilities through this
// interface only; no caller should assume QEMU, libvirt, or any other
// specific backend.
type Driver interface {
	// PowerOn starts inst's guest from its attached disks.
	PowerOn(ctx context.Context, inst *types.Instance) error

	// PowerOff stops inst's guest. hard requests an immediate power cut
	// rather than a graceful ACPI shutdown.
	PowerOff(ctx context.Context, inst *types.Instance, hard bool) error

	// Pause/Unpause suspend and resume guest execution without tearing
	// down the underlying process.
	Pause(ctx context.Context, inst *types.Instance) error
	Unpause(ctx context.Context, inst *types.Instance) error

	// Reboot restarts inst's guest. hard requests a reset rather than
	// an ACPI-triggered graceful reboot.
	Reboot(ctx context.Context, inst *types.Instance, hard bool) error

	// Snapshot captures the current disk state of inst, labeled by
	// label, without interrupting the guest.
	Snapshot(ctx context.Context, inst *types.Instance, label string) error

	// Status queries the hypervisor directly for inst's current power
	// state. Startup restore does not call it.
	Status(ctx context.Context, inst *types.Instance) (types.PowerState, error)
}
