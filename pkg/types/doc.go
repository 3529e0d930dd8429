/*
Package types defines the core data structures shared across warren's
control plane: nodes, instances, networks, network interfaces, the
per-network IP allocator, audit events, and image cache records.

# Design Patterns

Enumerations use typed string constants:

	type PowerState string
	const (
	    PowerStateOn  PowerState = "on"
	    PowerStateOff PowerState = "off"
	)

Optional fields that a client may omit use the JSON "omitempty" tag
rather than pointers, since every field here has a meaningful zero
value (an unset Base means a blank disk, an unset Floating means no
floating address has been associated yet).

# State Machines

Instance.PowerState reflects what the hypervisor driver last reported:

	initial -> transition-to-on -> on -> transition-to-off -> off
	              \                                  \
	               -> error                           -> error

Instance.State tracks the control-plane record independently of power:

	initial -> created -> deleted
	              \
	               -> error

# Integration Points

  - pkg/store persists these types as JSON values in the coordination KV store.
  - pkg/scheduler reads Node.Free* fields for placement scoring.
  - pkg/ipam owns IPManager and produces NetworkInterface.IPv4/MACAddr.
  - pkg/imagecache produces ImageCacheRecord entries consulted by pkg/pipeline.
  - pkg/httpapi marshals these types directly as API request/response bodies.
*/
package types
