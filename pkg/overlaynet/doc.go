/*
Package overlaynet brings up the network-node-side plumbing for each
Network: a VXLAN device stretches the network's broadcast domain
across every node that has an instance attached to it, a Linux bridge
joins that VXLAN device to nothing else (instance taps are added by
the hypervisor driver at attach time), and — mirroring the
DNAT/MASQUERADE/FORWARD iptables rule triplet warren's teacher repo
used for container port publishing — NAT and forwarding rules give
instances on a provide_nat network a path out through the node's
egress NIC.

DHCP is served directly from the control plane rather than deferred to
a guest-side client configuration step: each network with
provide_dhcp set gets one insomniacslk/dhcp server4 listener bound to its bridge,
handing out exactly the address the scheduler/ipam layer already
reserved for a given MAC and nothing else.
*/
package overlaynet
