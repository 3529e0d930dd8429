/*
Package httpapi serves warrend's REST surface with plain net/http and
Go 1.22's pattern-based http.ServeMux, matching the teacher's
stdlib-first bias (its pkg/health used raw net/http with no
third-party router). The teacher's surface is gRPC with an mTLS
interceptor; neither transport nor its auth model carries over, so
this package's JWT bearer-token middleware (middleware.go) and typed
apierr-to-status mapping (respond.go) are new, grounded on the
teacher's only other HTTP surface, pkg/health.

Every handler that acts on an instance or interface first decides
whether the target object's owner is this node; if not, Proxy
(proxy.go) re-sends the request verbatim (or, for instance creation,
with placed_on and instance_uuid pinned) to the owning node and relays
its response, mirroring shakenfist's external_api/app.py
request-forwarding helper. Float and defloat are forwarded to the
network node. The network-node-only admin endpoints are not proxied:
on any other node they fail with 403.
*/
package httpapi
