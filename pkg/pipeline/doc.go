/*
Package pipeline implements the instance creation and deletion flows
that aggregate scheduler, store, imagecache, overlaynet, and
hypervisor-driver calls into the single request-response path spec.md
§4.5 describes.

CreateInstance assumes placement has already resolved to this node —
proxying a request whose placement lands elsewhere is the HTTP layer's
job, since only it holds the cross-node client. Every address reserved
during interface provisioning is tracked in an allocationSet so that
any later failure in the pipeline unwinds every reservation made so
far under the same ipmanager/<uuid> locking discipline it was
acquired with, mirroring shakenfist's external_api/app.py
error_with_cleanup closure.

DeleteInstance tombstones rather than immediately removes a record:
State flips to deleted and DeletedAt is stamped, leaving the record
(and its interfaces) queryable until pkg/cleaner reaps it past its
grace period.
*/
package pipeline
