/*
Package imagecache mirrors shakenfist's image fetcher: each distinct
source URL is hashed to a cache directory holding a sequence of
immutable, versioned files (image.v001, image.v002, ...) plus an
info.json recording the version that is currently current and the
Last-Modified/Content-Length used to detect upstream changes.

A fetch is guarded by a lock named after the URL hash so that two
instances referencing the same base image on the same node don't race
to fetch it twice; the lock is refreshed every 10 seconds for the
duration of the download so it survives fetches slower than any single
lock TTL (see store.Lock.KeepAlive).
*/
package imagecache
