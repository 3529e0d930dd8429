// Package imagecache fetches, versions, and transcodes disk images on
// a per-node basis, keyed by the SHA-256 of the resolved source URL.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/exectools"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/metrics"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
)

// refreshInterval is how often a held fetch lock is renewed while a
// long download or transcode is in flight.
const refreshInterval = 10 * time.Second

const lockTTL = 60 * time.Second

// Cache manages the on-disk image cache rooted at dir.
type Cache struct {
	dir    string
	locks  *store.LockManager
	client *http.Client

	// transcode runs after a fresh fetch, defaulting to ensureQcow2.
	// Tests override it to avoid depending on a real qemu-img binary,
	// the same narrowed-seam pattern pkg/pipeline and pkg/httpapi use
	// for the external tools they shell out to.
	transcode func(ctx context.Context, path string) error
}

// New creates a Cache rooted at dir, creating it if necessary.
func New(dir string, locks *store.LockManager) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create image cache dir: %w", err)
	}
	return &Cache{dir: dir, locks: locks, client: &http.Client{Timeout: 30 * time.Second}, transcode: ensureQcow2}, nil
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) cacheDir(hash string) string {
	return filepath.Join(c.dir, hash)
}

func (c *Cache) infoPath(hash string) string {
	return filepath.Join(c.cacheDir(hash), "info.json")
}

func (c *Cache) versionPath(hash string, version int) string {
	return filepath.Join(c.cacheDir(hash), fmt.Sprintf("image.v%03d", version))
}

func (c *Cache) readInfo(hash string) (*types.ImageCacheRecord, bool) {
	data, err := os.ReadFile(c.infoPath(hash))
	if err != nil {
		return nil, false
	}
	var rec types.ImageCacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (c *Cache) writeInfo(hash string, rec *types.ImageCacheRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(c.infoPath(hash), data, 0644)
}

// Get resolves url through the cache: if the cached copy is current
// (per Last-Modified/Content-Length), its local path is returned
// immediately; otherwise the image is fetched fresh. The operation is
// guarded by a named lock keyed on the URL hash, refreshed every 10s
// so a slow fetch is never preempted by a concurrent caller.
func (c *Cache) Get(ctx context.Context, url string) (string, *types.ImageCacheRecord, error) {
	hash := hashURL(url)
	logger := log.WithComponent("imagecache")

	lock, err := c.locks.Acquire(ctx, "image/"+hash, lockTTL)
	if err != nil {
		return "", nil, fmt.Errorf("acquire image lock: %w", err)
	}
	lock.KeepAlive(ctx, refreshInterval)
	defer lock.Release()

	if err := os.MkdirAll(c.cacheDir(hash), 0755); err != nil {
		return "", nil, fmt.Errorf("create image dir: %w", err)
	}

	existing, ok := c.readInfo(hash)
	dirty := true
	if ok {
		var err error
		dirty, err = c.requiresFetch(ctx, url, existing)
		if err != nil {
			logger.Warn().Err(err).Str("url", url).Msg("dirty check failed, refetching")
			dirty = true
		}
	}

	if !dirty {
		metrics.ImageCacheHitsTotal.Inc()
		return c.versionPath(hash, existing.Version), existing, nil
	}

	metrics.ImageCacheMissesTotal.Inc()
	timer := metrics.NewTimer()
	rec, err := c.fetch(ctx, url, hash, existing)
	timer.ObserveDuration(metrics.ImageFetchDuration)
	if err != nil {
		return "", nil, err
	}
	return c.versionPath(hash, rec.Version), rec, nil
}

// requiresFetch issues a HEAD request and compares it against the
// cached record's Last-Modified/Content-Length, mirroring the
// dirty-check the original image fetcher performs before re-downloading.
func (c *Cache) requiresFetch(ctx context.Context, url string, rec *types.ImageCacheRecord) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return true, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, nil
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" && lm == rec.LastModified {
		return false, nil
	}
	if resp.ContentLength > 0 && resp.ContentLength == rec.ContentLength {
		return false, nil
	}
	return true, nil
}

func (c *Cache) fetch(ctx context.Context, url, hash string, existing *types.ImageCacheRecord) (*types.ImageCacheRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFetchFailed, "build fetch request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFetchFailed, fmt.Sprintf("fetch %s", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.New(apierr.KindFetchFailed, fmt.Sprintf("fetch %s: status %d", url, resp.StatusCode))
	}

	version := 1
	if existing != nil {
		version = existing.Version + 1
	}

	dst := c.versionPath(hash, version)
	out, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindFetchFailed, "open gzip stream", err)
		}
		defer gz.Close()
		reader = gz
	}

	written, err := io.Copy(out, reader)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFetchFailed, "write image to cache", err)
	}
	out.Close()

	if err := c.transcode(ctx, dst); err != nil {
		return nil, apierr.Wrap(apierr.KindExternalToolFailed, "transcode fetched image to qcow2", err)
	}

	rec := &types.ImageCacheRecord{
		URL:           url,
		ContentHash:   hash,
		Version:       version,
		FetchedAt:     time.Now(),
		LastModified:  resp.Header.Get("Last-Modified"),
		ContentLength: written,
	}
	if err := c.writeInfo(hash, rec); err != nil {
		return nil, fmt.Errorf("write cache metadata: %w", err)
	}
	return rec, nil
}

// qemuImgInfoOutput is the subset of `qemu-img info --output=json`
// this package reads to decide whether a fetched image needs
// transcoding.
type qemuImgInfoOutput struct {
	Format string `json:"format"`
}

// ensureQcow2 transcodes path to qcow2 in place if it isn't already,
// the fetch pipeline's last step before an image is considered ready
// to derive disks from. It is idempotent: an already-qcow2 image is
// left untouched.
func ensureQcow2(ctx context.Context, path string) error {
	out, err := exectools.QemuImgInfo(ctx, path)
	if err != nil {
		return fmt.Errorf("qemu-img info %s: %w", path, err)
	}

	var info qemuImgInfoOutput
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return fmt.Errorf("parse qemu-img info for %s: %w", path, err)
	}
	if info.Format == "qcow2" {
		return nil
	}

	converted := path + ".qcow2"
	if err := exectools.QemuImgConvert(ctx, info.Format, path, "qcow2", converted); err != nil {
		return fmt.Errorf("convert %s (%s) to qcow2: %w", path, info.Format, err)
	}
	return os.Rename(converted, path)
}

// Resize grows dst to sizeGB gigabytes, using a hard link when the
// source is already at the target size (a no-op copy) and qemu-img
// resize otherwise.
func Resize(ctx context.Context, src, dst string, sizeGB int64) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if info.Size() == sizeGB*1024*1024*1024 {
		if err := os.Link(src, dst); err == nil {
			return nil
		}
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	return exectools.QemuImgResize(ctx, dst, sizeGB)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// CreateCOW derives a copy-on-write overlay disk at dst backed by
// base. It is idempotent: a dst that already exists is left alone
// rather than re-created against base a second time.
func CreateCOW(ctx context.Context, base, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	return exectools.QemuImgCreateCOW(ctx, base, dst)
}

// CreateFlat derives a standalone flat disk at dst by converting base
// to raw format. It is idempotent: a dst that already exists is left
// alone rather than re-converted.
func CreateFlat(ctx context.Context, base, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	return exectools.QemuImgConvert(ctx, "qcow2", base, "raw", dst)
}

// CreateRaw creates a blank raw disk of sizeGB gigabytes at dst.
func CreateRaw(dst string, sizeGB int64) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer f.Close()
	return f.Truncate(sizeGB * 1024 * 1024 * 1024)
}
