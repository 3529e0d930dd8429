package imagecache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	dataDir := t.TempDir()
	port := 19000 + (time.Now().Nanosecond() % 1000)
	st, err := store.Open(store.Config{
		NodeID:   "test-node",
		BindAddr: fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:  dataDir,
	})
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap())

	require.Eventually(t, st.IsLeader, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCacheFetchesOnceAndReusesOnSecondGet(t *testing.T) {
	body := []byte("fake-disk-image-bytes")
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	}))
	defer srv.Close()

	st := newTestStore(t)
	cache, err := New(t.TempDir(), st.Locks())
	require.NoError(t, err)
	cache.transcode = func(ctx context.Context, path string) error { return nil }

	path1, rec1, err := cache.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.FileExists(t, path1)
	require.Equal(t, 1, rec1.Version)

	path2, rec2, err := cache.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, path1, path2)
	require.Equal(t, rec1.Version, rec2.Version)
}

func TestCreateRawProducesRequestedSize(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, CreateRaw(dst, 1))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Equal(t, int64(1*1024*1024*1024), info.Size())
}

func TestCreateCOWIsIdempotent(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "overlay.qcow2")
	require.NoError(t, os.WriteFile(dst, []byte("already here"), 0644))

	require.NoError(t, CreateCOW(context.Background(), "/nonexistent/base.qcow2", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "already here", string(data))
}

func TestCreateFlatIsIdempotent(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "flat.raw")
	require.NoError(t, os.WriteFile(dst, []byte("already here"), 0644))

	require.NoError(t, CreateFlat(context.Background(), "/nonexistent/base.qcow2", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "already here", string(data))
}

func TestFetchInvokesTranscodeOnFreshFetch(t *testing.T) {
	body := []byte("fake-disk-image-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	st := newTestStore(t)
	cache, err := New(t.TempDir(), st.Locks())
	require.NoError(t, err)

	var transcodedPath string
	cache.transcode = func(ctx context.Context, path string) error {
		transcodedPath = path
		return nil
	}

	path, _, err := cache.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, path, transcodedPath)
}
