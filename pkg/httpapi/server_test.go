package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/auth"
	"github.com/nimbusfleet/warren/pkg/pipeline"
	"github.com/nimbusfleet/warren/pkg/scheduler"
	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeOverlay struct{}

func (fakeOverlay) EnsureNetwork(ctx context.Context, n *types.Network) error { return nil }
func (fakeOverlay) UpdateDHCP(n *types.Network, interfaces []*types.NetworkInterface) error {
	return nil
}
func (fakeOverlay) RemoveDHCP(networkUUID string) error { return nil }

type fakeDriver struct{}

func (fakeDriver) PowerOn(ctx context.Context, inst *types.Instance) error  { return nil }
func (fakeDriver) PowerOff(ctx context.Context, inst *types.Instance, hard bool) error {
	return nil
}
func (fakeDriver) Pause(ctx context.Context, inst *types.Instance) error   { return nil }
func (fakeDriver) Unpause(ctx context.Context, inst *types.Instance) error { return nil }
func (fakeDriver) Reboot(ctx context.Context, inst *types.Instance, hard bool) error {
	return nil
}
func (fakeDriver) Snapshot(ctx context.Context, inst *types.Instance, label string) error {
	return nil
}
func (fakeDriver) Status(ctx context.Context, inst *types.Instance) (types.PowerState, error) {
	return types.PowerStateOn, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	port := 25000 + (time.Now().Nanosecond() % 1000)
	st, err := store.Open(store.Config{
		NodeID:   "node-a",
		BindAddr: fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap())
	require.Eventually(t, st.IsLeader, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st := newTestStore(t)
	pl := pipeline.New(st, scheduler.New(16, 1.5), nil, fakeDriver{}, fakeOverlay{}, nil, "node-a", t.TempDir())
	issuer, err := auth.NewTokenIssuer("test-seed", st)
	require.NoError(t, err)

	s := New(st, pl, scheduler.New(16, 1.5), fakeDriver{}, fakeOverlay{}, nil, issuer, Config{
		NodeName: "node-a",
		SelfIP:   "10.0.0.1",
		APIPort:  8080,
	})
	return s, st
}

func TestHandleAuthIssuesAndRejectsTokens(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.PutPasswords("tenant-a", &types.PasswordEntry{Passwords: []string{"hunter2"}}))

	body, _ := json.Marshal(authRequest{Namespace: "tenant-a", Password: "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)

	badBody, _ := json.Marshal(authRequest{Namespace: "tenant-a", Password: "wrong"})
	badReq := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(badBody))
	badRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(badRec, badReq)
	require.Equal(t, http.StatusUnauthorized, badRec.Code)
}

func TestInstancesRequireBearerToken(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetInstanceNotFound(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.PutPasswords("tenant-a", &types.PasswordEntry{Passwords: []string{"hunter2"}}))
	token := mustAuthenticate(t, s, "tenant-a", "hunter2")

	req := httptest.NewRequest(http.MethodGet, "/instances/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateNetworkRejectsBadCIDR(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.PutPasswords("tenant-a", &types.PasswordEntry{Passwords: []string{"hunter2"}}))
	token := mustAuthenticate(t, s, "tenant-a", "hunter2")

	body, _ := json.Marshal(createNetworkRequest{Netblock: "not-a-cidr", Name: "bad"})
	req := httptest.NewRequest(http.MethodPost, "/networks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteFloatingNetworkForbidden(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.PutPasswords("all", &types.PasswordEntry{Passwords: []string{"admin"}}))
	token := mustAuthenticate(t, s, "all", "admin")

	require.NoError(t, st.PutNetwork(&types.Network{
		UUID: "floating-net", Name: types.FloatingNetwork, State: types.NetworkStateCreated,
	}))

	req := httptest.NewRequest(http.MethodDelete, "/networks/floating-net", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListNodesRequiresAdminNamespace(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.PutPasswords("tenant-a", &types.PasswordEntry{Passwords: []string{"hunter2"}}))
	token := mustAuthenticate(t, s, "tenant-a", "hunter2")

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func mustAuthenticate(t *testing.T, s *Server, namespace, password string) string {
	t.Helper()
	body, _ := json.Marshal(authRequest{Namespace: namespace, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/auth", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}
