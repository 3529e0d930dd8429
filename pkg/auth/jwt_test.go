package auth

import (
	"fmt"
	"testing"
	"time"

	"github.com/nimbusfleet/warren/pkg/store"
	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	port := 24000 + (time.Now().Nanosecond() % 1000)
	st, err := store.Open(store.Config{
		NodeID:   "test-node",
		BindAddr: fmt.Sprintf("127.0.0.1:%d", port),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, st.Bootstrap())
	require.Eventually(t, st.IsLeader, 5*time.Second, 20*time.Millisecond)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAuthenticateIssuesVerifiableToken(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutPasswords("tenant-a", &types.PasswordEntry{Passwords: []string{"hunter2"}}))

	issuer, err := NewTokenIssuer("test-seed", st)
	require.NoError(t, err)

	token, err := issuer.Authenticate("tenant-a", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	namespace, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "tenant-a", namespace)
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutPasswords("tenant-a", &types.PasswordEntry{Passwords: []string{"hunter2"}}))

	issuer, err := NewTokenIssuer("test-seed", st)
	require.NoError(t, err)

	_, err = issuer.Authenticate("tenant-a", "wrong")
	require.Error(t, err)
}

func TestIssueAdminTokenVerifiesAsAdminNamespace(t *testing.T) {
	st := newTestStore(t)
	issuer, err := NewTokenIssuer("test-seed", st)
	require.NoError(t, err)

	token, err := issuer.IssueAdminToken()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	namespace, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, AdminNamespace, namespace)
}

func TestAuthorized(t *testing.T) {
	require.True(t, Authorized(AdminNamespace, "tenant-a"))
	require.True(t, Authorized("tenant-a", "tenant-a"))
	require.False(t, Authorized("tenant-a", "tenant-b"))
}
