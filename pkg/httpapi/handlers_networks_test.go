package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nimbusfleet/warren/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestCreateNetworkAssignsDistinctVxlanIDsUnderConcurrency(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, st.PutPasswords("tenant-a", &types.PasswordEntry{Passwords: []string{"hunter2"}}))
	token := mustAuthenticate(t, s, "tenant-a", "hunter2")

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int]bool{}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			body, _ := json.Marshal(createNetworkRequest{Netblock: "10.0.0.0/24", Name: "net"})
			req := httptest.NewRequest(http.MethodPost, "/networks", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)

			var n types.Network
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))

			mu.Lock()
			defer mu.Unlock()
			require.False(t, seen[n.VxlanID], "duplicate vxlan id %d assigned", n.VxlanID)
			seen[n.VxlanID] = true
		}(i)
	}
	wg.Wait()

	require.Len(t, seen, n)
}
