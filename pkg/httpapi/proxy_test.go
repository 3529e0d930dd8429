package httpapi

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForwardAsSendsMintedTokenNotCallerToken(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var gotAuth string
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	srv.Listener.Close()
	srv.Listener = lis
	srv.Start()
	defer srv.Close()

	_, portStr, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := NewProxy(port)

	req := httptest.NewRequest(http.MethodPost, "/networks/net-1/deploy", nil)
	req.Header.Set("Authorization", "Bearer caller-token")
	rec := httptest.NewRecorder()

	require.NoError(t, p.ForwardAs(rec, req, "127.0.0.1", "minted-admin-token"))

	require.Equal(t, "Bearer minted-admin-token", gotAuth)
	require.NotEqual(t, "Bearer caller-token", gotAuth)
}
