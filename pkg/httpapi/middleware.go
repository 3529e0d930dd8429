package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/auth"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/metrics"
)

type namespaceKey struct{}

// namespaceFrom returns the caller's namespace, set by authenticated
// once the bearer token verifies.
func namespaceFrom(ctx context.Context) string {
	ns, _ := ctx.Value(namespaceKey{}).(string)
	return ns
}

// authenticated wraps fn so it only runs once the Authorization
// header carries a verifiable bearer token, injecting the caller's
// namespace into the request context.
func (s *Server) authenticated(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, apierr.New(apierr.KindUnauthorized, "missing bearer token"))
			return
		}

		namespace, err := s.issuer.Verify(tokenString)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.KindUnauthorized, "invalid token", err))
			return
		}

		ctx := context.WithValue(r.Context(), namespaceKey{}, namespace)
		fn(w, r.WithContext(ctx))
	})
}

// adminOnly further restricts an already-authenticated handler to
// callers in auth.AdminNamespace.
func (s *Server) adminOnly(fn http.HandlerFunc) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request) {
		if namespaceFrom(r.Context()) != auth.AdminNamespace {
			writeError(w, apierr.New(apierr.KindForbidden, "admin namespace required"))
			return
		}
		fn(w, r)
	})
}

// networkNodeOnly rejects requests that reach a node other than the
// designated network node, since only it owns the overlay mesh, DHCP,
// and floating NAT rules these endpoints mutate.
func (s *Server) networkNodeOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.isNetworkNode() {
			writeError(w, apierr.New(apierr.KindForbidden, "this endpoint must run on the network node"))
			return
		}
		fn(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// recoverMiddleware turns a panicking handler into a 500 instead of
// killing the whole server process.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponent("httpapi").Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
				writeError(w, apierr.New(apierr.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withMetrics records request latency by HTTP method, and request count
// by HTTP method and status text.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
