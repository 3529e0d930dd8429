package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nimbusfleet/warren/pkg/apierr"
)

// Proxy forwards a request verbatim to another node's warrend API and
// relays its response unchanged, the Go analogue of shakenfist's
// external_api/app.py request-forwarding helper.
type Proxy struct {
	client  *http.Client
	apiPort int
}

// NewProxy builds a Proxy that forwards to peers on apiPort.
func NewProxy(apiPort int) *Proxy {
	return &Proxy{client: &http.Client{Timeout: 60 * time.Second}, apiPort: apiPort}
}

// Forward re-issues r against nodeIP, copying the method, path, query,
// Authorization header, and body, then writes the peer's response
// (status and body) to w.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, nodeIP string) error {
	url := fmt.Sprintf("http://%s:%d%s", nodeIP, p.apiPort, r.URL.RequestURI())

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "build proxy request", err)
	}
	req.Header.Set("Authorization", r.Header.Get("Authorization"))
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))

	resp, err := p.client.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindStoreUnavailable, fmt.Sprintf("proxy to %s", nodeIP), err)
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return err
}

// ForwardAs re-issues r against nodeIP exactly like Forward, except
// the Authorization header carries a bearer token minted by the
// caller rather than the original request's, for internal
// machine-to-machine forwarding where the proxied request must run
// under the proxy's own authority instead of the original caller's.
func (p *Proxy) ForwardAs(w http.ResponseWriter, r *http.Request, nodeIP, token string) error {
	url := fmt.Sprintf("http://%s:%d%s", nodeIP, p.apiPort, r.URL.RequestURI())

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "build proxy request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))

	resp, err := p.client.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindStoreUnavailable, fmt.Sprintf("proxy to %s", nodeIP), err)
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return err
}

// ForwardJSON re-encodes body and POSTs it to nodeIP at path, relaying
// the peer's response to w. Used for the cross-node instance-create
// dispatch, where the body is augmented with placed_on/instance_uuid
// before being re-sent rather than copied byte-for-byte.
func (p *Proxy) ForwardJSON(w http.ResponseWriter, r *http.Request, nodeIP, method, path string, body interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "encode proxy body", err)
	}

	url := fmt.Sprintf("http://%s:%d%s", nodeIP, p.apiPort, path)
	req, err := http.NewRequestWithContext(r.Context(), method, url, bytes.NewReader(encoded))
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "build proxy request", err)
	}
	req.Header.Set("Authorization", r.Header.Get("Authorization"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindStoreUnavailable, fmt.Sprintf("proxy to %s", nodeIP), err)
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return err
}
