package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/log"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("httpapi").Error().Err(err).Msg("encode response")
	}
}

// writeError maps err to its apierr.Kind status code, logging the
// full cause but only ever sending the caller its public message.
func writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusFor(err)
	log.WithComponent("httpapi").Error().Err(err).Int("status", status).Msg("request failed")
	msg := http.StatusText(status)
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return apierr.New(apierr.KindBadRequest, "empty request body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apierr.Wrap(apierr.KindBadRequest, "malformed JSON body", err)
	}
	return nil
}
