package httpapi

import (
	"net/http"

	"github.com/nimbusfleet/warren/pkg/metrics"
)

type healthResponse struct {
	Status string `json:"status"`
	Node   string `json:"node"`
	Leader bool   `json:"raft_leader"`
}

// handleHealth reports process liveness unconditionally: a warrend
// process that can answer HTTP at all is live.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Node:   s.nodeName,
		Leader: s.store.IsLeader(),
	})
}

// handleReady additionally requires the coordination store to have a
// known Raft leader, since every write path depends on it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store.LeaderAddr() == "" {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready", Node: s.nodeName})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Node: s.nodeName, Leader: s.store.IsLeader()})
}

func metricsHandler() http.Handler {
	return metrics.Handler()
}
