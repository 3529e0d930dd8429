package httpapi

import "net/http"

type authRequest struct {
	Namespace string `json:"namespace"`
	Password  string `json:"password"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	token, err := s.issuer.Authenticate(req.Namespace, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{AccessToken: token})
}
