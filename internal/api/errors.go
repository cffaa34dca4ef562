package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/synapsis-swarm/synapsis/internal/models"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// writeError maps an error kind to its HTTP status and wire code.
// Internal errors are logged with detail but reported opaquely.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := models.HTTPStatus(err)
	code := models.Code(err)

	body := errorBody{Code: code}
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal error"
	} else {
		body.Error = err.Error()
		if status != http.StatusNotFound {
			s.log.Warn("request rejected", "method", r.Method, "path", r.URL.Path,
				"status", status, "code", code)
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Default().Error("encoding response", "error", err)
		}
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return models.ErrValidation
	}
	return nil
}
