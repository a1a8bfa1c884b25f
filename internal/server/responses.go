package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/forgettable/internal/engine"
)

// response is the envelope every distribution endpoint answers with.
type response struct {
	Status int    `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Status: http.StatusOK, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Status: status, Error: msg})
}

// writeEngineError maps an engine failure onto the response envelope.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrBinNotFound):
		writeError(w, http.StatusNotFound, "bin not found")
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "distribution not found")
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrConflict):
		s.log.Info("decay gave up", "path", r.URL.Path, "err", err.Error(), "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusConflict, "concurrent update conflict")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		s.log.Error(err, "request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}
