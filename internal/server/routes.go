package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/lazypower/forgettable/internal/engine"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.WriteString(w, "OK")
	}
}

// handleIncrement records one observation of every bin parameter. Parameters
// come from the query string or a form body.
func (s *Server) handleIncrement(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	key := r.Form.Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	bins := r.Form["bin"]
	if len(bins) == 0 {
		writeError(w, http.StatusBadRequest, "missing bin")
		return
	}
	n := int64(1)
	if raw := r.Form.Get("n"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = v
	}

	if err := s.engine.IncrementBy(r.Context(), key, n, bins...); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.V(1).Info("increment", "key", key, "bins", bins, "n", n)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, bin := q.Get("key"), q.Get("bin")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	if bin == "" {
		writeError(w, http.StatusBadRequest, "missing bin")
		return
	}

	p, err := s.engine.Bin(r.Context(), key, bin)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeData(w, []engine.Probability{p})
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	dist, err := s.engine.Distribution(r.Context(), key)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeData(w, dist)
}

func (s *Server) handleMostProbable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	n := 10
	if raw := q.Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid n")
			return
		}
		n = v
	}

	dist, err := s.engine.MostProbable(r.Context(), key, n)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeData(w, dist)
}
