package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/patterns"
	"github.com/magehq/backend/internal/workflow"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindValidation:
		status = http.StatusBadRequest
	case faults.KindUnavailable:
		status = http.StatusServiceUnavailable
	case faults.KindTransient:
		status = http.StatusBadGateway
	case faults.KindCancelled:
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, map[string]interface{}{
		"error":      faults.CodeOf(err),
		"message":    err.Error(),
		"suggestion": faults.Suggestion(err),
	})
}

// ----------------------------------------------------------------------------
// health
// ----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{}
	healthy := true
	if s.deps.Health != nil {
		for name, err := range s.deps.Health(ctx) {
			if err != nil {
				components[name] = err.Error()
				healthy = false
			} else {
				components[name] = "ok"
			}
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// ----------------------------------------------------------------------------
// breakers
// ----------------------------------------------------------------------------

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.deps.Breakers.Snapshots(),
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	b, ok := s.deps.Breakers.Lookup(name)
	if !ok {
		s.writeError(w, faults.Validation("unknown_breaker", "no breaker named %q", name))
		return
	}
	b.Reset()
	s.logger.Info("breaker reset via api", slog.String("breaker", name))
	s.writeJSON(w, http.StatusOK, b.Snapshot())
}

// ----------------------------------------------------------------------------
// streams
// ----------------------------------------------------------------------------

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": s.deps.Streams.Snapshots(),
	})
}

func (s *Server) handleStreamMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.deps.Streams.Lookup(id)
	if !ok {
		s.writeError(w, faults.Validation("unknown_stream", "no active stream %q", id))
		return
	}
	s.writeJSON(w, http.StatusOK, p.Metrics())
}

func (s *Server) handleStreamRetryDLQ(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.deps.Streams.Lookup(id)
	if !ok {
		s.writeError(w, faults.Validation("unknown_stream", "no active stream %q", id))
		return
	}
	p.RetryDeadLetters(r.Context())
	s.writeJSON(w, http.StatusAccepted, p.Metrics())
}

// ----------------------------------------------------------------------------
// patterns
// ----------------------------------------------------------------------------

func (s *Server) handlePatternStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Patterns.Statistics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePatternExport(w http.ResponseWriter, r *http.Request) {
	ps, err := s.deps.Patterns.Export(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns":   ps,
		"count":      len(ps),
		"exportedAt": time.Now().UTC(),
	})
}

func (s *Server) handlePatternImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Patterns []*patterns.Pattern `json:"patterns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, faults.Validation("bad_import", "import body is not valid JSON: %v", err))
		return
	}
	if err := s.deps.Patterns.Import(r.Context(), body.Patterns); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"imported": len(body.Patterns)})
}

// ----------------------------------------------------------------------------
// workflows
// ----------------------------------------------------------------------------

type workflowSubmission struct {
	Request string           `json:"request"`
	Options workflow.Options `json:"options"`
}

func (s *Server) handleWorkflowSubmit(w http.ResponseWriter, r *http.Request) {
	var body workflowSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, faults.Validation("bad_request", "request body is not valid JSON: %v", err))
		return
	}

	exec, err := s.deps.Workflows.Run(r.Context(), body.Request, body.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Workflows.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":   faults.CodeOf(err),
			"message": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}
