package settled

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	serrors "guardiansettle/core/errors"
	"guardiansettle/core/intent"
	"guardiansettle/storage/ledger"
)

const maxIntentListing = 500

func (s *Server) mountAdmin(r chi.Router) {
	r.Post("/pause", s.handlePause)
	r.Post("/resume", s.handleResume)
	r.Get("/status", s.handleStatus)
	r.Post("/reconcile", s.handleReconcile)
	r.Post("/sweep", s.handleSweep)
	r.Post("/accrue", s.handleAccrue)
	r.Get("/intents", s.handleListIntents)
	r.Get("/intents/{correlationID}", s.handleGetIntent)
	r.Post("/intents/{correlationID}/resolve", s.handleForceResolve)
	r.Post("/export", s.handleExport)
}

func (s *Server) audit(r *http.Request, action string, attrs ...any) {
	base := []any{
		slog.String("action", action),
		slog.String("caller", CallerFrom(r.Context())),
	}
	s.logger.Info("admin action", append(base, attrs...)...)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.coord.Pause()
	s.audit(r, "pause")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.coord.Resume()
	s.audit(r, "resume")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.Status()
	if err != nil {
		s.fail(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.coord.Reconcile(r.Context())
	if err != nil {
		s.fail(w, r, "reconcile", err)
		return
	}
	s.audit(r, "reconcile", slog.Int("scanned", report.Scanned))
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	// Sweep logs its own errors; the report still describes a partial run.
	report, _ := s.coord.Sweep(r.Context())
	s.audit(r, "sweep", slog.Int("scanned", report.Reconcile.Scanned))
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	accrued, err := s.coord.AccrueAll(r.Context())
	if err != nil {
		s.fail(w, r, "accrue", err)
		return
	}
	out := make(map[string]string, len(accrued))
	for chain, amount := range accrued {
		out[chain] = amountString(amount)
	}
	s.audit(r, "accrue", slog.Int("pools", len(out)))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ledger.IntentFilter{Kind: intent.Kind(strings.TrimSpace(query.Get("kind"))), Limit: maxIntentListing}
	if filter.Kind != "" && !filter.Kind.Valid() {
		s.fail(w, r, "list_intents", serrors.New(serrors.KindInvalidArgument, "intent", string(filter.Kind), "unknown intent kind"))
		return
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Statuses = append(filter.Statuses, intent.Status(part))
			}
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.fail(w, r, "list_intents", serrors.New(serrors.KindInvalidArgument, "intent", "", "limit must be a positive integer"))
			return
		}
		if limit < maxIntentListing {
			filter.Limit = limit
		}
	}
	intents, err := s.coord.Intents(filter)
	if err != nil {
		s.fail(w, r, "list_intents", err)
		return
	}
	out := make([]intentView, 0, len(intents))
	for _, in := range intents {
		out = append(out, newIntentView(in))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	in, err := s.coord.Intent(chi.URLParam(r, "correlationID"))
	if err != nil {
		s.fail(w, r, "get_intent", err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(in))
}

func (s *Server) handleForceResolve(w http.ResponseWriter, r *http.Request) {
	correlationID := chi.URLParam(r, "correlationID")
	in, err := s.coord.ForceResolve(r.Context(), correlationID)
	if err != nil {
		s.fail(w, r, "force_resolve", err)
		return
	}
	s.audit(r, "force_resolve", slog.String("correlation_id", correlationID), slog.String("status", string(in.Status)))
	writeJSON(w, http.StatusOK, newIntentView(in))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusNotImplemented, "export not configured")
		return
	}
	manifest, err := s.exporter.Run(r.Context())
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	s.audit(r, "export", slog.String("directory", manifest.Directory))
	writeJSON(w, http.StatusOK, manifest)
}
