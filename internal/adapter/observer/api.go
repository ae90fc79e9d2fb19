package observer

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/infra/middleware"
)

// ResolveRequest is the body of POST /approvals/{id}.
type ResolveRequest struct {
	Decision domain.ApprovalDecision `json:"decision"`
	Reason   string                  `json:"reason,omitempty"`
	Resolver string                  `json:"resolver,omitempty"`
}

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrDisabled):
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func disabled(what string) error {
	return domain.NewSubSystemError("observer", what, domain.ErrDisabled, "not configured")
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeError(w, disabled("sessions"))
		return
	}
	list, err := s.deps.Recorder.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	if list == nil {
		list = []domain.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, disabled("sessions.active"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.List())
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeError(w, disabled("records"))
		return
	}
	recs, err := s.deps.Recorder.Records(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(recs) == 0 {
		writeError(w, domain.NewSubSystemError("observer", "records", domain.ErrNotFound, r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleApprovals(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, disabled("approvals"))
		return
	}
	pending := s.deps.Approvals.Pending()
	if pending == nil {
		pending = []domain.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, disabled("approvals"))
		return
	}
	var body ResolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, domain.NewDomainError("observer.resolve", domain.ErrInvalidInput, err.Error()))
		return
	}
	resolver := body.Resolver
	if resolver == "" {
		resolver = "observer:" + middleware.ClientIP(r, nil)
	}
	req, err := s.deps.Approvals.Resolve(r.PathValue("id"), body.Decision, resolver, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tools == nil {
		writeError(w, disabled("tools"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Tools.Stats())
}
