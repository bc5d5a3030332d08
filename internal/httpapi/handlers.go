package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"resellpilot/internal/audit"
	"resellpilot/internal/confidence"
	"resellpilot/internal/offer"
	"resellpilot/internal/rules"
	"resellpilot/internal/strategy"
)

func (s *Server) scoreConfidence(w http.ResponseWriter, r *http.Request) {
	var c confidence.Context
	if !decode(w, r, &c) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.ScoreConfidence(c))
}

func (s *Server) evaluateOffer(w http.ResponseWriter, r *http.Request) {
	var c offer.Context
	if !decode(w, r, &c) {
		return
	}
	ev, err := s.svc.EvaluateOffer(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var c offer.Context
	if !decode(w, r, &c) {
		return
	}
	out, err := s.svc.HandleOffer(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type repriceRequest struct {
	Context strategy.Context `json:"context"`
	Rules   *rules.Reprice   `json:"rules,omitempty"`
}

func (s *Server) evaluateReprice(w http.ResponseWriter, r *http.Request) {
	var req repriceRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.EvaluateReprice(r.Context(), req.Context, req.Rules)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.CheckRateLimit(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) incrementRateLimit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := s.svc.IncrementRateLimit(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.svc.CheckRateLimit(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) recordAction(w http.ResponseWriter, r *http.Request) {
	var p audit.Proposal
	if !decode(w, r, &p) {
		return
	}
	a, err := s.svc.RecordAction(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type resolveRequest struct {
	Decision audit.Decision `json:"decision"`
}

func (s *Server) resolveAction(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.ResolveAction(r.Context(), chi.URLParam(r, "id"), req.Decision); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkResolveRequest struct {
	IDs      []string       `json:"ids"`
	Decision audit.Decision `json:"decision"`
}

func (s *Server) bulkResolve(w http.ResponseWriter, r *http.Request) {
	var req bulkResolveRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.BulkResolve(r.Context(), req.IDs, req.Decision))
}

func (s *Server) markExecuted(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.MarkExecuted(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type failedRequest struct {
	ErrorMessage string `json:"error_message"`
}

func (s *Server) markFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.ErrorMessage); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid offset"})
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		UserID:     q.Get("user_id"),
		ActionType: audit.ActionType(q.Get("action_type")),
		Source:     audit.Source(q.Get("source")),
		ItemID:     q.Get("item_id"),
	}
	page, err := s.svc.ListAuditEntries(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) appendAudit(w http.ResponseWriter, r *http.Request) {
	var in audit.EntryInput
	if !decode(w, r, &in) {
		return
	}
	e, err := s.svc.AppendAuditEntry(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) canUndo(w http.ResponseWriter, r *http.Request) {
	check, err := s.svc.CanUndo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// undo answers 409 with the result body when the entry cannot be undone.
func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Undo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

type ruleResponse struct {
	RuleID string `json:"rule_id"`
}

func (s *Server) putOfferRules(w http.ResponseWriter, r *http.Request) {
	var o rules.Offer
	if !decode(w, r, &o) {
		return
	}
	id, err := s.svc.SetOfferRules(r.Context(), chi.URLParam(r, "userID"), o)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse{RuleID: id})
}

type repriceRulesRequest struct {
	rules.Reprice
	Enabled *bool `json:"enabled,omitempty"`
}

func (s *Server) putRepriceRules(w http.ResponseWriter, r *http.Request) {
	var req repriceRulesRequest
	if !decode(w, r, &req) {
		return
	}
	enabled := req.Enabled == nil || *req.Enabled
	id, err := s.svc.SetRepriceRules(r.Context(), chi.URLParam(r, "userID"), req.Reprice, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleResponse{RuleID: id})
}
