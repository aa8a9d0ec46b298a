package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/web3guy0/spotbot/internal/database"
	"github.com/web3guy0/spotbot/internal/trading"
)

func urlID(r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func queryInt(r *http.Request, key string, def, min, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	status := database.ProposalStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50, 1, 500)

	proposals, err := s.deps.Store.ListProposals(status, limit)
	if err != nil {
		respondStoreErr(w, err)
		return
	}

	stats := map[string]int64{}
	for _, st := range []database.ProposalStatus{
		database.StatusDraft, database.StatusValidated, database.StatusApproved,
		database.StatusExecuted, database.StatusRejected,
		database.StatusError, database.StatusDeadLetter, database.StatusCancelled,
	} {
		n, err := s.deps.Store.CountProposalsByStatus(st)
		if err != nil {
			respondStoreErr(w, err)
			return
		}
		stats[string(st)] = n
	}
	stats["pending"] = stats[string(database.StatusDraft)] + stats[string(database.StatusValidated)]

	respond(w, http.StatusOK, map[string]interface{}{
		"proposals": proposals,
		"count":     len(proposals),
		"limit":     limit,
		"stats":     stats,
	})
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req trading.ProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	proposal, err := s.deps.Engine.CreateProposal(r.Context(), req)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}

	respond(w, http.StatusCreated, map[string]interface{}{
		"success":       true,
		"proposal":      proposal,
		"status":        proposal.Status,
		"auto_approved": proposal.AutoApproved,
		"risk_score":    proposal.RiskScore,
		"notional":      proposal.Notional,
	})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	proposal, err := s.deps.Store.GetProposal(id)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"proposal": proposal})
}

func (s *Server) handleReviewProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid proposal id")
		return
	}

	var body struct {
		Action string `json:"action"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var proposal *database.TradeProposal
	var err error
	switch body.Action {
	case "approve":
		proposal, err = s.deps.Engine.Approve(id)
	case "reject":
		proposal, err = s.deps.Engine.Reject(id, body.Notes)
	default:
		respondErr(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}
	if err != nil {
		respondStoreErr(w, err)
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"proposal_id": proposal.ID,
		"status":      proposal.Status,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProposalID uint `json:"proposal_id"`
		ExecuteAll bool `json:"execute_all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case body.ProposalID > 0:
		if err := s.deps.Engine.Execute(r.Context(), body.ProposalID); err != nil {
			if errors.Is(err, database.ErrNotFound) || errors.Is(err, trading.ErrIllegalTransition) {
				respondStoreErr(w, err)
				return
			}
			respondErr(w, http.StatusBadRequest, "execution failed: "+err.Error())
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"message":     "Trade executed successfully",
			"proposal_id": body.ProposalID,
		})
	case body.ExecuteAll:
		batch := s.deps.Engine.ExecuteAllApproved(r.Context())
		respond(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"executed": batch.Executed,
			"failed":   batch.Failed,
			"total":    batch.Total,
		})
	default:
		respondErr(w, http.StatusBadRequest, "provide proposal_id or execute_all")
	}
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Portfolio.Summary()
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, summary)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.deps.Store.ProposalsByStatus(database.StatusDeadLetter)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"dead_letters": proposals,
		"count":        len(proposals),
	})
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	proposal, err := s.deps.Engine.RetryDeadLetter(id)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"proposal_id": proposal.ID,
		"status":      proposal.Status,
		"message":     "Proposal requeued for execution",
	})
}

func (s *Server) handleCancelDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	proposal, err := s.deps.Engine.CancelDeadLetter(id)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"proposal_id": proposal.ID,
		"status":      proposal.Status,
	})
}

func (s *Server) handleReconciliationRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Reconciler.Run(r.Context())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"run":     run,
	})
}

func (s *Server) handleReconciliationLatest(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.LatestReconRun()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			respond(w, http.StatusOK, map[string]string{"message": "No reconciliation runs yet"})
			return
		}
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, run)
}

func (s *Server) handleReconciliationHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, 100)
	runs, err := s.deps.Store.ListReconRuns(limit)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	daily, err := s.deps.Reporter.Send(r.Context(), time.Now())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"date":    daily.Date,
		"report":  daily,
	})
}
