package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/web3guy0/spotbot/internal/database"
)

const (
	brokerProbeTimeout = 5 * time.Second
	reconStaleAfter    = 15 * time.Minute
)

// handleHealth is the unauthenticated liveness probe. A dead database
// makes the service unhealthy; a dead broker, stream, stale
// reconciliation, parked dead letters or a breached daily loss limit
// only degrade it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	degrade := func() {
		if status == "ok" {
			status = "degraded"
		}
	}

	components := map[string]interface{}{}
	metrics := map[string]interface{}{}

	if err := s.deps.Store.Ping(); err != nil {
		status = "unhealthy"
		components["database"] = map[string]string{"status": "down", "detail": err.Error()}
	} else {
		components["database"] = map[string]string{"status": "ok"}
	}

	probeCtx, cancel := context.WithTimeout(r.Context(), brokerProbeTimeout)
	defer cancel()
	if _, err := s.deps.Broker.GetPrice(probeCtx, "BTCUSDT"); err != nil {
		degrade()
		components["broker"] = map[string]string{"status": "down", "detail": err.Error()}
	} else {
		components["broker"] = map[string]string{"status": "ok"}
	}

	switch {
	case s.deps.Stream == nil:
		components["price_stream"] = map[string]string{"status": "disabled"}
	case s.deps.Stream.Connected():
		components["price_stream"] = map[string]string{"status": "ok"}
	default:
		degrade()
		components["price_stream"] = map[string]string{"status": "down"}
	}

	if status != "unhealthy" {
		s.checkReconciliation(components, metrics, degrade)
		s.checkDeadLetters(components, metrics, degrade)
		s.checkDailyLoss(components, metrics, degrade)
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"time":            time.Now().UTC(),
		"trading_enabled": s.deps.Engine.IsEnabled(),
		"components":      components,
		"metrics":         metrics,
	})
}

func (s *Server) checkReconciliation(components, metrics map[string]interface{}, degrade func()) {
	run, err := s.deps.Store.LatestReconRun()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			degrade()
			components["reconciliation"] = map[string]string{"status": "stale", "detail": "no reconciliation runs yet"}
			return
		}
		degrade()
		components["reconciliation"] = map[string]string{"status": "error", "detail": err.Error()}
		return
	}

	age := time.Since(run.StartedAt)
	metrics["last_recon_age_seconds"] = int64(age.Seconds())
	if age > reconStaleAfter {
		degrade()
		components["reconciliation"] = map[string]string{"status": "stale"}
		return
	}
	components["reconciliation"] = map[string]string{"status": "ok"}
}

func (s *Server) checkDeadLetters(components, metrics map[string]interface{}, degrade func()) {
	count, err := s.deps.Store.CountProposalsByStatus(database.StatusDeadLetter)
	if err != nil {
		degrade()
		components["dead_letters"] = map[string]string{"status": "error", "detail": err.Error()}
		return
	}
	metrics["dead_letter_count"] = count
	if count > 0 {
		degrade()
		components["dead_letters"] = map[string]interface{}{"status": "attention", "count": count}
		return
	}
	components["dead_letters"] = map[string]string{"status": "ok"}
}

func (s *Server) checkDailyLoss(components, metrics map[string]interface{}, degrade func()) {
	today := time.Now().UTC().Format("2006-01-02")
	snap, err := s.deps.Store.AccountSnapshotByDate(today)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			components["daily_loss"] = map[string]string{"status": "ok", "detail": "no snapshot today"}
			return
		}
		degrade()
		components["daily_loss"] = map[string]string{"status": "error", "detail": err.Error()}
		return
	}

	metrics["balance"] = snap.TotalBalance
	metrics["daily_pnl"] = snap.DailyPnl
	if snap.DailyPnl.LessThanOrEqual(s.deps.Cfg.MaxDailyLossUSD.Neg()) {
		degrade()
		components["daily_loss"] = map[string]string{"status": "breached"}
		return
	}
	components["daily_loss"] = map[string]string{"status": "ok"}
}
