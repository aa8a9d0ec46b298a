package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/web3guy0/spotbot/internal/backtest"
	"github.com/web3guy0/spotbot/internal/datafeed"
	"github.com/web3guy0/spotbot/internal/quant"
)

func urlSymbol(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	symbol := urlSymbol(r)
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	if datafeed.IntervalMillis(interval) == 0 {
		respondErr(w, http.StatusBadRequest, "unsupported interval "+interval)
		return
	}
	limit := queryInt(r, "limit", 100, 1, 1000)

	klines, err := s.deps.Store.RecentKlines(symbol, interval, limit)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"symbol":   symbol,
		"interval": interval,
		"count":    len(klines),
		"klines":   klines,
	})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Symbol   string `json:"symbol"`
		Interval string `json:"interval"`
		Days     int    `json:"days"`
	}{Symbol: "BTCUSDT", Interval: "1h", Days: 30}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(body.Symbol))
	if datafeed.IntervalMillis(body.Interval) == 0 {
		respondErr(w, http.StatusBadRequest, "unsupported interval "+body.Interval)
		return
	}
	if body.Days < 1 || body.Days > 365 {
		respondErr(w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}

	stored, err := s.deps.Collector.Backfill(r.Context(), symbol, body.Interval, body.Days)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"symbol":         symbol,
		"interval":       body.Interval,
		"days":           body.Days,
		"candles_stored": stored,
	})
}

func (s *Server) handleKlineStatus(w http.ResponseWriter, r *http.Request) {
	var statuses []*datafeed.Status
	for _, symbol := range s.deps.Cfg.Symbols {
		for _, interval := range datafeed.TrackedIntervals(s.deps.Cfg.PrimaryInterval) {
			st, err := s.deps.Collector.CoverageStatus(symbol, interval)
			if err != nil {
				respondStoreErr(w, err)
				return
			}
			statuses = append(statuses, st)
		}
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"status": statuses,
		"count":  len(statuses),
	})
}

// handleLiveIndicators computes indicators from stored candles on demand
// and persists the snapshot before returning it.
func (s *Server) handleLiveIndicators(w http.ResponseWriter, r *http.Request) {
	symbol := urlSymbol(r)
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	if datafeed.IntervalMillis(interval) == 0 {
		respondErr(w, http.StatusBadRequest, "unsupported interval "+interval)
		return
	}

	klines, err := s.deps.Store.RecentKlines(symbol, interval, 250)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	snap, err := quant.ComputeIndicators(symbol, interval, klines)
	if err != nil {
		respondErr(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.deps.Store.UpsertIndicator(snap); err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, snap)
}

func (s *Server) handleStoredIndicators(w http.ResponseWriter, r *http.Request) {
	symbol := urlSymbol(r)
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	snap, err := s.deps.Store.LatestIndicator(symbol, interval)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, snap)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	symbol := urlSymbol(r)
	snap := s.deps.Pipeline.GetSnapshot(symbol)
	if snap.Indicators == nil {
		respondErr(w, http.StatusNotFound, "no analysis available for "+symbol+" yet")
		return
	}
	respond(w, http.StatusOK, struct {
		*quant.Snapshot
		IsTradable bool `json:"is_tradable"`
	}{snap, len(snap.Blocks) == 0})
}

func (s *Server) handleEntropy(w http.ResponseWriter, r *http.Request) {
	symbol := urlSymbol(r)
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = s.deps.Cfg.PrimaryInterval
	}
	reading, err := s.deps.Store.LatestEntropy(symbol, interval)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, reading)
}

func (s *Server) handleQuantStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.deps.Pipeline.Status())
}

func (s *Server) handleQuantPerformance(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.deps.Store.PerformanceMetrics()
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"metrics": metrics,
		"count":   len(metrics),
	})
}

// handleQuantHealth reports pipeline liveness plus candle freshness for
// every tracked symbol on the primary interval.
func (s *Server) handleQuantHealth(w http.ResponseWriter, r *http.Request) {
	interval := s.deps.Cfg.PrimaryInterval
	step := datafeed.IntervalMillis(interval)
	now := time.Now().UnixMilli()

	status := "ok"
	datasets := make([]map[string]interface{}, 0, len(s.deps.Cfg.Symbols))
	for _, symbol := range s.deps.Cfg.Symbols {
		st, err := s.deps.Collector.CoverageStatus(symbol, interval)
		if err != nil {
			respondStoreErr(w, err)
			return
		}
		fresh := st.Count > 0 && step > 0 && now-st.LastOpen <= 3*step
		if !fresh {
			status = "stale"
		}
		datasets = append(datasets, map[string]interface{}{
			"symbol":         symbol,
			"candles":        st.Count,
			"last_open_time": st.LastOpen,
			"age_seconds":    (now - st.LastOpen) / 1000,
			"gap_pct":        st.GapPct,
			"fresh":          fresh,
		})
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"tick_count": s.deps.Pipeline.TickCount(),
		"interval":   interval,
		"datasets":   datasets,
	})
}

func (s *Server) handleQuantSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := urlSymbol(r)
	snap := s.deps.Pipeline.GetSnapshot(symbol)
	if snap.Indicators == nil {
		respondErr(w, http.StatusNotFound, "no snapshot for "+symbol+" yet")
		return
	}
	respond(w, http.StatusOK, snap)
}

func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var req backtest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.deps.Backtests.Run(req)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

func (s *Server) handleBacktestResults(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 1, 100)
	results, err := s.deps.Store.ListBacktestResults(limit)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	// Equity curves stay on the detail endpoint.
	for i := range results {
		results[i].EquityCurveJSON = ""
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleBacktestResult(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r)
	if !ok {
		respondErr(w, http.StatusBadRequest, "invalid result id")
		return
	}
	result, err := s.deps.Store.GetBacktestResult(id)
	if err != nil {
		respondStoreErr(w, err)
		return
	}

	payload := map[string]interface{}{"result": result}
	if result.ParamsJSON != "" {
		payload["params"] = json.RawMessage(result.ParamsJSON)
	}
	if result.EquityCurveJSON != "" {
		payload["equity_curve"] = json.RawMessage(result.EquityCurveJSON)
	}
	respond(w, http.StatusOK, payload)
}

func (s *Server) handleBacktestStrategies(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"strategies": backtest.Strategies(),
	})
}

func (s *Server) handleBacktestPresets(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"presets": backtest.Presets(),
	})
}

func (s *Server) handleBacktestBenchmark(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol  string `json:"symbol"`
		Horizon string `json:"horizon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := s.deps.Backtests.Benchmark(body.Symbol, body.Horizon)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusOK, report)
}
