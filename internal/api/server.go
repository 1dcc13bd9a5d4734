// Package api exposes the engine over HTTP (chi) and WebSocket
// (gorilla), mirroring the event bus into /ws/live channels.
package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"alpha_engine/internal/broker"
	"alpha_engine/internal/engine"
	"alpha_engine/internal/persistence"
	"alpha_engine/internal/strategy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Server holds the handler dependencies.
type Server struct {
	engine *engine.Engine
	db     *persistence.DB
	hub    *Hub
	log    *logrus.Logger
}

// New wires the server and subscribes the WebSocket hub to the engine
// bus. db may be nil when running without persistence.
func New(eng *engine.Engine, db *persistence.DB, log *logrus.Logger) *Server {
	s := &Server{
		engine: eng,
		db:     db,
		hub:    NewHub(log),
		log:    log,
	}
	eng.Bus().Subscribe(func(event engine.Event, data map[string]any) {
		s.hub.Broadcast(string(event), data)
	})
	return s
}

// Router builds the chi router with the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/strategies", func(r chi.Router) {
			r.Get("/", s.handleListStrategies)
			r.Get("/active", s.handleActiveStrategies)
			r.Get("/{name}", s.handleGetStrategy)
			r.Post("/{name}/start", s.handleStartStrategy)
			r.Post("/{name}/stop", s.handleStopStrategy)
			r.Put("/{name}/params", s.handleUpdateParams)
		})

		r.Route("/trades", func(r chi.Router) {
			r.Get("/", s.handleListTrades)
			r.Get("/summary", s.handleTradeSummary)
			r.Get("/{id}", s.handleGetTrade)
		})

		r.Route("/performance", func(r chi.Router) {
			r.Get("/", s.handlePerformance)
			r.Get("/engine-status", s.handleEngineStatus)
			r.Get("/strategy/{name}", s.handleStrategyPerformance)
			r.Get("/equity-curve", s.handleEquityCurve)
			r.Get("/equity-curve/{name}", s.handleEquityCurve)
			r.Get("/strategy-runs", s.handleStrategyRuns)
			r.Get("/strategy-runs/{name}", s.handleStrategyRuns)
		})

		r.Get("/account", s.handleAccount)
		r.Get("/positions", s.handlePositions)
		r.Get("/orders", s.handleOrders)
		r.Get("/market", s.handleMarket)
	})

	r.Get("/ws/live", s.hub.HandleWS)
	return r
}

// --- basic endpoints ---

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "alpha_engine",
		"status":  string(s.engine.Status()),
		"health":  "/health",
		"api":     "/api",
		"ws_live": "/ws/live",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"engine_status": string(s.engine.Status()),
		"timestamp":     time.Now().Format(time.RFC3339),
	})
}

// --- strategies ---

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": s.engine.Registry().Infos(),
	})
}

func (s *Server) handleActiveStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.engine.ActiveStrategies(),
	})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	reg := s.engine.Registry()
	if !reg.Contains(name) {
		writeError(w, http.StatusNotFound, "strategy not found: "+name)
		return
	}
	st, err := reg.Get(name)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, strategy.Describe(st))
}

func (s *Server) handleStartStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.engine.Registry().Contains(name) {
		writeError(w, http.StatusNotFound, "strategy not found: "+name)
		return
	}
	info, err := s.engine.StartStrategy(name)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.StopStrategy(name); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "status": "stopped"})
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	reg := s.engine.Registry()
	if !reg.Contains(name) {
		writeError(w, http.StatusNotFound, "strategy not found: "+name)
		return
	}

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	st, err := reg.Get(name)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	strategy.UpdateParameters(st, params)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       name,
		"parameters": st.Parameters(),
	})
}

// --- trades ---

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	q := r.URL.Query()
	filter := persistence.TradeFilter{
		Strategy: q.Get("strategy"),
		Symbol:   q.Get("symbol"),
		Side:     q.Get("side"),
		Status:   q.Get("status"),
		Limit:    intQuery(q.Get("limit"), 100),
		Offset:   intQuery(q.Get("offset"), 0),
	}
	if t, ok := timeQuery(q.Get("since")); ok {
		filter.Since = t
	}
	if t, ok := timeQuery(q.Get("until")); ok {
		filter.Until = t
	}

	trades, total, err := s.db.ListTrades(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade id")
		return
	}
	trade, err := s.db.GetTrade(uint(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trade == nil {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Server) handleTradeSummary(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	summary, err := s.db.TradeSummary(r.URL.Query().Get("strategy"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- performance ---

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	since, _ := timeQuery(r.URL.Query().Get("since"))
	snaps, err := s.db.ListSnapshots("", since, intQuery(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.StatusReport())
}

func (s *Server) handleStrategyPerformance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.engine.Registry().Contains(name) {
		writeError(w, http.StatusNotFound, "strategy not found: "+name)
		return
	}
	out := map[string]any{"strategy": name}
	if s.db != nil {
		if summary, err := s.db.TradeSummary(name); err == nil {
			out["trades"] = summary
		}
		if runs, err := s.db.ListStrategyRuns(name, 10); err == nil {
			out["recent_runs"] = runs
		}
	}
	if st, err := s.engine.Registry().Get(name); err == nil {
		out["info"] = strategy.Describe(st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEquityCurve(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	name := chi.URLParam(r, "name")
	since, _ := timeQuery(r.URL.Query().Get("since"))
	snaps, err := s.db.ListSnapshots(name, since, intQuery(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	curve := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		point := map[string]any{"time": snap.Timestamp.Format(time.RFC3339)}
		if snap.Equity != nil {
			point["equity"] = *snap.Equity
		}
		curve = append(curve, point)
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": name, "equity_curve": curve})
}

func (s *Server) handleStrategyRuns(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	name := chi.URLParam(r, "name")
	runs, err := s.db.ListStrategyRuns(name, intQuery(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// --- broker views ---

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.AccountSummary(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Broker().GetPositions(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	status := broker.OrderStatusFilter(r.URL.Query().Get("status"))
	if status == "" {
		status = broker.OrdersOpen
	}
	limit := intQuery(r.URL.Query().Get("limit"), 50)
	orders, err := s.engine.Broker().GetOrders(r.Context(), status, limit)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	clock, err := s.engine.Broker().GetClock(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"is_open":    clock.IsOpen,
		"timestamp":  clock.Timestamp.Format(time.RFC3339),
		"next_open":  clock.NextOpen.Format(time.RFC3339),
		"next_close": clock.NextClose.Format(time.RFC3339),
	})
}

// --- helpers ---

// writeMappedError translates domain errors to HTTP statuses.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, engine.ErrStrategyActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrStrategyInactive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		switch broker.KindOf(err) {
		case broker.KindInvalid:
			writeError(w, http.StatusBadRequest, err.Error())
		case broker.KindNotFound:
			writeError(w, http.StatusNotFound, err.Error())
		case broker.KindAuth:
			writeError(w, http.StatusBadGateway, err.Error())
		case broker.KindRateLimit, broker.KindTransient:
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(sanitize(payload))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// sanitize replaces non-finite floats (profit factor can be +Inf) so
// the payload stays valid JSON.
func sanitize(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsInf(x, 1) {
			return "inf"
		}
		if math.IsInf(x, -1) {
			return "-inf"
		}
		if math.IsNaN(x) {
			return nil
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = sanitize(val)
		}
		return out
	default:
		return v
	}
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func timeQuery(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
