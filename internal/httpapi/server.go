package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hamed0406/lanwatch/internal/domain"
	apimw "github.com/hamed0406/lanwatch/internal/httpapi/middleware"
	"github.com/hamed0406/lanwatch/internal/state"
	"github.com/hamed0406/lanwatch/internal/stats"
)

// StatusSource answers from memory, without touching the store.
type StatusSource interface {
	Status(id domain.TargetID) (domain.StatusState, bool)
	Health() state.Health
}

// StatsSource answers from the store's read side.
type StatsSource interface {
	WindowStats(ctx context.Context, id domain.TargetID, windows []stats.Window) ([]stats.WindowStats, error)
	GroupWindowStats(ctx context.Context, ids []domain.TargetID, windows []stats.Window) ([]stats.WindowStats, error)
	Streak(ctx context.Context, id domain.TargetID) (stats.Streak, error)
	Recent(ctx context.Context, id domain.TargetID, limit int) ([]domain.Sample, error)
}

type Server struct {
	Logger  *zap.Logger
	Targets []domain.Target
	Status  StatusSource
	Stats   StatsSource
	Hub     *Hub

	byID map[domain.TargetID]domain.Target
}

func NewServer(l *zap.Logger, targets []domain.Target, st StatusSource, ss StatsSource, hub *Hub) *Server {
	byID := make(map[domain.TargetID]domain.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}
	return &Server{Logger: l, Targets: targets, Status: st, Stats: ss, Hub: hub, byID: byID}
}

type RouterConfig struct {
	Keys           []string
	AllowedOrigins []string
	RPM            int
	Burst          int
	TrustProxy     bool
}

func (s *Server) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(apimw.RateLimit(cfg.RPM, cfg.Burst, cfg.TrustProxy))
		r.Use(apimw.RequireKey(cfg.Keys))

		r.Get("/health", s.handleHealth)
		r.Get("/targets", s.handleListTargets)
		r.Get("/targets/{id}/status", s.handleStatus)
		r.Get("/targets/{id}/stats", s.handleStats)
		r.Get("/targets/{id}/recent", s.handleRecent)
		r.Get("/groups/{group}/stats", s.handleGroupStats)
		if s.Hub != nil {
			r.Get("/events", s.handleEvents)
		}
	})

	return r
}

type targetView struct {
	domain.Target
	State domain.StatusState `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status.Health())
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	out := make([]targetView, 0, len(s.Targets))
	for _, t := range s.Targets {
		st, _ := s.Status.Status(t.ID)
		out = append(out, targetView{Target: t, State: st})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}
	st, _ := s.Status.Status(t.ID)
	writeJSON(w, http.StatusOK, targetView{Target: t, State: st})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}
	windows, err := stats.ParseWindows(r.URL.Query().Get("windows"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws, err := s.Stats.WindowStats(r.Context(), t.ID, windows)
	if err != nil {
		s.Logger.Warn("stats_query_failed", zap.String("target_id", string(t.ID)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	streak, err := s.Stats.Streak(r.Context(), t.ID)
	if err != nil {
		s.Logger.Warn("streak_query_failed", zap.String("target_id", string(t.ID)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target_id": t.ID,
		"windows":   ws,
		"streak":    streak,
	})
}

func (s *Server) handleGroupStats(w http.ResponseWriter, r *http.Request) {
	group := domain.Group(chi.URLParam(r, "group"))
	var ids []domain.TargetID
	for _, t := range s.Targets {
		if t.Group == group {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	windows, err := stats.ParseWindows(r.URL.Query().Get("windows"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws, err := s.Stats.GroupWindowStats(r.Context(), ids, windows)
	if err != nil {
		s.Logger.Warn("group_stats_query_failed", zap.String("group", string(group)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":   group,
		"targets": ids,
		"windows": ws,
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	samples, err := s.Stats.Recent(r.Context(), t.ID, limit)
	if err != nil {
		s.Logger.Warn("recent_query_failed", zap.String("target_id", string(t.ID)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "samples unavailable")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// target resolves {id}; ids such as "svc:My Router" arrive escaped.
func (s *Server) target(w http.ResponseWriter, r *http.Request) (domain.Target, bool) {
	raw := chi.URLParam(r, "id")
	id, err := url.PathUnescape(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad target id")
		return domain.Target{}, false
	}
	t, ok := s.byID[domain.TargetID(id)]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown target")
		return domain.Target{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
