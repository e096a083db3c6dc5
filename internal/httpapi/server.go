package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/domain"
	apimw "github.com/hamed0406/listingwatch/internal/httpapi/middleware"
	"github.com/hamed0406/listingwatch/internal/metrics"
	"github.com/hamed0406/listingwatch/internal/proxy"
	"github.com/hamed0406/listingwatch/internal/repo"
	"github.com/hamed0406/listingwatch/internal/scheduler"
)

type Scanner interface {
	ForceScan(ctx context.Context, id domain.QueryID) error
	ForceScanAll(ctx context.Context) error
	QueryStatus(ctx context.Context, id domain.QueryID) (*scheduler.QueryStatus, error)
	ListStatus(ctx context.Context) ([]scheduler.QueryStatus, error)
}

type Queue interface {
	Pending(ctx context.Context) ([]domain.PendingNotification, error)
	PausedUntil() time.Time
}

type ProxyStatus interface {
	Status() proxy.Status
}

type ConfigPublisher interface {
	Publish(ctx context.Context, s domain.Settings) (*domain.RuntimeConfig, error)
}

type AppliedConfig interface {
	Applied() *domain.RuntimeConfig
}

type Server struct {
	Logger    *zap.Logger
	Queries   repo.QueryStore
	Scanner   Scanner
	Queue     Queue
	Proxies   ProxyStatus
	Publisher ConfigPublisher // nil when runtime config comes from a file
	Config    AppliedConfig
	Metrics   *metrics.Metrics
	Channels  []string // channel names accepted in query targets
}

// Router wires the public (read) and admin (write) groups, each with its
// own per-client rate limit.
func (s *Server) Router(keys apimw.Keys, corsOrigins []string, pubRPM, pubBurst, admRPM, admBurst int) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if len(corsOrigins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(apimw.RequireAny(keys), apimw.RateLimit(pubRPM, pubBurst))
			r.Get("/queries", s.handleListQueries)
			r.Get("/queries/{id}", s.handleQueryStatus)
			r.Get("/notifications/pending", s.handlePending)
			r.Get("/proxies", s.handleProxies)
			r.Get("/config", s.handleGetConfig)
		})
		r.Group(func(r chi.Router) {
			r.Use(apimw.RequireAdmin(keys), apimw.RateLimit(admRPM, admBurst))
			r.Post("/queries", s.handleCreateQuery)
			r.Post("/queries/{id}/activate", s.handleSetActive(true))
			r.Post("/queries/{id}/deactivate", s.handleSetActive(false))
			r.Post("/queries/{id}/scan", s.handleForceScan)
			r.Post("/scan", s.handleForceScanAll)
			r.Post("/config", s.handlePublishConfig)
		})
	})
	return r
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	qs, err := s.Scanner.ListStatus(r.Context())
	if err != nil {
		s.fail(w, r, "list_queries_error", err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Scanner.QueryStatus(r.Context(), queryID(r))
	if err != nil {
		s.fail(w, r, "query_status_error", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	var p createQueryPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	q, err := p.toQuery(s.Channels)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Queries.CreateQuery(r.Context(), q); err != nil {
		s.fail(w, r, "create_query_error", err)
		return
	}
	s.Logger.Info("query_created",
		zap.String("query_id", string(q.ID)),
		zap.String("name", q.Name),
		zap.String("channel", q.Target.Channel),
	)
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := queryID(r)
		if err := s.Queries.SetActive(r.Context(), id, active); err != nil {
			s.fail(w, r, "set_active_error", err)
			return
		}
		s.Logger.Info("query_set_active", zap.String("query_id", string(id)), zap.Bool("active", active))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleForceScan(w http.ResponseWriter, r *http.Request) {
	if err := s.Scanner.ForceScan(r.Context(), queryID(r)); err != nil {
		s.fail(w, r, "force_scan_error", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan_requested"})
}

func (s *Server) handleForceScanAll(w http.ResponseWriter, r *http.Request) {
	if err := s.Scanner.ForceScanAll(r.Context()); err != nil {
		s.fail(w, r, "force_scan_all_error", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan_requested"})
}

type pendingResponse struct {
	PausedUntil *time.Time                   `json:"paused_until,omitempty"`
	Pending     []domain.PendingNotification `json:"pending"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	ns, err := s.Queue.Pending(r.Context())
	if err != nil {
		s.fail(w, r, "list_pending_error", err)
		return
	}
	resp := pendingResponse{Pending: ns}
	if resp.Pending == nil {
		resp.Pending = []domain.PendingNotification{}
	}
	if until := s.Queue.PausedUntil(); !until.IsZero() {
		resp.PausedUntil = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Proxies.Status())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	rc := s.Config.Applied()
	if rc == nil {
		writeError(w, http.StatusServiceUnavailable, "no runtime config applied yet")
		return
	}
	rc.Settings.Proxies.Endpoints = redactEndpoints(rc.Settings.Proxies.Endpoints)
	writeJSON(w, http.StatusOK, rc)
}

// handlePublishConfig stores a new runtime config version. Fields missing
// from the body keep their currently applied values; the reload controller
// picks the version up on its next poll. GET /api/config redacts proxy
// passwords, so its body cannot be posted back unchanged.
func (s *Server) handlePublishConfig(w http.ResponseWriter, r *http.Request) {
	if s.Publisher == nil {
		writeError(w, http.StatusConflict, "runtime config is file-managed")
		return
	}
	settings := domain.DefaultSettings()
	if rc := s.Config.Applied(); rc != nil {
		settings = rc.Settings
	}
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	if err := settings.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, ep := range settings.Proxies.Endpoints {
		if proxy.IsRedacted(ep) {
			writeError(w, http.StatusBadRequest, "proxies.endpoints holds a redacted URL; send the real credentials")
			return
		}
	}
	rc, err := s.Publisher.Publish(r.Context(), settings)
	if err != nil {
		s.fail(w, r, "publish_config_error", err)
		return
	}
	s.Logger.Info("config_published", zap.Int64("version", rc.Version), zap.String("checksum", rc.Checksum))
	writeJSON(w, http.StatusAccepted, map[string]any{"version": rc.Version, "checksum": rc.Checksum})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repo.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	default:
		s.Logger.Error(event,
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryID(r *http.Request) domain.QueryID {
	return domain.QueryID(chi.URLParam(r, "id"))
}

func redactEndpoints(in []string) []string {
	out := make([]string, len(in))
	for i, raw := range in {
		out[i] = proxy.Redact(raw)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
