package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/autoshare/internal/clients"
	"github.com/ent0n29/autoshare/internal/config"
	"github.com/ent0n29/autoshare/internal/control"
	"github.com/ent0n29/autoshare/internal/notify"
	"github.com/ent0n29/autoshare/internal/observability"
	"github.com/ent0n29/autoshare/internal/tasks"
)

const maxBodyBytes = 1 << 20

type Deps struct {
	Clients  *clients.Registry
	Store    *tasks.Store
	Control  *control.Service
	Notifier *notify.Notifier
	Metrics  *observability.Metrics
	// HistoryMode is reported by the health endpoints.
	HistoryMode string
}

type Server struct {
	cfg         config.Config
	clients     *clients.Registry
	store       *tasks.Store
	control     *control.Service
	notifier    *notify.Notifier
	metrics     *observability.Metrics
	historyMode string
	logger      zerolog.Logger
	limiter     *ipLimiter
	upgrader    websocket.Upgrader
	static      http.Handler
}

func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		clients:     deps.Clients,
		store:       deps.Store,
		control:     deps.Control,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		historyMode: deps.HistoryMode,
		logger:      logger.With().Str("component", "httpapi").Logger(),
		static:      newStaticHandler(),
	}
	s.limiter = newIPLimiter(cfg.APIRateLimit, cfg.APIRateWindow, s.metrics.ObserveRateLimited)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkWSOrigin,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
		r.Use(middleware.RequestSize(maxBodyBytes))
		r.Post("/check-process", s.handleCheckProcess)
		r.Post("/share", s.handleShare)
		r.Post("/control", s.handleControl)
		r.Post("/history", s.handleHistory)
	})

	// The UI opens its websocket on the root URL.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.handleWS(w, r)
			return
		}
		s.static.ServeHTTP(w, r)
	})
	r.Handle("/*", s.static)
	return r
}

// Close releases background resources owned by the server.
func (s *Server) Close() {
	s.limiter.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"active_tasks":      s.store.Count(),
		"connected_clients": s.clients.Count(),
		"history_store":     s.historyMode,
		"upstream":          s.metrics.UpstreamSnapshot(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"history_store": s.historyMode,
	})
}

// checkWSOrigin admits non-browser clients, same-host pages and the
// configured UI origins.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   string `json:"details,omitempty"`
	ProcessID string `json:"processId,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondControlError maps control surface errors to their HTTP status.
func (s *Server) respondControlError(w http.ResponseWriter, r *http.Request, err error) {
	var cerr *control.Error
	if errors.As(err, &cerr) {
		respondJSON(w, cerr.Kind.Status(), errorResponse{
			Error:     cerr.Message,
			Code:      string(cerr.Kind),
			Details:   cerr.Details,
			ProcessID: cerr.ProcessID,
		})
		return
	}
	s.logger.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg("request failed")
	respondError(w, http.StatusInternalServerError, "internal", "Internal server error")
}
