package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// DefaultMaxBodyBytes caps request bodies when Options leave it zero
const DefaultMaxBodyBytes = 5 << 20

const limiterCacheSize = 4096

// retryAfterSeconds is advertised when ingestion cannot take an event
const retryAfterSeconds = 30

// Dispatcher receives normalized push events. It returns the number of
// projects the event was queued for and must not block on ingestion.
type Dispatcher interface {
	HandleChangeEvent(ctx context.Context, event *types.ChangeEvent) (int, error)
}

// Options configures a Server
type Options struct {
	Secrets      Secrets
	MaxBodyBytes int64
	MinInterval  time.Duration // minimum spacing of accepted pushes per repository
	Logger       *slog.Logger
}

// Server is the HTTP webhook receiver
type Server struct {
	router     chi.Router
	dispatcher Dispatcher
	verifiers  map[string]Verifier
	limiters   *lru.Cache[string, *rate.Limiter]
	opts       Options
	logger     *slog.Logger
}

// Response is the JSON body of every webhook reply
type Response struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Projects   int    `json:"projects,omitempty"`
}

// NewServer builds the receiver and its routes
func NewServer(d Dispatcher, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("webhook")
	}
	limiters, _ := lru.New[string, *rate.Limiter](limiterCacheSize)
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: d,
		verifiers:  Verifiers(opts.Secrets),
		limiters:   limiters,
		opts:       opts,
		logger:     logger,
	}
	for _, p := range Providers {
		if _, ok := s.verifiers[p]; !ok {
			logger.Warn("webhook secret not configured, requests are not verified", "provider", p)
		}
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			s.logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"dur", time.Since(start),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()))
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Response{Status: "ok"})
	})
	s.router.Post("/webhook/{provider}", s.handleWebhook)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	if !knownProvider(provider) {
		writeJSON(w, http.StatusNotFound, Response{Status: "error", Reason: "unknown provider " + provider})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{Status: "error", Reason: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, Response{Status: "error", Reason: "unreadable body"})
		return
	}

	if v, ok := s.verifiers[provider]; ok {
		if err := v.Verify(r.Header, body); err != nil {
			s.logger.Warn("webhook rejected", "provider", provider, "error", err)
			writeJSON(w, http.StatusUnauthorized, Response{Status: "error", Reason: "invalid signature"})
			return
		}
	}

	ev, err := Normalize(provider, r.Header, body)
	switch {
	case errors.Is(err, types.ErrEventIgnored):
		s.logger.Debug("webhook ignored", "provider", provider, "reason", err)
		writeJSON(w, http.StatusOK, Response{Status: "ignored", Reason: err.Error()})
		return
	case err != nil:
		s.logger.Warn("webhook payload invalid", "provider", provider, "error", err)
		writeJSON(w, http.StatusBadRequest, Response{Status: "error", Reason: err.Error()})
		return
	}

	if !s.allow(provider + "/" + ev.Repository) {
		s.logger.Info("webhook rate limited", "provider", provider, "repository", ev.Repository)
		writeJSON(w, http.StatusTooManyRequests, Response{
			Status:     "rate_limited",
			EventID:    ev.EventID,
			Repository: ev.Repository,
		})
		return
	}

	n, err := s.dispatcher.HandleChangeEvent(r.Context(), ev)
	if errors.Is(err, types.ErrIngestionInProgress) {
		s.logger.Warn("webhook deferred, ingestion busy", "provider", provider, "repository", ev.Repository, "event", ev.EventID, "error", err)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeJSON(w, http.StatusServiceUnavailable, Response{
			Status:     "busy",
			Reason:     "ingestion queue is full; redeliver later",
			EventID:    ev.EventID,
			Repository: ev.Repository,
			Branch:     ev.Branch,
			Projects:   n,
		})
		return
	}
	if err != nil {
		s.logger.Error("webhook dispatch failed", "provider", provider, "repository", ev.Repository, "error", err)
		writeJSON(w, http.StatusInternalServerError, Response{Status: "error", Reason: "dispatch failed", EventID: ev.EventID})
		return
	}
	if n == 0 {
		writeJSON(w, http.StatusOK, Response{
			Status:     "ignored",
			Reason:     "no registered project tracks this repository",
			EventID:    ev.EventID,
			Repository: ev.Repository,
			Branch:     ev.Branch,
		})
		return
	}

	s.logger.Info("webhook accepted",
		"provider", provider,
		"repository", ev.Repository,
		"branch", ev.Branch,
		"after", ev.After,
		"event", ev.EventID,
		"projects", n)
	writeJSON(w, http.StatusAccepted, Response{
		Status:     "accepted",
		EventID:    ev.EventID,
		Repository: ev.Repository,
		Branch:     ev.Branch,
		Projects:   n,
	})
}

// allow applies the per-repository minimum interval
func (s *Server) allow(key string) bool {
	if s.opts.MinInterval <= 0 {
		return true
	}
	lim, ok := s.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.opts.MinInterval), 1)
		s.limiters.Add(key, lim)
	}
	return lim.Allow()
}

func knownProvider(p string) bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ListenAndServe serves until ctx ends, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook receiver listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
