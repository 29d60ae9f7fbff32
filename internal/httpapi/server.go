// Package httpapi exposes the local bootstrap surface: temp key issuance,
// pairing management, health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"cloud-companion/companion/internal/bootstrap/config"
	"cloud-companion/companion/internal/channel"
	"cloud-companion/companion/internal/companion"
	"cloud-companion/companion/internal/identity"
	"cloud-companion/companion/internal/platform/ratelimiter"
)

const tokenHeader = "X-Companion-Token"

type Service interface {
	Start(ctx context.Context) error
	Close(ctx context.Context) error
	GenerateTempKey(ctx context.Context) (string, error)
	ListPairings() []companion.Pairing
	DeletePairing(ctx context.Context, localPublicKeyHex string) (bool, error)
	Health() companion.Health
}

type Server struct {
	httpServer     *http.Server
	service        Service
	logger         *slog.Logger
	token          string
	allowedOrigins map[string]struct{}
	requestTimeout time.Duration
	limiter        *ratelimiter.MapLimiter
	now            func() time.Time
}

// New builds the server. metricsHandler may be nil, in which case /metrics
// is not served.
func New(cfg config.HTTPConfig, svc Service, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = config.DefaultHTTPAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins[o] = struct{}{}
		}
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		service:        svc,
		logger:         logger.With("component", "httpapi"),
		token:          strings.TrimSpace(cfg.Token),
		allowedOrigins: origins,
		requestTimeout: cfg.RequestTimeout,
		limiter:        ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		now:            time.Now,
	}
	if s.token == "" {
		s.logger.Warn("COMPANION_HTTP_TOKEN is not set; management endpoints are unauthenticated")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/pairing", s.handlePairing)
	mux.HandleFunc("/registered", s.handleRegistered)
	mux.HandleFunc("/registered/", s.handleRegisteredKey)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	if err := s.service.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()
	s.logger.Info("http listening", "operation", "run", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			_ = s.service.Close(shutdownCtx)
			return err
		}
		if err := s.service.Close(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.service.Close(shutdownCtx)
		cancel()
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r, http.MethodGet) {
		return
	}
	h := s.service.Health()
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		companion.Health
	}{Status: "ok", Health: h})
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r, http.MethodGet) || !s.authorize(w, r) || !s.allow(w, r) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()
	pub, err := s.service.GenerateTempKey(ctx)
	if err != nil {
		s.logger.Error("temp key issuance failed", "operation", "generate_temp_key", "reason", err.Error())
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, channel.ErrSubscriptionUnavailable) ||
			errors.Is(err, companion.ErrNotStarted) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "temp key unavailable", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": pub})
}

func (s *Server) handleRegistered(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r, http.MethodGet) || !s.authorize(w, r) || !s.allow(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.service.ListPairings())
}

func (s *Server) handleRegisteredKey(w http.ResponseWriter, r *http.Request) {
	if !s.preflight(w, r, http.MethodDelete) || !s.authorize(w, r) || !s.allow(w, r) {
		return
	}
	key := strings.TrimPrefix(path.Clean(r.URL.Path), "/registered/")
	if _, err := identity.ParsePublicKeyHex(key); err != nil {
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}
	deleted, err := s.service.DeletePairing(r.Context(), key)
	if err != nil {
		s.logger.Error("delete pairing failed", "operation", "delete_pairing", "reason", err.Error())
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "pairing not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) preflight(w http.ResponseWriter, r *http.Request, method string) bool {
	if !s.applyCORS(w, r) {
		return false
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !s.isAllowedOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+tokenHeader)
	return true
}

func (s *Server) isAllowedOrigin(raw string) bool {
	if _, ok := s.allowedOrigins[strings.TrimRight(raw, "/")]; ok {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	token := extractToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter.Allow(ratelimiter.ClientKey(r), s.now()) {
		return true
	}
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(tokenHeader)); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
