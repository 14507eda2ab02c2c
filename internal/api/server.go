// Package api is the server side HTTP surface of mcp-assistant.
//
// Handlers are stateless. Every request rehydrates the protocol client it
// needs from the session store by session id, so the connect request and
// the OAuth callback that completes it may be served by different
// processes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zonlabs/mcp-assistant-sub001/internal/config"
	"github.com/zonlabs/mcp-assistant-sub001/internal/logging"
	"github.com/zonlabs/mcp-assistant-sub001/internal/mcpclient"
	"github.com/zonlabs/mcp-assistant-sub001/internal/session"
)

const (
	// DefaultStateMaxAge bounds how long an authorization attempt may take
	// between the connect request and the callback.
	DefaultStateMaxAge = 30 * time.Minute

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Config wires the API server.
type Config struct {
	Factory *mcpclient.Factory
	Logger  *logging.Logger

	// PublicURL is the externally visible base URL of this server.
	PublicURL string
	// AllowedOrigin receives popup completion messages and CORS grants.
	// Defaults to the origin of PublicURL.
	AllowedOrigin string
	StateMaxAge   time.Duration
}

// Server serves the /api/mcp routes.
type Server struct {
	factory     *mcpclient.Factory
	store       session.Store
	logger      *logging.Logger
	publicURL   string
	origin      string
	stateMaxAge time.Duration
	secure      bool
	router      chi.Router
}

// NewServer creates the API server and its router.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	origin := strings.TrimSuffix(cfg.AllowedOrigin, "/")
	if origin == "" {
		origin = config.OriginOf(cfg.PublicURL)
	}
	if origin == "" {
		return nil, fmt.Errorf("cannot derive allowed origin from public URL %q", cfg.PublicURL)
	}
	if cfg.StateMaxAge <= 0 {
		cfg.StateMaxAge = DefaultStateMaxAge
	}

	s := &Server{
		factory:     cfg.Factory,
		store:       cfg.Factory.Store(),
		logger:      cfg.Logger,
		publicURL:   strings.TrimSuffix(cfg.PublicURL, "/"),
		origin:      origin,
		stateMaxAge: cfg.StateMaxAge,
		secure:      strings.HasPrefix(cfg.PublicURL, "https://"),
		router:      chi.NewRouter(),
	}
	s.setupRoutes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.requestLogger,
		middleware.Recoverer,
		s.cors,
	)

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Route("/api/mcp", func(r chi.Router) {
		// The callback is addressed by its state parameter, not by a user.
		r.Get("/auth/callback", s.handleCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.identifyUser)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Get("/tools", s.handleListTools)
			r.Post("/tool", s.handleCallTool)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/auth/events", s.handleAuthEvents)
		})
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("API listening on %s (public URL %s)", listener.Addr(), s.publicURL)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// requestLogger logs one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Zap().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

// cors grants the configured origin credentialed access to the API.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origin == s.origin {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, "+userHeader)
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
