// Package api provides HTTP handlers and the main API server logic for Relas.
//
// It exposes webhook endpoints for inbound Twilio messages and Conversations
// events, plus management endpoints for starting conversations, sending the
// welcome sequence, and reading sentiment history. The API integrates with
// the flow, messaging, and store modules.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/relasapp/relas/internal/flow"
	"github.com/relasapp/relas/internal/store"
)

// Default server settings, overridable via options or environment.
const (
	DefaultAddr          = ":8080"
	DefaultDedupTTL      = 7 * 24 * time.Hour
	DefaultPurgeInterval = time.Hour
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	DedupTTL      time.Duration
	PurgeInterval time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address for the HTTP server.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithDedupTTL sets how long processed inbound message SIDs are retained
// before the background purge removes them.
func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.DedupTTL = ttl
	}
}

// WithPurgeInterval sets how often the dedup purge runs.
func WithPurgeInterval(interval time.Duration) Option {
	return func(o *Opts) {
		o.PurgeInterval = interval
	}
}

// Server wires the message pipeline and storage behind HTTP endpoints.
type Server struct {
	store        store.Store
	dedup        store.DedupRepo
	orchestrator *flow.Orchestrator
	welcome      *flow.Welcome

	addr          string
	dedupTTL      time.Duration
	purgeInterval time.Duration

	httpSrv *http.Server
}

// NewServer creates an API server backed by the given store and pipeline.
func NewServer(st store.Store, dedup store.DedupRepo, orchestrator *flow.Orchestrator, welcome *flow.Welcome, opts ...Option) *Server {
	cfg := Opts{
		Addr:          DefaultAddr,
		DedupTTL:      DefaultDedupTTL,
		PurgeInterval: DefaultPurgeInterval,
	}
	if envAddr := os.Getenv("API_ADDR"); envAddr != "" {
		cfg.Addr = envAddr
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Server.NewServer: configured", "addr", cfg.Addr, "dedupTTL", cfg.DedupTTL, "purgeInterval", cfg.PurgeInterval)
	return &Server{
		store:         st,
		dedup:         dedup,
		orchestrator:  orchestrator,
		welcome:       welcome,
		addr:          cfg.Addr,
		dedupTTL:      cfg.DedupTTL,
		purgeInterval: cfg.PurgeInterval,
	}
}

// routes registers all HTTP handlers on a fresh mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("/webhook/conversations", s.conversationsWebhookHandler)
	mux.HandleFunc("/conversations/start", s.startConversationHandler)
	mux.HandleFunc("/welcome", s.welcomeHandler)
	mux.HandleFunc("/sentiment/history", s.sentimentHistoryHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and the background dedup purge, blocking until
// the context is canceled or the listener fails. On cancellation the server
// shuts down gracefully, draining in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	purgeCtx, cancelPurge := context.WithCancel(ctx)
	defer cancelPurge()
	go s.purgeLoop(purgeCtx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Server.Run: shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	}
}

// purgeLoop periodically removes dedup records older than the TTL.
func (s *Server) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.dedupTTL)
			purged, err := s.dedup.PurgeDedupBefore(cutoff)
			if err != nil {
				slog.Error("Server.purgeLoop: dedup purge failed", "error", err)
				continue
			}
			if purged > 0 {
				slog.Info("Server.purgeLoop: purged dedup records", "count", purged, "cutoff", cutoff)
			}
		}
	}
}
