// Package webhook receives provider notifications over HTTP.
//
// Payloads are treated as hints only: every event is re-fetched from the
// provider before the ledger is touched, so a forged or stale notification
// cannot move money.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/roach88/payledger/internal/capture"
	"github.com/roach88/payledger/internal/provider"
	"github.com/roach88/payledger/internal/store"
	"github.com/roach88/payledger/internal/subscription"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Deps are the collaborators of a Server.
type Deps struct {
	Store         *store.Store
	API           provider.API
	Recorder      *capture.Recorder
	Subscriptions *subscription.Machine
	// Provider is the name accepted in the route and stored on records.
	Provider string
	Log      zerolog.Logger
}

// Server routes provider webhooks to the ledger components.
type Server struct {
	deps   Deps
	log    zerolog.Logger
	router *gin.Engine
}

// New creates a Server.
func New(deps Deps) *Server {
	router := gin.New()

	s := &Server{
		deps:   deps,
		log:    deps.Log.With().Str("component", "webhook").Logger(),
		router: router,
	}
	router.Use(requestID(), accessLog(s.log), recovery(s.log))

	router.GET("/healthz", s.handleHealth)
	router.POST("/webhooks/:provider", s.handleWebhook)
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("webhook server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.deps.Store.DB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
