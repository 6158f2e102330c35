// Package dashboard serves a small JSON API over the running relay: health,
// statistics, the account list, an account toggle and a server-sent event
// stream of statistics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/tgrelay/internal/control"
)

// Source supplies the data the dashboard reports.
type Source interface {
	Stats() control.Stats
	Accounts() []control.AccountView
}

// Toggler switches an account on or off.
type Toggler interface {
	Toggle(ctx context.Context, id string) (bool, error)
}

// Opts holds configuration for the dashboard server.
type Opts struct {
	Source  Source
	Toggler Toggler
	Port    int
	// StreamEvery is the stats interval of /api/events (default 5s).
	StreamEvery time.Duration
	Log         zerolog.Logger
}

// Handler builds the gin engine serving the API.
func Handler(opts Opts) (http.Handler, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("dashboard: source is required")
	}
	if opts.StreamEvery <= 0 {
		opts.StreamEvery = 5 * time.Second
	}
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	h, err := Handler(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	opts.Log.Info().Int("port", opts.Port).Msg("dashboard listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
