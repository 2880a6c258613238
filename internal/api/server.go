// Package api serves the latest cached snapshot over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"arbwatch/internal/cache"
	"arbwatch/internal/config"
	"arbwatch/internal/model"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the read path of the snapshot cache.
type Server struct {
	cfg    config.HTTPConfig
	store  cache.Store
	logger zerolog.Logger
	router *gin.Engine
}

// NewServer builds the HTTP server. The store handle is shared with the refresh service.
func NewServer(cfg config.HTTPConfig, store cache.Store, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return ctx.Err()
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	_ = router.SetTrustedProxies(nil)

	origins := s.cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsCfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	router.Use(cors.New(corsCfg))

	router.GET("/api/latest", s.latest)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not found")
	})

	return router
}

// latest never fails: a miss or a read error yields the empty document.
func (s *Server) latest(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	snap, ok, err := s.store.Get(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read snapshot")
	}
	if err != nil || !ok {
		snap = model.Empty()
	}
	c.IndentedJSON(http.StatusOK, snap.Normalize())
}
