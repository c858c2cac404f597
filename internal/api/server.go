package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"buoywatch/internal/config"
	"buoywatch/internal/queue"
	"buoywatch/internal/refresh"
	"buoywatch/internal/storage"
)

// Server bundles the trigger API router and its dependencies.
type Server struct {
	cfg    config.APIConfig
	store  storage.DatasetStore
	guard  *queue.Guard
	engine *gin.Engine
	logger zerolog.Logger
}

// New constructs a server with routes and middleware.
func New(cfg config.APIConfig, store storage.DatasetStore, guard *queue.Guard, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	server := &Server{
		cfg:    cfg,
		store:  store,
		guard:  guard,
		engine: engine,
		logger: logger.With().Str("component", "api").Logger(),
	}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info().Str("addr", s.cfg.ListenAddr()).Msg("trigger API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.GET("/api/datasets", s.handleListDatasets)
	s.engine.POST("/api/refresh/datasets/:id", s.handleRefreshDataset)
	s.engine.POST("/api/refresh/servers/:id", s.handleRefreshServer)
}

// handleListDatasets returns every known dataset with its refresh state.
// GET /api/datasets
func (s *Server) handleListDatasets(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	datasets, err := s.store.ListDatasets(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": datasets,
		"meta": gin.H{"count": len(datasets)},
	})
}

// handleRefreshDataset schedules a refresh for one dataset.
// POST /api/refresh/datasets/:id
func (s *Server) handleRefreshDataset(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	dataset, err := s.store.GetDataset(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "dataset not found"})
		return
	}

	s.guard.ScheduleIfAbsent(refresh.TaskRefreshDataset, []int64{dataset.ID}, false)
	c.JSON(http.StatusAccepted, gin.H{"dataset": dataset.Name, "status": "scheduled"})
}

// handleRefreshServer schedules a refresh of every dataset on a server.
// POST /api/refresh/servers/:id
func (s *Server) handleRefreshServer(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}

	s.guard.ScheduleIfAbsent(refresh.TaskRefreshServer, []int64{id}, true)
	c.JSON(http.StatusAccepted, gin.H{"server": id, "status": "scheduled"})
}

func (s *Server) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return 0, false
	}
	return id, true
}
