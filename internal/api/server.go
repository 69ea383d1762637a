package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"tunesync/internal/config"
	"tunesync/internal/db"
	"tunesync/internal/redis"
	"tunesync/internal/security"
	"tunesync/internal/spotify"
	"tunesync/internal/store"
	syncengine "tunesync/internal/sync"
)

type Server struct {
	log        *slog.Logger
	db         *db.DB
	redis      *redis.Client
	cfg        config.Config
	router     *gin.Engine
	accounts   *store.Store
	reconciler *syncengine.Reconciler
	tokens     *spotify.TokenLifecycle
	limiter    *security.LimiterStore
}

func NewServer(log *slog.Logger, dbConn *db.DB, redisClient *redis.Client, cfg config.Config, accounts *store.Store, reconciler *syncengine.Reconciler, tokens *spotify.TokenLifecycle) *Server {
	s := &Server{
		log:        log,
		db:         dbConn,
		redis:      redisClient,
		cfg:        cfg,
		accounts:   accounts,
		reconciler: reconciler,
		tokens:     tokens,
		// 60 req/min per client, burst 10
		limiter: security.NewLimiterStore(rate.Limit(1), 10, 10*time.Minute),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/v1")
	v1.Use(s.adminAuthMiddleware())
	{
		v1.GET("/accounts/:slack_user_id/settings", s.handleGetSettings)
		v1.PUT("/accounts/:slack_user_id/settings", s.handleUpdateSettings)
		v1.POST("/accounts/:slack_user_id/sync", s.handleManualSync)
		v1.GET("/accounts/:slack_user_id/devices", s.handleListDevices)
	}

	s.router = r
	return s
}

func (s *Server) Handler() *gin.Engine {
	return s.router
}
