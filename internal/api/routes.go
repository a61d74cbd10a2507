package api

import (
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rawblock/fluxflow-engine/internal/classifier"
	"github.com/rawblock/fluxflow-engine/internal/config"
	"github.com/rawblock/fluxflow-engine/internal/db"
	"github.com/rawblock/fluxflow-engine/internal/enhancer"
	"github.com/rawblock/fluxflow-engine/internal/indexer"
	"github.com/rawblock/fluxflow-engine/internal/pipeline"
	"github.com/rawblock/fluxflow-engine/internal/scheduler"
)

type APIHandler struct {
	store      *db.Store
	pipeline   *pipeline.Pipeline
	engine     *enhancer.Engine
	scheduler  *scheduler.Scheduler
	classifier *classifier.Classifier
	client     *indexer.Client
	wsHub      *Hub
	cfg        config.Config
}

func SetupRouter(store *db.Store, pipe *pipeline.Pipeline, engine *enhancer.Engine, sched *scheduler.Scheduler, cls *classifier.Classifier, client *indexer.Client, wsHub *Hub, cfg config.Config) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS env var.
	// Production: ALLOWED_ORIGINS=https://example.com,https://www.example.com
	// Development: leave empty for *
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		store:      store,
		pipeline:   pipe,
		engine:     engine,
		scheduler:  sched,
		classifier: cls,
		client:     client,
		wsHub:      wsHub,
		cfg:        cfg,
	}

	limiter := NewRateLimiter(60, 20)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/status", handler.handleStatus)
		api.GET("/flows", handler.handleGetFlows)
		api.GET("/flows/top", handler.handleTopMovers)
		api.GET("/stream", wsHub.Subscribe)
		api.GET("/enhance/progress", handler.handleEnhanceProgress)

		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.POST("/enhance", handler.handleEnhance)
			protected.POST("/enhance/background/start", handler.handleBackgroundStart)
			protected.POST("/enhance/background/stop", handler.handleBackgroundStop)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
