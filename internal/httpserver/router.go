package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobtrail/internal/handler"
)

// Pinger reports store readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(syncHandler *handler.SyncHandler, jwtSecret string, db Pinger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), MetricsMiddleware())

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/sync/run", syncHandler.RunSync)
		auth.GET("/sync/status", syncHandler.Status)
	}

	return &Router{Engine: r}
}

// Server 包装 http.Server 以支持优雅退出
func (r *Router) Server(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
