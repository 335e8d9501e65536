package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/kanariya/internal/handlers"
)

// Pinger reports whether the KV backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the router serves.
type Deps struct {
	Ingestor handlers.Ingestor
	Events   handlers.EventLister
	Store    Pinger
	Logger   *zap.Logger
	Canary   handlers.CanaryOptions
	Admin    handlers.AdminOptions
}

// NewRouter wires public endpoints and the admin surface.
// Public: /health, /ready, /canary/{token}
// Bearer-gated: /admin/sign, /admin/export
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.RequestLogger(d.Logger))

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the KV backend is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	handlers.RegisterCanaryRoutes(r, d.Ingestor, d.Logger, d.Canary)
	handlers.RegisterAdminRoutes(r, d.Events, d.Logger, d.Admin)

	return r
}
