package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/theblitlabs/parity-fl/internal/api/handlers"
	"github.com/theblitlabs/parity-fl/internal/api/middleware"
	v1 "github.com/theblitlabs/parity-fl/internal/api/v1"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Router serves the coordinator API under endpoint and a liveness check at
// /healthz.
type Router struct {
	engine   *gin.Engine
	endpoint string
}

func NewRouter(updateHandler *handlers.UpdateHandler, metrics http.Handler, endpoint string) *Router {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.Logging())

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	})
	engine.GET("/healthz", updateHandler.Health)

	r := &Router{
		engine:   engine,
		endpoint: endpoint,
	}

	v1.RegisterRoutes(r.engine.Group(r.endpoint), updateHandler, metrics)
	return r
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.engine.ServeHTTP(w, req)
}
