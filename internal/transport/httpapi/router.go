package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"skytask/internal/observability"
	logx "skytask/pkg/logx"
)

// Deps are the services behind the routes. Fleet and Metrics may be nil,
// which leaves their routes unmounted.
type Deps struct {
	Tenants    TenantResolver
	Catalog    Catalog
	Executions Executions
	Fleet      Fleet
	Metrics    *observability.Registry
	// Health adds component state to /healthz.
	Health  func() map[string]any
	Version string
}

// NewRouter builds the gin engine. token, when set, guards /api and /debug.
func NewRouter(d Deps, token string, withPprof bool, log logx.Logger) *gin.Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	started := time.Now()

	r := gin.New()
	r.Use(recovery(log), requestLog(log))

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{
			"status":  "ok",
			"version": d.Version,
			"uptime":  time.Since(started).Truncate(time.Second).String(),
		}
		if d.Health != nil {
			for k, v := range d.Health() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})
	if d.Metrics != nil {
		r.GET("/metrics", func(c *gin.Context) {
			c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(d.Metrics.RenderPrometheus()))
		})
	}

	v1 := r.Group("/api/v1", bearerAuth(token))
	if d.Catalog != nil && d.Executions != nil && d.Tenants != nil {
		th := &taskHandler{cat: d.Catalog, exec: d.Executions}
		tasks := v1.Group("/tasks", requireTenant(d.Tenants))
		{
			tasks.GET("", th.list)
			tasks.POST("", th.create)
			tasks.GET("/:id", th.get)
			tasks.PUT("/:id", th.update)
			tasks.DELETE("/:id", th.delete)
			tasks.POST("/:id/toggle", th.toggle)
			tasks.POST("/:id/trigger", th.trigger)
			tasks.GET("/:id/executions", th.executions)
		}
		v1.POST("/worker/callback", requireTenant(d.Tenants), th.callback)
	}
	if d.Fleet != nil {
		nh := &nodeHandler{fleet: d.Fleet}
		nodes := v1.Group("/nodes")
		{
			nodes.GET("", nh.list)
			nodes.GET("/metrics", nh.metrics)
			nodes.GET("/:id", nh.get)
			nodes.POST("/:id/heartbeat", nh.heartbeat)
			nodes.POST("/:id/offline", nh.offline)
			nodes.POST("/:id/rebalance", nh.rebalance)
		}
	}
	if withPprof {
		mountPprof(r.Group("/debug/pprof", bearerAuth(token)))
	}
	return r
}
