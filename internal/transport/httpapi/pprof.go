package httpapi

import (
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"
)

// mountPprof serves the runtime profiles under g ("/debug/pprof").
func mountPprof(g *gin.RouterGroup) {
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles (heap, goroutine, block, mutex, allocs, threadcreate).
	g.GET("/:profile", func(c *gin.Context) {
		name := strings.TrimSpace(c.Param("profile"))
		hpprof.Handler(name).ServeHTTP(c.Writer, c.Request)
	})
}
