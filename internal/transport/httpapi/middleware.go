package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"skytask/internal/errs"
	"skytask/internal/tenant"
	logx "skytask/pkg/logx"
)

const (
	HeaderTenant   = "X-SkyTask-Tenant"
	HeaderOperator = "X-SkyTask-Operator"

	tenantKey = "skytask.tenant"
)

// TenantResolver turns the tenant header into an explicit tenant.
type TenantResolver interface {
	ByCode(ctx context.Context, code string) (tenant.Tenant, error)
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http handler panicked", logx.String("path", c.FullPath()),
					logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				fail(c, fmt.Errorf("panic: %v", r))
			}
		}()
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("err", c.Errors.Last().Error()))
		}
		if status >= http.StatusInternalServerError {
			log.Warn("http request failed", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

// bearerAuth accepts "Authorization: Bearer <token>". An empty token disables the check.
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		const p = "Bearer "
		ah := c.GetHeader("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, Response{Code: http.StatusUnauthorized, Message: "unauthorized"})
	}
}

// requireTenant resolves the tenant header; handlers read it with tenantOf.
func requireTenant(r TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if code == "" {
			fail(c, fmt.Errorf("%w: missing %s header", errs.ErrTenantRequired, HeaderTenant))
			return
		}
		t, err := r.ByCode(c.Request.Context(), code)
		if err != nil {
			fail(c, err)
			return
		}
		c.Set(tenantKey, t)
		c.Next()
	}
}

func tenantOf(c *gin.Context) tenant.Tenant {
	t, _ := c.MustGet(tenantKey).(tenant.Tenant)
	return t
}

func operatorOf(c *gin.Context, fallback string) string {
	if op := strings.TrimSpace(fallback); op != "" {
		return op
	}
	if op := strings.TrimSpace(c.GetHeader(HeaderOperator)); op != "" {
		return op
	}
	return "api"
}
