package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jobtrail/pkg/metrics"
	"jobtrail/pkg/trace"
	"jobtrail/pkg/util"
)

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		userID, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		// store user_id in context so handlers can use it
		c.Set("user_id", userID)

		c.Next()
	}
}

// TraceMiddleware 沿用请求头中的 X-Request-ID，没有则生成，并回写到响应头
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(trace.HeaderName)
		if id == "" {
			id = trace.NewID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), id))
		c.Header(trace.HeaderName, id)
		c.Next()
	}
}

// MetricsMiddleware 按路由模板记录请求耗时
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
