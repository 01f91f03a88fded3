package middlewares

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/formsync_backend/utils"
)

const CorrelationHeader = "X-Correlation-Id"

// CorrelationMiddleware carries the caller's correlation id through the
// request context, minting one when absent, and echoes it back.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := strings.TrimSpace(c.Request.Header.Get(CorrelationHeader))
		if id != "" && len(id) <= 64 {
			ctx = utils.SetCorrelationIdInContext(ctx, id)
		} else {
			ctx, id = utils.EnsureCorrelationId(ctx)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}
