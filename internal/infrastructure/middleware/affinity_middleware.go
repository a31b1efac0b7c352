package middleware

import (
	"camrelay/internal/infrastructure/loadbalancer"

	"github.com/gin-gonic/gin"
)

// AffinityMiddleware pins viewers of camera routes to this instance. A nil
// manager disables pinning.
func AffinityMiddleware(m *loadbalancer.StickySessionManager) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		// push streams write their headers as soon as the session starts
		m.Pin(c.Writer, c.Request)
		c.Next()
	}
}
