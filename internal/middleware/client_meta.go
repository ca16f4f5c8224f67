package middleware

import (
	"github.com/gin-gonic/gin"
)

// Context keys for request origin captured for audit metadata.
const (
	ContextClientIPKey  = "clientIP"
	ContextUserAgentKey = "userAgent"
)

// ClientMeta captures the caller's address and user agent for audit entries.
// The address comes from gin's ClientIP, so forwarding headers only count when
// the immediate peer is a trusted proxy of the engine.
func ClientMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextClientIPKey, c.ClientIP())
		c.Set(ContextUserAgentKey, c.GetHeader("User-Agent"))
		c.Next()
	}
}
