package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/member-requests-api/internal/middleware"
	"github.com/noah-isme/member-requests-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext builds the explicit actor passed to every mutating call.
func actorFromContext(c *gin.Context) (models.Actor, bool) {
	claims := claimsFromContext(c)
	if claims == nil {
		return models.Actor{}, false
	}
	actor := models.ActorFromClaims(claims)
	actor.IPAddress = c.GetString(middleware.ContextClientIPKey)
	if actor.IPAddress == "" {
		actor.IPAddress = c.ClientIP()
	}
	actor.UserAgent = c.GetString(middleware.ContextUserAgentKey)
	if actor.UserAgent == "" {
		actor.UserAgent = c.GetHeader("User-Agent")
	}
	return actor, true
}

func queryInt(c *gin.Context, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return 0
	}
	return value
}

func queryList(c *gin.Context, key string) []string {
	raw := c.Query(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
