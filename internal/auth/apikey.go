package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerToken extracts the credential from an "Authorization: Bearer ..." header.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// AdminKeyMiddleware guards the admin endpoints with a shared bearer key.
// public skips the check entirely. An empty adminKey rejects every request,
// so an unconfigured deployment never exposes admin data.
func AdminKeyMiddleware(adminKey string, public bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if public {
			c.Next()
			return
		}
		presented := BearerToken(c.GetHeader("Authorization"))
		if adminKey == "" || presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
