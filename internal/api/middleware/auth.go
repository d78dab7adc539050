package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// principalKey is the context key carrying the authenticated wallet address.
const principalKey = "principal"

// Principal returns the wallet address of the authenticated caller, or ""
// when the request is anonymous.
func Principal(c *gin.Context) string {
	if v, ok := c.Get(principalKey); ok {
		if addr, ok := v.(string); ok {
			return addr
		}
	}
	return ""
}

// ResolvePrincipal reads the wallet address from the session, or from the
// X-Wallet-Address header for non-browser clients, and stores it in the
// context. It never rejects; guarded routes use RequirePrincipal.
func ResolvePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if addr, ok := session.Get("wallet_address").(string); ok && addr != "" {
			c.Set(principalKey, addr)
		} else if addr := strings.TrimSpace(c.GetHeader("X-Wallet-Address")); addr != "" {
			c.Set(principalKey, addr)
		}
		c.Next()
	}
}

// RequirePrincipal rejects requests without an authenticated wallet session.
// Enrollment and settings mutations are owner-scoped and need a principal.
func RequirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Principal(c) == "" {
			t := Tr(c)
			log.WithField("path", c.Request.URL.Path).Debug("Rejected request without principal")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": t("auth.required"),
			})
			return
		}
		c.Next()
	}
}
