package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenValidator is satisfied by *auth.OperatorValidator.
type TokenValidator interface {
	ValidateToken(tokenString string) (userID, username string, err error)
}

// RequireToken rejects requests without a valid "Bearer <token>" header and
// stores the operator id under "operator_id" for the handlers.
func RequireToken(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		operatorID, _, err := tokens.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("operator_id", operatorID)
		c.Next()
	}
}
