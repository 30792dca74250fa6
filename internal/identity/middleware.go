package identity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/drawbridge-app/drawbridge/internal/slogging"
)

const (
	// ClaimsContextKey is the gin context key for the validated claims
	ClaimsContextKey = "identityClaims"
)

// Middleware provides authentication middleware for Gin
type Middleware struct {
	validator *Validator
}

// NewMiddleware creates a new authentication middleware
func NewMiddleware(validator *Validator) *Middleware {
	logger := slogging.Get()
	logger.Info("Initializing authentication middleware")
	return &Middleware{
		validator: validator,
	}
}

// extractToken pulls the bearer token from the Authorization header, falling
// back to the token query parameter. Browsers cannot set headers on WebSocket
// upgrade requests, so /ws clients pass ?token= instead.
func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", errors.New("authorization header format must be Bearer {token}")
		}
		return parts[1], nil
	}

	if token := c.Query("token"); token != "" {
		return token, nil
	}

	return "", errors.New("authorization is required")
}

// AuthRequired is a middleware that requires a valid Drawbridge token
func (m *Middleware) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := slogging.Get().WithContext(c)

		tokenString, err := extractToken(c)
		if err != nil {
			logger.Warn("Authentication failed: %v client_ip=%v", err, c.ClientIP())
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		claims, err := m.validator.ValidateToken(tokenString)
		if err != nil {
			logger.Warn("Authentication failed: token validation error client_ip=%v error=%v", c.ClientIP(), err)
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		// Set the identity in the context for handlers and the logger
		c.Set(ClaimsContextKey, claims)
		c.Set("userID", claims.UserID())
		c.Set("displayName", claims.DisplayName)
		c.Set("userRole", claims.Role)

		logger.Debug("Token validated successfully user_id=%v", claims.UserID())
		c.Next()
	}
}

// FromContext gets the validated claims from the gin context
func FromContext(c *gin.Context) (*Claims, error) {
	value, exists := c.Get(ClaimsContextKey)
	if !exists {
		return nil, errors.New("claims not found in context")
	}
	claims, ok := value.(*Claims)
	if !ok {
		return nil, errors.New("claims not found in context")
	}
	return claims, nil
}
