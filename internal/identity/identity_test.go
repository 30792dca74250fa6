package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-for-identity"

func mintToken(t *testing.T, secret string, mutate func(*Claims)) string {
	t.Helper()

	claims := &Claims{
		DisplayName: "Alice",
		Email:       "alice@example.com",
		Role:        "editor",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-alice",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(claims)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	validator, err := NewValidator(testSecret, "HS256")
	require.NoError(t, err)
	return validator
}

func TestNewValidator(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		validator, err := NewValidator("secret", "HS256")
		require.NoError(t, err)
		assert.NotNil(t, validator)
	})

	t.Run("EmptySecret", func(t *testing.T) {
		_, err := NewValidator("", "HS256")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt secret is required")
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		_, err := NewValidator("secret", "XX999")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported signing method")
	})
}

func TestValidateToken(t *testing.T) {
	validator := newTestValidator(t)

	t.Run("ValidToken", func(t *testing.T) {
		tokenString := mintToken(t, testSecret, nil)

		claims, err := validator.ValidateToken(tokenString)
		require.NoError(t, err)

		assert.Equal(t, "user-alice", claims.UserID())
		assert.Equal(t, "Alice", claims.DisplayName)
		assert.Equal(t, "editor", claims.Role)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		tokenString := mintToken(t, "other-secret", nil)

		_, err := validator.ValidateToken(tokenString)
		assert.Error(t, err)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		tokenString := mintToken(t, testSecret, func(c *Claims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		})

		_, err := validator.ValidateToken(tokenString)
		assert.Error(t, err)
	})

	t.Run("MissingSubject", func(t *testing.T) {
		tokenString := mintToken(t, testSecret, func(c *Claims) {
			c.Subject = ""
		})

		_, err := validator.ValidateToken(tokenString)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no subject")
	})

	t.Run("WrongSigningMethod", func(t *testing.T) {
		// HS384 token against an HS256 validator
		claims := &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-alice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS384, claims)
		signed, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)

		_, err = validator.ValidateToken(signed)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected signing method")
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := validator.ValidateToken("not-a-token")
		assert.Error(t, err)
	})
}

func setupMiddlewareRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	middleware := NewMiddleware(newTestValidator(t))

	router := gin.New()
	router.GET("/protected", middleware.AuthRequired(), func(c *gin.Context) {
		claims, err := FromContext(c)
		require.NoError(t, err)
		c.JSON(http.StatusOK, gin.H{
			"user_id":      claims.UserID(),
			"display_name": claims.DisplayName,
			"role":         claims.Role,
		})
	})
	return router
}

func TestAuthRequired(t *testing.T) {
	router := setupMiddlewareRouter(t)

	t.Run("BearerHeader", func(t *testing.T) {
		tokenString := mintToken(t, testSecret, nil)

		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+tokenString)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "user-alice")
	})

	t.Run("QueryParamFallback", func(t *testing.T) {
		tokenString := mintToken(t, testSecret, nil)

		req := httptest.NewRequest(http.MethodGet, "/protected?token="+tokenString, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("MissingToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	})

	t.Run("MalformedHeader", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		req.Header.Set("Authorization", "Bearer invalid")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestFromContextMissing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	_, err := FromContext(c)
	assert.Error(t, err)
}
