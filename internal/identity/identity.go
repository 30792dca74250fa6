// Package identity validates access tokens issued by the Drawbridge auth
// service. The collaboration server never mints tokens; it only consumes a
// validated identity and the diagram role the auth service signed into it.
package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the Drawbridge JWT claims consumed by the collaboration server
type Claims struct {
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the stable user identifier (the subject claim)
func (c *Claims) UserID() string {
	return c.Subject
}

// Validator verifies tokens with a shared secret
type Validator struct {
	secret        []byte
	signingMethod jwt.SigningMethod
}

// NewValidator creates a token validator for the given secret and method
func NewValidator(secret string, signingMethod string) (*Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	method := jwt.GetSigningMethod(signingMethod)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing method: %s", signingMethod)
	}

	return &Validator{
		secret:        []byte(secret),
		signingMethod: method,
	}, nil
}

// ValidateToken verifies the token signature and registered claims and
// returns the embedded identity
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method matches what we expect
		if token.Method != v.signingMethod {
			return nil, fmt.Errorf("unexpected signing method: %v (expected %v)", token.Header["alg"], v.signingMethod.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return claims, nil
}
