package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"unisync/internal/apperr"
)

const claimsKey = "claims"

var (
	errMissingToken  = apperr.New(apperr.Unauthorized, "Authentication token required")
	errExpired       = apperr.New(apperr.Unauthorized, "Token expired")
	errInvalid       = apperr.New(apperr.Unauthorized, "Invalid token")
	errInsufficient  = apperr.New(apperr.Forbidden, "Insufficient permissions")
	errNotAuthorized = apperr.New(apperr.Unauthorized, "Authentication required")
)

// AbortFunc writes an error response and stops the chain. The API package
// supplies one that renders its envelope.
type AbortFunc func(c *gin.Context, err error)

// Authenticate enforces bearer JWT tokens signed with HS256.
func Authenticate(signingKey, issuer string, abort AbortFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			abort(c, errMissingToken)
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				abort(c, errExpired)
			} else {
				abort(c, errInvalid)
			}
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole allows the request through only for the listed roles.
func RequireRole(abort AbortFunc, roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claims, ok := FromContext(c)
		if !ok {
			abort(c, errNotAuthorized)
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			abort(c, errInsufficient)
			return
		}
		c.Next()
	}
}

// FromContext returns the claims set by Authenticate.
func FromContext(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}
