package syncserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const tenantKey = "tenant"

// Claims are the JWT claims the server understands.
type Claims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

func parseJwt(tokenStr string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// IssueToken signs an HS256 token for tenant that expires after ttl.
func IssueToken(secret []byte, tenant string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("signing secret is required")
	}
	if tenant == "" {
		return "", fmt.Errorf("tenant is required")
	}
	now := time.Now()
	claims := Claims{
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenant,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// authentication resolves the tenant of a request. With a secret configured
// it requires a valid bearer token carrying a tenant claim; otherwise the
// tenant comes from X-Tenant-ID.
func (s *Server) authentication() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.secret) == 0 {
			tenant := c.GetHeader("X-Tenant-ID")
			if tenant == "" {
				tenant = DefaultTenant
			}
			c.Set(tenantKey, tenant)
			c.Next()
			return
		}

		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("missing bearer token"))
			return
		}

		claims, err := parseJwt(parts[1], s.secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid or expired token"))
			return
		}
		if claims.Tenant == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResponse("token has no tenant"))
			return
		}

		c.Set(tenantKey, claims.Tenant)
		c.Next()
	}
}

func tenantFrom(c *gin.Context) string {
	if v := c.GetString(tenantKey); v != "" {
		return v
	}
	return DefaultTenant
}
