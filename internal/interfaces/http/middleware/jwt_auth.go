package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// extractBearer extracts the token from the Authorization header.
func extractBearer(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// RequireAdminJWT protects the admin routes with an HS256 bearer token signed with
// secret. The sub claim is required; iss is checked when issuer is set.
func RequireAdminJWT(secret, issuer string, log logger.Logger) gin.HandlerFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(secret)

	return func(c *gin.Context) {
		tokenStr := extractBearer(c.GetHeader("Authorization"))
		if tokenStr == "" {
			abortUnauthorized(c, "bearer token required")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil {
			log.Warn(c.Request.Context(), "Admin token rejected", logger.Err(err))
			abortUnauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" {
			log.Warn(c.Request.Context(), "Admin token has no subject")
			abortUnauthorized(c, "sub claim is required")
			return
		}

		c.Set(string(constants.ContextKeyAdminSubject), claims.Subject)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), constants.ContextKeyAdminSubject, claims.Subject))
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	status, body := errors.ToGenericErrorResponse(errors.ErrUnauthorized(msg))
	c.Header("WWW-Authenticate", `Bearer realm="qsign-admin"`)
	c.AbortWithStatusJSON(status, body)
}
