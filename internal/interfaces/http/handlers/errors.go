// Package handlers implements the ops API endpoints.
package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/qsign/pkg/errors"
)

// RetryAfterSeconds is advertised on "try later" responses.
const RetryAfterSeconds = 5

// respondError writes err as a JSON error body. Exhausted pools and transient storage
// failures also get a Retry-After header.
func respondError(c *gin.Context, err error) {
	status, body := errors.ToGenericErrorResponse(err)
	if errors.IsNoFreeKey(err) || errors.IsKind(err, errors.KindPersistenceTransient) {
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	c.AbortWithStatusJSON(status, body)
}
