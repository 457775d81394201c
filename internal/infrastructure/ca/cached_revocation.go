package ca

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/logger"
)

// CachedRevocation decorates a CAClient with a short-lived revocation status cache:
// an in-process L1, an optional shared Redis L2, and single-flight lookups against the CA.
// Failures are never cached.
type CachedRevocation struct {
	service.CAClient
	l1     *gocache.Cache
	l2     redis.UniversalClient
	sf     singleflight.Group
	ttl    time.Duration
	logger logger.Logger
}

// NewCachedRevocation wraps next. A ttl of zero returns next unchanged.
func NewCachedRevocation(next service.CAClient, ttl time.Duration, l2 redis.UniversalClient, log logger.Logger) service.CAClient {
	if ttl <= 0 {
		return next
	}
	return &CachedRevocation{
		CAClient: next,
		l1:       gocache.New(ttl, 2*ttl),
		l2:       l2,
		ttl:      ttl,
		logger:   log.WithComponent("CachedRevocation"),
	}
}

var _ service.CAClient = (*CachedRevocation)(nil)

// GetRevocationStatus answers from cache when possible.
func (c *CachedRevocation) GetRevocationStatus(ctx context.Context, serialHex, issuerDN string) (constants.RevocationStatus, error) {
	cacheKey := fmt.Sprintf("qsign:revocation:%s:%s", issuerDN, serialHex)

	if v, ok := c.l1.Get(cacheKey); ok {
		return v.(constants.RevocationStatus), nil
	}

	v, err, _ := c.sf.Do(cacheKey, func() (interface{}, error) {
		if c.l2 != nil {
			if s, err := c.l2.Get(ctx, cacheKey).Result(); err == nil {
				status := constants.RevocationStatus(s)
				c.l1.SetDefault(cacheKey, status)
				return status, nil
			} else if err != redis.Nil {
				c.logger.Warn(ctx, "Revocation L2 cache read failed", logger.Err(err))
			}
		}

		status, err := c.CAClient.GetRevocationStatus(ctx, serialHex, issuerDN)
		if err != nil {
			return nil, err
		}
		c.l1.SetDefault(cacheKey, status)
		if c.l2 != nil {
			if err := c.l2.Set(ctx, cacheKey, string(status), c.ttl).Err(); err != nil {
				c.logger.Warn(ctx, "Revocation L2 cache write failed", logger.Err(err))
			}
		}
		return status, nil
	})
	if err != nil {
		return "", err
	}
	return v.(constants.RevocationStatus), nil
}
