// Package service implements the key-pool application services: replenishment,
// acquisition and release, signing, credential binding, cleanup and certificate validity.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

const tracerName = "github.com/turtacn/qsign/internal/application/service"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// endSpan records err on the span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// eventPublisher stamps and forwards key events. Delivery failures are logged, never returned.
type eventPublisher struct {
	sink   service.KeyEventSink
	logger logger.Logger
	now    func() time.Time
}

func (p eventPublisher) publish(ctx context.Context, eventType constants.KeyEventType, key *models.Key, detail string) {
	if p.sink == nil || key == nil {
		return
	}
	ev := models.NewKeyEvent(eventType, key, detail, p.now().UTC())
	if err := p.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		p.logger.Warn(ctx, "Failed to publish key event",
			logger.String("event", string(eventType)),
			logger.String("key_id", key.ID),
			logger.Err(err),
		)
	}
}

// subjectDN expands the profile's DN template for an alias.
func subjectDN(template, alias string) string {
	if template == "" {
		return "CN=" + alias
	}
	return strings.ReplaceAll(template, "%s", alias)
}

// lookupProfile checks that the token hosts a pool for usage and algorithm. Unknown tokens
// and pools are input errors.
func lookupProfile(catalog service.TokenCatalog, tokenID int, usage constants.KeyUsage, algorithm string) (models.KeyPoolProfile, error) {
	if strings.TrimSpace(algorithm) == "" {
		return models.KeyPoolProfile{}, errors.ErrInputData("key algorithm is required")
	}
	if _, ok := catalog.Token(tokenID); !ok {
		return models.KeyPoolProfile{}, errors.ErrInputData(fmt.Sprintf("unknown crypto token %d", tokenID))
	}
	profile, ok := catalog.Profile(tokenID, usage, algorithm)
	if !ok {
		return models.KeyPoolProfile{}, errors.ErrInputData(
			fmt.Sprintf("crypto token %d has no %s pool for algorithm %s", tokenID, usage, algorithm))
	}
	return profile, nil
}

// acquisitionSelector spans every pool of the token with the profile's usage and algorithm.
// Pools differing only by specification are drawn from together, oldest key first.
func acquisitionSelector(tokenID int, profile models.KeyPoolProfile) models.PoolSelector {
	return models.PoolSelector{
		CryptoTokenID: tokenID,
		KeyAlgorithm:  profile.KeyAlgorithm,
		Usage:         profile.Usage,
	}
}
