package service

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/internal/infrastructure/retry"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// ValidityService decides whether a certificate may be used for signing right now.
type ValidityService struct {
	ca      service.CAClient
	retrier *retry.Retrier
	logger  logger.Logger
	now     func() time.Time
}

// NewValidityService creates a ValidityService.
func NewValidityService(ca service.CAClient, retrier *retry.Retrier, log logger.Logger) *ValidityService {
	return &ValidityService{
		ca:      ca,
		retrier: retrier,
		logger:  log.WithComponent("ValidityService"),
		now:     time.Now,
	}
}

// Decide checks the validity window first and consults the CA only for certificates
// inside it. A failed revocation lookup is returned as an error, never as VALID.
func (s *ValidityService) Decide(ctx context.Context, cert *x509.Certificate) (result constants.CertificateValidity, err error) {
	if cert == nil {
		return "", errors.ErrInputData("certificate is required")
	}
	ctx, span := tracer().Start(ctx, "validity.decide", trace.WithAttributes(
		attribute.String("qsign.serial", serialHex(cert)),
	))
	defer func() {
		span.SetAttributes(attribute.String("qsign.validity", string(result)))
		endSpan(span, err)
	}()

	if cert.NotBefore.IsZero() || cert.NotAfter.IsZero() {
		return "", errors.ErrDateParse("certificate has no validity dates", nil)
	}
	now := s.now()
	if now.Before(cert.NotBefore) {
		return constants.CertificateNotYetValid, nil
	}
	if now.After(cert.NotAfter) {
		return constants.CertificateExpired, nil
	}

	serial := serialHex(cert)
	issuer := cert.Issuer.String()
	status, err := retry.Do(ctx, s.retrier, constants.RemoteSystemCA, "get revocation status", func(ctx context.Context) (constants.RevocationStatus, error) {
		return s.ca.GetRevocationStatus(ctx, serial, issuer)
	})
	if err != nil {
		appErr, ok := errors.AsAppError(err)
		if !ok {
			appErr = errors.ErrRemoteSystem(constants.RemoteSystemCA, "get revocation status", false, err)
		}
		err = appErr.WithMetadata("serial", serial).WithMetadata("issuer", issuer)
		s.logger.Warn(ctx, "Revocation lookup failed",
			logger.String("serial", serial),
			logger.String("issuer", issuer),
			logger.Err(err),
		)
		return "", err
	}

	switch status {
	case constants.RevocationNotRevoked:
		return constants.CertificateValid, nil
	case constants.RevocationRevoked:
		return constants.CertificateRevoked, nil
	case constants.RevocationSuspended:
		return constants.CertificateSuspended, nil
	default:
		return "", errors.ErrRemoteSystem(constants.RemoteSystemCA, "get revocation status", false,
			fmt.Errorf("unknown revocation status %q", status))
	}
}

// DecideDER parses a DER certificate and decides on it.
func (s *ValidityService) DecideDER(ctx context.Context, der []byte) (constants.CertificateValidity, error) {
	if len(der) == 0 {
		return "", errors.ErrInputData("certificate is empty")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		msg := err.Error()
		if isDateError(msg) {
			return "", errors.ErrDateParse("certificate validity dates are malformed", err)
		}
		return "", errors.ErrInputData("certificate cannot be parsed: " + msg)
	}
	return s.Decide(ctx, cert)
}

// isDateError recognises x509 failures on the validity field, such as
// "malformed UTCTime", "malformed GeneralizedTime" or "unsupported time format".
func isDateError(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "validity") || strings.Contains(msg, "time")
}

func serialHex(cert *x509.Certificate) string {
	if cert.SerialNumber == nil {
		return ""
	}
	return cert.SerialNumber.Text(16)
}
