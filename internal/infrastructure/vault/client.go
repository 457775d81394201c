// Package vault wraps the HashiCorp Vault API client shared by the CA and the soft signing token.
package vault

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/pkg/errors"
)

// NewClient creates a Vault client from configuration. Client-side retries are disabled;
// callers retry through the service's own retry policy.
func NewClient(cfg config.VaultConfig) (*vaultapi.Client, error) {
	vc := vaultapi.DefaultConfig()
	if vc.Error != nil {
		return nil, errors.ErrConfiguration("vault: " + vc.Error.Error())
	}
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	vc.MaxRetries = 0

	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, errors.ErrConfiguration("vault: " + err.Error())
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return client, nil
}

// ClassifyError turns a Vault API failure into a RemoteSystemError. Server-side and
// connectivity failures are retryable; client errors are not.
func ClassifyError(system, operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.AsAppError(err); ok {
		return err
	}
	return errors.ErrRemoteSystem(system, operation, isRetryable(err), err)
}

func isRetryable(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *vaultapi.ResponseError
	if stderrors.As(err, &respErr) {
		switch {
		case respErr.StatusCode >= http.StatusInternalServerError:
			return true
		case respErr.StatusCode == http.StatusTooManyRequests, respErr.StatusCode == http.StatusPreconditionFailed:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
