package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/pkg/errors"
)

const adminTokenTTL = 5 * time.Minute

// adminClient calls the authenticated ops API.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAdminClient resolves the server URL and bearer token from flags, falling back to
// the config file. Without --token a short-lived token is minted from admin.jwt_secret.
func newAdminClient(opts *rootOptions) (*adminClient, error) {
	serverURL, token := opts.serverURL, opts.token
	if serverURL == "" || token == "" {
		cfg, err := config.LoadConfig(opts.configFile, nil)
		if err != nil {
			return nil, err
		}
		if serverURL == "" {
			serverURL = cfg.Admin.ServerURL
		}
		if token == "" {
			if token, err = mintAdminToken(cfg.Admin, "qsign-admin", time.Now()); err != nil {
				return nil, err
			}
		}
	}
	if serverURL == "" {
		return nil, errors.ErrConfiguration("ops API URL is required: pass --server or set admin.server_url")
	}
	return &adminClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   token,
		http:    cleanhttp.DefaultPooledClient(),
	}, nil
}

func mintAdminToken(cfg config.AdminConfig, subject string, now time.Time) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.ErrConfiguration("admin.jwt_secret is empty: pass --token or configure the secret")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

// do sends the request and decodes a 2xx JSON body into out.
func (c *adminClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var apiErr errors.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg := fmt.Sprintf("%s %s: %d %s: %s", method, path, resp.StatusCode, apiErr.Error, apiErr.ErrorDescription)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				msg += fmt.Sprintf(" (retry after %ss)", ra)
			}
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
