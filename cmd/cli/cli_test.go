package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/interfaces/http/handlers"
	"github.com/turtacn/qsign/pkg/errors"
)

func fakeOpsAPI(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer good" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errors.ToErrorResponse(errors.ErrUnauthorized("bad token")))
		}
	})
	r.GET("/api/v1/admin/pools", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pools": []models.PoolStatus{{
			CryptoTokenID: 1, CryptoTokenName: "soft-1", ProfileName: "session-ec",
			Usage: "SESSION_SIGNATURE", KeyAlgorithm: "ECDSA", DesiredSize: 10, Free: 6, InUse: 3, Provisioning: 1,
		}}})
	})
	r.POST("/api/v1/admin/replenish", func(c *gin.Context) {
		c.JSON(http.StatusOK, handlers.ReplenishResponse{
			Planned: 2, Succeeded: 2,
			Pools: []models.PoolPlan{{CryptoTokenID: 1, ProfileName: "session-ec", ToGenerate: 2}},
		})
	})
	r.POST("/api/v1/admin/cleanup/:job", func(c *gin.Context) {
		if c.Param("job") == "sessions" {
			c.JSON(http.StatusOK, handlers.CleanupResponse{Job: "sessions", Examined: 3, Processed: 2, Failed: 1, Errors: "boom"})
			return
		}
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, errors.ToErrorResponse(errors.ErrNoFreeKey(1, "ECDSA", "SESSION_SIGNATURE")))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPoolsCommand(t *testing.T) {
	srv := fakeOpsAPI(t)

	out, err := run(t, "pools", "--server", srv.URL, "--token", "good")
	require.NoError(t, err)
	assert.Contains(t, out, "soft-1 (1)")
	assert.Contains(t, out, "session-ec")
	assert.Contains(t, out, "PROVISIONING")

	_, err = run(t, "pools", "--server", srv.URL, "--token", "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestReplenishAndCleanupCommands(t *testing.T) {
	srv := fakeOpsAPI(t)

	out, err := run(t, "replenish", "--server", srv.URL, "--token", "good")
	require.NoError(t, err)
	assert.Contains(t, out, "planned=2 succeeded=2 failed=0")
	assert.Contains(t, out, "+2")

	out, err = run(t, "cleanup", "sessions", "--server", srv.URL, "--token", "good")
	require.Error(t, err)
	assert.Contains(t, out, "examined=3 processed=2 skipped=0 failed=1")
	assert.Contains(t, err.Error(), "boom")

	_, err = run(t, "cleanup", "stale-reservations", "--server", srv.URL, "--token", "good")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_free_key")
	assert.Contains(t, err.Error(), "retry after 5s")

	_, err = run(t, "cleanup", "everything", "--server", srv.URL, "--token", "good")
	require.Error(t, err)
}

func TestMintAdminToken(t *testing.T) {
	now := time.Now()
	signed, err := mintAdminToken(config.AdminConfig{JWTSecret: "s3cret", Issuer: "qsign-admin"}, "qsign-admin", now)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) { return []byte("s3cret"), nil },
		jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("qsign-admin"))
	require.NoError(t, err)
	assert.Equal(t, "qsign-admin", claims.Subject)
	assert.WithinDuration(t, now.Add(adminTokenTTL), claims.ExpiresAt.Time, time.Second)

	_, err = mintAdminToken(config.AdminConfig{}, "x", now)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
}

func TestValidateConfigCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
database:
  driver: sqlite
crypto_tokens:
  - id: 7
    name: hsm-7
    profiles:
      - name: otk
        key_algorithm: RSA
        key_specification: "2048"
        desired_size: 5
        usage: ONE_TIME_SIGNATURE
`), 0o600))

	out, err := run(t, "validate-config", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "token 7 hsm-7: 1 pool(s)")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cleanup:\n  session_cron: \"not a cron\"\n"), 0o600))
	_, err = run(t, "validate-config", "--config", bad)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
}
