package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/internal/infrastructure/monitoring"
	"github.com/turtacn/qsign/internal/interfaces/http/handlers"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

const secret = "test-admin-secret"

type fakeOps struct {
	pools      []models.PoolStatus
	poolsErr   error
	cleanupJob string
}

func (f *fakeOps) PoolStatuses(context.Context) ([]models.PoolStatus, error) {
	return f.pools, f.poolsErr
}

func (f *fakeOps) RunReplenish(context.Context) (*models.ReplenishReport, error) {
	return &models.ReplenishReport{Planned: 3, Succeeded: 2, Failed: 1, Err: assert.AnError}, nil
}

func (f *fakeOps) RunCleanup(_ context.Context, job string) (*models.CleanupReport, error) {
	if job != constants.JobSessionCleanup {
		return nil, errors.ErrInputData("unknown cleanup job " + job)
	}
	f.cleanupJob = job
	return &models.CleanupReport{Job: job, Examined: 4, Processed: 4}, nil
}

func newTestRouter(t *testing.T, ops *fakeOps, dbErr error) (*Router, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, Environment: "production"},
		Admin:  config.AdminConfig{JWTSecret: secret},
	}
	health := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": handlers.PingFunc(func(context.Context) error { return dbErr }),
	})
	return NewRouter(cfg, Dependencies{
		Health:   health,
		Admin:    handlers.NewAdminHandler(ops, ops, logger.NewNoopLogger()),
		Observer: metrics,
		Gatherer: reg,
	}, logger.NewNoopLogger()), reg
}

func adminToken(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + s
}

func do(r *Router, method, path, auth string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	r.Engine().ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	r, _ := newTestRouter(t, &fakeOps{}, nil)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/live", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)

	down, _ := newTestRouter(t, &fakeOps{}, assert.AnError)
	w := do(down, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

type poolStats struct{}

func (poolStats) Ping(context.Context) error { return nil }

func (poolStats) HealthCheck(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"open_connections": 3}, nil
}

func TestRouter_HealthIncludesDetails(t *testing.T) {
	r := NewRouter(&config.Config{Server: config.ServerConfig{Environment: "production"}}, Dependencies{
		Health: handlers.NewHealthHandler(map[string]handlers.Pinger{"database": poolStats{}}),
	}, logger.NewNoopLogger())

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Details map[string]map[string]interface{} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 3, body.Details["database"]["open_connections"])
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	r, _ := newTestRouter(t, &fakeOps{}, nil)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/admin/pools", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodPost, "/api/v1/admin/replenish", "Bearer junk").Code)
}

func TestRouter_AdminRoutes(t *testing.T) {
	ops := &fakeOps{pools: []models.PoolStatus{{CryptoTokenID: 1, ProfileName: "session-ecdsa", DesiredSize: 10, Free: 7}}}
	r, _ := newTestRouter(t, ops, nil)
	auth := adminToken(t)

	w := do(r, http.MethodGet, "/api/v1/admin/pools", auth)
	require.Equal(t, http.StatusOK, w.Code)
	var pools struct {
		Pools []models.PoolStatus `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pools))
	require.Len(t, pools.Pools, 1)
	assert.Equal(t, int64(7), pools.Pools[0].Free)

	w = do(r, http.MethodPost, "/api/v1/admin/replenish", auth)
	require.Equal(t, http.StatusOK, w.Code)
	var rep handlers.ReplenishResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, 3, rep.Planned)
	assert.Equal(t, assert.AnError.Error(), rep.Errors)

	w = do(r, http.MethodPost, "/api/v1/admin/cleanup/sessions", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, constants.JobSessionCleanup, ops.cleanupJob)

	w = do(r, http.MethodPost, "/api/v1/admin/cleanup/everything", auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "qsign_http_requests_total"))
}

func TestRouter_ExhaustedPoolAsksToRetryLater(t *testing.T) {
	ops := &fakeOps{poolsErr: errors.ErrNoFreeKey(1, "ECDSA", constants.KeyUsageSession)}
	r, _ := newTestRouter(t, ops, nil)

	w := do(r, http.MethodGet, "/api/v1/admin/pools", adminToken(t))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "no_free_key")
}

func TestRouter_AdminDisabledWithoutSecret(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Environment: "production"}}
	r := NewRouter(cfg, Dependencies{
		Health:   handlers.NewHealthHandler(nil),
		Admin:    handlers.NewAdminHandler(&fakeOps{}, &fakeOps{}, logger.NewNoopLogger()),
		Observer: monitoring.NewMetrics(prometheus.NewRegistry()),
	}, logger.NewNoopLogger())
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/admin/pools", adminToken(t)).Code)
}

func TestRouter_NotFound(t *testing.T) {
	r, _ := newTestRouter(t, &fakeOps{}, nil)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/nope", "").Code)
}
