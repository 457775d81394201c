package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/qsign/internal/domain/models"
	"github.com/turtacn/qsign/pkg/constants"
	"github.com/turtacn/qsign/pkg/logger"
)

// PoolReporter reports pool fill levels.
type PoolReporter interface {
	PoolStatuses(ctx context.Context) ([]models.PoolStatus, error)
}

// JobRunner runs background jobs on demand.
type JobRunner interface {
	RunReplenish(ctx context.Context) (*models.ReplenishReport, error)
	RunCleanup(ctx context.Context, job string) (*models.CleanupReport, error)
}

// ReplenishResponse is the JSON form of a replenish report.
type ReplenishResponse struct {
	Planned   int               `json:"planned"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Pools     []models.PoolPlan `json:"pools"`
	Errors    string            `json:"errors,omitempty"`
}

// CleanupResponse is the JSON form of a cleanup report.
type CleanupResponse struct {
	Job       string `json:"job"`
	Examined  int    `json:"examined"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Errors    string `json:"errors,omitempty"`
}

// AdminHandler serves the authenticated ops endpoints.
type AdminHandler struct {
	pools  PoolReporter
	jobs   JobRunner
	logger logger.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(pools PoolReporter, jobs JobRunner, log logger.Logger) *AdminHandler {
	return &AdminHandler{pools: pools, jobs: jobs, logger: log.WithComponent("AdminHandler")}
}

// ListPools returns the fill level of every configured pool.
func (h *AdminHandler) ListPools(c *gin.Context) {
	statuses, err := h.pools.PoolStatuses(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pools": statuses})
}

// Replenish runs one replenish cycle synchronously.
func (h *AdminHandler) Replenish(c *gin.Context) {
	ctx := c.Request.Context()
	h.logger.Info(ctx, "Manual replenish requested", logger.String("subject", subject(c)))

	report, err := h.jobs.RunReplenish(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := ReplenishResponse{
		Planned:   report.Planned,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Pools:     report.Pools,
	}
	if report.Err != nil {
		resp.Errors = report.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Cleanup runs the cleanup job named in the path synchronously.
func (h *AdminHandler) Cleanup(c *gin.Context) {
	ctx := c.Request.Context()
	job := c.Param("job")
	h.logger.Info(ctx, "Manual cleanup requested", logger.String("job", job), logger.String("subject", subject(c)))

	report, err := h.jobs.RunCleanup(ctx, job)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := CleanupResponse{
		Job:       report.Job,
		Examined:  report.Examined,
		Processed: report.Processed,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
	}
	if report.Err != nil {
		resp.Errors = report.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func subject(c *gin.Context) string {
	return c.GetString(string(constants.ContextKeyAdminSubject))
}
