package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger checks one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Detailer is a Pinger that also reports diagnostics, such as connection pool statistics.
type Detailer interface {
	HealthCheck(ctx context.Context) (map[string]interface{}, error)
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler creates a HealthHandler over the named dependency checks.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 3 * time.Second}
}

// LivenessCheck reports that the process is serving.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// HealthCheck runs every dependency check concurrently and answers 503 when any fails.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		checks  = make(map[string]string, len(h.checks))
		details = make(map[string]map[string]interface{})
	)
	for name, p := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var (
				info map[string]interface{}
				err  error
			)
			if d, ok := p.(Detailer); ok {
				info, err = d.HealthCheck(ctx)
			} else {
				err = p.Ping(ctx)
			}
			status := "ok"
			if err != nil {
				status = "error: " + err.Error()
			}
			mu.Lock()
			checks[name] = status
			if info != nil {
				details[name] = info
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	status, httpStatus := "healthy", http.StatusOK
	for _, s := range checks {
		if s != "ok" {
			status, httpStatus = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}
	body := gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.JSON(httpStatus, body)
}
