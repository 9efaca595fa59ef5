package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

// CheckTimeout bounds each dependency check
const CheckTimeout = 2 * time.Second

// CheckFunc reports whether one dependency is usable
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	fn       CheckFunc
	required bool
}

// Checker handles health check endpoints
type Checker struct {
	checks    []check
	ready     func() bool
	version   string
	startTime time.Time
}

// NewChecker creates a new health checker. ready decides readiness; nil means always ready.
func NewChecker(version string, ready func() bool) *Checker {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Checker{
		ready:     ready,
		version:   version,
		startTime: time.Now(),
	}
}

// AddCheck registers a dependency. A failing required check makes the service unhealthy,
// an optional one only degrades it.
func (c *Checker) AddCheck(name string, required bool, fn CheckFunc) {
	c.checks = append(c.checks, check{name: name, fn: fn, required: required})
	sort.SliceStable(c.checks, func(i, j int) bool { return c.checks[i].name < c.checks[j].name })
}

// RegisterRoutes registers health check endpoints
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", c.Health)
	e.GET("/api/v1/health/live", c.Live)
	e.GET("/api/v1/health/ready", c.Ready)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

// CheckResult represents an individual check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Health returns the overall health status
func (c *Checker) Health(ctx echo.Context) error {
	status := &HealthStatus{
		Status:     "healthy",
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult),
		ReportedAt: time.Now().UTC(),
	}

	for _, chk := range c.checks {
		checkCtx, cancel := context.WithTimeout(ctx.Request().Context(), CheckTimeout)
		start := time.Now()
		err := chk.fn(checkCtx)
		latency := time.Since(start)
		cancel()

		if err != nil {
			status.Checks[chk.name] = &CheckResult{
				Status:  "unhealthy",
				Message: err.Error(),
			}
			if chk.required {
				status.Status = "unhealthy"
			} else if status.Status == "healthy" {
				status.Status = "degraded"
			}
			continue
		}
		status.Checks[chk.name] = &CheckResult{
			Status:  "healthy",
			Latency: latency.String(),
		}
	}

	httpStatus := http.StatusOK
	if status.Status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	return ctx.JSON(httpStatus, status)
}

// Live returns the liveness status (is the service running)
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready returns the readiness status (is the service ready to accept traffic)
func (c *Checker) Ready(ctx echo.Context) error {
	if c.ready() {
		return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
	return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}
