// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"os"
	"time"
)

// ProbeChecker wraps a dependency probe, for example a Redis PING or a cheap
// store read. The probe runs under its own timeout so a hung dependency
// cannot stall the whole readiness response.
type ProbeChecker struct {
	name    string
	timeout time.Duration
	probe   func(ctx context.Context) error
}

// NewProbeChecker creates a checker that is healthy when probe returns nil.
func NewProbeChecker(name string, timeout time.Duration, probe func(ctx context.Context) error) *ProbeChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeChecker{name: name, timeout: timeout, probe: probe}
}

func (c *ProbeChecker) Name() string { return c.name }

func (c *ProbeChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.probe(ctx); err != nil {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// FileChecker checks that a configured file exists and is readable. An empty
// path is healthy: the component is optional and simply not configured.
type FileChecker struct {
	name string
	path string
}

// NewFileChecker creates a checker for file existence.
func NewFileChecker(name, path string) *FileChecker {
	return &FileChecker{name: name, path: path}
}

func (c *FileChecker) Name() string { return c.name }

func (c *FileChecker) Check(ctx context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "not configured (optional)",
		}
	}

	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusUnhealthy,
				Error:   "file not found",
				Message: c.path,
			}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if info.IsDir() {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  "expected file, got directory",
		}
	}
	if info.Size() == 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "file is empty",
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// CycleChecker checks that a periodic background cycle keeps running, for
// example the keep-alive sweep. A cycle that never ran is degraded rather
// than unhealthy: right after boot the first cycle is still pending and the
// process should not be restarted for that.
type CycleChecker struct {
	name   string
	maxAge time.Duration
	last   func(ctx context.Context) (time.Time, error)
}

// NewCycleChecker creates a checker for the age of the last completed cycle.
func NewCycleChecker(name string, maxAge time.Duration, last func(ctx context.Context) (time.Time, error)) *CycleChecker {
	return &CycleChecker{name: name, maxAge: maxAge, last: last}
}

func (c *CycleChecker) Name() string { return c.name }

func (c *CycleChecker) Check(ctx context.Context) CheckResult {
	at, err := c.last(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if at.IsZero() {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "no cycle recorded yet",
		}
	}

	age := time.Since(at)
	if age > c.maxAge {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("last cycle %s ago", age.Round(time.Second)),
		}
	}
	return CheckResult{Status: StatusHealthy}
}
