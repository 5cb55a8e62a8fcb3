// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package monitoring

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name          string        `json:"name"`
	Status        HealthStatus  `json:"status"`
	Error         string        `json:"error,omitempty"`
	CheckDuration time.Duration `json:"check_duration"`
}

// HealthReport contains the overall health status of the service.
type HealthReport struct {
	Status     HealthStatus                `json:"status"`
	Components map[string]*ComponentHealth `json:"components"`
	Timestamp  time.Time                   `json:"timestamp"`
}

// HealthCheck probes one dependency; a nil error means healthy.
type HealthCheck func(ctx context.Context) error

// HealthManager runs the registered checks.
type HealthManager struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthManager creates a manager whose checks each get timeout.
func NewHealthManager(timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthManager{checks: make(map[string]HealthCheck), timeout: timeout}
}

// Register adds or replaces the check called name.
func (m *HealthManager) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs every check concurrently.
func (m *HealthManager) Check(ctx context.Context) *HealthReport {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make([]*ComponentHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			start := time.Now()
			err := checks[name](cctx)
			h := &ComponentHealth{Name: name, Status: HealthStatusHealthy, CheckDuration: time.Since(start)}
			if err != nil {
				h.Status = HealthStatusUnhealthy
				h.Error = err.Error()
			}
			results[i] = h
		}(i, name)
	}
	wg.Wait()

	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Components: make(map[string]*ComponentHealth, len(results)),
		Timestamp:  time.Now(),
	}
	for _, h := range results {
		report.Components[h.Name] = h
		if h.Status != HealthStatusHealthy {
			report.Status = HealthStatusUnhealthy
		}
	}
	return report
}

// Handler serves the report; unhealthy reports get 503.
func (m *HealthManager) Handler(c *gin.Context) {
	report := m.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status != HealthStatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
