package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusSkipped   HealthStatus = "SKIPPED"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency_ns"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth is the result of one round of checks.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// Healthy reports whether no component is unhealthy.
func (h SystemHealth) Healthy() bool {
	return h.Status != HealthStatusUnhealthy
}

// RunChecks runs every check concurrently under ctx and aggregates the
// results. A panicking check is reported as unhealthy.
func RunChecks(ctx context.Context, checks map[string]HealthCheck) SystemHealth {
	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- ComponentHealth{
						Name:      n,
						Status:    HealthStatusUnhealthy,
						Message:   fmt.Sprintf("check panicked: %v", r),
						LastCheck: time.Now(),
					}
				}
			}()

			start := time.Now()
			health := c(ctx)
			health.Name = n
			health.LastCheck = time.Now()
			if health.Latency == 0 {
				health.Latency = time.Since(start)
			}
			results <- health
		}(name, check)
	}

	wg.Wait()
	close(results)

	out := SystemHealth{Status: HealthStatusHealthy}
	for health := range results {
		out.Components = append(out.Components, health)
		switch health.Status {
		case HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if out.Status == HealthStatusHealthy {
				out.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(out.Components, func(i, j int) bool {
		return out.Components[i].Name < out.Components[j].Name
	})
	return out
}

// StreamHealthCheck creates a check that opens a push channel and waits
// for the handshake. open must return once the channel is connected or
// has failed.
func StreamHealthCheck(open func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := open(ctx)
		health := ComponentHealth{Latency: time.Since(start)}

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Stream handshake failed: %v", err)
			return health
		}
		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Stream connected: %v", health.Latency.Round(time.Millisecond))
		return health
	}
}

// DatabaseHealthCheck creates a health check for database connections.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping(ctx)
		health := ComponentHealth{Latency: time.Since(start)}

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("Database ping failed: %v", err)
			return health
		}

		if health.Latency > 100*time.Millisecond {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Database slow: %v", health.Latency)
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Database healthy: %v", health.Latency.Round(time.Microsecond))
		return health
	}
}

// APIHealthCheck creates a health check for the dashboard API.
func APIHealthCheck(check func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := check(ctx)
		health := ComponentHealth{Latency: time.Since(start)}

		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = fmt.Sprintf("API check failed: %v", err)
			return health
		}

		if health.Latency > 2*time.Second {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("API slow: %v", health.Latency)
			return health
		}

		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("API healthy: %v", health.Latency.Round(time.Millisecond))
		return health
	}
}

// SkippedCheck reports a component that was not checked.
func SkippedCheck(reason string) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusSkipped, Message: reason}
	}
}
