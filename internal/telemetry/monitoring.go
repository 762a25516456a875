package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// WriteText renders metrics in the Prometheus text exposition format.
// Timers become a _sum and _count pair.
func WriteText(w io.Writer, metrics []Metric) error {
	typed := map[string]bool{}
	for _, m := range metrics {
		if !typed[m.Name] {
			typed[m.Name] = true
			if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", m.Name, m.Type); err != nil {
				return err
			}
		}
		labels := formatLabels(m.Labels)
		var err error
		if m.Type == Timer {
			_, err = fmt.Fprintf(w, "%s_sum%s %g\n%s_count%s %d\n", m.Name, labels, m.Sum, m.Name, labels, m.Count)
		} else {
			_, err = fmt.Fprintf(w, "%s%s %g\n", m.Name, labels, m.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		v = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

// MetricsHandler serves the collector in text format, or as JSON when the
// request asks for it.
func MetricsHandler(c *Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics := c.GetMetrics()
		if strings.Contains(r.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(metrics)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = WriteText(w, metrics)
	})
}

// RunHealthChecks executes checks in name order.
func RunHealthChecks(checks map[string]func() HealthCheck) ([]HealthCheck, HealthStatus) {
	names := make([]string, 0, len(checks))
	for n := range checks {
		names = append(names, n)
	}
	sort.Strings(names)

	overall := HealthStatusHealthy
	out := make([]HealthCheck, 0, len(names))
	for _, n := range names {
		start := time.Now()
		check := checks[n]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
		out = append(out, check)
	}
	return out, overall
}

// HealthHandler serves the result of checks as JSON. Anything but healthy
// answers 503.
func HealthHandler(checks map[string]func() HealthCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results, overall := RunHealthChecks(checks)
		w.Header().Set("Content-Type", "application/json")
		if overall != HealthStatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    overall,
			"timestamp": time.Now(),
			"checks":    results,
		})
	})
}

// DefaultHealthChecks returns a set of default health checks
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			status := HealthStatusHealthy
			message := fmt.Sprintf("Heap memory: %.2f MB", heapMB)
			if heapMB > 1000 {
				status = HealthStatusDegraded
				message = fmt.Sprintf("High memory usage: %.2f MB", heapMB)
			}
			if heapMB > 2000 {
				status = HealthStatusUnhealthy
				message = fmt.Sprintf("Critical memory usage: %.2f MB", heapMB)
			}
			return HealthCheck{
				Name:    "memory",
				Status:  status,
				Message: message,
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
		},
		"goroutines": func() HealthCheck {
			count := runtime.NumGoroutine()
			status := HealthStatusHealthy
			if count > 5000 {
				status = HealthStatusDegraded
			}
			return HealthCheck{
				Name:    "goroutines",
				Status:  status,
				Message: fmt.Sprintf("Goroutines: %d", count),
				Details: map[string]string{"count": fmt.Sprintf("%d", count)},
			}
		},
	}
}
