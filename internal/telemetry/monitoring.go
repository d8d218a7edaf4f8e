package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
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

// PoolSource is the read-only view of the pool the server exposes.
type PoolSource interface {
	List() []api.Unit
	Tasks() api.TaskCounts
	Mode() api.Mode
}

// MonitoringServer provides HTTP endpoints for monitoring and metrics
type MonitoringServer struct {
	collector *Collector
	source    PoolSource

	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck

	server *http.Server
}

// NewMonitoringServer creates a new monitoring server. With profiling set
// the pprof handlers are mounted under /debug/pprof/.
func NewMonitoringServer(addr string, collector *Collector, source PoolSource, profiling bool) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		source:       source,
		healthChecks: make(map[string]func() HealthCheck),
	}
	for name, fn := range DefaultHealthChecks() {
		ms.healthChecks[name] = fn
	}
	if source != nil {
		ms.healthChecks["units"] = UnitsHealthCheck(source)
	}

	mux := http.NewServeMux()
	ms.setupRoutes(mux, profiling)

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return ms
}

func (ms *MonitoringServer) Handler() http.Handler { return ms.server.Handler }

func (ms *MonitoringServer) setupRoutes(mux *http.ServeMux, profiling bool) {
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/api/pus", ms.apiUnitsHandler)
	mux.HandleFunc("/api/tasks", ms.apiTasksHandler)
	if profiling {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// healthHandler reports the overall status; 503 when any check is unhealthy.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()
	overall := overallStatus(checks)

	response := map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	}
	if ms.source != nil {
		response["mode"] = ms.source.Mode()
	}

	code := http.StatusOK
	if overall == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, response)
}

func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if ms.source != nil {
		counts := ms.source.Tasks()
		fmt.Fprintf(w, "# TYPE gnubg_pool_tasks gauge\n")
		fmt.Fprintf(w, "gnubg_pool_tasks{state=\"todo\"} %d\n", counts.Todo)
		fmt.Fprintf(w, "gnubg_pool_tasks{state=\"in_progress\"} %d\n", counts.InProgress)
		fmt.Fprintf(w, "gnubg_pool_tasks{state=\"done\"} %d\n", counts.Done)
		fmt.Fprintf(w, "# TYPE gnubg_pool_units gauge\n")
		byStatus := map[string]int{}
		for _, u := range ms.source.List() {
			byStatus[u.Status]++
		}
		statuses := make([]string, 0, len(byStatus))
		for s := range byStatus {
			statuses = append(statuses, s)
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Fprintf(w, "gnubg_pool_units{status=%q} %d\n", s, byStatus[s])
		}
	}
	if ms.collector != nil {
		if err := ms.collector.WritePrometheus(w); err != nil {
			log.Debug().Err(err).Msg("write metrics")
		}
	}
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	var series []Series
	if ms.collector != nil {
		series = ms.collector.Snapshot()
	}
	writeJSON(w, http.StatusOK, series)
}

func (ms *MonitoringServer) apiUnitsHandler(w http.ResponseWriter, r *http.Request) {
	if ms.source == nil {
		http.Error(w, "no pool attached", http.StatusNotFound)
		return
	}
	units := ms.source.List()
	if units == nil {
		units = []api.Unit{}
	}
	writeJSON(w, http.StatusOK, units)
}

func (ms *MonitoringServer) apiTasksHandler(w http.ResponseWriter, r *http.Request) {
	if ms.source == nil {
		http.Error(w, "no pool attached", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ms.source.Tasks())
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	ms.healthChecks[name] = checkFn
	ms.mu.Unlock()
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make([]func() HealthCheck, len(names))
	sort.Strings(names)
	for i, name := range names {
		fns[i] = ms.healthChecks[name]
	}
	ms.mu.RUnlock()

	checks := make([]HealthCheck, 0, len(fns))
	for _, checkFn := range fns {
		start := time.Now()
		check := checkFn()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

func overallStatus(checks []HealthCheck) HealthStatus {
	overall := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		}
		if check.Status == HealthStatusDegraded {
			overall = HealthStatusDegraded
		}
	}
	return overall
}

// Serve serves on ln until Shutdown is called.
func (ms *MonitoringServer) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting monitoring server")
	if err := ms.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (ms *MonitoringServer) Start() error {
	ln, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("monitoring listen %s: %w", ms.server.Addr, err)
	}
	return ms.Serve(ln)
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	if ms.server != nil {
		return ms.server.Shutdown(ctx)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("encode response")
	}
}

// UnitsHealthCheck is degraded while no processing unit can take work.
// A pool in slave mode with no local unit is unhealthy.
func UnitsHealthCheck(source PoolSource) func() HealthCheck {
	return func() HealthCheck {
		units := source.List()
		active, local := 0, 0
		for _, u := range units {
			if u.Status == "ready" || u.Status == "busy" {
				active++
			}
			if u.Type == "local" {
				local++
			}
		}
		check := HealthCheck{
			Name:    "units",
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("%d of %d units active", active, len(units)),
			Details: map[string]string{
				"units":  fmt.Sprintf("%d", len(units)),
				"active": fmt.Sprintf("%d", active),
				"mode":   string(source.Mode()),
			},
		}
		switch {
		case source.Mode() == api.ModeSlave && local == 0:
			check.Status = HealthStatusUnhealthy
			check.Message = "slave mode without local units"
		case active == 0:
			check.Status = HealthStatusDegraded
		}
		return check
	}
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
				Details: map[string]string{
					"heap_mb": fmt.Sprintf("%.2f", heapMB),
					"num_gc":  fmt.Sprintf("%d", m.NumGC),
				},
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
			}
		},
	}
}
