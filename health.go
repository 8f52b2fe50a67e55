package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// CheckStatus is the outcome of a health check or of service aggregation.
type CheckStatus string

const (
	// StatusHealthy means the check passed.
	StatusHealthy CheckStatus = "HEALTHY"

	// StatusDegraded means the check passed with reduced capacity or
	// elevated risk.
	StatusDegraded CheckStatus = "DEGRADED"

	// StatusUnhealthy means the check failed.
	StatusUnhealthy CheckStatus = "UNHEALTHY"

	// StatusUnknown means no verdict is available, for example before any
	// check has been registered.
	StatusUnknown CheckStatus = "UNKNOWN"
)

// CheckResult is the outcome of a single health check execution.
// ResponseTime and Timestamp are stamped by the registry.
type CheckResult struct {
	Status       CheckStatus    `json:"status"`
	Message      string         `json:"message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	ResponseTime time.Duration  `json:"response_time"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Probe performs one health check. A returned error (or a panic) is
// converted by the registry into an unhealthy result; probes that can
// distinguish degraded from broken should return the result themselves.
type Probe func(ctx context.Context) (CheckResult, error)

// Report is the aggregated outcome of running every registered check.
type Report struct {
	Status    CheckStatus            `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// registeredCheck is a probe plus its per-check settings.
type registeredCheck struct {
	name     string
	probe    Probe
	timeout  time.Duration
	critical bool
}

// Registry holds named health checks, runs them with per-check timeouts,
// aggregates their results into a service-level status, and optionally runs
// them on a background schedule.
type Registry struct {
	config  *RegistryConfig
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	checks  map[string]*registeredCheck
	results map[string]CheckResult

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRegistry creates a health check registry with the provided options.
//
// Example:
//
//	registry := resilience.NewRegistry(
//	    resilience.WithCheckTimeout(2*time.Second),
//	    resilience.WithCheckInterval(15*time.Second),
//	)
func NewRegistry(opts ...RegistryOption) *Registry {
	config := DefaultRegistryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Registry{
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		checks:  make(map[string]*registeredCheck),
		results: make(map[string]CheckResult),
	}
}

// AddCheck registers a named check. Re-registering a name replaces the
// previous check. Checks are critical by default; see WithCritical.
func (r *Registry) AddCheck(name string, probe Probe, opts ...CheckOption) {
	settings := checkSettings{
		timeout:  r.config.CheckTimeout,
		critical: true,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.checks[name] = &registeredCheck{
		name:     name,
		probe:    probe,
		timeout:  settings.timeout,
		critical: settings.critical,
	}
}

// RemoveCheck unregisters a check and drops its cached result.
func (r *Registry) RemoveCheck(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.checks, name)
	delete(r.results, name)
}

// RunCheck executes a single registered check and caches its result.
func (r *Registry) RunCheck(ctx context.Context, name string) (CheckResult, error) {
	r.mu.RLock()
	check, ok := r.checks[name]
	r.mu.RUnlock()

	if !ok {
		return CheckResult{}, fmt.Errorf("health check %q is not registered", name)
	}

	result := r.runProbe(ctx, check)
	r.storeResult(name, result)
	return result, nil
}

// RunAll executes every registered check concurrently and aggregates the
// results into a Report. Results are also cached for LastResult.
func (r *Registry) RunAll(ctx context.Context) Report {
	r.mu.RLock()
	snapshot := make([]*registeredCheck, 0, len(r.checks))
	for _, check := range r.checks {
		snapshot = append(snapshot, check)
	}
	r.mu.RUnlock()

	results := make(map[string]CheckResult, len(snapshot))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, check := range snapshot {
		wg.Add(1)
		go func(check *registeredCheck) {
			defer wg.Done()
			result := r.runProbe(ctx, check)
			resultsMu.Lock()
			results[check.name] = result
			resultsMu.Unlock()
		}(check)
	}
	wg.Wait()

	r.mu.Lock()
	for name, result := range results {
		r.results[name] = result
	}
	r.mu.Unlock()

	report := Report{
		Status:    aggregateStatus(snapshot, results),
		Checks:    results,
		Timestamp: time.Now(),
	}

	if report.Status != StatusHealthy {
		r.logger.Warn("service health below healthy",
			"status", string(report.Status),
			"checks", len(results))
	}

	return report
}

// runProbe executes one probe inside its timeout budget. The probe runs in
// its own goroutine so a hung probe cannot stall the caller past the
// timeout; the loser of the race is abandoned.
func (r *Registry) runProbe(ctx context.Context, check *registeredCheck) CheckResult {
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, check.timeout)
	defer cancel()

	type outcome struct {
		result CheckResult
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- outcome{err: fmt.Errorf("probe panicked: %v", rec)}
			}
		}()
		result, err := check.probe(probeCtx)
		resultCh <- outcome{result: result, err: err}
	}()

	var result CheckResult
	select {
	case out := <-resultCh:
		switch {
		case out.err != nil:
			result = CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Health check failed: %v", out.err),
			}
		case out.result.Status == "":
			// A probe that reports nothing has not proven anything.
			result = out.result
			result.Status = StatusUnknown
		default:
			result = out.result
		}
	case <-probeCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("Health check timed out after %s", check.timeout),
		}
	}

	result.ResponseTime = time.Since(start)
	result.Timestamp = time.Now()

	r.metrics.observeHealthCheck(check.name, result.Status, result.ResponseTime)

	if result.Status != StatusHealthy {
		r.logger.Warn("health check not healthy",
			"check", check.name,
			"status", string(result.Status),
			"message", result.Message)
	} else {
		r.logger.Debug("health check passed",
			"check", check.name,
			"response_time", result.ResponseTime)
	}

	return result
}

// storeResult caches the latest result for a check.
func (r *Registry) storeResult(name string, result CheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[name] = result
}

// LastResult returns the cached result of the named check, if it has run.
func (r *Registry) LastResult(name string) (CheckResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result, ok := r.results[name]
	return result, ok
}

// LastResults returns a copy of every cached result.
func (r *Registry) LastResults() map[string]CheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make(map[string]CheckResult, len(r.results))
	for name, result := range r.results {
		results[name] = result
	}
	return results
}

// aggregateStatus folds individual results into a service-level status:
// no checks is unknown; any critical check unhealthy makes the service
// unhealthy; any degraded, unknown, or non-critical unhealthy check makes
// it degraded; otherwise it is healthy.
func aggregateStatus(checks []*registeredCheck, results map[string]CheckResult) CheckStatus {
	if len(results) == 0 {
		return StatusUnknown
	}

	degraded := false
	for _, check := range checks {
		result, ok := results[check.name]
		if !ok {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if check.critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded, StatusUnknown:
			degraded = true
		}
	}

	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Start launches the background scheduler, which runs every registered
// check once per configured interval. The first run happens one full
// interval after Start. Calling Start while the scheduler is already
// running is a no-op.
func (r *Registry) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		r.logger.Debug("periodic health checks already running")
		return
	}

	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)

	r.logger.Info("periodic health checks started",
		"interval", r.config.Interval)
}

// Stop halts the background scheduler and waits for the current run, if
// any, to finish. Stopping a registry that is not running is a no-op.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if !r.running {
		return
	}

	close(r.stop)
	<-r.done
	r.running = false

	r.logger.Info("periodic health checks stopped")
}

// loop drives the periodic checks until stop is closed. Check failures are
// ordinary results, so a bad tick never ends the loop.
func (r *Registry) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			report := r.RunAll(context.Background())
			r.logger.Debug("periodic health check run complete",
				"status", string(report.Status))
		}
	}
}

// HTTPHandler exposes the registry as a JSON health endpoint. Healthy and
// degraded report 200 so load balancers keep routing during partial
// outages; unhealthy and unknown report 503.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.RunAll(req.Context())

		statusCode := http.StatusOK
		if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			r.logger.Error("failed to write health report", "error", err)
		}
	})
}
