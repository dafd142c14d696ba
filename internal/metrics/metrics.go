// Package metrics provides performance monitoring and metrics collection
// for the gateway.
//
// This package implements:
// - Operation timing and performance metrics
// - Error rate tracking and categorization
// - Gateway lifecycle counters (proxies, restarts, discovery, log watchers)
// - Integration with structured logging
//
// Example usage:
//
//	monitor := metrics.NewMonitor()
//	defer monitor.LogTiming("proxy_start", time.Now())
//
//	metrics.TrackOperation(ctx, "discover_tools", func() error {
//		return discover()
//	})
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// OperationKey is the context key for operation names
type OperationKey struct{}

// Monitor provides performance monitoring functionality
type Monitor struct {
	logger *slog.Logger
	mu     sync.RWMutex

	// Counters
	operations map[string]*OperationMetrics
	errors     map[string]*ErrorMetrics
	gateway    *GatewayMetrics

	// Configuration
	enableTiming bool
	enableErrors bool
}

// OperationMetrics tracks metrics for specific operations
type OperationMetrics struct {
	Name            string        `json:"name"`
	Count           int64         `json:"count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastExecution   time.Time     `json:"last_execution"`
	Errors          int64         `json:"errors"`
	Successes       int64         `json:"successes"`
}

// ErrorMetrics tracks error occurrences and patterns
type ErrorMetrics struct {
	Type         string    `json:"type"`
	Code         string    `json:"code"`
	Count        int64     `json:"count"`
	LastOccurred time.Time `json:"last_occurred"`
	Component    string    `json:"component"`
	Message      string    `json:"message"`
}

// GatewayMetrics tracks lifecycle counters across the gateway.
type GatewayMetrics struct {
	ProxiesStarted  int64     `json:"proxies_started"`
	ProxiesStopped  int64     `json:"proxies_stopped"`
	ActiveProxies   int64     `json:"active_proxies"`
	RestartAttempts int64     `json:"restart_attempts"`
	DiscoveryRounds int64     `json:"discovery_rounds"`
	DiscoveredTools int64     `json:"discovered_tools"`
	WatcherEvents   int64     `json:"watcher_events"`
	DroppedLogLines int64     `json:"dropped_log_lines"`
	LastProxyStart  time.Time `json:"last_proxy_start"`
	LastRestart     time.Time `json:"last_restart"`
	LastDiscovery   time.Time `json:"last_discovery"`
}

// NewMonitor creates a new performance monitor
func NewMonitor() *Monitor {
	return &Monitor{
		operations:   make(map[string]*OperationMetrics),
		errors:       make(map[string]*ErrorMetrics),
		gateway:      &GatewayMetrics{},
		enableTiming: true,
		enableErrors: true,
	}
}

// SetLogger sets the logger for metrics output
func (m *Monitor) SetLogger(logger *slog.Logger) {
	m.logger = logger.With(slog.String("component", "metrics"))
}

// WithOperation adds operation context
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey{}, operation)
}

// GetOperation retrieves operation name from context
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(OperationKey{}).(string); ok {
		return op
	}
	return ""
}

// TrackOperation tracks the execution of an operation
func (m *Monitor) TrackOperation(ctx context.Context, operation string, fn func() error) error {
	if !m.enableTiming {
		return fn()
	}

	start := time.Now()
	err := fn()
	duration := time.Since(start)

	m.recordOperation(operation, duration, err == nil)

	if m.logger != nil {
		level := slog.LevelInfo
		status := "success"
		if err != nil {
			level = slog.LevelError
			status = "error"
		}

		m.logger.LogAttrs(ctx, level, "Operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.String("status", status),
		)
	}

	return err
}

// recordOperation records operation metrics
func (m *Monitor) recordOperation(name string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, exists := m.operations[name]
	if !exists {
		metrics = &OperationMetrics{
			Name:        name,
			MinDuration: duration,
			MaxDuration: duration,
		}
		m.operations[name] = metrics
	}

	metrics.Count++
	metrics.TotalDuration += duration
	metrics.LastExecution = time.Now()

	if duration < metrics.MinDuration {
		metrics.MinDuration = duration
	}
	if duration > metrics.MaxDuration {
		metrics.MaxDuration = duration
	}

	metrics.AverageDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)

	if success {
		metrics.Successes++
	} else {
		metrics.Errors++
	}
}

// LogTiming logs timing information for an operation
func (m *Monitor) LogTiming(operation string, start time.Time, attrs ...slog.Attr) {
	if !m.enableTiming {
		return
	}

	duration := time.Since(start)
	m.recordOperation(operation, duration, true)

	if m.logger != nil {
		allAttrs := []slog.Attr{
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.String("metric_type", "timing"),
		}
		allAttrs = append(allAttrs, attrs...)

		m.logger.LogAttrs(context.Background(), slog.LevelInfo,
			"Operation timing", allAttrs...)
	}
}

// TrackError tracks error occurrences
func (m *Monitor) TrackError(ctx context.Context, errorType, code, component, message string) {
	if !m.enableErrors {
		return
	}

	key := errorType + ":" + code

	m.mu.Lock()
	errorMetrics, exists := m.errors[key]
	if !exists {
		errorMetrics = &ErrorMetrics{
			Type:      errorType,
			Code:      code,
			Component: component,
			Message:   message,
		}
		m.errors[key] = errorMetrics
	}

	errorMetrics.Count++
	errorMetrics.LastOccurred = time.Now()
	count := errorMetrics.Count
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.ErrorContext(ctx, "Error tracked",
			slog.String("error_type", errorType),
			slog.String("error_code", code),
			slog.String("component", component),
			slog.Int64("count", count),
			slog.String("message", message),
		)
	}
}

// TrackProxyStarted records a successful bridge start.
func (m *Monitor) TrackProxyStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateway.ProxiesStarted++
	m.gateway.ActiveProxies++
	m.gateway.LastProxyStart = time.Now()
}

// TrackProxyStopped records a bridge stop.
func (m *Monitor) TrackProxyStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateway.ProxiesStopped++
	if m.gateway.ActiveProxies > 0 {
		m.gateway.ActiveProxies--
	}
}

// TrackRestart records a supervisor restart attempt.
func (m *Monitor) TrackRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateway.RestartAttempts++
	m.gateway.LastRestart = time.Now()
}

// TrackDiscovery records a completed tool discovery round trip.
func (m *Monitor) TrackDiscovery(toolCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateway.DiscoveryRounds++
	m.gateway.DiscoveredTools += int64(toolCount)
	m.gateway.LastDiscovery = time.Now()
}

// TrackWatcherEvent records delivered log lines and any drops caused by
// a slow subscriber.
func (m *Monitor) TrackWatcherEvent(dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateway.WatcherEvents++
	m.gateway.DroppedLogLines += int64(dropped)
}

// GetOperationMetrics returns metrics for a specific operation
func (m *Monitor) GetOperationMetrics(operation string) *OperationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, exists := m.operations[operation]; exists {
		// Return a copy to avoid race conditions
		copy := *metrics
		return &copy
	}
	return nil
}

// GetAllOperationMetrics returns all operation metrics
func (m *Monitor) GetAllOperationMetrics() map[string]*OperationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*OperationMetrics)
	for name, metrics := range m.operations {
		copy := *metrics
		result[name] = &copy
	}
	return result
}

// GetErrorMetrics returns all error metrics
func (m *Monitor) GetErrorMetrics() map[string]*ErrorMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ErrorMetrics)
	for key, metrics := range m.errors {
		copy := *metrics
		result[key] = &copy
	}
	return result
}

// GetGatewayMetrics returns gateway lifecycle counters
func (m *Monitor) GetGatewayMetrics() *GatewayMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	copy := *m.gateway
	return &copy
}

// LogMetricsSummary logs a summary of all collected metrics
func (m *Monitor) LogMetricsSummary(ctx context.Context) {
	if m.logger == nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	m.logger.InfoContext(ctx, "Metrics Summary - Operations",
		slog.Int("total_operations", len(m.operations)),
	)

	for name, metrics := range m.operations {
		successRate := float64(0)
		if metrics.Count > 0 {
			successRate = float64(metrics.Successes) / float64(metrics.Count) * 100
		}

		m.logger.InfoContext(ctx, "Operation metrics",
			slog.String("operation", name),
			slog.Int64("count", metrics.Count),
			slog.Duration("avg_duration", metrics.AverageDuration),
			slog.Duration("min_duration", metrics.MinDuration),
			slog.Duration("max_duration", metrics.MaxDuration),
			slog.Float64("success_rate", successRate),
		)
	}

	m.logger.InfoContext(ctx, "Metrics Summary - Errors",
		slog.Int("total_error_types", len(m.errors)),
	)

	for _, metrics := range m.errors {
		m.logger.InfoContext(ctx, "Error metrics",
			slog.String("error_type", metrics.Type),
			slog.String("error_code", metrics.Code),
			slog.String("component", metrics.Component),
			slog.Int64("count", metrics.Count),
			slog.Time("last_occurred", metrics.LastOccurred),
		)
	}

	m.logger.InfoContext(ctx, "Gateway metrics",
		slog.Int64("proxies_started", m.gateway.ProxiesStarted),
		slog.Int64("proxies_stopped", m.gateway.ProxiesStopped),
		slog.Int64("active_proxies", m.gateway.ActiveProxies),
		slog.Int64("restart_attempts", m.gateway.RestartAttempts),
		slog.Int64("discovery_rounds", m.gateway.DiscoveryRounds),
		slog.Int64("discovered_tools", m.gateway.DiscoveredTools),
		slog.Int64("watcher_events", m.gateway.WatcherEvents),
		slog.Int64("dropped_log_lines", m.gateway.DroppedLogLines),
	)
}

// Reset clears all metrics
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.operations = make(map[string]*OperationMetrics)
	m.errors = make(map[string]*ErrorMetrics)
	m.gateway = &GatewayMetrics{}
}

// Global monitor instance
var defaultMonitor = NewMonitor()

// SetDefaultMonitor sets the global default monitor
func SetDefaultMonitor(monitor *Monitor) {
	defaultMonitor = monitor
}

// Default returns the default monitor instance
func Default() *Monitor {
	return defaultMonitor
}

// Package-level convenience functions

// TrackOperation tracks an operation using the default monitor
func TrackOperation(ctx context.Context, operation string, fn func() error) error {
	return defaultMonitor.TrackOperation(ctx, operation, fn)
}

// LogTiming logs timing using the default monitor
func LogTiming(operation string, start time.Time, attrs ...slog.Attr) {
	defaultMonitor.LogTiming(operation, start, attrs...)
}

// TrackError tracks an error using the default monitor
func TrackError(ctx context.Context, errorType, code, component, message string) {
	defaultMonitor.TrackError(ctx, errorType, code, component, message)
}

// Timer provides convenient timing functionality
type Timer struct {
	start     time.Time
	operation string
	monitor   *Monitor
}

// NewTimer creates a new timer for an operation
func NewTimer(operation string) *Timer {
	return &Timer{
		start:     time.Now(),
		operation: operation,
		monitor:   defaultMonitor,
	}
}

// NewTimerWithMonitor creates a new timer with a specific monitor
func NewTimerWithMonitor(operation string, monitor *Monitor) *Timer {
	return &Timer{
		start:     time.Now(),
		operation: operation,
		monitor:   monitor,
	}
}

// Stop stops the timer and logs the timing
func (t *Timer) Stop(attrs ...slog.Attr) {
	t.monitor.LogTiming(t.operation, t.start, attrs...)
}

// StopWithError stops the timer and tracks an error if provided
func (t *Timer) StopWithError(ctx context.Context, err error) {
	duration := time.Since(t.start)
	t.monitor.recordOperation(t.operation, duration, err == nil)

	if err != nil && t.monitor.logger != nil {
		t.monitor.logger.ErrorContext(ctx, "Timed operation failed",
			slog.String("operation", t.operation),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	}
}
