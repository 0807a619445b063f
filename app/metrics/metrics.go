package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultServiceName          = "instruments-viewer"
	DefaultCleanupRetentionDays = 30
	DefaultCleanupHour          = 3 // 3 AM
	DefaultCleanupDay           = 6 // Saturday (0=Sunday, 6=Saturday)

	AdminPathPrefix   = "/admin/"
	MetricsPathSuffix = "/metrics"

	dateLayout = "2006-01-02"
)

// Config configures New.
type Config struct {
	ServiceName          string // defaults to DefaultServiceName
	AdminSecretPath      string // required for admin endpoint, empty = disabled
	CleanupRetentionDays int    // defaults to DefaultCleanupRetentionDays
	AutoCleanup          bool
}

// Manager owns the Prometheus registry of the service and the counters
// read back by the status page.
type Manager struct {
	serviceName          string
	adminSecretPath      string
	cleanupRetentionDays int

	// Session tracking for daily metrics
	dailySessions sync.Map // map[string]*sessionSet

	registry         *prometheus.Registry
	toolCallsVec     *prometheus.CounterVec
	toolErrorsVec    *prometheus.CounterVec
	dailySessionsVec *prometheus.GaugeVec
	datasetsVec      *prometheus.CounterVec
	datasetRecords   prometheus.Histogram
	exportsVec       *prometheus.CounterVec
	exportBytesVec   *prometheus.CounterVec

	genericCounters sync.Map // map[string]prometheus.Counter for dynamic counters
	counterValues   sync.Map // map[string]*int64 mirrors genericCounters for reads

	cleanupStop chan struct{}
	cleanupOnce sync.Once
}

type sessionSet struct {
	sessions sync.Map // map[string]bool
	count    int64    // atomic counter
}

// New builds a Manager and registers the fixed metric vectors.
func New(cfg Config) *Manager {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.CleanupRetentionDays == 0 {
		cfg.CleanupRetentionDays = DefaultCleanupRetentionDays
	}

	registry := prometheus.NewRegistry()

	toolCallsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "session_type", "date", "service"},
	)

	toolErrorsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_errors_total",
			Help: "Total number of tool errors",
		},
		[]string{"tool", "error_type", "session_type", "date", "service"},
	)

	dailySessionsVec := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daily_unique_sessions_total",
			Help: "Number of unique MCP sessions per day",
		},
		[]string{"date", "service"},
	)

	datasetsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasets_loaded_total",
			Help: "Number of instrument datasets loaded",
		},
		[]string{"source", "service"},
	)

	datasetRecords := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "dataset_records",
		Help:        "Number of records per loaded dataset",
		Buckets:     prometheus.ExponentialBuckets(10, 10, 7),
		ConstLabels: prometheus.Labels{"service": cfg.ServiceName},
	})

	exportsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exports_total",
			Help: "Number of exports created",
		},
		[]string{"format", "service"},
	)

	exportBytesVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_bytes_total",
			Help: "Bytes of export files created",
		},
		[]string{"format", "service"},
	)

	registry.MustRegister(toolCallsVec, toolErrorsVec, dailySessionsVec,
		datasetsVec, datasetRecords, exportsVec, exportBytesVec)

	m := &Manager{
		serviceName:          cfg.ServiceName,
		adminSecretPath:      cfg.AdminSecretPath,
		cleanupRetentionDays: cfg.CleanupRetentionDays,
		registry:             registry,
		toolCallsVec:         toolCallsVec,
		toolErrorsVec:        toolErrorsVec,
		dailySessionsVec:     dailySessionsVec,
		datasetsVec:          datasetsVec,
		datasetRecords:       datasetRecords,
		exportsVec:           exportsVec,
		exportBytesVec:       exportBytesVec,
		cleanupStop:          make(chan struct{}),
	}

	if cfg.AutoCleanup {
		m.startCleanupRoutine()
	}

	return m
}

func today() string {
	return time.Now().UTC().Format(dateLayout)
}

// Increment adds one to the counter named key.
func (m *Manager) Increment(key string) {
	m.IncrementBy(key, 1)
}

// IncrementBy adds n to the counter named key.
func (m *Manager) IncrementBy(key string, n int64) {
	m.addCounter(key, key, fmt.Sprintf("Count for %s", key), prometheus.Labels{"service": m.serviceName}, n)
}

// IncrementDaily adds one to today's copy of key.
func (m *Manager) IncrementDaily(key string) {
	m.IncrementDailyBy(key, 1)
}

// IncrementDailyBy adds n to today's copy of key.
func (m *Manager) IncrementDailyBy(key string, n int64) {
	date := today()
	m.addCounter(key+"_"+date, key, fmt.Sprintf("Daily count for %s", key),
		prometheus.Labels{"service": m.serviceName, "date": date}, n)
}

func (m *Manager) addCounter(storeKey, name, help string, labels prometheus.Labels, n int64) {
	counterInterface, _ := m.genericCounters.LoadOrStore(storeKey, prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        strings.ReplaceAll(name, "-", "_"),
			Help:        help,
			ConstLabels: labels,
		},
	))

	if counter, ok := counterInterface.(prometheus.Counter); ok {
		m.registry.Register(counter) //nolint:all
		counter.Add(float64(n))
	}

	valueInterface, _ := m.counterValues.LoadOrStore(storeKey, new(int64))
	if value, ok := valueInterface.(*int64); ok {
		atomic.AddInt64(value, n)
	}
}

// GetCounterValue returns the value of a counter created by Increment*. Daily
// counters are keyed as name_YYYY-MM-DD.
func (m *Manager) GetCounterValue(key string) int64 {
	if v, ok := m.counterValues.Load(key); ok {
		if value, ok := v.(*int64); ok {
			return atomic.LoadInt64(value)
		}
	}
	return 0
}

// IncrementDailyWithLabels counts one tool call or tool error for today.
func (m *Manager) IncrementDailyWithLabels(key string, labels map[string]string) {
	m.IncrementDailyWithLabelsBy(key, labels, 1)
}

// IncrementDailyWithLabelsBy counts n tool calls or errors. Other keys and
// labels without a tool are ignored.
func (m *Manager) IncrementDailyWithLabelsBy(key string, labels map[string]string, n int64) {
	tool, ok := labels["tool"]
	if !ok {
		return
	}
	sessionType := labelOr(labels, "session_type", "unknown")

	switch key {
	case "tool_calls":
		m.toolCallsVec.WithLabelValues(tool, sessionType, today(), m.serviceName).Add(float64(n))
	case "tool_errors":
		errorType := labelOr(labels, "error_type", "unknown")
		m.toolErrorsVec.WithLabelValues(tool, errorType, sessionType, today(), m.serviceName).Add(float64(n))
	}
}

func labelOr(labels map[string]string, key, fallback string) string {
	if v := labels[key]; v != "" {
		return v
	}
	return fallback
}

// RecordDatasetLoad counts a loaded dataset and observes its size.
func (m *Manager) RecordDatasetLoad(source string, records int) {
	m.datasetsVec.WithLabelValues(source, m.serviceName).Inc()
	m.datasetRecords.Observe(float64(records))
}

// RecordExport counts an export file of the given format and size.
func (m *Manager) RecordExport(format string, size int) {
	m.exportsVec.WithLabelValues(format, m.serviceName).Inc()
	m.exportBytesVec.WithLabelValues(format, m.serviceName).Add(float64(size))
}

// TrackDailySession records a session as active today
func (m *Manager) TrackDailySession(sessionID string) {
	if sessionID == "" {
		return
	}

	date := today()
	setInterface, _ := m.dailySessions.LoadOrStore(date, &sessionSet{})
	set, ok := setInterface.(*sessionSet)
	if !ok {
		return
	}

	if _, exists := set.sessions.LoadOrStore(sessionID, true); !exists {
		count := atomic.AddInt64(&set.count, 1)
		m.dailySessionsVec.WithLabelValues(date, m.serviceName).Set(float64(count))
	}
}

// GetDailySessionCount returns the unique session count for a date (YYYY-MM-DD)
func (m *Manager) GetDailySessionCount(date string) int64 {
	if setInterface, ok := m.dailySessions.Load(date); ok {
		if set, ok := setInterface.(*sessionSet); ok {
			return atomic.LoadInt64(&set.count)
		}
	}
	return 0
}

// GetTodaySessionCount returns today's unique session count
func (m *Manager) GetTodaySessionCount() int64 {
	return m.GetDailySessionCount(today())
}

// CleanupOldData removes session data older than the configured retention period
func (m *Manager) CleanupOldData() {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.cleanupRetentionDays)

	m.dailySessions.Range(func(key, _ any) bool {
		dateStr, ok := key.(string)
		if !ok {
			return true
		}
		if date, err := time.Parse(dateLayout, dateStr); err == nil && date.Before(cutoff) {
			m.dailySessions.Delete(dateStr)
			m.dailySessionsVec.DeleteLabelValues(dateStr, m.serviceName)
		}
		return true
	})
}

// startCleanupRoutine prunes old daily series once a week.
func (m *Manager) startCleanupRoutine() {
	go func() {
		for {
			now := time.Now().UTC()
			timer := time.NewTimer(getNextCleanupTime(now).Sub(now))

			select {
			case <-timer.C:
				m.CleanupOldData()
			case <-m.cleanupStop:
				timer.Stop()
				return
			}
		}
	}()
}

// getNextCleanupTime returns the next Saturday 03:00 UTC after now.
func getNextCleanupTime(now time.Time) time.Time {
	daysUntilSaturday := (DefaultCleanupDay - int(now.Weekday()) + 7) % 7
	if daysUntilSaturday == 0 && (now.Hour() >= DefaultCleanupHour) {
		daysUntilSaturday = 7
	}

	next := now.AddDate(0, 0, daysUntilSaturday)
	return time.Date(next.Year(), next.Month(), next.Day(), DefaultCleanupHour, 0, 0, 0, time.UTC)
}

// Shutdown stops the weekly cleanup. It is safe to call more than once.
func (m *Manager) Shutdown() {
	m.cleanupOnce.Do(func() {
		close(m.cleanupStop)
	})
}

// HTTPHandler serves the registry in the Prometheus text format.
func (m *Manager) HTTPHandler() http.HandlerFunc {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP
}

// AdminHTTPHandler serves metrics only under the secret admin path.
func (m *Manager) AdminHTTPHandler() http.HandlerFunc {
	if m.adminSecretPath == "" {
		return func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Admin endpoint disabled", http.StatusNotFound)
		}
	}

	expectedPath := AdminPathPrefix + m.adminSecretPath + MetricsPathSuffix
	metricsHandler := m.HTTPHandler()

	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != expectedPath {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		metricsHandler(w, r)
	}
}
