package kc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zerodha/instruments-viewer/app/metrics"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

const (
	DefaultMaxUploadBytes = 50 << 20

	// ExportPath is the HTTP path that serves signed export downloads.
	ExportPath = "/exports/"
)

var (
	// ErrNoDataset is returned by queries before anything was loaded.
	ErrNoDataset = errors.New("no instruments loaded in this session, use load_instruments first")

	// ErrUploadTooLarge is returned for inputs above the configured limit.
	ErrUploadTooLarge = errors.New("instrument file is too large")

	// ErrLocalFilesDisabled is returned by LoadFile unless local files are allowed.
	ErrLocalFilesDisabled = errors.New("loading files from the server filesystem is disabled, pass the file content instead")
)

// Config holds configuration for creating a new kc Manager
type Config struct {
	Logger          *slog.Logger     // required
	Metrics         *metrics.Manager // optional
	Formatter       instruments.Formatter
	KiteAPIKey      string           // enables the Kite instrument source
	KiteClient      InstrumentLister // overrides the client built from KiteAPIKey
	ExternalURL     string           // base URL of download links
	MaxUploadBytes  int64            // defaults to DefaultMaxUploadBytes
	AllowLocalFiles bool             // lets LoadFile read the server filesystem
	SessionTTL      time.Duration    // defaults to DefaultSessionDuration
	ExportTTL       time.Duration    // defaults to DefaultExportTTL
}

// Manager ties sessions, workspaces and exports together. Tools call it with
// the ID of the MCP session they run in.
type Manager struct {
	Logger    *slog.Logger
	Formatter instruments.Formatter

	metrics        *metrics.Manager
	externalURL    string
	maxUploadBytes int64
	allowLocal     bool
	sessionManager *SessionManager
	exports        *ExportStore
	linkSigner     *LinkSigner
	kite           *KiteSource
}

// New creates a new kc Manager with the given configuration
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.ExportTTL <= 0 {
		cfg.ExportTTL = DefaultExportTTL
	}

	m := &Manager{
		Logger:         cfg.Logger,
		Formatter:      cfg.Formatter,
		metrics:        cfg.Metrics,
		externalURL:    strings.TrimRight(cfg.ExternalURL, "/"),
		maxUploadBytes: cfg.MaxUploadBytes,
		allowLocal:     cfg.AllowLocalFiles,
	}

	signer, err := NewLinkSigner()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize link signer: %w", err)
	}
	signer.SetSignatureExpiry(cfg.ExportTTL)
	m.linkSigner = signer

	if cfg.KiteAPIKey != "" || cfg.KiteClient != nil {
		kite, err := NewKiteSource(KiteConfig{
			APIKey: cfg.KiteAPIKey,
			Client: cfg.KiteClient,
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Kite instrument source: %w", err)
		}
		m.kite = kite
	}

	m.exports = NewExportStore(cfg.Logger, cfg.ExportTTL)
	m.exports.StartCleanupRoutine(context.Background())

	m.initializeSessionManager(cfg.SessionTTL)
	return m, nil
}

func (m *Manager) initializeSessionManager(ttl time.Duration) {
	sessionManager := NewSessionManager(m.Logger, ttl)
	sessionManager.AddCleanupHook(func(s *Session) {
		dropped := m.exports.DeleteSession(s.ID)
		m.Logger.Info("Cleaning up session", "session_id", s.ID, "exports_dropped", dropped)
	})
	sessionManager.StartCleanupRoutine(context.Background())
	m.sessionManager = sessionManager
}

// SessionManager returns the underlying session manager.
func (m *Manager) SessionManager() *SessionManager {
	return m.sessionManager
}

// Exports returns the underlying export store.
func (m *Manager) Exports() *ExportStore {
	return m.exports
}

// KiteEnabled reports whether the Kite instrument source is configured.
func (m *Manager) KiteEnabled() bool {
	return m.kite != nil
}

// HasMetrics reports whether a metrics manager is configured.
func (m *Manager) HasMetrics() bool {
	return m.metrics != nil
}

// IncrementDailyMetricWithLabels forwards a labelled daily counter to the
// metrics manager, if any.
func (m *Manager) IncrementDailyMetricWithLabels(key string, labels map[string]string) {
	if m.metrics != nil {
		m.metrics.IncrementDailyWithLabels(key, labels)
	}
}

// TrackSession records activity of an MCP session for the daily session gauge.
func (m *Manager) TrackSession(sessionID string) {
	if m.metrics != nil {
		m.metrics.TrackDailySession(sessionID)
	}
}

// Load parses raw input and makes it the session's workspace.
func (m *Manager) Load(sessionID, source string, raw []byte, format instruments.Format) (*Workspace, error) {
	if int64(len(raw)) > m.maxUploadBytes {
		return nil, m.loadFailed(sessionID, source, fmt.Errorf("%w: %s exceeds the %s limit", ErrUploadTooLarge,
			humanize.IBytes(uint64(len(raw))), humanize.IBytes(uint64(m.maxUploadBytes))))
	}

	ds, err := instruments.Parse(raw, format)
	if ds.Skipped > 0 {
		m.Logger.Debug("Skipped unreadable lines", "source", source, "skipped", ds.Skipped)
	}
	if err != nil {
		return nil, m.loadFailed(sessionID, source, err)
	}

	return m.install(sessionID, source, ds)
}

// LoadFile reads a file from the server's filesystem and loads it. An auto
// format hint is refined from the file extension.
func (m *Manager) LoadFile(sessionID, path string, format instruments.Format) (*Workspace, error) {
	if !m.allowLocal {
		return nil, ErrLocalFilesDisabled
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, m.loadFailed(sessionID, path, fmt.Errorf("cannot read instrument file: %w", err))
	}
	if info.IsDir() {
		return nil, m.loadFailed(sessionID, path, fmt.Errorf("cannot read instrument file: %s is a directory", path))
	}
	if info.Size() > m.maxUploadBytes {
		return nil, m.loadFailed(sessionID, path, fmt.Errorf("%w: %s exceeds the %s limit", ErrUploadTooLarge,
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(m.maxUploadBytes))))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, m.loadFailed(sessionID, path, fmt.Errorf("cannot read instrument file: %w", err))
	}

	if format == instruments.FormatAuto {
		if f, err := instruments.ParseFormat(filepath.Ext(path)); err == nil {
			format = f
		}
	}
	return m.Load(sessionID, filepath.Base(path), raw, format)
}

// LoadKite downloads the Kite instrument master of an exchange (all
// exchanges when empty) and makes it the session's workspace.
func (m *Manager) LoadKite(ctx context.Context, sessionID, exchange string) (*Workspace, error) {
	if m.kite == nil {
		return nil, ErrKiteDisabled
	}

	label := strings.ToUpper(strings.TrimSpace(exchange))
	if label == "" {
		label = allExchanges
	}
	source := KiteSourcePrefix + label

	ds, err := m.kite.Fetch(ctx, exchange)
	if err != nil {
		return nil, m.loadFailed(sessionID, source, err)
	}
	if ds.Len() == 0 {
		return nil, m.loadFailed(sessionID, source, instruments.ErrNoRecords)
	}
	return m.install(sessionID, source, ds)
}

// loadFailed drops the session's workspace so a failed load never leaves the
// previous dataset answering queries, and returns err.
func (m *Manager) loadFailed(sessionID, source string, err error) error {
	m.Logger.Warn("Failed to load instruments", "session_id", sessionID, "source", source, "error", err)
	if m.metrics != nil {
		m.metrics.Increment("dataset_load_failures")
	}
	if cerr := m.sessionManager.SetWorkspace(sessionID, nil); cerr != nil {
		m.Logger.Debug("Could not clear workspace", "session_id", sessionID, "error", cerr)
	}
	return err
}

func (m *Manager) install(sessionID, source string, ds *instruments.Dataset) (*Workspace, error) {
	ws := NewWorkspace(source, ds)
	if err := m.sessionManager.SetWorkspace(sessionID, ws); err != nil {
		return nil, fmt.Errorf("failed to store workspace: %w", err)
	}

	m.Logger.Info("Loaded instruments",
		"session_id", sessionID,
		"source", source,
		"format", ds.Format,
		"count", ds.Len(),
		"columns", len(ds.Columns()),
		"skipped", ds.Skipped)
	if m.metrics != nil {
		m.metrics.RecordDatasetLoad(sourceKind(source), ds.Len())
	}
	return ws, nil
}

func sourceKind(source string) string {
	if strings.HasPrefix(source, KiteSourcePrefix) {
		return "kite"
	}
	return "upload"
}

// Workspace returns the session's current workspace.
func (m *Manager) Workspace(sessionID string) (*Workspace, error) {
	ws := m.sessionManager.Workspace(sessionID)
	if ws == nil {
		return nil, ErrNoDataset
	}
	return ws, nil
}

// Query applies sel to the session's workspace.
func (m *Manager) Query(sessionID string, sel instruments.Selection) (*Workspace, *instruments.Dataset, error) {
	ws, err := m.Workspace(sessionID)
	if err != nil {
		return nil, nil, err
	}
	filtered, err := ws.Query(sel)
	if err != nil {
		return ws, nil, err
	}
	return ws, filtered, nil
}

// Export renders the filtered records of the session's workspace, stores the
// file and returns it with a signed download link.
func (m *Manager) Export(sessionID string, sel instruments.Selection, format instruments.ExportFormat) (*Export, string, error) {
	_, filtered, err := m.Query(sessionID, sel)
	if err != nil {
		return nil, "", err
	}

	data, err := instruments.Export(filtered, format)
	if err != nil {
		return nil, "", fmt.Errorf("failed to render export: %w", err)
	}

	exp := m.exports.Put(&Export{
		SessionID: sessionID,
		FileName:  format.FileName(time.Now()),
		Format:    format,
		Records:   filtered.Len(),
		Data:      data,
	})
	link := m.DownloadURL(m.linkSigner.Sign(exp.ID))

	m.Logger.Info("Created export",
		"session_id", sessionID,
		"export_id", exp.ID,
		"format", format,
		"records", exp.Records,
		"size", humanize.Bytes(uint64(len(data))))
	if m.metrics != nil {
		m.metrics.RecordExport(string(format), len(data))
	}
	return exp, link, nil
}

// DownloadURL returns the link that serves a signed export token.
func (m *Manager) DownloadURL(token string) string {
	return m.externalURL + ExportPath + "?token=" + url.QueryEscape(token)
}

// OpenExport verifies a download token and returns its export.
func (m *Manager) OpenExport(token string) (*Export, error) {
	id, err := m.linkSigner.Verify(token)
	if err != nil {
		return nil, err
	}
	return m.exports.Get(id)
}

// Shutdown stops the background routines.
func (m *Manager) Shutdown() {
	m.Logger.Info("Shutting down instruments manager...")
	m.sessionManager.StopCleanupRoutine()
	m.exports.StopCleanupRoutine()
	m.Logger.Info("Instruments manager shutdown complete")
}
