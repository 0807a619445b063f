package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/instruments-viewer/kc"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

// testLogger creates a discard logger for tests
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var configEnv = []string{
	"APP_MODE", "APP_PORT", "APP_HOST", "EXTERNAL_URL", "EXCLUDED_TOOLS",
	"ADMIN_ENDPOINT_SECRET_PATH", "KITE_API_KEY", "CURRENCY_SYMBOL", "DISPLAY_TIMEZONE",
	"MAX_UPLOAD_BYTES", "ALLOW_LOCAL_FILES", "EXPORT_TTL", "SESSION_TTL",
	"DOWNLOAD_RATE_BURST", "DOWNLOAD_RATE_INTERVAL",
}

// clearEnv unsets every config variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	app := NewApp(testLogger())
	if err := app.LoadConfig(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if app.Config.AppMode != DefaultAppMode {
		t.Errorf("Expected default app mode '%s', got '%s'", DefaultAppMode, app.Config.AppMode)
	}
	if app.Config.AppPort != DefaultPort {
		t.Errorf("Expected default port '%s', got '%s'", DefaultPort, app.Config.AppPort)
	}
	if app.Config.AppHost != DefaultHost {
		t.Errorf("Expected default host '%s', got '%s'", DefaultHost, app.Config.AppHost)
	}
	if app.Config.ExternalURL != "http://localhost:8080" {
		t.Errorf("Expected external URL derived from host and port, got '%s'", app.Config.ExternalURL)
	}
	if app.Config.CurrencySymbol != "₹" {
		t.Errorf("Expected default currency symbol, got '%s'", app.Config.CurrencySymbol)
	}
	if app.Config.MaxUploadBytes != kc.DefaultMaxUploadBytes {
		t.Errorf("Expected default upload limit %d, got %d", kc.DefaultMaxUploadBytes, app.Config.MaxUploadBytes)
	}
	if app.Config.ExportTTL != kc.DefaultExportTTL {
		t.Errorf("Expected default export TTL %v, got %v", kc.DefaultExportTTL, app.Config.ExportTTL)
	}
	if app.Config.SessionTTL != kc.DefaultSessionDuration {
		t.Errorf("Expected default session TTL %v, got %v", kc.DefaultSessionDuration, app.Config.SessionTTL)
	}
	if app.Config.location != time.Local {
		t.Errorf("Expected local display timezone")
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_MODE", "Hybrid")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("EXTERNAL_URL", "https://instruments.example.com/")
	t.Setenv("KITE_API_KEY", "test_key")
	t.Setenv("CURRENCY_SYMBOL", "Rs.")
	t.Setenv("DISPLAY_TIMEZONE", "Asia/Kolkata")
	t.Setenv("EXPORT_TTL", "5m")
	t.Setenv("ALLOW_LOCAL_FILES", "true")

	app := NewApp(testLogger())
	require.NoError(t, app.LoadConfig())

	assert.Equal(t, ModeHybrid, app.Config.AppMode)
	assert.Equal(t, "9090", app.Config.AppPort)
	assert.Equal(t, "https://instruments.example.com", app.Config.ExternalURL)
	assert.Equal(t, "test_key", app.Config.KiteAPIKey)
	assert.Equal(t, "Rs.", app.Config.CurrencySymbol)
	assert.Equal(t, "Asia/Kolkata", app.Config.location.String())
	assert.Equal(t, 5*time.Minute, app.Config.ExportTTL)
	assert.True(t, app.Config.AllowLocalFiles)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"mode", "APP_MODE", "websocket", "invalid APP_MODE: websocket"},
		{"timezone", "DISPLAY_TIMEZONE", "Mars/Olympus", "invalid DISPLAY_TIMEZONE"},
		{"upload limit", "MAX_UPLOAD_BYTES", "-1", "MAX_UPLOAD_BYTES"},
		{"ttl", "EXPORT_TTL", "0s", "EXPORT_TTL"},
		{"unparseable", "SESSION_TTL", "forever", "failed to load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			err := NewApp(testLogger()).LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStartServer_InvalidMode(t *testing.T) {
	app := &App{
		Config: &Config{
			AppMode: "invalid_mode",
		},
	}

	err := app.startServer(nil, nil, nil)
	if err == nil {
		t.Fatal("Expected error for invalid APP_MODE")
	}

	expectedMsg := "invalid APP_MODE: invalid_mode"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message '%s', got '%s'", expectedMsg, err.Error())
	}
}

func TestNewApp(t *testing.T) {
	app := NewApp(testLogger())

	if app == nil {
		t.Fatal("Expected non-nil app")
	}
	if app.Config == nil {
		t.Error("Expected non-nil config")
	}
	if app.Version != "v0.0.0" {
		t.Errorf("Expected default version 'v0.0.0', got '%s'", app.Version)
	}
}

func TestSetVersion(t *testing.T) {
	app := NewApp(testLogger())
	testVersion := "v1.2.3"

	app.SetVersion(testVersion)

	if app.Version != testVersion {
		t.Errorf("Expected version '%s', got '%s'", testVersion, app.Version)
	}
}

// newTestApp builds an app with its services and returns its HTTP handler.
func newTestApp(t *testing.T, mutate func(*Config)) (*App, http.Handler) {
	t.Helper()
	clearEnv(t)

	app := NewApp(testLogger())
	require.NoError(t, app.LoadConfig())
	if mutate != nil {
		mutate(app.Config)
	}

	_, _, err := app.initializeServices()
	require.NoError(t, err)
	mux := app.setupMux()
	t.Cleanup(func() { app.shutdown(&http.Server{}) })
	return app, mux
}

const sampleJSON = `[
  {"exchange":"NSE","trading_symbol":"NIFTY FUT","instrument_type":"FUT","lot_size":50},
  {"exchange":"BSE","trading_symbol":"SENSEX CE","instrument_type":"CE","lot_size":75}
]`

func createExport(t *testing.T, app *App, sessionID string) (*kc.Export, string) {
	t.Helper()
	_, err := app.kcManager.Load(sessionID, "sample.json", []byte(sampleJSON), instruments.FormatJSON)
	require.NoError(t, err)
	exp, link, err := app.kcManager.Export(sessionID, instruments.Selection{}, instruments.ExportCSV)
	require.NoError(t, err)

	u, err := url.Parse(link)
	require.NoError(t, err)
	return exp, u.RequestURI()
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestExportDownload(t *testing.T) {
	app, h := newTestApp(t, nil)
	exp, target := createExport(t, app, "session-1")

	w := get(h, target)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="`+exp.FileName+`"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, string(exp.Data), w.Body.String())
}

func TestExportDownloadErrors(t *testing.T) {
	app, h := newTestApp(t, func(c *Config) { c.DownloadBurst = 100 })
	_, target := createExport(t, app, "session-1")

	assert.Equal(t, http.StatusBadRequest, get(h, kc.ExportPath).Code)
	assert.Equal(t, http.StatusForbidden, get(h, kc.ExportPath+"?token="+url.QueryEscape("forged|1.AAAA")).Code)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, target, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	_, err := app.kcManager.SessionManager().Terminate("session-1")
	require.NoError(t, err)
	w = get(h, target)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Contains(t, w.Body.String(), "expired")
}

func TestExportDownloadRateLimited(t *testing.T) {
	app, h := newTestApp(t, func(c *Config) {
		c.DownloadBurst = 1
		c.DownloadEvery = time.Hour
	})
	_, target := createExport(t, app, "session-1")

	assert.Equal(t, http.StatusOK, get(h, target).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, target).Code)
}

func TestStatusPage(t *testing.T) {
	app, h := newTestApp(t, nil)
	app.SetVersion("v9.9.9")
	createExport(t, app, "session-1")

	w := get(h, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "Instruments Viewer")
	assert.Contains(t, body, "v9.9.9")
	assert.Contains(t, body, "<code>filter_instruments</code>")
	assert.NotContains(t, body, "load_kite_instruments")

	data := app.getStatusData()
	assert.Equal(t, 1, data.Sessions)
	assert.Equal(t, 1, data.Exports)
	assert.False(t, data.KiteEnabled)

	assert.Equal(t, http.StatusNotFound, get(h, "/missing").Code)
}

func TestAdminMetricsEndpoint(t *testing.T) {
	app, h := newTestApp(t, func(c *Config) { c.AdminSecretPath = "s3cret" })
	createExport(t, app, "session-1")

	w := get(h, "/admin/s3cret/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `exports_total{format="csv",service="instruments-viewer"} 1`)

	assert.Equal(t, http.StatusNotFound, get(h, "/admin/wrong/metrics").Code)
}

func TestAdminMetricsDisabled(t *testing.T) {
	_, h := newTestApp(t, nil)
	// Without a secret path /admin/ falls through to the status page handler.
	assert.Equal(t, http.StatusNotFound, get(h, "/admin/anything/metrics").Code)
}
