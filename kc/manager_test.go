package kc

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/instruments-viewer/app/metrics"
	"github.com/zerodha/instruments-viewer/kc/instruments"
	"go.uber.org/goleak"
)

// testLogger creates a discard logger for tests
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleJSON = `[
  {"exchange":"NSE","trading_symbol":"NIFTY FUT","instrument_type":"FUT","lot_size":50,"weekly":false},
  {"exchange":"BSE","trading_symbol":"SENSEX CE","instrument_type":"CE","lot_size":75,"weekly":true},
  {"exchange":"NSE","trading_symbol":"NIFTY CE","instrument_type":"CE","lot_size":50,"weekly":true}
]`

// newTestManager creates a manager whose background routines stop with the test.
func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func TestNewManager(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "logger is required")

	m := newTestManager(t, Config{ExternalURL: "https://example.com/"})
	assert.NotNil(t, m.SessionManager())
	assert.NotNil(t, m.Exports())
	assert.False(t, m.KiteEnabled())
	assert.Equal(t, int64(DefaultMaxUploadBytes), m.maxUploadBytes)
	assert.Equal(t, "https://example.com", m.externalURL)
}

func TestManagerLoadAndQuery(t *testing.T) {
	m := newTestManager(t, Config{})
	sessionID := m.SessionManager().Generate()

	ws, err := m.Load(sessionID, "sample.json", []byte(sampleJSON), instruments.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "sample.json", ws.Source)
	assert.Equal(t, 3, ws.Dataset.Len())
	assert.Equal(t, 2, ws.Overview.UniqueExchanges)

	_, filtered, err := m.Query(sessionID, instruments.Selection{
		Categories: map[string]string{instruments.FieldExchange: "NSE"},
		Weekly:     instruments.PartitionWeekly,
	})
	require.NoError(t, err)
	require.Equal(t, 1, filtered.Len())
	assert.Equal(t, "NIFTY CE", filtered.At(0).Get(instruments.FieldTradingSymbol))

	_, _, err = m.Query(sessionID, instruments.Selection{
		Categories: map[string]string{instruments.FieldExchange: "MCX"},
	})
	assert.ErrorIs(t, err, instruments.ErrInvalidSelection)
}

func TestManagerQueryWithoutDataset(t *testing.T) {
	m := newTestManager(t, Config{})

	_, _, err := m.Query("nobody", instruments.Selection{})
	assert.ErrorIs(t, err, ErrNoDataset)

	_, _, err = m.Export("nobody", instruments.Selection{}, instruments.ExportCSV)
	assert.ErrorIs(t, err, ErrNoDataset)
}

func TestManagerLoadFailureClearsWorkspace(t *testing.T) {
	m := newTestManager(t, Config{MaxUploadBytes: 1024, AllowLocalFiles: true})
	sessionID := m.SessionManager().Generate()

	failures := []struct {
		name string
		load func() error
		want error
	}{
		{"unparseable", func() error {
			_, err := m.Load(sessionID, "broken.json", []byte("not json at all"), instruments.FormatAuto)
			return err
		}, instruments.ErrNoRecords},
		{"too large", func() error {
			_, err := m.Load(sessionID, "big.json", make([]byte, 2048), instruments.FormatAuto)
			return err
		}, ErrUploadTooLarge},
		{"missing file", func() error {
			_, err := m.LoadFile(sessionID, filepath.Join(t.TempDir(), "missing.json"), instruments.FormatAuto)
			return err
		}, fs.ErrNotExist},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Load(sessionID, "sample.json", []byte(sampleJSON), instruments.FormatAuto)
			require.NoError(t, err)

			assert.ErrorIs(t, tt.load(), tt.want)

			_, err = m.Workspace(sessionID)
			assert.ErrorIs(t, err, ErrNoDataset)
			_, _, err = m.Query(sessionID, instruments.Selection{})
			assert.ErrorIs(t, err, ErrNoDataset)
		})
	}
}

func TestManagerUploadLimit(t *testing.T) {
	m := newTestManager(t, Config{MaxUploadBytes: 16, AllowLocalFiles: true})
	sessionID := m.SessionManager().Generate()

	_, err := m.Load(sessionID, "big.json", []byte(sampleJSON), instruments.FormatAuto)
	assert.ErrorIs(t, err, ErrUploadTooLarge)

	path := filepath.Join(t.TempDir(), "big.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o600))
	_, err = m.LoadFile(sessionID, path, instruments.FormatAuto)
	assert.ErrorIs(t, err, ErrUploadTooLarge)
}

func TestManagerLoadFile(t *testing.T) {
	m := newTestManager(t, Config{AllowLocalFiles: true})
	sessionID := m.SessionManager().Generate()

	path := filepath.Join(t.TempDir(), "dump.jsonl")
	lines := `{"exchange":"NSE","lot_size":50}
garbage
{"exchange":"BSE","lot_size":75}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))

	ws, err := m.LoadFile(sessionID, path, instruments.FormatAuto)
	require.NoError(t, err)
	assert.Equal(t, "dump.jsonl", ws.Source)
	assert.Equal(t, instruments.FormatJSONL, ws.Dataset.Format)
	assert.Equal(t, 2, ws.Dataset.Len())
	assert.Equal(t, 1, ws.Dataset.Skipped)

	_, err = m.LoadFile(sessionID, filepath.Join(t.TempDir(), "missing.json"), instruments.FormatAuto)
	assert.Error(t, err)

	_, err = m.LoadFile(sessionID, t.TempDir(), instruments.FormatAuto)
	assert.Error(t, err)
}

func TestManagerLoadFileDisabled(t *testing.T) {
	m := newTestManager(t, Config{})

	path := filepath.Join(t.TempDir(), "dump.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o600))

	_, err := m.LoadFile("s", path, instruments.FormatAuto)
	assert.ErrorIs(t, err, ErrLocalFilesDisabled)
}

func TestManagerExportAndDownload(t *testing.T) {
	met := metrics.New(metrics.Config{ServiceName: "test"})
	t.Cleanup(met.Shutdown)

	m := newTestManager(t, Config{ExternalURL: "http://localhost:8080", Metrics: met})
	sessionID := m.SessionManager().Generate()
	_, err := m.Load(sessionID, "sample.json", []byte(sampleJSON), instruments.FormatJSON)
	require.NoError(t, err)

	exp, link, err := m.Export(sessionID, instruments.Selection{
		Categories: map[string]string{instruments.FieldExchange: "NSE"},
	}, instruments.ExportCSV)
	require.NoError(t, err)
	assert.Equal(t, 2, exp.Records)
	assert.True(t, strings.HasPrefix(exp.FileName, "filtered_instruments_"))
	assert.True(t, strings.HasSuffix(exp.FileName, ".csv"))
	assert.True(t, strings.HasPrefix(link, "http://localhost:8080"+ExportPath+"?token="))

	rows, err := csv.NewReader(bytes.NewReader(exp.Data)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, []string{"exchange", "trading_symbol", "instrument_type", "lot_size", "weekly"}, rows[0])

	u, err := url.Parse(link)
	require.NoError(t, err)
	got, err := m.OpenExport(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Same(t, exp, got)

	_, err = m.OpenExport("forged|1.AAAA")
	assert.Error(t, err)
}

func TestManagerSessionEndDropsExports(t *testing.T) {
	m := newTestManager(t, Config{})
	sessionID := m.SessionManager().Generate()
	_, err := m.Load(sessionID, "sample.json", []byte(sampleJSON), instruments.FormatJSON)
	require.NoError(t, err)

	_, _, err = m.Export(sessionID, instruments.Selection{}, instruments.ExportXLSX)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Exports().Count())

	_, err = m.SessionManager().Terminate(sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Exports().Count())

	_, err = m.Workspace(sessionID)
	assert.True(t, errors.Is(err, ErrNoDataset))
}

func TestManagerLoadKiteDisabled(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.LoadKite(t.Context(), "s", "NSE")
	assert.ErrorIs(t, err, ErrKiteDisabled)
}

func TestManagerShutdownStopsRoutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, err := New(Config{Logger: testLogger()})
	require.NoError(t, err)
	m.Shutdown()
}
