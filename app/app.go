package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zerodha/instruments-viewer/app/metrics"
	"github.com/zerodha/instruments-viewer/kc"
	"github.com/zerodha/instruments-viewer/kc/instruments"
	"github.com/zerodha/instruments-viewer/kc/templates"
	"github.com/zerodha/instruments-viewer/mcp"
	"github.com/zerodha/instruments-viewer/web"
)

// App represents the main application structure
type App struct {
	Config    *Config
	Version   string
	startTime time.Time

	kcManager      *kc.Manager
	statusTemplate *template.Template
	logger         *slog.Logger
	metrics        *metrics.Manager
	downloads      *web.RateLimiter
	tools          []string

	stopHousekeeping context.CancelFunc
	shutdownOnce     sync.Once
}

// StatusPageData holds template data for the status page
type StatusPageData struct {
	Title         string
	Version       string
	Mode          string
	Started       string
	Sessions      int
	SessionsToday int64
	Exports       int
	KiteEnabled   bool
	Tools         []string
}

// Config holds the application configuration, read from the environment.
type Config struct {
	AppMode         string        `envconfig:"APP_MODE" default:"http"`
	AppPort         string        `envconfig:"APP_PORT" default:"8080"`
	AppHost         string        `envconfig:"APP_HOST" default:"localhost"`
	ExternalURL     string        `envconfig:"EXTERNAL_URL"`
	ExcludedTools   string        `envconfig:"EXCLUDED_TOOLS"`
	AdminSecretPath string        `envconfig:"ADMIN_ENDPOINT_SECRET_PATH"`
	KiteAPIKey      string        `envconfig:"KITE_API_KEY"`
	CurrencySymbol  string        `envconfig:"CURRENCY_SYMBOL" default:"₹"`
	DisplayTimezone string        `envconfig:"DISPLAY_TIMEZONE"`
	MaxUploadBytes  int64         `envconfig:"MAX_UPLOAD_BYTES" default:"52428800"`
	AllowLocalFiles bool          `envconfig:"ALLOW_LOCAL_FILES"`
	ExportTTL       time.Duration `envconfig:"EXPORT_TTL" default:"15m"`
	SessionTTL      time.Duration `envconfig:"SESSION_TTL" default:"12h"`
	DownloadBurst   int           `envconfig:"DOWNLOAD_RATE_BURST" default:"5"`
	DownloadEvery   time.Duration `envconfig:"DOWNLOAD_RATE_INTERVAL" default:"12s"`

	location *time.Location
}

// Server mode constants
const (
	ModeSSE    = "sse"
	ModeStdIO  = "stdio"
	ModeHTTP   = "http"
	ModeHybrid = "hybrid"

	DefaultPort    = "8080"
	DefaultHost    = "localhost"
	DefaultAppMode = ModeHTTP

	serviceName     = "instruments-viewer"
	shutdownTimeout = 10 * time.Second
)

func NewApp(logger *slog.Logger) *App {
	return &App{
		Config:    &Config{},
		Version:   "v0.0.0",
		startTime: time.Now(),
		logger:    logger,
	}
}

func (app *App) SetVersion(version string) {
	app.Version = version
}

// LoadConfig reads the configuration from the environment and validates it.
func (app *App) LoadConfig() error {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	app.Config = &cfg
	return nil
}

func (c *Config) validate() error {
	c.AppMode = strings.ToLower(strings.TrimSpace(c.AppMode))
	switch c.AppMode {
	case "":
		c.AppMode = DefaultAppMode
	case ModeHTTP, ModeSSE, ModeStdIO, ModeHybrid:
	default:
		return fmt.Errorf("invalid APP_MODE: %s", c.AppMode)
	}
	if c.AppPort == "" {
		c.AppPort = DefaultPort
	}
	if c.AppHost == "" {
		c.AppHost = DefaultHost
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	if c.ExportTTL <= 0 || c.SessionTTL <= 0 {
		return errors.New("EXPORT_TTL and SESSION_TTL must be positive")
	}

	c.location = time.Local
	if c.DisplayTimezone != "" {
		loc, err := time.LoadLocation(c.DisplayTimezone)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_TIMEZONE: %w", err)
		}
		c.location = loc
	}

	if c.ExternalURL == "" {
		c.ExternalURL = "http://" + c.address()
	}
	c.ExternalURL = strings.TrimRight(c.ExternalURL, "/")
	return nil
}

func (c *Config) address() string {
	return c.AppHost + ":" + c.AppPort
}

func (app *App) RunServer() error {
	kcManager, mcpServer, err := app.initializeServices()
	if err != nil {
		return err
	}
	srv := app.createHTTPServer(app.Config.address())
	app.setupGracefulShutdown(srv)
	return app.startServer(srv, kcManager, mcpServer)
}

func (app *App) initializeServices() (*kc.Manager, *server.MCPServer, error) {
	app.metrics = metrics.New(metrics.Config{
		ServiceName:     serviceName,
		AdminSecretPath: app.Config.AdminSecretPath,
		AutoCleanup:     true,
	})
	app.downloads = web.NewRateLimiter(app.Config.DownloadEvery, app.Config.DownloadBurst)

	app.logger.Info("Creating instruments manager...")
	kcManager, err := kc.New(kc.Config{
		Logger:  app.logger,
		Metrics: app.metrics,
		Formatter: instruments.Formatter{
			CurrencySymbol: app.Config.CurrencySymbol,
			Location:       app.Config.location,
		},
		KiteAPIKey:      app.Config.KiteAPIKey,
		ExternalURL:     app.Config.ExternalURL,
		MaxUploadBytes:  app.Config.MaxUploadBytes,
		AllowLocalFiles: app.Config.AllowLocalFiles || app.Config.AppMode == ModeStdIO,
		SessionTTL:      app.Config.SessionTTL,
		ExportTTL:       app.Config.ExportTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create instruments manager: %w", err)
	}
	app.kcManager = kcManager

	if err := app.initStatusPageTemplate(); err != nil {
		app.logger.Warn("Failed to initialize status template", "error", err)
	}

	app.logger.Info("Creating MCP server...")
	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		// SSE and stdio sessions are not created through the session ID
		// manager, so their workspaces are released here.
		if _, err := kcManager.SessionManager().Terminate(session.SessionID()); err == nil {
			app.logger.Debug("Released session workspace", "session_id", session.SessionID())
		}
	})
	mcpServer := server.NewMCPServer("Instruments Viewer", app.Version,
		server.WithHooks(hooks),
		server.WithRecovery(),
	)
	app.tools = mcp.RegisterTools(mcpServer, kcManager, app.Config.ExcludedTools, app.logger)

	return kcManager, mcpServer, nil
}

func (app *App) createHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (app *App) setupGracefulShutdown(srv *http.Server) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		defer stop()
		<-ctx.Done()
		app.shutdown(srv)
	}()
}

func (app *App) shutdown(srv *http.Server) {
	app.shutdownOnce.Do(func() {
		app.logger.Info("Shutting down server...")
		if app.stopHousekeeping != nil {
			app.stopHousekeeping()
		}
		if app.kcManager != nil {
			app.kcManager.Shutdown()
		}
		if app.metrics != nil {
			app.metrics.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Server shutdown error", "error", err)
		}
		app.logger.Info("Server shutdown complete")
	})
}

func (app *App) startServer(srv *http.Server, kcManager *kc.Manager, mcpServer *server.MCPServer) error {
	switch app.Config.AppMode {
	default:
		return fmt.Errorf("invalid APP_MODE: %s", app.Config.AppMode)
	case ModeHybrid, ModeHTTP, ModeSSE:
		app.startHTTPServer(srv, kcManager, mcpServer)
	case ModeStdIO:
		app.startStdIOServer(srv, mcpServer)
	}
	return nil
}

// setupMux registers the endpoints shared by every mode.
func (app *App) setupMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(kc.ExportPath, app.downloads.Middleware(http.HandlerFunc(app.handleExportDownload)))
	if app.Config.AdminSecretPath != "" {
		mux.HandleFunc(metrics.AdminPathPrefix, app.metrics.AdminHTTPHandler())
	}
	app.serveStatusPage(mux)
	app.startHousekeeping()
	return mux
}

// startHousekeeping prunes idle download limiters until shutdown.
func (app *App) startHousekeeping() {
	if app.stopHousekeeping != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	app.stopHousekeeping = cancel

	go func() {
		ticker := time.NewTicker(web.DefaultIdleTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := app.downloads.Prune(web.DefaultIdleTimeout); n > 0 {
					app.logger.Debug("Pruned idle download limiters", "count", n)
				}
			}
		}
	}()
}

func (app *App) serveHTTPServer(srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error("HTTP server error", "error", err)
	}
}

func sessionTypeContext(sessionType string) func(context.Context, *http.Request) context.Context {
	return func(ctx context.Context, _ *http.Request) context.Context {
		return mcp.WithSessionType(ctx, sessionType)
	}
}

func (app *App) startHTTPServer(srv *http.Server, kcManager *kc.Manager, mcpServer *server.MCPServer) {
	mux := app.setupMux()

	if app.Config.AppMode == ModeHTTP || app.Config.AppMode == ModeHybrid {
		streamable := server.NewStreamableHTTPServer(mcpServer,
			server.WithSessionIdManager(kcManager.SessionManager()),
			server.WithHTTPContextFunc(sessionTypeContext(mcp.SessionTypeMCP)),
		)
		mux.Handle("/mcp", streamable)
	}
	if app.Config.AppMode == ModeSSE || app.Config.AppMode == ModeHybrid {
		sse := server.NewSSEServer(mcpServer,
			server.WithBaseURL(app.Config.ExternalURL),
			server.WithKeepAlive(true),
			server.WithSSEContextFunc(sessionTypeContext(mcp.SessionTypeSSE)),
		)
		mux.Handle("/sse", sse)
		mux.Handle("/message", sse)
	}

	app.logger.Info("Starting MCP server",
		"mode", app.Config.AppMode,
		"url", "http://"+srv.Addr,
		"external_url", app.Config.ExternalURL,
		"tools", len(app.tools))
	srv.Handler = mux
	app.serveHTTPServer(srv)
}

func (app *App) startStdIOServer(srv *http.Server, mcpServer *server.MCPServer) {
	app.logger.Info("Starting STDIO MCP server...", "downloads", app.Config.ExternalURL+kc.ExportPath)
	stdio := server.NewStdioServer(mcpServer)
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return mcp.WithSessionType(ctx, mcp.SessionTypeStdio)
	})
	srv.Handler = app.setupMux()
	go app.serveHTTPServer(srv)
	if err := stdio.Listen(context.Background(), os.Stdin, os.Stdout); err != nil {
		app.logger.Error("STDIO server error", "error", err)
	}
	app.shutdown(srv)
}

// handleExportDownload serves an export file behind a signed token.
func (app *App) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing download token", http.StatusBadRequest)
		return
	}

	exp, err := app.kcManager.OpenExport(token)
	switch {
	case err == nil:
	case errors.Is(err, kc.ErrExportNotFound), errors.Is(err, kc.ErrExpiredSignature):
		http.Error(w, "This download link has expired. Export the instruments again.", http.StatusGone)
		return
	default:
		app.logger.Warn("Rejected export download", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid download link", http.StatusForbidden)
		return
	}

	app.logger.Info("Serving export", "export_id", exp.ID, "file", exp.FileName, "size", humanize.Bytes(uint64(len(exp.Data))))
	w.Header().Set("Content-Type", exp.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.FileName))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, exp.FileName, exp.CreatedAt, bytes.NewReader(exp.Data))
}

func (app *App) initStatusPageTemplate() error {
	tmpl, err := template.ParseFS(templates.FS, "base.html", "status.html")
	if err != nil {
		return fmt.Errorf("failed to parse status template: %w", err)
	}
	app.statusTemplate = tmpl
	return nil
}

func (app *App) getStatusData() StatusPageData {
	data := StatusPageData{
		Title:   "Status",
		Version: app.Version,
		Mode:    app.Config.AppMode,
		Started: humanize.Time(app.startTime),
		Tools:   app.tools,
	}
	if app.kcManager != nil {
		data.Sessions = app.kcManager.SessionManager().GetSessionCount()
		data.Exports = app.kcManager.Exports().Count()
		data.KiteEnabled = app.kcManager.KiteEnabled()
	}
	if app.metrics != nil {
		data.SessionsToday = app.metrics.GetTodaySessionCount()
	}
	return data
}

func (app *App) serveStatusPage(mux *http.ServeMux) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if app.statusTemplate == nil {
			http.Error(w, "Status template not available", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := app.statusTemplate.ExecuteTemplate(w, "base", app.getStatusData()); err != nil {
			app.logger.Error("Failed to execute status template", "error", err)
		}
	})
}
