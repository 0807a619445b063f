// Instruments Viewer serves instrument files to MCP clients for filtering,
// summarising and exporting.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zerodha/instruments-viewer/app"
)

var (
	// MCP_SERVER_VERSION is set at build time with -ldflags.
	MCP_SERVER_VERSION = "v0.0.0"

	buildString = "dev build"
)

// initLogger writes to stderr so that stdout stays free for the stdio transport.
func initLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("Instruments Viewer %s\n", MCP_SERVER_VERSION)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	logger := initLogger()

	application := app.NewApp(logger)
	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	application.SetVersion(MCP_SERVER_VERSION)

	logger.Info("Starting Instruments Viewer...", "version", MCP_SERVER_VERSION, "build", buildString)
	if err := application.RunServer(); err != nil {
		logger.Error("Server failed to start", "error", err)
		os.Exit(1)
	}
}
