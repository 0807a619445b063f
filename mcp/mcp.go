package mcp

import (
	"log/slog"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zerodha/instruments-viewer/kc"
)

type Tool interface {
	Tool() gomcp.Tool
	Handler(*kc.Manager) server.ToolHandlerFunc
}

// GetAllTools returns every tool the server can offer, in listing order.
func GetAllTools() []Tool {
	return []Tool{
		// Loading
		&LoadInstrumentsTool{},
		&LoadKiteInstrumentsTool{},
		&InstrumentFormatTool{},

		// Querying the session's dataset
		&ListFiltersTool{},
		&FilterInstrumentsTool{},
		&SummarizeInstrumentsTool{},

		// Files
		&ExportInstrumentsTool{},
	}
}

// parseExcludedTools reads the EXCLUDED_TOOLS list. Blank entries are ignored.
func parseExcludedTools(list string) map[string]bool {
	set := map[string]bool{}
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' }) {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = true
		}
	}
	return set
}

// filterTools splits tools into the ones to register and the names left out.
func filterTools(tools []Tool, excluded map[string]bool) (kept []Tool, skipped []string) {
	kept = make([]Tool, 0, len(tools))
	for _, t := range tools {
		if name := t.Tool().Name; excluded[name] {
			skipped = append(skipped, name)
			continue
		}
		kept = append(kept, t)
	}
	return kept, skipped
}

// RegisterTools adds the tools not named in excludedTools to srv and returns
// the registered names. load_kite_instruments is left out when the manager
// has no Kite source.
func RegisterTools(srv *server.MCPServer, manager *kc.Manager, excludedTools string, logger *slog.Logger) []string {
	excluded := parseExcludedTools(excludedTools)
	if !manager.KiteEnabled() {
		excluded["load_kite_instruments"] = true
	}

	all := GetAllTools()
	kept, skipped := filterTools(all, excluded)
	if len(skipped) > 0 {
		logger.Info("Excluded tools from registration", "tools", skipped)
	}

	names := make([]string, 0, len(kept))
	for _, t := range kept {
		def := t.Tool()
		srv.AddTool(def, t.Handler(manager))
		names = append(names, def.Name)
	}

	logger.Info("Tool registration complete", "registered", len(names), "excluded", len(skipped), "total_available", len(all))
	return names
}
