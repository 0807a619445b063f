package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zerodha/instruments-viewer/kc"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

// defaultUploadName labels content passed inline without a file name.
const defaultUploadName = "upload"

type loadResponse struct {
	Source   string              `json:"source"`
	Format   instruments.Format  `json:"format"`
	Records  int                 `json:"records"`
	Skipped  int                 `json:"skipped_lines"`
	Columns  []string            `json:"columns"`
	LoadedAt time.Time           `json:"loaded_at"`
	Overview instruments.Summary `json:"overview"`
	Message  string              `json:"message"`
}

func newLoadResponse(ws *kc.Workspace) loadResponse {
	msg := fmt.Sprintf("Successfully loaded %s instruments from %s", humanize.Comma(int64(ws.Dataset.Len())), ws.Source)
	if ws.Dataset.Skipped > 0 {
		msg += fmt.Sprintf(" (%s unreadable lines skipped)", humanize.Comma(int64(ws.Dataset.Skipped)))
	}
	return loadResponse{
		Source:   ws.Source,
		Format:   ws.Dataset.Format,
		Records:  ws.Dataset.Len(),
		Skipped:  ws.Dataset.Skipped,
		Columns:  ws.Dataset.Columns(),
		LoadedAt: ws.LoadedAt,
		Overview: ws.Overview,
		Message:  msg,
	}
}

type LoadInstrumentsTool struct{}

func (*LoadInstrumentsTool) Tool() mcp.Tool {
	return mcp.NewTool("load_instruments",
		mcp.WithDescription("Load an instrument file (a JSON array, a single JSON object or JSON Lines) into this session. Replaces any previously loaded instruments and resets all filters."),
		mcp.WithTitleAnnotation("Load instruments"),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
		mcp.WithString("content",
			mcp.Description("The file content. Either content or path is required."),
		),
		mcp.WithString("path",
			mcp.Description("Path of a file on the server. Only available when the server allows local files."),
		),
		mcp.WithString("file_name",
			mcp.Description("Name shown for inline content, eg. instruments.json"),
		),
		mcp.WithString("format",
			mcp.Description("Format hint. The content is always tried as a JSON document first and then as JSON Lines."),
			mcp.Enum(string(instruments.FormatAuto), string(instruments.FormatJSON), string(instruments.FormatJSONL)),
			mcp.DefaultString(string(instruments.FormatAuto)),
		),
	)
}

func (*LoadInstrumentsTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		const toolName = "load_instruments"
		sessionID := handler.Begin(ctx, toolName)

		args := request.GetArguments()
		if err := ValidateOneOf(args, "content", "path"); err != nil {
			return handler.Fail(ctx, toolName, err), nil
		}

		format, err := instruments.ParseFormat(SafeAssertString(args["format"], ""))
		if err != nil {
			return handler.Fail(ctx, toolName, err), nil
		}

		var ws *kc.Workspace
		if path := SafeAssertString(args["path"], ""); path != "" {
			ws, err = manager.LoadFile(sessionID, path, format)
		} else {
			name := strings.TrimSpace(SafeAssertString(args["file_name"], defaultUploadName))
			if name == "" {
				name = defaultUploadName
			}
			ws, err = manager.Load(sessionID, name, []byte(SafeAssertString(args["content"], "")), format)
		}
		if err != nil {
			return handler.Fail(ctx, toolName, err), nil
		}

		return handler.MarshalResponse(newLoadResponse(ws), toolName)
	}
}

type LoadKiteInstrumentsTool struct{}

func (*LoadKiteInstrumentsTool) Tool() mcp.Tool {
	return mcp.NewTool("load_kite_instruments",
		mcp.WithDescription("Load the Kite Connect instrument master into this session. The list is downloaded once per trading day and replaces any previously loaded instruments."),
		mcp.WithTitleAnnotation("Load Kite instruments"),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
		mcp.WithString("exchange",
			mcp.Description("Exchange to download, eg. NSE, NFO, BSE, MCX. All exchanges when omitted."),
		),
	)
}

func (*LoadKiteInstrumentsTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		const toolName = "load_kite_instruments"
		sessionID := handler.Begin(ctx, toolName)

		exchange := SafeAssertString(request.GetArguments()["exchange"], "")
		ws, err := manager.LoadKite(ctx, sessionID, exchange)
		if err != nil {
			return handler.Fail(ctx, toolName, err), nil
		}

		return handler.MarshalResponse(newLoadResponse(ws), toolName)
	}
}

type InstrumentFormatTool struct{}

func (*InstrumentFormatTool) Tool() mcp.Tool {
	return mcp.NewTool("instrument_format",
		mcp.WithDescription("Describe the instrument file layout that load_instruments expects, with a sample record."),
		mcp.WithTitleAnnotation("Expected instrument format"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)
}

type formatResponse struct {
	Formats []string           `json:"formats"`
	Fields  []string           `json:"fields"`
	Notes   []string           `json:"notes"`
	Sample  instruments.Record `json:"sample"`
}

func (*InstrumentFormatTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		const toolName = "instrument_format"
		handler.Begin(ctx, toolName)

		sample := instruments.SampleRecord()
		return handler.MarshalResponse(formatResponse{
			Formats: []string{
				"JSON array of instrument objects",
				"single JSON instrument object",
				"JSON Lines, one instrument object per line",
			},
			Fields: sample.Keys(),
			Notes: []string{
				"All fields are optional. Unknown fields are kept and exported.",
				"expiry is epoch milliseconds; 0 or missing means no expiry.",
				"weekly must be a JSON boolean for the weekly filter to be offered.",
				"Lines that are not valid JSON objects are skipped in JSON Lines files.",
			},
			Sample: sample,
		}, toolName)
	}
}
