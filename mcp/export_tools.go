package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zerodha/instruments-viewer/kc"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

// MaxInlineExportBytes bounds the CSV text returned with an export. Larger
// files are only available through the download link.
const MaxInlineExportBytes = 256 << 10

type ExportInstrumentsTool struct{}

func (*ExportInstrumentsTool) Tool() mcp.Tool {
	all := []mcp.ToolOption{
		mcp.WithDescription("Export the instruments matching the filters as CSV or Excel. Returns a download link that expires, and the CSV text for small exports."),
		mcp.WithTitleAnnotation("Export instruments"),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
		mcp.WithString("format",
			mcp.Description("File format of the export."),
			mcp.Enum(string(instruments.ExportCSV), string(instruments.ExportXLSX)),
			mcp.DefaultString(string(instruments.ExportCSV)),
		),
	}
	return mcp.NewTool("export_instruments", append(all, selectionOptions()...)...)
}

type exportResponse struct {
	FileName    string                   `json:"file_name"`
	Format      instruments.ExportFormat `json:"format"`
	Records     int                      `json:"records"`
	Size        int                      `json:"size_bytes"`
	DownloadURL string                   `json:"download_url"`
	ExpiresAt   time.Time                `json:"expires_at"`
	Content     string                   `json:"content,omitempty"`
	Message     string                   `json:"message,omitempty"`
}

func (*ExportInstrumentsTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		const toolName = "export_instruments"
		return handler.WithWorkspace(ctx, toolName, func(sessionID string, ws *kc.Workspace) (*mcp.CallToolResult, error) {
			args := request.GetArguments()

			format, err := instruments.ParseExportFormat(SafeAssertString(args["format"], ""))
			if err != nil {
				return handler.Fail(ctx, toolName, err), nil
			}

			sel, err := ParseSelection(args, ws.Filters)
			if err != nil {
				return handler.Fail(ctx, toolName, err), nil
			}

			exp, link, err := manager.Export(sessionID, sel, format)
			if err != nil {
				return handler.Fail(ctx, toolName, err), nil
			}

			resp := exportResponse{
				FileName:    exp.FileName,
				Format:      exp.Format,
				Records:     exp.Records,
				Size:        len(exp.Data),
				DownloadURL: link,
				ExpiresAt:   exp.ExpiresAt,
			}
			if format == instruments.ExportCSV && len(exp.Data) <= MaxInlineExportBytes {
				resp.Content = string(exp.Data)
			}
			if exp.Records == 0 {
				resp.Message = noMatchesMessage
			}
			return handler.MarshalResponse(resp, toolName)
		})
	}
}
