package mcp

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zerodha/instruments-viewer/kc"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

// DefaultPageSize is the number of display rows returned when no limit is given.
const DefaultPageSize = 100

const noMatchesMessage = "No instruments match the selected filters."

// selectionOptions declares the filter parameters shared by the query tools.
func selectionOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString(instruments.FieldExchange,
			mcp.Description("Exchange to keep, or All. See list_filters for the choices."),
			mcp.DefaultString(instruments.All),
		),
		mcp.WithString(instruments.FieldInstrumentType,
			mcp.Description("Instrument type to keep, eg. FUT, CE, PE, or All."),
			mcp.DefaultString(instruments.All),
		),
		mcp.WithString(instruments.FieldSegment,
			mcp.Description("Segment to keep, or All."),
			mcp.DefaultString(instruments.All),
		),
		mcp.WithString(instruments.FieldUnderlyingType,
			mcp.Description("Underlying type to keep, or All."),
			mcp.DefaultString(instruments.All),
		),
		mcp.WithNumber(instruments.FieldLotSize+"_min",
			mcp.Description("Smallest lot size to keep. Defaults to the smallest in the file."),
		),
		mcp.WithNumber(instruments.FieldLotSize+"_max",
			mcp.Description("Largest lot size to keep. Defaults to the largest in the file."),
		),
		mcp.WithNumber(instruments.FieldStrikePrice+"_min",
			mcp.Description("Smallest strike price to keep. Defaults to the smallest in the file."),
		),
		mcp.WithNumber(instruments.FieldStrikePrice+"_max",
			mcp.Description("Largest strike price to keep. Defaults to the largest in the file."),
		),
		mcp.WithString(instruments.FieldWeekly,
			mcp.Description("Weekly options filter."),
			mcp.Enum(string(instruments.PartitionAll), string(instruments.PartitionWeekly), string(instruments.PartitionMonthly)),
			mcp.DefaultString(string(instruments.PartitionAll)),
		),
		mcp.WithString("search",
			mcp.Description("Case-insensitive text to find in the trading symbol."),
		),
	}
}

// newQueryTool builds a read-only tool that accepts a selection.
func newQueryTool(name, title, description string, opts ...mcp.ToolOption) mcp.Tool {
	all := []mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithTitleAnnotation(title),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	}
	all = append(all, selectionOptions()...)
	all = append(all, opts...)
	return mcp.NewTool(name, all...)
}

// WithQuery resolves the selection arguments against the session's workspace
// and runs fn with the filtered records.
func (h *ToolHandler) WithQuery(ctx context.Context, toolName string, request mcp.CallToolRequest, fn func(ws *kc.Workspace, sel instruments.Selection, filtered *instruments.Dataset) (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	return h.WithWorkspace(ctx, toolName, func(sessionID string, ws *kc.Workspace) (*mcp.CallToolResult, error) {
		sel, err := ParseSelection(request.GetArguments(), ws.Filters)
		if err != nil {
			return h.Fail(ctx, toolName, err), nil
		}

		filtered, err := ws.Query(sel)
		if err != nil {
			return h.Fail(ctx, toolName, err), nil
		}

		h.manager.Logger.Debug("Applied filters",
			"tool", toolName,
			"session_id", sessionID,
			"active", ws.Filters.Active(sel),
			"matched", filtered.Len(),
			"total", ws.Dataset.Len())
		return fn(ws, sel, filtered)
	})
}

type ListFiltersTool struct{}

func (*ListFiltersTool) Tool() mcp.Tool {
	return mcp.NewTool("list_filters",
		mcp.WithDescription("List the filters available for the loaded instruments with their choices and numeric ranges. The choices come from the whole file and do not narrow as filters are applied."),
		mcp.WithTitleAnnotation("List filters"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)
}

type filtersResponse struct {
	Source  string               `json:"source"`
	Records int                  `json:"records"`
	Filters *instruments.Filters `json:"filters"`
}

func (*ListFiltersTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		const toolName = "list_filters"
		return handler.WithWorkspace(ctx, toolName, func(_ string, ws *kc.Workspace) (*mcp.CallToolResult, error) {
			return handler.MarshalResponse(filtersResponse{
				Source:  ws.Source,
				Records: ws.Dataset.Len(),
				Filters: ws.Filters,
			}, toolName)
		})
	}
}

type FilterInstrumentsTool struct{}

func (*FilterInstrumentsTool) Tool() mcp.Tool {
	return newQueryTool("filter_instruments",
		"Filter instruments",
		"Filter the loaded instruments and return a page of display rows. Dates and strike prices are formatted; set raw to get the records as they appear in the file.",
		mcp.WithNumber("from",
			mcp.Description("Offset of the first record to return."),
			mcp.DefaultNumber(0),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Number of records to return. Defaults to %d display rows or %d raw records; 0 returns everything.", DefaultPageSize, instruments.DefaultRawRecords)),
		),
		mcp.WithBoolean("raw",
			mcp.Description("Return records with their original fields and values."),
			mcp.DefaultBool(false),
		),
	)
}

type filterResponse struct {
	Source     string               `json:"source"`
	Matched    int                  `json:"matched"`
	Total      int                  `json:"total"`
	Filtered   bool                 `json:"filtered"`
	Message    string               `json:"message,omitempty"`
	Columns    []string             `json:"columns,omitempty"`
	Rows       []instruments.Record `json:"rows"`
	Pagination Pagination           `json:"pagination"`
}

func (*FilterInstrumentsTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		const toolName = "filter_instruments"
		return handler.WithQuery(ctx, toolName, request, func(ws *kc.Workspace, sel instruments.Selection, filtered *instruments.Dataset) (*mcp.CallToolResult, error) {
			args := request.GetArguments()
			raw := SafeAssertBool(args["raw"], false)

			defaultLimit := DefaultPageSize
			if raw {
				defaultLimit = instruments.DefaultRawRecords
			}
			params := ParsePaginationParams(args, defaultLimit)
			page := ApplyPagination(filtered.Records(), params)

			resp := filterResponse{
				Source:   ws.Source,
				Matched:  filtered.Len(),
				Total:    ws.Dataset.Len(),
				Filtered: ws.Filters.Active(sel),
				Rows:     page,
			}
			if !raw {
				resp.Columns = manager.Formatter.Columns(filtered)
				rows := make([]instruments.Record, 0, len(page))
				for _, r := range page {
					rows = append(rows, manager.Formatter.Row(r, resp.Columns))
				}
				resp.Rows = rows
			}
			if resp.Rows == nil {
				resp.Rows = []instruments.Record{}
			}
			if filtered.Len() == 0 {
				resp.Message = noMatchesMessage
			}
			resp.Pagination = NewPagination(params, filtered.Len(), len(resp.Rows))

			return handler.MarshalResponse(resp, toolName)
		})
	}
}

type SummarizeInstrumentsTool struct{}

func (*SummarizeInstrumentsTool) Tool() mcp.Tool {
	return newQueryTool("summarize_instruments",
		"Summarize instruments",
		"Summarize the loaded instruments: an overview of the whole file and an analysis of the instruments matching the filters.",
	)
}

type summaryResponse struct {
	Source   string              `json:"source"`
	Overview instruments.Summary `json:"overview"`
	Filtered instruments.Summary `json:"filtered"`
	Message  string              `json:"message"`
}

func (*SummarizeInstrumentsTool) Handler(manager *kc.Manager) server.ToolHandlerFunc {
	handler := NewToolHandler(manager)
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		const toolName = "summarize_instruments"
		return handler.WithQuery(ctx, toolName, request, func(ws *kc.Workspace, _ instruments.Selection, filtered *instruments.Dataset) (*mcp.CallToolResult, error) {
			summary := instruments.Summarize(filtered)
			return handler.MarshalResponse(summaryResponse{
				Source:   ws.Source,
				Overview: ws.Overview,
				Filtered: summary,
				Message:  describeSummary(summary),
			}, toolName)
		})
	}
}

// describeSummary renders the analysis of a filtered set as a sentence.
func describeSummary(s instruments.Summary) string {
	if s.Records == 0 {
		return noMatchesMessage
	}
	msg := fmt.Sprintf("Showing %s instruments across %d exchanges and %d instrument types.",
		humanize.Comma(int64(s.Records)), s.UniqueExchanges, s.UniqueInstrumentTypes)
	if s.LotSize == nil {
		return msg + " No lot size data available."
	}
	return msg + fmt.Sprintf(" Lot size average %.0f, median %.0f, min %.0f, max %.0f.",
		s.LotSize.Mean, s.LotSize.Median, s.LotSize.Min, s.LotSize.Max)
}
