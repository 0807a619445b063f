package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cast"
	"github.com/zerodha/instruments-viewer/kc"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

// Context key for session type
type contextKey string

const (
	sessionTypeKey contextKey = "session_type"
)

// Session type constants
const (
	SessionTypeSSE     = "sse"
	SessionTypeMCP     = "mcp"
	SessionTypeStdio   = "stdio"
	SessionTypeUnknown = "unknown"
)

// DefaultSessionID is used when a tool runs without a client session, which
// happens for in-process calls.
const DefaultSessionID = "default"

// WithSessionType adds session type to context
func WithSessionType(ctx context.Context, sessionType string) context.Context {
	return context.WithValue(ctx, sessionTypeKey, sessionType)
}

// SessionTypeFromContext extracts session type from context
func SessionTypeFromContext(ctx context.Context) string {
	if sessionType, ok := ctx.Value(sessionTypeKey).(string); ok {
		return sessionType
	}
	return SessionTypeUnknown // default fallback for undetermined sessions
}

// SessionIDFromContext returns the MCP session ID of the request.
func SessionIDFromContext(ctx context.Context) string {
	if sess := server.ClientSessionFromContext(ctx); sess != nil {
		if id := sess.SessionID(); id != "" {
			return id
		}
	}
	return DefaultSessionID
}

// ToolHandler provides common functionality for all MCP tools
type ToolHandler struct {
	manager *kc.Manager
}

// NewToolHandler creates a new tool handler with the given manager
func NewToolHandler(manager *kc.Manager) *ToolHandler {
	return &ToolHandler{manager: manager}
}

// trackToolCall increments the daily tool usage counter with optional context for session type
func (h *ToolHandler) trackToolCall(ctx context.Context, toolName string) {
	if h.manager.HasMetrics() {
		labels := map[string]string{
			"tool":         toolName,
			"session_type": SessionTypeFromContext(ctx),
		}
		h.manager.IncrementDailyMetricWithLabels("tool_calls", labels)
	}
}

// trackToolError increments the daily tool error counter with error type and optional context for session type
func (h *ToolHandler) trackToolError(ctx context.Context, toolName, errorType string) {
	if h.manager.HasMetrics() {
		labels := map[string]string{
			"tool":         toolName,
			"error_type":   errorType,
			"session_type": SessionTypeFromContext(ctx),
		}
		h.manager.IncrementDailyMetricWithLabels("tool_errors", labels)
	}
}

// Begin records a tool call and returns the session it runs in.
func (h *ToolHandler) Begin(ctx context.Context, toolName string) string {
	sessionID := SessionIDFromContext(ctx)
	h.trackToolCall(ctx, toolName)
	h.manager.TrackSession(sessionID)
	h.manager.Logger.Debug("Tool request", "tool", toolName, "session_id", sessionID)
	return sessionID
}

// WithWorkspace runs fn against the session's loaded workspace. Sessions
// without a dataset get a tool error asking them to load one.
func (h *ToolHandler) WithWorkspace(ctx context.Context, toolName string, fn func(sessionID string, ws *kc.Workspace) (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	sessionID := h.Begin(ctx, toolName)

	ws, err := h.manager.Workspace(sessionID)
	if err != nil {
		return h.Fail(ctx, toolName, err), nil
	}
	return fn(sessionID, ws)
}

// Fail logs err and turns it into a tool error result. User-facing errors
// keep their message; anything else is reported generically.
func (h *ToolHandler) Fail(ctx context.Context, toolName string, err error) *mcp.CallToolResult {
	errorType := classifyError(err)
	h.trackToolError(ctx, toolName, errorType)

	if errorType == "internal_error" {
		h.manager.Logger.Error("Tool failed", "tool", toolName, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute %s", toolName))
	}
	h.manager.Logger.Debug("Tool rejected request", "tool", toolName, "error_type", errorType, "error", err)
	return mcp.NewToolResultError(err.Error())
}

func classifyError(err error) string {
	var validationErr ValidationError
	switch {
	case errors.As(err, &validationErr):
		return "validation_error"
	case errors.Is(err, instruments.ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, kc.ErrNoDataset):
		return "no_dataset"
	case errors.Is(err, instruments.ErrNoRecords),
		errors.Is(err, instruments.ErrInvalidEncoding),
		errors.Is(err, instruments.ErrUnknownFormat),
		errors.Is(err, instruments.ErrUnknownExportFormat),
		errors.Is(err, kc.ErrUploadTooLarge),
		errors.Is(err, kc.ErrLocalFilesDisabled),
		errors.Is(err, fs.ErrNotExist):
		return "input_error"
	case errors.Is(err, kc.ErrKiteDisabled):
		return "kite_disabled"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal_error"
}

// MarshalResponse marshals data to JSON and returns an MCP text result
func (h *ToolHandler) MarshalResponse(data any, toolName string) (*mcp.CallToolResult, error) {
	v, err := json.Marshal(data)
	if err != nil {
		h.manager.Logger.Error("Failed to marshal response", "tool", toolName, "error", err)
		return mcp.NewToolResultError("Failed to process response data"), nil
	}

	h.manager.Logger.Debug("Response marshaled successfully", "tool", toolName, "response_size", len(v))
	return mcp.NewToolResultText(string(v)), nil
}

// ValidationError represents a parameter validation error
type ValidationError struct {
	Parameter string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("parameter '%s': %s", e.Parameter, e.Message)
}

// ValidateRequired checks if required parameters are present and non-empty
func ValidateRequired(args map[string]any, required ...string) error {
	for _, param := range required {
		value := args[param]
		if value == nil {
			return ValidationError{Parameter: param, Message: "is required"}
		}

		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return ValidationError{Parameter: param, Message: "cannot be empty"}
			}
		case []any:
			if len(v) == 0 {
				return ValidationError{Parameter: param, Message: "cannot be empty"}
			}
		}
	}
	return nil
}

// ValidateOneOf checks that exactly one of the parameters is given.
func ValidateOneOf(args map[string]any, params ...string) error {
	given := 0
	for _, p := range params {
		if ValidateRequired(args, p) == nil {
			given++
		}
	}
	if given != 1 {
		return ValidationError{
			Parameter: strings.Join(params, "|"),
			Message:   "exactly one of " + strings.Join(params, ", ") + " is required",
		}
	}
	return nil
}

// SafeAssertString safely converts any value to string with fallback
func SafeAssertString(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// SafeAssertInt safely converts any value to int with fallback
func SafeAssertInt(v any, fallback int) int {
	if v == nil {
		return fallback
	}
	if i, err := cast.ToIntE(v); err == nil {
		return i
	}
	if f, err := cast.ToFloat64E(v); err == nil {
		return int(f)
	}
	return fallback
}

// SafeAssertFloat64 safely converts any value to float64 with fallback
func SafeAssertFloat64(v any, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	if f, err := cast.ToFloat64E(v); err == nil {
		return f
	}
	return fallback
}

// SafeAssertBool safely converts any value to bool with fallback
func SafeAssertBool(v any, fallback bool) bool {
	if v == nil {
		return fallback
	}
	if b, ok := v.(bool); ok {
		return b
	}
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

// selectionArgs are the tool parameters that make up a filter selection.
var selectionArgs = []string{
	instruments.FieldExchange,
	instruments.FieldInstrumentType,
	instruments.FieldSegment,
	instruments.FieldUnderlyingType,
	instruments.FieldLotSize + "_min",
	instruments.FieldLotSize + "_max",
	instruments.FieldStrikePrice + "_min",
	instruments.FieldStrikePrice + "_max",
	instruments.FieldWeekly,
	"search",
}

// ParseSelection reads the filter arguments of a tool call. A range with
// only one bound given takes the other from the dataset's control.
func ParseSelection(args map[string]any, filters *instruments.Filters) (instruments.Selection, error) {
	sel := instruments.Selection{
		Categories: make(map[string]string),
		Ranges:     make(map[string]instruments.Bounds),
		Weekly:     instruments.PartitionAll,
		Search:     SafeAssertString(args["search"], ""),
	}

	for _, field := range instruments.CategoricalFields {
		v := strings.TrimSpace(SafeAssertString(args[field], ""))
		if v == "" || instruments.IsAll(v) {
			continue
		}
		sel.Categories[field] = v
	}

	for _, field := range instruments.RangeFields {
		lo, hi := args[field+"_min"], args[field+"_max"]
		if lo == nil && hi == nil {
			continue
		}

		b := instruments.Bounds{Min: math.Inf(-1), Max: math.Inf(1)}
		if c, ok := filters.Range(field); ok {
			b = instruments.Bounds{Min: c.Min, Max: c.Max}
		}
		for _, side := range []struct {
			name  string
			value any
			dst   *float64
		}{
			{field + "_min", lo, &b.Min},
			{field + "_max", hi, &b.Max},
		} {
			if side.value == nil {
				continue
			}
			f, err := cast.ToFloat64E(side.value)
			if err != nil || math.IsNaN(f) {
				return instruments.Selection{}, ValidationError{Parameter: side.name, Message: "must be a number"}
			}
			*side.dst = f
		}
		sel.Ranges[field] = b
	}

	if v := args[instruments.FieldWeekly]; v != nil {
		p, err := instruments.ParsePartition(SafeAssertString(v, ""))
		if err != nil {
			return instruments.Selection{}, err
		}
		sel.Weekly = p
	}

	return sel, nil
}

// PaginationParams holds pagination parameters
type PaginationParams struct {
	From  int
	Limit int
}

// ParsePaginationParams extracts pagination parameters from arguments
func ParsePaginationParams(args map[string]any, defaultLimit int) PaginationParams {
	return PaginationParams{
		From:  SafeAssertInt(args["from"], 0),
		Limit: SafeAssertInt(args["limit"], defaultLimit),
	}
}

// ApplyPagination returns the page of data described by params. A
// non-positive limit returns everything from the offset on.
func ApplyPagination[T any](data []T, params PaginationParams) []T {
	if len(data) == 0 {
		return data
	}

	from := min(max(params.From, 0), len(data))
	if params.Limit <= 0 {
		return data[from:]
	}

	end := min(from+params.Limit, len(data))
	return data[from:end]
}

// Pagination describes the page returned by a paginated tool.
type Pagination struct {
	From     int  `json:"from"`
	Limit    int  `json:"limit"`
	Total    int  `json:"total"`
	HasMore  bool `json:"has_more"`
	Returned int  `json:"returned"`
}

// NewPagination computes the page metadata for total items.
func NewPagination(params PaginationParams, total, returned int) Pagination {
	from := min(max(params.From, 0), total)
	return Pagination{
		From:     from,
		Limit:    params.Limit,
		Total:    total,
		Returned: returned,
		HasMore:  from+returned < total,
	}
}
