package kit

import "context"

type contextKey string

const (
	// TransportKey records which surface invoked the endpoint.
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	// ToolKey is the MCP tool name for the current call.
	ToolKey contextKey = "kit_tool"
	// CallIDKey correlates the log lines of one tool call.
	CallIDKey contextKey = "kit_call_id"
)

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport returns the invoking transport, defaulting to "http" so
// HTTP handlers never need to set it.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithTool(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ToolKey, name)
}

func GetTool(ctx context.Context) string {
	v, _ := ctx.Value(ToolKey).(string)
	return v
}

func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CallIDKey, id)
}

func GetCallID(ctx context.Context) string {
	v, _ := ctx.Value(CallIDKey).(string)
	return v
}
