package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// SessionIDKey carries the protocol session identifier down to the mail
	// store so storage log lines can be correlated with the session that
	// triggered them.
	SessionIDKey = ContextKey("session_id")
)

// SessionID returns the session identifier stored in ctx, or "" when absent.
func SessionID(ctx interface{ Value(any) any }) string {
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		return v
	}
	return ""
}
