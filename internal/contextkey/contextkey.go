package contextkey

// Key is the type used for context values set by middleware.
type Key string

const (
	// ContextKeyRequestID carries the per-request uuid.UUID set by RequestIDMiddleware.
	ContextKeyRequestID Key = "request_id"
)
