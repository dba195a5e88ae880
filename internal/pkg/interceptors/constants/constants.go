package constants

// ContextKey is the type for context keys in this package. Using a custom
// type prevents collisions with keys from other packages that might use
// the same underlying string value.
type ContextKey string

const (
	HeaderXRequestId      = "x-request-id"
	HeaderXIdempotencyKey = "x-idempotency-key"

	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID ContextKey = HeaderXRequestId
	// ContextKeyIdempotencyKey is the context key for the idempotency key.
	ContextKeyIdempotencyKey ContextKey = HeaderXIdempotencyKey
)
