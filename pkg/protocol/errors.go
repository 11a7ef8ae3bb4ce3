package protocol

// Error codes returned in response frames.
const (
	ErrInvalidRequest    = "INVALID_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrTokenInvalid      = "TOKEN_INVALID"
	ErrTokenExpired      = "TOKEN_EXPIRED"
	ErrRateLimited       = "RATE_LIMITED"
	ErrResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrUnavailable       = "UNAVAILABLE"
	ErrInternal          = "INTERNAL"
)
