package chatguard

// Error classifies an internal fault for canonical logging. Faults never
// reach callers as errors; they are logged and resolved to a safe reply.
type Error struct {
	Type    string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error types.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *Error) With(message string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// Predefined fault classes
var (
	ErrValidationRejected = &Error{Type: "validation_rejection", Code: "query_rejected", Message: "Query rejected"}
	ErrRateLimited        = &Error{Type: "rate_limit", Code: "limit_exceeded", Message: "Rate limit exceeded"}
	ErrProviderFailure    = &Error{Type: "provider_failure", Code: "provider_unavailable", Message: "Provider unavailable"}
	ErrPersistence        = &Error{Type: "persistence_failure", Code: "store_write_failed", Message: "Best-effort store write failed"}
	ErrDegenerateOutput   = &Error{Type: "degenerate_output", Code: "fallback_substituted", Message: "Degenerate output replaced with fallback"}
)
