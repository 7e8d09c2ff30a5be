package agentfault

import "fmt"

const (
	CodeValidation       = "VALIDATION"
	CodeWrongSite        = "NO_CONTEXT_WRONG_SITE"
	CodeNoActivity       = "NO_CONTEXT_NO_ACTIVITY"
	CodeNoToken          = "NO_TOKEN"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeDiscoveryTimeout = "DISCOVERY_TIMEOUT"
	CodeCDPUnavailable   = "CDP_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping and for
// user-actionable diagnostics. The code identifies which piece of
// discovery state is missing or stale.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New builds a CodedError without a cause.
func New(code, msg string) error {
	return &CodedError{Code: code, Message: msg}
}

// Wrap builds a CodedError around an underlying cause.
func Wrap(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}
