package domain

import "fmt"

// CoreError is the unified error type for the gateway.
// Each error has a numeric code and human-readable message.
type CoreError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	return fmt.Sprintf("concilium error %d: %s", e.Code, e.Message)
}

// Is matches any CoreError carrying the same code, so wrapped errors
// created with WrapCoreError still compare against the sentinels below.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	return ok && t.Code == e.Code
}

// NewCoreError creates a new CoreError.
func NewCoreError(code int, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// WrapCoreError creates a CoreError that includes a cause.
func WrapCoreError(code int, msg string, cause error) *CoreError {
	if cause == nil {
		return &CoreError{Code: code, Message: msg}
	}
	return &CoreError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Configuration errors (-32010 to -32039) ----
// Fatal, surfaced immediately, never retried.

var (
	ErrConfigInvalid      = &CoreError{Code: -32010, Message: "invalid configuration"}
	ErrUnknownModel       = &CoreError{Code: -32011, Message: "no price table entry for model"}
	ErrMissingCredentials = &CoreError{Code: -32012, Message: "provider credentials not configured"}
	ErrUnknownProvider    = &CoreError{Code: -32013, Message: "unknown provider"}
)

// ---- Admission errors (-32040 to -32069) ----

var (
	ErrRateLimitExceeded = &CoreError{Code: -32040, Message: "rate limit exceeded"}
	ErrRequestTooLarge   = &CoreError{Code: -32041, Message: "request exceeds the per-request token ceiling"}
	ErrBudgetExceeded    = &CoreError{Code: -32042, Message: "session budget limit exceeded"}
)

// ---- Provider errors (-32070 to -32099) ----

var (
	ErrProviderCall        = &CoreError{Code: -32070, Message: "provider call failed"}
	ErrProviderUnavailable = &CoreError{Code: -32071, Message: "no provider available"}
	ErrMalformedResponse   = &CoreError{Code: -32072, Message: "provider returned malformed response"}
)

// ---- Session / orchestrator errors (-32100 to -32129) ----

var (
	ErrSessionNotFound   = &CoreError{Code: -32100, Message: "session not found"}
	ErrSessionDone       = &CoreError{Code: -32101, Message: "session already finished"}
	ErrInvalidTransition = &CoreError{Code: -32102, Message: "invalid phase transition"}
	ErrSessionCancelled  = &CoreError{Code: -32103, Message: "session cancelled"}
	ErrUnpackFailed      = &CoreError{Code: -32104, Message: "unpacking phase failed"}
	ErrAnalysisFailed    = &CoreError{Code: -32105, Message: "all analysis agents failed"}
	ErrSynthesisFailed   = &CoreError{Code: -32106, Message: "synthesis phase failed"}
)

// ---- Store / ledger errors (-32130 to -32159) ----

var (
	ErrStoreInit     = &CoreError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery    = &CoreError{Code: -32131, Message: "store query failed"}
	ErrLedgerWrite   = &CoreError{Code: -32132, Message: "ledger write failed"}
	ErrEntryNotFound = &CoreError{Code: -32133, Message: "ledger entry not found or already closed"}
)
