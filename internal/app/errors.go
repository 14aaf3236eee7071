package app

import "fmt"

// Error codes surfaced at the HTTP boundary. The websocket gateway keys
// its close frames off these, so they are part of the wire contract.
const (
	CodeAdmissionDenied        = "ADMISSION_DENIED"
	CodeRateLimited            = "RATE_LIMITED"
	CodeSessionUnknown         = "SESSION_UNKNOWN"
	CodePermissionInsufficient = "PERMISSION_INSUFFICIENT"
	CodeSnapshotCorrupt        = "SNAPSHOT_CORRUPT"
	CodeInviteExpired          = "INVITE_EXPIRED"
	CodeInviteExhausted        = "INVITE_EXHAUSTED"
	CodeNotFound               = "NOT_FOUND"
	CodeValidation             = "VALIDATION_ERROR"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeServerError            = "SERVER_ERROR"
)

// DomainError carries an HTTP status and wire code across the service
// boundary. Errors without one map to SERVER_ERROR.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message}
}
