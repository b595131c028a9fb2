// internal/common/errors/handler.go
package errors

import (
	stderrors "errors"
	"time"
)

// AlertSpec describes the System Alert an error escalates to.
type AlertSpec struct {
	Type     string
	Severity string
	Title    string
}

// Alert severities, lowest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// alertMapping lists the codes that reach a human. Codes not listed are handled locally.
var alertMapping = map[ErrorCode]AlertSpec{
	ErrCodeStoreUnavailable:    {Type: "store_unavailable", Severity: SeverityCritical, Title: "Persistent store unavailable"},
	ErrCodeRevenueMismatch:     {Type: "revenue_mismatch", Severity: SeverityHigh, Title: "Revenue amount mismatch"},
	ErrCodeCollectionExhausted: {Type: "collection_failed", Severity: SeverityHigh, Title: "Revenue collection failed"},
	ErrCodeCollectionFailed:    {Type: "collection_failed", Severity: SeverityMedium, Title: "Revenue collection attempt failed"},
}

// AlertFor returns the alert an error escalates to and whether it escalates at all.
func AlertFor(err error) (AlertSpec, bool) {
	spec, ok := alertMapping[CodeOf(err)]
	return spec, ok
}

// Logger is the subset of logger.Logger the handler needs.
type Logger interface {
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
}

// ErrorHandler normalizes errors from engine components and logs them consistently.
type ErrorHandler struct {
	logger Logger
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs err with its taxonomy fields and returns the normalized error.
func (h *ErrorHandler) Handle(operation string, err error, fields map[string]interface{}) *StandardError {
	stdErr := Normalize(err)

	logFields := map[string]interface{}{
		"operation":     operation,
		"errorCode":     string(stdErr.Code),
		"message":       stdErr.Message,
		"details":       stdErr.Details,
		"retryable":     stdErr.Retryable,
		"errorCategory": GetErrorCategory(stdErr.Code),
	}
	for k, v := range fields {
		logFields[k] = v
	}

	// stale state is expected under contention
	if stdErr.Code == ErrCodeStaleState {
		h.logger.Warn("operation lost optimistic race", logFields)
	} else {
		h.logger.Error("operation failed", logFields)
	}
	return stdErr
}

// Normalize ensures we always have a StandardError.
func Normalize(err error) *StandardError {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return &StandardError{
		Code:      "INTERNAL_ERROR",
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}
