// Package errors provides the standardized error taxonomy of the lifecycle engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeStaleState          ErrorCode = "STALE_STATE"
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrCodeApplicationNotFound ErrorCode = "APPLICATION_NOT_FOUND"
	ErrCodeAuctionClosed       ErrorCode = "AUCTION_CLOSED"
	ErrCodeOfferNotFound       ErrorCode = "OFFER_NOT_FOUND"

	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	ErrCodeRevenueMismatch     ErrorCode = "REVENUE_MISMATCH"
	ErrCodeCollectionFailed    ErrorCode = "COLLECTION_FAILED"
	ErrCodeCollectionNotFound  ErrorCode = "COLLECTION_NOT_FOUND"
	ErrCodeCollectionExhausted ErrorCode = "COLLECTION_EXHAUSTED"

	ErrCodeMalformedEvent   ErrorCode = "MALFORMED_EVENT"
	ErrCodeUnknownComponent ErrorCode = "UNKNOWN_COMPONENT"
	ErrCodeExternalService  ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// Sentinels usable with errors.Is against any *StandardError carrying the same code.
var (
	ErrStaleState          = &StandardError{Code: ErrCodeStaleState}
	ErrInvalidTransition   = &StandardError{Code: ErrCodeInvalidTransition}
	ErrApplicationNotFound = &StandardError{Code: ErrCodeApplicationNotFound}
	ErrAuctionClosed       = &StandardError{Code: ErrCodeAuctionClosed}
	ErrOfferNotFound       = &StandardError{Code: ErrCodeOfferNotFound}
	ErrStoreUnavailable    = &StandardError{Code: ErrCodeStoreUnavailable}
	ErrRevenueMismatch     = &StandardError{Code: ErrCodeRevenueMismatch}
	ErrCollectionFailed    = &StandardError{Code: ErrCodeCollectionFailed}
	ErrCollectionNotFound  = &StandardError{Code: ErrCodeCollectionNotFound}
	ErrCollectionExhausted = &StandardError{Code: ErrCodeCollectionExhausted}
	ErrMalformedEvent      = &StandardError{Code: ErrCodeMalformedEvent}
	ErrUnknownComponent    = &StandardError{Code: ErrCodeUnknownComponent}
	ErrExternalService     = &StandardError{Code: ErrCodeExternalService}
)

// StandardError represents a structured engine error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is matches on code so that wrapped errors compare equal to the package sentinels.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// ==========================
// 2. Error Constructors
// ==========================

// NewStaleStateError reports an expected-from-status mismatch. The caller must re-read and retry or abandon.
func NewStaleStateError(applicationID, expected, current string) *StandardError {
	return &StandardError{
		Code:      ErrCodeStaleState,
		Message:   "Application status changed concurrently",
		Details:   fmt.Sprintf("applicationId: %s, expected: %s, current: %s", applicationID, expected, current),
		Retryable: false,
		Metadata: map[string]interface{}{
			"applicationId": applicationID,
			"expected":      expected,
			"current":       current,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidTransitionError reports a from -> to pair the state machine does not allow.
func NewInvalidTransitionError(applicationID, from, to, reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTransition,
		Message:   "Status transition not allowed",
		Details:   fmt.Sprintf("applicationId: %s, %s -> %s: %s", applicationID, from, to, reason),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewApplicationNotFoundError(applicationID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeApplicationNotFound,
		Message:   "Application not found",
		Details:   fmt.Sprintf("applicationId: %s", applicationID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewAuctionClosedError(applicationID, status string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAuctionClosed,
		Message:   "Application is not accepting offers",
		Details:   fmt.Sprintf("applicationId: %s, status: %s", applicationID, status),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewOfferNotFoundError(applicationID, purchaseID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOfferNotFound,
		Message:   "Offer not found for application",
		Details:   fmt.Sprintf("applicationId: %s, purchaseId: %s", applicationID, purchaseID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreUnavailableError wraps a connectivity failure that outlived the adapter's own retries.
func NewStoreUnavailableError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreUnavailable,
		Message:   "Persistent store unavailable",
		Details:   fmt.Sprintf("operation: %s, error: %v", operation, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewRevenueMismatchError(collectionID string, expected, actual float64) *StandardError {
	return &StandardError{
		Code:      ErrCodeRevenueMismatch,
		Message:   "Collected amount does not match the fixed fee",
		Details:   fmt.Sprintf("collectionId: %s, expected: %.2f, actual: %.2f", collectionID, expected, actual),
		Retryable: false,
		Metadata: map[string]interface{}{
			"collectionId": collectionID,
			"expected":     expected,
			"actual":       actual,
		},
		Timestamp: time.Now().UTC(),
	}
}

func NewCollectionFailedError(collectionID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCollectionFailed,
		Message:   "Revenue collection attempt failed",
		Details:   fmt.Sprintf("collectionId: %s, error: %v", collectionID, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewCollectionNotFoundError(collectionID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCollectionNotFound,
		Message:   "Revenue collection not found",
		Details:   fmt.Sprintf("collectionId: %s", collectionID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewCollectionExhaustedError(collectionID string, attempts int) *StandardError {
	return &StandardError{
		Code:      ErrCodeCollectionExhausted,
		Message:   "Revenue collection retries exhausted",
		Details:   fmt.Sprintf("collectionId: %s, attempts: %d", collectionID, attempts),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewMalformedEventError rejects an ingress payload. Malformed events are never enqueued.
func NewMalformedEventError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeMalformedEvent,
		Message:   "Malformed event payload",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewUnknownComponentError(component string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownComponent,
		Message:   "Unknown supervised component",
		Details:   fmt.Sprintf("component: %s", component),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewExternalServiceError wraps a failure of a downstream consumer (Zeebe, AMQP, SNS, SES, Elasticsearch).
func NewExternalServiceError(service string, err error, retryable bool) *StandardError {
	return &StandardError{
		Code:      ErrCodeExternalService,
		Message:   "External service call failed",
		Details:   fmt.Sprintf("service: %s, error: %v", service, err),
		Retryable: retryable,
		Metadata:  map[string]interface{}{"service": service},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// CodeOf returns the code of the first StandardError in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ""
}

// GetRetryCount returns how many attempts the engine makes for a given code before alerting.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeCollectionFailed:
		return 3
	case ErrCodeStoreUnavailable:
		return 0 // retried beneath the store adapter
	default:
		return 0
	}
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return false
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "STATE") || strings.Contains(codeStr, "TRANSITION") || strings.Contains(codeStr, "AUCTION"):
		return "LIFECYCLE"
	case strings.Contains(codeStr, "STORE"):
		return "STORE"
	case strings.Contains(codeStr, "REVENUE") || strings.Contains(codeStr, "COLLECTION"):
		return "REVENUE"
	case strings.Contains(codeStr, "EVENT"):
		return "INGRESS"
	case strings.Contains(codeStr, "NOT_FOUND"):
		return "LOOKUP"
	case strings.Contains(codeStr, "EXTERNAL"):
		return "EXTERNAL"
	default:
		return "OTHER"
	}
}
