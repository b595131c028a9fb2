package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	level  string
	fields map[string]interface{}
}

func (c *captureLogger) Error(msg string, fields map[string]interface{}) {
	c.level, c.fields = "error", fields
}

func (c *captureLogger) Warn(msg string, fields map[string]interface{}) {
	c.level, c.fields = "warn", fields
}

func TestIsMatchesOnCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("sweep: %w", NewStaleStateError("app-1", "pending_offers", "offer_received"))

	assert.True(t, stderrors.Is(err, ErrStaleState))
	assert.False(t, stderrors.Is(err, ErrInvalidTransition))
	assert.Equal(t, ErrCodeStaleState, CodeOf(err))
	assert.Equal(t, ErrorCode(""), CodeOf(stderrors.New("plain")))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewStoreUnavailableError("begin", cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(cause))
}

func TestAlertFor(t *testing.T) {
	cases := []struct {
		err      error
		alert    bool
		typ      string
		severity string
	}{
		{NewStoreUnavailableError("ping", stderrors.New("down")), true, "store_unavailable", SeverityCritical},
		{NewRevenueMismatchError("col-1", 25, 20), true, "revenue_mismatch", SeverityHigh},
		{NewCollectionExhaustedError("col-1", 3), true, "collection_failed", SeverityHigh},
		{NewCollectionFailedError("col-1", stderrors.New("declined")), true, "collection_failed", SeverityMedium},
		{NewStaleStateError("app-1", "a", "b"), false, "", ""},
		{stderrors.New("plain"), false, "", ""},
	}
	for _, tc := range cases {
		spec, ok := AlertFor(tc.err)
		require.Equal(t, tc.alert, ok, tc.err.Error())
		assert.Equal(t, tc.typ, spec.Type)
		assert.Equal(t, tc.severity, spec.Severity)
	}
}

func TestErrorCategory(t *testing.T) {
	assert.Equal(t, "LIFECYCLE", GetErrorCategory(ErrCodeInvalidTransition))
	assert.Equal(t, "LIFECYCLE", GetErrorCategory(ErrCodeAuctionClosed))
	assert.Equal(t, "STORE", GetErrorCategory(ErrCodeStoreUnavailable))
	assert.Equal(t, "REVENUE", GetErrorCategory(ErrCodeCollectionNotFound))
	assert.Equal(t, "LOOKUP", GetErrorCategory(ErrCodeApplicationNotFound))
	assert.Equal(t, "INGRESS", GetErrorCategory(ErrCodeMalformedEvent))
	assert.Equal(t, "EXTERNAL", GetErrorCategory(ErrCodeExternalService))
	assert.Equal(t, 3, GetRetryCount(ErrCodeCollectionFailed))
}

func TestErrorHandler(t *testing.T) {
	log := &captureLogger{}
	h := NewErrorHandler(log)

	out := h.Handle("transition", NewStaleStateError("app-1", "pending_offers", "abandoned"), map[string]interface{}{"applicationId": "app-1"})
	assert.Equal(t, ErrCodeStaleState, out.Code)
	assert.Equal(t, "warn", log.level)
	assert.Equal(t, "app-1", log.fields["applicationId"])

	out = h.Handle("collect", stderrors.New("boom"), nil)
	assert.Equal(t, ErrorCode("INTERNAL_ERROR"), out.Code)
	assert.Equal(t, "error", log.level)
	assert.Equal(t, "OTHER", log.fields["errorCategory"])
}
