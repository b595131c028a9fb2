package eventbus

import (
	"context"
	"strings"
	"testing"
	"time"

	"lifecycle-engine/internal/common/database"
	apperrors "lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPGStream(t *testing.T) (*PostgresStream, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	client := database.NewPostgresFromDB(db, 0, 0)
	return NewPostgresStream(client, time.Second, time.Minute, logger.NewTestLogger(t)), mock
}

func TestPostgresStream_PublishUsesPgNotify(t *testing.T) {
	stream, mock := newMockPGStream(t)

	mock.ExpectExec(`SELECT pg_notify\(\$1, \$2\)`).
		WithArgs(ChannelStatusChanged, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := stream.Publish(context.Background(), Event{ID: "evt-1", Channel: ChannelStatusChanged, Data: []byte(`{}`)})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStream_PublishRejectsOversizedPayload(t *testing.T) {
	stream, mock := newMockPGStream(t)

	big := `"` + strings.Repeat("x", maxNotifyPayload) + `"`
	err := stream.Publish(context.Background(), Event{ID: "evt-1", Channel: ChannelStatusChanged, Data: []byte(big)})
	assert.ErrorIs(t, err, apperrors.ErrMalformedEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStream_PublishConnectionLoss(t *testing.T) {
	stream, mock := newMockPGStream(t)

	mock.ExpectExec(`SELECT pg_notify`).WillReturnError(&pq.Error{Code: "08006"})

	err := stream.Publish(context.Background(), Event{ID: "evt-1", Channel: ChannelStatusChanged, Data: []byte(`{}`)})
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestDecodeNotification(t *testing.T) {
	e, err := decodeNotification(&pq.Notification{
		Channel: ChannelApplicationCreated,
		Extra:   `{"id":"evt-1","applicationId":"app-1","data":{"businessId":"b-1"}}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", e.ID)
	assert.Equal(t, ChannelApplicationCreated, e.Channel)

	_, err = decodeNotification(&pq.Notification{Channel: ChannelApplicationCreated, Extra: "not json"})
	assert.ErrorIs(t, err, apperrors.ErrMalformedEvent)
}
