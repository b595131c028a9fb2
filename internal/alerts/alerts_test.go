package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	awsclient "lifecycle-engine/internal/common/aws"
	apperrors "lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/store"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *capturePublisher) Publish(ctx context.Context, channel, applicationID string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return nil
}

func TestRaise_DedupesByKey(t *testing.T) {
	st := store.NewMemory()
	pub := &capturePublisher{}
	svc := NewService(st, pub, logger.NewTestLogger(t))

	a := Alert{
		Type: TypeCollectionFailed, Severity: models.SeverityHigh, Title: "Revenue collection failed",
		Message: "gave up", EntityType: "revenue_collection", EntityID: "c-1", DedupeKey: "collection_failed:c-1",
	}
	created, err := svc.Raise(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.Raise(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := st.ListAlerts(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Equal(t, []string{eventbus.ChannelAlertCreated}, pub.channels)
}

func TestFromError(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, nil, logger.NewTestLogger(t))

	a, ok := FromError(apperrors.NewRevenueMismatchError("c-1", 25, 20), "revenue_collection", "c-1", "revenue_mismatch:c-1")
	require.True(t, ok)
	assert.Equal(t, TypeRevenueMismatch, a.Type)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.Equal(t, "c-1", a.EntityID)

	created, err := svc.Raise(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, created)

	_, ok = FromError(apperrors.NewStaleStateError("a", "b", "c"), "application", "a", "")
	assert.False(t, ok)

	a, ok = FromError(apperrors.NewStoreUnavailableError("ping", assert.AnError), "store", "primary", "")
	require.True(t, ok)
	assert.Equal(t, TypeStoreUnavailable, a.Type)
	assert.Equal(t, models.SeverityCritical, a.Severity)

	stored, err := st.ListAlerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, TypeRevenueMismatch, stored[0].Type)
}

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

type fakeSES struct {
	inputs []*ses.SendEmailInput
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	return &ses.SendEmailOutput{MessageId: aws.String("mail-1")}, nil
}

func alertEvent(t *testing.T, severity models.Severity) eventbus.Event {
	data, err := json.Marshal(eventbus.AlertCreated{
		AlertID: "a-1", Type: TypeDegraded, Severity: severity, Title: "Event bus detached", Message: "listener lost",
	})
	require.NoError(t, err)
	return eventbus.Event{ID: "evt-1", Channel: eventbus.ChannelAlertCreated, Data: data}
}

func TestNotifier_FansOutBySeverity(t *testing.T) {
	snsAPI := &fakeSNS{}
	sesAPI := &fakeSES{}
	n := NewNotifier(
		awsclient.NewSNSClientWithAPI(snsAPI, "arn:aws:sns:eu-west-1:123:alerts"),
		awsclient.NewSESClientWithAPI(sesAPI, "engine@example.com", []string{"ops@example.com"}),
		logger.NewTestLogger(t),
	)

	require.NoError(t, n.Handle(context.Background(), alertEvent(t, models.SeverityMedium)))
	assert.Len(t, snsAPI.inputs, 1)
	assert.Empty(t, sesAPI.inputs)

	require.NoError(t, n.Handle(context.Background(), alertEvent(t, models.SeverityCritical)))
	assert.Len(t, snsAPI.inputs, 2)
	require.Len(t, sesAPI.inputs, 1)
	assert.Equal(t, "[critical] Event bus detached", aws.ToString(sesAPI.inputs[0].Message.Subject.Data))
	assert.Equal(t, "critical", aws.ToString(snsAPI.inputs[1].MessageAttributes["severity"].StringValue))
}

func TestNotifier_SNSFailureIsReturned(t *testing.T) {
	n := NewNotifier(awsclient.NewSNSClientWithAPI(&fakeSNS{err: errors.New("throttled")}, "arn"), nil, logger.NewTestLogger(t))
	assert.Error(t, n.Handle(context.Background(), alertEvent(t, models.SeverityLow)))
}
