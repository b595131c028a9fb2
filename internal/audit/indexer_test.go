package audit

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lifecycle-engine/internal/common/config"
	"lifecycle-engine/internal/common/database"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/eventbus"
	"lifecycle-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndexer struct {
	index string
	id    string
	doc   interface{}
	err   error
}

func (f *fakeIndexer) IndexDocument(ctx context.Context, index, id string, doc interface{}) error {
	f.index, f.id, f.doc = index, id, doc
	return f.err
}

func statusEvent(t *testing.T) eventbus.Event {
	t.Helper()
	data, err := json.Marshal(eventbus.StatusChanged{
		ApplicationID: "app-1",
		From:          models.StatusPendingOffers,
		To:            models.StatusOfferReceived,
		Actor:         "scheduler.sweep",
		OffersCount:   2,
		At:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	return eventbus.Event{ID: "evt-1", Channel: eventbus.ChannelStatusChanged, ApplicationID: "app-1", Data: data}
}

func TestIndexer_IndexesByEventID(t *testing.T) {
	es := &fakeIndexer{}
	idx := NewIndexer(es, "", logger.NewTestLogger(t))

	require.NoError(t, idx.Handle(context.Background(), statusEvent(t)))
	assert.Equal(t, "application-status-audit", es.index)
	assert.Equal(t, "evt-1", es.id)

	doc, ok := es.doc.(Document)
	require.True(t, ok)
	assert.Equal(t, models.StatusOfferReceived, doc.To)
	assert.Equal(t, 2, doc.OffersCount)
}

func TestIndexer_Errors(t *testing.T) {
	idx := NewIndexer(&fakeIndexer{err: stderrors.New("cluster red")}, "audit", logger.NewTestLogger(t))
	err := idx.Handle(context.Background(), statusEvent(t))
	assert.ErrorIs(t, err, errors.ErrExternalService)
	assert.True(t, errors.IsRetryable(err))

	bad := eventbus.Event{ID: "evt-2", Channel: eventbus.ChannelStatusChanged, Data: json.RawMessage(`{"to":`)}
	assert.ErrorIs(t, idx.Handle(context.Background(), bad), errors.ErrMalformedEvent)
}

func TestIndexer_WithElasticsearchClient(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		path, body = r.URL.Path, string(raw)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_index":"audit","_id":"evt-1","result":"created"}`))
	}))
	defer srv.Close()

	es, err := database.NewElasticsearch(config.ElasticsearchConfig{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	idx := NewIndexer(es, "audit", logger.NewTestLogger(t))
	require.NoError(t, idx.Handle(context.Background(), statusEvent(t)))
	assert.Equal(t, "/audit/_doc/evt-1", path)
	assert.True(t, strings.Contains(body, `"toStatus":"offer_received"`))
}
