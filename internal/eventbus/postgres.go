package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lifecycle-engine/internal/common/database"
	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"

	"github.com/lib/pq"
)

// maxNotifyPayload is PostgreSQL's NOTIFY payload limit.
const maxNotifyPayload = 8000

const listenerPingInterval = 90 * time.Second

// PostgresStream publishes with pg_notify and listens through pq.Listener.
type PostgresStream struct {
	client       *database.PostgresClient
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	log          logger.Logger
}

func NewPostgresStream(client *database.PostgresClient, minReconnect, maxReconnect time.Duration, log logger.Logger) *PostgresStream {
	return &PostgresStream{
		client:       client,
		dsn:          client.DSN(),
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		log:          log.Named("pg_stream"),
	}
}

func (s *PostgresStream) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if len(payload) >= maxNotifyPayload {
		return errors.NewMalformedEventError(fmt.Sprintf("event %s on %s exceeds notify payload limit (%d bytes)", e.ID, e.Channel, len(payload)))
	}

	if _, err := s.client.Exec(ctx, `SELECT pg_notify($1, $2)`, e.Channel, string(payload)); err != nil {
		if database.IsConnectionError(err) {
			return errors.NewStoreUnavailableError("pg_notify", err)
		}
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (s *PostgresStream) Listen(ctx context.Context, channels []string) (<-chan Event, error) {
	listener := pq.NewListener(s.dsn, s.minReconnect, s.maxReconnect, s.onListenerEvent)
	for _, ch := range channels {
		if err := listener.Listen(ch); err != nil {
			listener.Close()
			return nil, errors.NewStoreUnavailableError("listen "+ch, err)
		}
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer listener.Close()

		ticker := time.NewTicker(listenerPingInterval)
		defer ticker.Stop()

		for {
			select {
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// pq sends nil after a reconnect; notifications in between are lost
					// and the sweep covers any deadline they carried.
					s.log.Warn("listener reconnected", nil)
					continue
				}
				e, err := decodeNotification(n)
				if err != nil {
					s.log.Error("dropping undecodable notification", map[string]interface{}{
						"channel": n.Channel,
						"error":   err.Error(),
					})
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-ticker.C:
				go func() {
					if err := listener.Ping(); err != nil {
						s.log.Warn("listener ping failed", map[string]interface{}{"error": err.Error()})
					}
				}()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *PostgresStream) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.log.Info("listener connected", nil)
	case pq.ListenerEventDisconnected:
		s.log.Warn("listener disconnected", map[string]interface{}{"error": fmt.Sprint(err)})
	case pq.ListenerEventReconnected:
		s.log.Info("listener reconnected", nil)
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Error("listener connection attempt failed", map[string]interface{}{"error": fmt.Sprint(err)})
	}
}

// Close is a no-op: listeners are owned by their Listen context and the client by the store.
func (s *PostgresStream) Close() error {
	return nil
}

func decodeNotification(n *pq.Notification) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(n.Extra), &e); err != nil {
		return Event{}, errors.NewMalformedEventError(fmt.Sprintf("notification on %s: %v", n.Channel, err))
	}
	if e.Channel == "" {
		e.Channel = n.Channel
	}
	return e, nil
}
