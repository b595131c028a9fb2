package eventbus

import "context"

// Stream is the change-event transport underneath the Bus.
//
// Listen returns a channel that is closed when ctx is cancelled or when the
// underlying subscription is lost; the Bus treats the latter as detachment.
type Stream interface {
	Publish(ctx context.Context, e Event) error
	Listen(ctx context.Context, channels []string) (<-chan Event, error)
	Close() error
}
