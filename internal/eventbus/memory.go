package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStream is an in-process Stream for tests and single-node development.
type MemoryStream struct {
	mu        sync.RWMutex
	listeners map[*memListener]struct{}
	buffer    int
	closed    bool
}

type memListener struct {
	channels map[string]bool
	inbox    chan Event
	done     chan struct{}
	once     sync.Once
}

func (l *memListener) stop() {
	l.once.Do(func() { close(l.done) })
}

func NewMemoryStream(buffer int) *MemoryStream {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryStream{
		listeners: make(map[*memListener]struct{}),
		buffer:    buffer,
	}
}

// Publish delivers e to every listener of e.Channel, blocking while their buffers are full.
func (s *MemoryStream) Publish(ctx context.Context, e Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("memory stream closed")
	}
	var targets []*memListener
	for l := range s.listeners {
		if l.channels[e.Channel] {
			targets = append(targets, l)
		}
	}
	s.mu.RUnlock()

	for _, l := range targets {
		select {
		case l.inbox <- e:
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *MemoryStream) Listen(ctx context.Context, channels []string) (<-chan Event, error) {
	l := &memListener{
		channels: make(map[string]bool, len(channels)),
		inbox:    make(chan Event, s.buffer),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		l.channels[ch] = true
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory stream closed")
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer s.remove(l)
		for {
			select {
			case e := <-l.inbox:
				select {
				case out <- e:
				case <-l.done:
					return
				case <-ctx.Done():
					return
				}
			case <-l.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *MemoryStream) remove(l *memListener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
	l.stop()
}

// Detach drops every active listener, as a lost database connection would.
func (s *MemoryStream) Detach() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for l := range s.listeners {
		l.stop()
	}
}

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	s.closed = true
	for l := range s.listeners {
		l.stop()
	}
	s.mu.Unlock()
	return nil
}
