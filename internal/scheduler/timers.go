package scheduler

import (
	"sync"
	"time"

	"lifecycle-engine/internal/common/metrics"
)

// Kind names the deadline a timer watches.
type Kind string

const (
	KindAuction        Kind = "auction"
	KindOfferSelection Kind = "offer_selection"
)

type timerKey struct {
	applicationID string
	kind          Kind
}

type timerEntry struct {
	timer *time.Timer
	at    time.Time
}

// Timers fires a callback at exact deadlines. Timers are lost on restart; the sweep covers that.
type Timers struct {
	mu      sync.Mutex
	entries map[timerKey]*timerEntry
	stopped bool
	running sync.WaitGroup
	fire    func(applicationID string, kind Kind)
}

func NewTimers(fire func(applicationID string, kind Kind)) *Timers {
	return &Timers{
		entries: make(map[timerKey]*timerEntry),
		fire:    fire,
	}
}

// Arm schedules the callback for (applicationID, kind) at at, replacing any earlier timer for the
// same key. It reports false once the registry is stopped.
func (t *Timers) Arm(applicationID string, kind Kind, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}

	key := timerKey{applicationID, kind}
	if old, ok := t.entries[key]; ok {
		if old.at.Equal(at) {
			return true
		}
		old.timer.Stop()
	}

	entry := &timerEntry{at: at}
	entry.timer = time.AfterFunc(time.Until(at), func() { t.expire(key, entry) })
	t.entries[key] = entry
	metrics.TimersArmed.Set(float64(len(t.entries)))
	return true
}

func (t *Timers) expire(key timerKey, entry *timerEntry) {
	t.mu.Lock()
	if t.stopped || t.entries[key] != entry {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	metrics.TimersArmed.Set(float64(len(t.entries)))
	t.running.Add(1)
	t.mu.Unlock()

	defer t.running.Done()
	t.fire(key.applicationID, key.kind)
}

// Cancel drops the timer for (applicationID, kind), if any.
func (t *Timers) Cancel(applicationID string, kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := timerKey{applicationID, kind}
	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
		delete(t.entries, key)
		metrics.TimersArmed.Set(float64(len(t.entries)))
	}
}

func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop cancels every timer, refuses new ones and waits for callbacks already running.
func (t *Timers) Stop() {
	t.mu.Lock()
	t.stopped = true
	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
	metrics.TimersArmed.Set(0)
	t.mu.Unlock()

	t.running.Wait()
}

// Reset reopens a stopped registry.
func (t *Timers) Reset() {
	t.mu.Lock()
	t.stopped = false
	t.mu.Unlock()
}
