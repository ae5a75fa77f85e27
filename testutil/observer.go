package testutil

import (
	"sync"
	"time"

	"github.com/c360/recipientcache/recipient"
)

// RecordingObserver keeps every snapshot delivered to it
type RecordingObserver struct {
	mu     sync.Mutex
	seen   []*recipient.Snapshot
	notify chan struct{}
}

// NewRecordingObserver creates an observer with no deliveries
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{notify: make(chan struct{}, 1)}
}

// RecipientChanged implements recipient.Observer
func (o *RecordingObserver) RecipientChanged(s *recipient.Snapshot) {
	o.mu.Lock()
	o.seen = append(o.seen, s)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Count returns the number of deliveries
func (o *RecordingObserver) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.seen)
}

// Last returns the most recent delivery, or nil
func (o *RecordingObserver) Last() *recipient.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.seen) == 0 {
		return nil
	}
	return o.seen[len(o.seen)-1]
}

// All returns every delivery in order
func (o *RecordingObserver) All() []*recipient.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*recipient.Snapshot, len(o.seen))
	copy(out, o.seen)
	return out
}

// WaitFor blocks until at least n deliveries arrived or timeout passes. It
// reports whether n was reached.
func (o *RecordingObserver) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if o.Count() >= n {
			return true
		}
		select {
		case <-o.notify:
		case <-deadline.C:
			return o.Count() >= n
		}
	}
}
