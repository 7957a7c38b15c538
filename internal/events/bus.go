// Package events is an in-process publish/subscribe channel for render job progress.
package events

import (
	"sync"
	"time"

	"github.com/framecast/api/internal/model"
)

// Publisher accepts job progress events.
type Publisher interface {
	Publish(ev model.JobEvent) model.JobEvent
}

const (
	defaultHistory    = 64
	defaultBufferSize = 32
	maxTrackedJobs    = 1024
)

type subscriber struct {
	jobID string
	ch    chan model.JobEvent
}

// Bus fans job events out to subscribers and keeps a short per-job history
// so pollers can catch up with Since.
type Bus struct {
	mu      sync.RWMutex
	seq     uint64
	history map[string][]model.JobEvent
	order   []string
	subs    map[*subscriber]struct{}
	limit   int
	now     func() time.Time
}

// NewBus creates a Bus keeping up to historyPerJob events for each job.
func NewBus(historyPerJob int) *Bus {
	if historyPerJob <= 0 {
		historyPerJob = defaultHistory
	}
	return &Bus{
		history: make(map[string][]model.JobEvent),
		subs:    make(map[*subscriber]struct{}),
		limit:   historyPerJob,
		now:     time.Now,
	}
}

// Publish assigns the next sequence number, records ev and delivers it to
// subscribers. Slow subscribers miss events rather than block the pipeline.
func (b *Bus) Publish(ev model.JobEvent) model.JobEvent {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = b.now().UTC()
	}

	hist, tracked := b.history[ev.JobID]
	if !tracked {
		b.order = append(b.order, ev.JobID)
		if len(b.order) > maxTrackedJobs {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.history, oldest)
		}
	}
	hist = append(hist, ev)
	if len(hist) > b.limit {
		hist = hist[len(hist)-b.limit:]
	}
	b.history[ev.JobID] = hist
	b.mu.Unlock()

	// Cancel closes channels under the write lock, so delivery holds the read lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.jobID != "" && s.jobID != ev.JobID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return ev
}

// Since returns the recorded events of jobID with a sequence number above seq.
func (b *Bus) Since(jobID string, seq uint64) []model.JobEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.JobEvent
	for _, ev := range b.history[jobID] {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe returns a channel of events for jobID, or for every job when jobID
// is empty. The returned cancel func closes the channel.
func (b *Bus) Subscribe(jobID string) (<-chan model.JobEvent, func()) {
	s := &subscriber{jobID: jobID, ch: make(chan model.JobEvent, defaultBufferSize)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
