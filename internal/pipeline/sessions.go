package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// sessions hands out a monotonically increasing epoch per viewport session.
// Starting a new request cancels the previous in-flight one of the same
// session with ErrSuperseded as the cause.
type sessions struct {
	idle time.Duration
	now  func() time.Time

	shards [numShards]sessionShard
}

type sessionShard struct {
	mu sync.Mutex
	m  map[string]*session
}

type session struct {
	epoch  uint64
	cancel context.CancelCauseFunc
	last   time.Time
}

func newSessions(idle time.Duration) *sessions {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	s := &sessions{idle: idle, now: time.Now}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*session)
	}
	return s
}

// begin registers a new request for id. The returned done must be called
// once the request finishes. An empty id opts out of superseding.
func (s *sessions) begin(ctx context.Context, id string) (context.Context, uint64, func()) {
	if id == "" {
		return ctx, 0, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	sh := s.pick(id)
	n := s.now()

	sh.mu.Lock()
	cur := sh.m[id]
	if cur == nil {
		cur = &session{}
		sh.m[id] = cur
	}
	if cur.cancel != nil {
		cur.cancel(ErrSuperseded)
	}
	cur.epoch++
	epoch := cur.epoch
	cur.cancel = cancel
	cur.last = n
	sh.mu.Unlock()

	done := func() {
		sh.mu.Lock()
		if c := sh.m[id]; c != nil && c.epoch == epoch {
			c.cancel = nil
		}
		sh.mu.Unlock()
		cancel(nil)
	}
	return ctx, epoch, done
}

// current reports whether epoch is still the latest for id.
func (s *sessions) current(id string, epoch uint64) bool {
	if id == "" {
		return true
	}
	sh := s.pick(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c := sh.m[id]
	return c != nil && c.epoch == epoch
}

// prune forgets sessions idle longer than the configured window that have
// nothing in flight.
func (s *sessions) prune() int {
	cutoff := s.now().Add(-s.idle)
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, c := range sh.m {
			if c.cancel == nil && c.last.Before(cutoff) {
				delete(sh.m, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *sessions) size() int {
	total := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		total += len(s.shards[i].m)
		s.shards[i].mu.Unlock()
	}
	return total
}

func (s *sessions) pick(id string) *sessionShard {
	h := xxhash.Sum64String(id)
	return &s.shards[h&(numShards-1)]
}
