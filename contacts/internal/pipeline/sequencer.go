package pipeline

import (
	"context"
	"sync"
)

// sequencer hands out per-subject tickets in submit order and lets a ticket holder
// wait until every earlier ticket for the same subject is done.
type sequencer struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	next    uint64
	turn    uint64
	done    map[uint64]struct{}
	changed chan struct{}
}

type ticket struct {
	subject string
	n       uint64
}

func newSequencer() *sequencer {
	return &sequencer{lanes: make(map[string]*lane)}
}

func (s *sequencer) Ticket(subject string) ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[subject]
	if !ok {
		l = &lane{done: make(map[uint64]struct{}), changed: make(chan struct{})}
		s.lanes[subject] = l
	}
	t := ticket{subject: subject, n: l.next}
	l.next++
	return t
}

func (s *sequencer) Wait(ctx context.Context, t ticket) error {
	for {
		s.mu.Lock()
		l, ok := s.lanes[t.subject]
		if !ok || l.turn >= t.n {
			s.mu.Unlock()
			return nil
		}
		changed := l.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done must be called exactly once per ticket, whatever happened to its work.
func (s *sequencer) Done(t ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[t.subject]
	if !ok {
		return
	}
	l.done[t.n] = struct{}{}
	for {
		if _, ok := l.done[l.turn]; !ok {
			break
		}
		delete(l.done, l.turn)
		l.turn++
	}
	close(l.changed)
	l.changed = make(chan struct{})
	if l.turn == l.next {
		delete(s.lanes, t.subject)
	}
}

func (s *sequencer) Lanes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
