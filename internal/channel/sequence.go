package channel

import "sync"

// seenWindow is how far below the highest accepted id individual ids are
// remembered. Older ids are treated as already seen.
const seenWindow = 1024

// Sequencer drops update ids that were already accepted. Ids may arrive out of
// order (parallel webhook deliveries), so ids below the highest one are checked
// against a bounded set rather than rejected outright.
type Sequencer struct {
	mu     sync.Mutex
	last   int
	seen   bool
	recent map[int]struct{}
}

// NewSequencer creates an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{recent: make(map[int]struct{})}
}

// Accept records id and reports whether it is new.
func (s *Sequencer) Accept(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seen || id > s.last {
		s.last = id
		s.seen = true
		s.recent[id] = struct{}{}
		s.prune()
		return true
	}
	if id <= s.last-seenWindow {
		return false
	}
	if _, ok := s.recent[id]; ok {
		return false
	}
	s.recent[id] = struct{}{}
	return true
}

func (s *Sequencer) prune() {
	floor := s.last - seenWindow
	for id := range s.recent {
		if id <= floor {
			delete(s.recent, id)
		}
	}
}

// Last returns the highest accepted id and whether any id was accepted.
func (s *Sequencer) Last() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}

// NextOffset returns the getUpdates offset that skips everything accepted so far.
func (s *Sequencer) NextOffset() int {
	last, ok := s.Last()
	if !ok {
		return 0
	}
	return last + 1
}
