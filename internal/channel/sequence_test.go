package channel

import (
	"context"
	"errors"
	"testing"
)

func TestSequencerDiscardsReplays(t *testing.T) {
	t.Parallel()

	s := NewSequencer()
	if s.NextOffset() != 0 {
		t.Fatalf("expected zero offset before any update")
	}
	steps := []struct {
		id   int
		want bool
	}{
		{0, true},
		{0, false},
		{6, true},
		{5, true},
		{5, false},
		{6, false},
		{3, true},
		{7, true},
	}
	for _, step := range steps {
		if got := s.Accept(step.id); got != step.want {
			t.Fatalf("Accept(%d) = %v, want %v", step.id, got, step.want)
		}
	}
	if last, ok := s.Last(); !ok || last != 7 {
		t.Fatalf("Last() = (%d, %v), want (7, true)", last, ok)
	}
	if s.NextOffset() != 8 {
		t.Fatalf("NextOffset() = %d, want 8", s.NextOffset())
	}
}

func TestSequencerForgetsOutsideWindow(t *testing.T) {
	t.Parallel()

	s := NewSequencer()
	s.Accept(1)
	s.Accept(1 + seenWindow + 1)
	if s.Accept(1) {
		t.Fatalf("id below the window must be treated as seen")
	}
	if !s.Accept(seenWindow) {
		t.Fatalf("unseen id inside the window must be accepted")
	}
	if len(s.recent) > seenWindow+1 {
		t.Fatalf("recent set grew to %d", len(s.recent))
	}
}

func TestBaseConnectionStop(t *testing.T) {
	t.Parallel()

	stopped := false
	conn := NewConnection("poll", func(ctx context.Context) error {
		stopped = true
		return nil
	})
	if !conn.Running() || conn.Mode() != "poll" {
		t.Fatalf("unexpected initial state")
	}
	if err := conn.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stopped || conn.Running() {
		t.Fatalf("expected stop to run and running to clear")
	}

	noop := NewConnection("webhook", nil)
	if err := noop.Stop(context.Background()); !errors.Is(err, ErrStopNotSupported) {
		t.Fatalf("expected ErrStopNotSupported, got %v", err)
	}
}

func TestApplySendOptions(t *testing.T) {
	t.Parallel()

	opts := ApplySendOptions(WithReplyTo(3), WithParseMode("HTML"), WithSilent(), nil)
	if opts.ReplyTo != 3 || opts.ParseMode != "HTML" || !opts.Silent || opts.Keyboard != nil {
		t.Fatalf("unexpected options: %#v", opts)
	}
}
