package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type flakySender struct {
	mu      sync.Mutex
	fail    map[int64]bool
	sent    []int64
	inUse   int
	maxSeen int
}

func (s *flakySender) SendMessage(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	s.inUse++
	if s.inUse > s.maxSeen {
		s.maxSeen = s.inUse
	}
	fail := s.fail[chatID]
	if !fail {
		s.sent = append(s.sent, chatID)
	}
	s.inUse--
	s.mu.Unlock()
	if fail {
		return errors.New("recipient gone")
	}
	return nil
}

func TestFanoutContinuesPastFailures(t *testing.T) {
	s := &flakySender{fail: map[int64]bool{2: true, 4: true}}
	ids := []int64{1, 2, 3, 4, 5}

	rep := Fanout(context.Background(), s, ids, "hello", 2)

	if rep.Delivered != 3 {
		t.Fatalf("delivered: got %d, want 3", rep.Delivered)
	}
	if rep.Failed != 2 {
		t.Fatalf("failed: got %d, want 2", rep.Failed)
	}
	if len(s.sent) != 3 {
		t.Fatalf("sender saw %d successful sends, want 3", len(s.sent))
	}
}

func TestFanoutEmptyList(t *testing.T) {
	s := &flakySender{}
	rep := Fanout(context.Background(), s, nil, "hello", 4)
	if rep.Delivered != 0 || rep.Failed != 0 {
		t.Fatalf("unexpected report for empty list: %+v", rep)
	}
}
