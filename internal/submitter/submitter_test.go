package submitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mozilla/autophone/pkg/autophone"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []*autophone.ResultsSubmission
	completed []int64
}

func (s *fakeStore) enqueue(sub *autophone.ResultsSubmission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, sub)
}

func (s *fakeStore) ClaimNextSubmission(ctx context.Context) (*autophone.ResultsSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, errors.New("not found")
	}
	sub := s.pending[0]
	s.pending = s.pending[1:]
	return sub, nil
}

func (s *fakeStore) SubmissionCompleted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeStore) completedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.completed))
	copy(out, s.completed)
	return out
}

type fakePoster struct {
	mu       sync.Mutex
	posted   []int64
	failFor  map[int64]int // id -> number of failures before success
}

func (p *fakePoster) Post(ctx context.Context, sub autophone.ResultsSubmission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.failFor[sub.ID]; n > 0 {
		p.failFor[sub.ID] = n - 1
		return errors.New("simulated post failure")
	}
	p.posted = append(p.posted, sub.ID)
	return nil
}

func (p *fakePoster) postedIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.posted))
	copy(out, p.posted)
	return out
}

func TestSubmitter_DeliversInOrderWithinOnePair(t *testing.T) {
	store := &fakeStore{}
	store.enqueue(&autophone.ResultsSubmission{ID: 1, Machine: "dev-1", Project: "mozilla-central"})
	store.enqueue(&autophone.ResultsSubmission{ID: 2, Machine: "dev-1", Project: "mozilla-central"})
	store.enqueue(&autophone.ResultsSubmission{ID: 3, Machine: "dev-1", Project: "mozilla-central"})

	poster := &fakePoster{failFor: map[int64]int{}}
	s := New(store, poster, Config{PollInterval: time.Millisecond, RetryWait: time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	posted := poster.postedIDs()
	if len(posted) != 3 || posted[0] != 1 || posted[1] != 2 || posted[2] != 3 {
		t.Fatalf("expected submissions posted in order [1 2 3], got %v", posted)
	}
	if completed := store.completedIDs(); len(completed) != 3 {
		t.Fatalf("expected all 3 submissions marked completed, got %v", completed)
	}
}

func TestSubmitter_RetriesFailedPostBeforeCompleting(t *testing.T) {
	store := &fakeStore{}
	store.enqueue(&autophone.ResultsSubmission{ID: 1, Machine: "dev-1", Project: "mozilla-central"})

	poster := &fakePoster{failFor: map[int64]int{1: 2}}
	s := New(store, poster, Config{PollInterval: time.Millisecond, RetryWait: time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if completed := store.completedIDs(); len(completed) != 1 || completed[0] != 1 {
		t.Fatalf("expected submission eventually completed after retries, got %v", completed)
	}
}

func TestSubmitter_DifferentPairsProgressIndependently(t *testing.T) {
	store := &fakeStore{}
	store.enqueue(&autophone.ResultsSubmission{ID: 1, Machine: "dev-1", Project: "mozilla-central"})
	store.enqueue(&autophone.ResultsSubmission{ID: 2, Machine: "dev-2", Project: "mozilla-central"})

	poster := &fakePoster{failFor: map[int64]int{1: 50}} // dev-1's submission never succeeds within the test window
	s := New(store, poster, Config{PollInterval: time.Millisecond, RetryWait: time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	posted := poster.postedIDs()
	found2 := false
	for _, id := range posted {
		if id == 2 {
			found2 = true
		}
	}
	if !found2 {
		t.Fatalf("expected dev-2's submission to post despite dev-1's submission stalling, got %v", posted)
	}
}
