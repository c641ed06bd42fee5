// Package submitter drains queued results submissions and POSTs them to the
// external results service (Treeherder), preserving FIFO order within a
// (machine, project) pair while letting different pairs make progress
// concurrently.
//
// Grounded on the teacher's internal/provisioner/jobs/worker.go: the claim /
// process / retry shape of Worker.Run and awaitWebhook's poll-with-backoff
// is repurposed here as claim-next-submission / POST / retry-with-fixed-wait.
package submitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mozilla/autophone/internal/metrics"
	"github.com/mozilla/autophone/pkg/autophone"
)

// Store is the subset of internal/store.Store the submitter needs.
type Store interface {
	ClaimNextSubmission(ctx context.Context) (*autophone.ResultsSubmission, error)
	SubmissionCompleted(ctx context.Context, id int64) error
}

// Poster delivers one results submission to the external service.
type Poster interface {
	Post(ctx context.Context, sub autophone.ResultsSubmission) error
}

// Config tunes claim polling and retry behavior.
type Config struct {
	// PollInterval is how long the claim loop sleeps when the store has no
	// pending submission.
	PollInterval time.Duration
	// RetryWait is the fixed delay between POST attempts for one submission;
	// the wait ends as soon as ctx is canceled.
	RetryWait time.Duration
}

// DefaultConfig returns the spec's default submitter timing.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, RetryWait: 15 * time.Second}
}

// Submitter claims submissions from the store and posts them to the results
// service, one per (machine, project) key in flight at a time.
type Submitter struct {
	store  Store
	poster Poster
	cfg    Config
	log    *slog.Logger

	mu     sync.Mutex
	queues map[string]chan *autophone.ResultsSubmission
	wg     sync.WaitGroup
}

// New constructs a Submitter.
func New(store Store, poster Poster, cfg Config, log *slog.Logger) *Submitter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 15 * time.Second
	}
	return &Submitter{store: store, poster: poster, cfg: cfg, log: log, queues: map[string]chan *autophone.ResultsSubmission{}}
}

func submissionKey(sub *autophone.ResultsSubmission) string {
	return sub.Machine + "\x00" + sub.Project
}

// Run claims submissions until ctx is canceled, routing each into its
// (machine, project) queue, and waits for every queue worker to exit
// before returning. Queue workers stop on cancellation without draining
// their queues; undelivered submissions stay in the store.
func (s *Submitter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := s.store.ClaimNextSubmission(ctx)
		if err != nil || sub == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		s.dispatch(ctx, sub)
	}
}

// dispatch hands sub to its (machine, project) queue, starting a drain
// goroutine for that key on first use.
func (s *Submitter) dispatch(ctx context.Context, sub *autophone.ResultsSubmission) {
	key := submissionKey(sub)

	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = make(chan *autophone.ResultsSubmission, 64)
		s.queues[key] = q
		s.wg.Add(1)
		go s.drainQueue(ctx, key, q)
	}
	s.mu.Unlock()

	q <- sub
}

// drainQueue processes one (machine, project) pair's submissions strictly
// in the order they were claimed, retrying a failed POST with a fixed delay
// (interruptible by ctx) before moving to the next queued item.
func (s *Submitter) drainQueue(ctx context.Context, key string, q chan *autophone.ResultsSubmission) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-q:
			if !ok {
				return
			}
			s.process(ctx, sub)
		}
	}
}

func (s *Submitter) process(ctx context.Context, sub *autophone.ResultsSubmission) {
	for {
		err := s.poster.Post(ctx, *sub)
		if err == nil {
			metrics.ObserveSubmissionAttempt("success")
			if cerr := s.store.SubmissionCompleted(ctx, sub.ID); cerr != nil {
				s.log.Error("submission completed but store update failed", "id", sub.ID, "error", cerr)
			}
			return
		}
		metrics.ObserveSubmissionAttempt("failure")
		s.log.Warn("submission POST failed, retrying", "id", sub.ID, "machine", sub.Machine, "project", sub.Project, "error", err)
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryWait):
		}
	}
}
