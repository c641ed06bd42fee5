package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mozilla/autophone/internal/devicecontrol/fake"
	"github.com/mozilla/autophone/pkg/autophone"
)

type fakeStore struct {
	mu sync.Mutex

	jobs          []*autophone.Job
	tests         map[int64][]autophone.TestItem
	claimErr      error
	completedJobs []int64
	completedTest []string
	canceledTest  []string
	attempts      map[int64]int
	nextJobID     int64
	enqueuedJobs  []autophone.Job
	enqueuedTests []autophone.TestItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tests:    map[int64][]autophone.TestItem{},
		attempts: map[int64]int{},
	}
}

func (s *fakeStore) enqueue(job *autophone.Job, tests []autophone.TestItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	s.tests[job.ID] = tests
}

func (s *fakeStore) ClaimNext(ctx context.Context, deviceID string) (*autophone.Job, []autophone.TestItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, nil, s.claimErr
	}
	for i, j := range s.jobs {
		if j.DeviceID != deviceID {
			continue
		}
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		j.Attempts++
		return j, s.tests[j.ID], nil
	}
	return nil, nil, errNotFound
}

func (s *fakeStore) SetAttempts(ctx context.Context, jobID int64, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[jobID] = attempts
	return nil
}

func (s *fakeStore) CancelTest(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceledTest = append(s.canceledTest, guid)
	return nil
}

func (s *fakeStore) TestCompleted(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedTest = append(s.completedTest, guid)
	return nil
}

func (s *fakeStore) JobCompleted(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedJobs = append(s.completedJobs, jobID)
	return nil
}

func (s *fakeStore) Enqueue(ctx context.Context, job autophone.Job, tests []autophone.TestItem) ([]autophone.TestItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	job.ID = s.nextJobID
	s.enqueuedJobs = append(s.enqueuedJobs, job)
	inserted := make([]autophone.TestItem, len(tests))
	for i, t := range tests {
		t.GUID = fmt.Sprintf("retry-guid-%d", len(s.enqueuedTests)+1)
		t.JobID = job.ID
		s.enqueuedTests = append(s.enqueuedTests, t)
		inserted[i] = t
	}
	return inserted, nil
}

type errNotFoundType struct{}

func (errNotFoundType) Error() string { return "not found" }

var errNotFound = errNotFoundType{}

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (f *fakeSubmitter) EnqueueSubmission(ctx context.Context, machine, project string, payload []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return int64(len(f.payloads)), nil
}

type fakeFetcher struct {
	path string
	err  error
}

func (f *fakeFetcher) FetchBuild(ctx context.Context, job *autophone.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.path, nil
}

func testWorker(t *testing.T, store Store, ctrl *fake.Controller) (*Worker, *fakeSubmitter) {
	t.Helper()
	subs := &fakeSubmitter{}
	cfg := DefaultConfig()
	cfg.RetryWait = time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	w := New("dev-1", store, ctrl, &fakeFetcher{path: "/local/build.apk"}, subs, cfg, nil)
	return w, subs
}

func TestRunJob_SuccessfulTestReportsAndCompletesJob(t *testing.T) {
	ctrl := fake.New("dev-1")
	ctrl.SetBatteryPercentage(100)
	store := newFakeStore()
	w, subs := testWorker(t, store, ctrl)

	job := &autophone.Job{ID: 1, DeviceID: "dev-1", Revision: "abc123", Tree: "mozilla-central"}
	tests := []autophone.TestItem{{GUID: "guid-1", Name: "test-a", JobID: 1}}

	w.runJob(context.Background(), job, tests)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.completedJobs) != 1 || store.completedJobs[0] != 1 {
		t.Fatalf("expected job 1 completed, got %+v", store.completedJobs)
	}
	if len(store.completedTest) != 1 || store.completedTest[0] != "guid-1" {
		t.Fatalf("expected test guid-1 completed, got %+v", store.completedTest)
	}
	if len(subs.payloads) != 1 {
		t.Fatalf("expected 1 submission payload, got %d", len(subs.payloads))
	}
}

func TestRunJob_LowBatteryWaitsThenRunsTest(t *testing.T) {
	ctrl := fake.New("dev-1")
	ctrl.SetBatteryPercentage(10) // below default BatteryMin of 50
	store := newFakeStore()
	w, subs := testWorker(t, store, ctrl)
	w.cfg.PollInterval = time.Millisecond

	job := &autophone.Job{ID: 2, DeviceID: "dev-1"}
	tests := []autophone.TestItem{{GUID: "guid-2", Name: "test-b", JobID: 2}}

	go func() {
		// Recharge shortly after the worker starts waiting.
		time.Sleep(5 * time.Millisecond)
		ctrl.SetBatteryPercentage(95)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.runJob(ctx, job, tests)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.completedTest) != 1 || store.completedTest[0] != "guid-2" {
		t.Fatalf("expected test completed once battery recovered, got %+v", store.completedTest)
	}
	if len(subs.payloads) != 1 {
		t.Fatalf("expected 1 submission once battery recovered, got %d", len(subs.payloads))
	}
}

func TestRunJob_FetchFailureRequeuesJob(t *testing.T) {
	ctrl := fake.New("dev-1")
	ctrl.SetBatteryPercentage(100)
	store := newFakeStore()
	subs := &fakeSubmitter{}
	cfg := DefaultConfig()
	cfg.RetryWait = time.Millisecond
	cfg.RetryLimit = 1
	w := New("dev-1", store, ctrl, &fakeFetcher{err: errFetchFailed}, subs, cfg, nil)

	job := &autophone.Job{ID: 3, DeviceID: "dev-1", Attempts: 1}
	w.runJob(context.Background(), job, nil)

	store.mu.Lock()
	defer store.mu.Unlock()
	if got, ok := store.attempts[3]; !ok || got != 0 {
		t.Fatalf("expected attempts restored to 0 after fetch failure, got %d ok=%v", got, ok)
	}
	if len(store.completedJobs) != 0 {
		t.Fatalf("expected job not completed after fetch failure")
	}
}

var errFetchFailed = errNotFoundType{}

func TestCheckInterrupt_SkipsTestAndLeavesOtherCommandsQueued(t *testing.T) {
	ctrl := fake.New("dev-1")
	store := newFakeStore()
	w, _ := testWorker(t, store, ctrl)

	w.Commands <- Command{Kind: CommandCancelTest, TestGUID: "guid-x"}
	w.Commands <- Command{Kind: CommandDisable}

	canceled, shutdown := w.checkInterrupt("guid-x")
	if !canceled {
		t.Fatal("expected cancel to be observed")
	}
	if shutdown {
		t.Fatal("expected no shutdown observed")
	}

	select {
	case cmd := <-w.Commands:
		if cmd.Kind != CommandDisable {
			t.Fatalf("expected unrelated command preserved, got %+v", cmd)
		}
	default:
		t.Fatal("expected the disable command to remain queued")
	}
}

func TestCheckInterrupt_ShutdownObservedAndRequeued(t *testing.T) {
	ctrl := fake.New("dev-1")
	store := newFakeStore()
	w, _ := testWorker(t, store, ctrl)

	w.Commands <- Command{Kind: CommandShutdown}

	canceled, shutdown := w.checkInterrupt("guid-x")
	if canceled {
		t.Fatal("expected no cancel observed")
	}
	if !shutdown {
		t.Fatal("expected shutdown observed")
	}

	select {
	case cmd := <-w.Commands:
		if cmd.Kind != CommandShutdown {
			t.Fatalf("expected shutdown command re-queued, got %+v", cmd)
		}
	default:
		t.Fatal("expected the shutdown command to remain queued for drainCommands")
	}
}

func TestRunJob_CanceledTestReportsUserCancel(t *testing.T) {
	ctrl := fake.New("dev-1")
	ctrl.SetBatteryPercentage(100)
	store := newFakeStore()
	w, subs := testWorker(t, store, ctrl)

	job := &autophone.Job{ID: 10, DeviceID: "dev-1"}
	tests := []autophone.TestItem{{GUID: "guid-cancel", Name: "test-cancel", JobID: 10}}
	w.Commands <- Command{Kind: CommandCancelTest, TestGUID: "guid-cancel"}

	w.runJob(context.Background(), job, tests)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.canceledTest) != 1 || store.canceledTest[0] != "guid-cancel" {
		t.Fatalf("expected guid-cancel canceled, got %+v", store.canceledTest)
	}
	if len(store.completedTest) != 1 || store.completedTest[0] != "guid-cancel" {
		t.Fatalf("expected guid-cancel completed, got %+v", store.completedTest)
	}
	if len(subs.payloads) != 1 {
		t.Fatalf("expected a USERCANCEL submission, got %d payloads", len(subs.payloads))
	}
	if len(store.completedJobs) != 1 {
		t.Fatalf("expected job completed after the only test was canceled, got %+v", store.completedJobs)
	}
}

func TestRunJob_ShutdownMidJobRestoresAttemptsAndSkipsRemainingTests(t *testing.T) {
	ctrl := fake.New("dev-1")
	ctrl.SetBatteryPercentage(100)
	store := newFakeStore()
	w, subs := testWorker(t, store, ctrl)

	job := &autophone.Job{ID: 11, DeviceID: "dev-1", Attempts: 2}
	tests := []autophone.TestItem{
		{GUID: "guid-t1", Name: "test-1", JobID: 11},
		{GUID: "guid-t2", Name: "test-2", JobID: 11},
	}
	w.Commands <- Command{Kind: CommandShutdown}

	w.runJob(context.Background(), job, tests)

	store.mu.Lock()
	defer store.mu.Unlock()
	if got, ok := store.attempts[11]; !ok || got != 1 {
		t.Fatalf("expected attempts restored to 1 before the job ran, got %d ok=%v", got, ok)
	}
	if len(store.completedTest) != 0 {
		t.Fatalf("expected no test completed when shutdown is observed before the first test, got %+v", store.completedTest)
	}
	if len(subs.payloads) != 0 {
		t.Fatalf("expected no submissions when shutdown preempts the whole job, got %d", len(subs.payloads))
	}
	if len(store.completedJobs) != 0 {
		t.Fatalf("expected job not completed when shutdown preempts it, got %+v", store.completedJobs)
	}
}

func TestRunJob_FailedTestUnderAttemptBudgetRetries(t *testing.T) {
	ctrl := fake.New("dev-1")
	ctrl.SetBatteryPercentage(100)
	ctrl.ShellFunc = func(cmd string, root bool) (string, error) {
		if cmd == "getenforce" || cmd == "setenforce Permissive" {
			return "Permissive", nil
		}
		return "", fmt.Errorf("instrumentation crashed")
	}
	store := newFakeStore()
	w, subs := testWorker(t, store, ctrl)

	job := &autophone.Job{ID: 12, DeviceID: "dev-1", Attempts: 1}
	tests := []autophone.TestItem{{GUID: "guid-fail", Name: "test-fail", JobID: 12}}

	w.runJob(context.Background(), job, tests)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.completedTest) != 1 || store.completedTest[0] != "guid-fail" {
		t.Fatalf("expected the failed test row completed, got %+v", store.completedTest)
	}
	if len(store.enqueuedJobs) != 1 || store.enqueuedJobs[0].Attempts != 1 {
		t.Fatalf("expected one retry job re-enqueued carrying attempts=1, got %+v", store.enqueuedJobs)
	}
	if len(store.enqueuedTests) != 1 || store.enqueuedTests[0].Name != "test-fail" {
		t.Fatalf("expected the retry test re-enqueued, got %+v", store.enqueuedTests)
	}
	if len(subs.payloads) != 1 {
		t.Fatalf("expected a single RETRY submission, got %d", len(subs.payloads))
	}
	if len(store.completedJobs) != 0 {
		t.Fatalf("expected the original job left in place while its retry is pending, got %+v", store.completedJobs)
	}
}

func TestRunJob_FailedTestAtAttemptBudgetDoesNotRetry(t *testing.T) {
	ctrl := fake.New("dev-1")
	ctrl.SetBatteryPercentage(100)
	ctrl.ShellFunc = func(cmd string, root bool) (string, error) {
		if cmd == "getenforce" || cmd == "setenforce Permissive" {
			return "Permissive", nil
		}
		return "", fmt.Errorf("instrumentation crashed")
	}
	store := newFakeStore()
	w, subs := testWorker(t, store, ctrl)

	job := &autophone.Job{ID: 13, DeviceID: "dev-1", Attempts: autophone.MaxAttempts}
	tests := []autophone.TestItem{{GUID: "guid-final", Name: "test-final", JobID: 13}}

	w.runJob(context.Background(), job, tests)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.enqueuedJobs) != 0 {
		t.Fatalf("expected no retry once the attempt budget is exhausted, got %+v", store.enqueuedJobs)
	}
	if len(subs.payloads) != 1 {
		t.Fatalf("expected the terminal failure still reported once, got %d", len(subs.payloads))
	}
	if len(store.completedJobs) != 1 || store.completedJobs[0] != 13 {
		t.Fatalf("expected the job completed once its only test hit a terminal failure, got %+v", store.completedJobs)
	}
}

func TestPing_EnforcesSELinuxPermissiveAndWritablePaths(t *testing.T) {
	ctrl := fake.New("dev-1")
	ctrl.SetIPAddress("10.0.0.5")
	var shellCmds []string
	ctrl.ShellFunc = func(cmd string, root bool) (string, error) {
		shellCmds = append(shellCmds, cmd)
		if cmd == "getenforce" {
			return "Enforcing", nil
		}
		return "", nil
	}
	store := newFakeStore()
	w, _ := testWorker(t, store, ctrl)

	if err := w.ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	foundSetenforce := false
	for _, cmd := range shellCmds {
		if cmd == "setenforce Permissive" {
			foundSetenforce = true
		}
	}
	if !foundSetenforce {
		t.Fatalf("expected ping to force SELinux permissive, shell calls were %v", shellCmds)
	}
	if w.Status() != autophone.PhoneStatusIdle {
		t.Fatalf("expected idle status after a clean ping, got %v", w.Status())
	}
}

func TestRecordCrash_DisablesAfterCrashLimit(t *testing.T) {
	ctrl := fake.New("dev-1")
	store := newFakeStore()
	w, _ := testWorker(t, store, ctrl)
	w.cfg.CrashLimit = 2
	w.cfg.CrashWindow = time.Minute

	w.recordCrash()
	if w.Status() == autophone.PhoneStatusDisabled {
		t.Fatal("should not be disabled after a single crash")
	}
	w.recordCrash()
	if w.Status() != autophone.PhoneStatusDisabled {
		t.Fatal("expected device disabled after reaching crash limit")
	}
}
