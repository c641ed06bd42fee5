// Package worker implements the per-device Device Worker: the loop that
// drains operator commands, pings an unhealthy device back to health, claims
// and executes jobs, and reports each test item's result back to the job
// store and the results submitter.
//
// Loop shape and step-by-step job processing are grounded on the teacher's
// internal/provisioner/jobs/worker.go Run/processJob pair (poll-or-acquire
// loop, per-step event logging, status written back to the store on every
// exit path). Retry constants and the battery/crash-budget rules are
// grounded on original_source/worker.py (PHONE_RETRY_LIMIT, PHONE_RETRY_WAIT,
// PHONE_MAX_REBOOTS, device_battery_min/max, Crashes.too_many_crashes).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/mozilla/autophone/internal/devicecontrol"
	"github.com/mozilla/autophone/internal/faults"
	"github.com/mozilla/autophone/internal/metrics"
	"github.com/mozilla/autophone/pkg/autophone"
)

// Store is the subset of internal/store.Store a worker needs to claim and
// retire work. Defined narrowly at the point of use rather than depending on
// the concrete store package.
type Store interface {
	ClaimNext(ctx context.Context, deviceID string) (*autophone.Job, []autophone.TestItem, error)
	SetAttempts(ctx context.Context, jobID int64, attempts int) error
	CancelTest(ctx context.Context, guid string) error
	TestCompleted(ctx context.Context, guid string) error
	JobCompleted(ctx context.Context, jobID int64) error
	Enqueue(ctx context.Context, job autophone.Job, tests []autophone.TestItem) ([]autophone.TestItem, error)
}

// errShutdownRequested is returned by waitForBattery when a shutdown or
// restart command is observed while charging, per original_source/worker.py's
// ping/check_battery escalation: a shutdown is never deferred behind a full
// recharge.
var errShutdownRequested = errors.New("shutdown requested while charging")

// SubmissionEnqueuer hands a completed test's result payload to the results
// submitter's queue.
type SubmissionEnqueuer interface {
	EnqueueSubmission(ctx context.Context, machine, project string, payload []byte) (int64, error)
}

// BuildFetcher retrieves (or locates, if already cached) the build artifact
// for job and returns its on-device push source path.
type BuildFetcher interface {
	FetchBuild(ctx context.Context, job *autophone.Job) (localPath string, err error)
}

// CommandKind distinguishes the operator commands delivered to a running
// worker over its command channel.
type CommandKind string

const (
	CommandCancelTest CommandKind = "cancel_test"
	CommandDisable    CommandKind = "disable"
	CommandEnable     CommandKind = "enable"
	CommandShutdown   CommandKind = "shutdown"
	CommandRestart    CommandKind = "restart"
)

// Command is one operator instruction delivered to the worker's Commands channel.
type Command struct {
	Kind     CommandKind
	TestGUID string // for CommandCancelTest
}

// Config tunes worker retry, battery, and crash-budget behavior. Defaults
// mirror original_source/worker.py's PHONE_* class constants.
type Config struct {
	RetryLimit   int           // attempts per install step; PHONE_RETRY_LIMIT
	RetryWait    time.Duration // PHONE_RETRY_WAIT
	MaxReboots   int           // PHONE_MAX_REBOOTS
	BatteryMin   int           // device_battery_min
	BatteryMax   int           // device_battery_max
	CrashWindow  time.Duration
	CrashLimit   int
	PollInterval time.Duration // how often to poll the store when idle
	Project      string        // treeherder project/tree label for submissions
	TestRoot     string        // writable on-device test root ping() verifies
}

// DefaultConfig returns the original implementation's tuning constants.
func DefaultConfig() Config {
	return Config{
		RetryLimit:   2,
		RetryWait:    15 * time.Second,
		MaxReboots:   3,
		BatteryMin:   50,
		BatteryMax:   90,
		CrashWindow:  30 * time.Minute,
		CrashLimit:   3,
		PollInterval: 10 * time.Second,
		Project:      "mozilla-central",
		TestRoot:     "/data/local/tmp/tests",
	}
}

// Worker drives one device: claim, fetch, install, run, report.
type Worker struct {
	deviceID string
	store    Store
	ctrl     devicecontrol.Controller
	fetcher  BuildFetcher
	subs     SubmissionEnqueuer
	cfg      Config
	log      *slog.Logger

	Commands chan Command

	mu        sync.Mutex
	state     autophone.ProcessState
	status    autophone.PhoneStatus
	crashes   []time.Time
	rebootCnt int
}

// New constructs a Worker for deviceID.
func New(deviceID string, store Store, ctrl devicecontrol.Controller, fetcher BuildFetcher, subs SubmissionEnqueuer, cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		deviceID: deviceID,
		store:    store,
		ctrl:     ctrl,
		fetcher:  fetcher,
		subs:     subs,
		cfg:      cfg,
		log:      log.With("device", deviceID),
		Commands: make(chan Command, 16),
		state:    autophone.ProcessStarting,
		status:   autophone.PhoneStatusIdle,
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() autophone.ProcessState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s autophone.ProcessState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Status returns the worker's last reported phone status.
func (w *Worker) Status() autophone.PhoneStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s autophone.PhoneStatus) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// Run drives the worker's main loop until ctx is canceled or a shutdown
// command is received: drain pending commands, ping the device if its last
// known status isn't healthy, claim and execute the next job if one is
// available, else sleep until the next poll.
func (w *Worker) Run(ctx context.Context) {
	w.setState(autophone.ProcessRunning)
	w.log.Info("worker starting")
	defer func() {
		w.setState(autophone.ProcessShutdown)
		w.log.Info("worker stopped")
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if w.drainCommands(ctx) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if w.Status() == autophone.PhoneStatusDisabled {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		if w.Status() != autophone.PhoneStatusIdle && w.Status() != autophone.PhoneStatusWorking {
			if err := w.ping(ctx); err != nil {
				w.log.Warn("ping failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				continue
			}
		}

		job, tests, err := w.store.ClaimNext(ctx, w.deviceID)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		metrics.ObserveJobClaimed(w.deviceID)
		w.runJob(ctx, job, tests)
	}
}

// drainCommands processes every command currently queued without blocking,
// applying disable/enable/cancel immediately. It returns true if a shutdown
// command was received and the caller should stop.
func (w *Worker) drainCommands(ctx context.Context) bool {
	for {
		select {
		case cmd := <-w.Commands:
			switch cmd.Kind {
			case CommandShutdown, CommandRestart:
				w.setState(autophone.ProcessShuttingDown)
				return true
			case CommandDisable:
				w.setStatus(autophone.PhoneStatusDisabled)
				metrics.IncWorkerDisabled(w.deviceID)
			case CommandEnable:
				w.setStatus(autophone.PhoneStatusIdle)
			case CommandCancelTest:
				_ = w.store.CancelTest(ctx, cmd.TestGUID)
			}
		default:
			return false
		}
	}
}

// ping probes the device back to a ready state: connectivity, SELinux
// permissiveness, /data/local/tmp and the device test root both writable,
// and an IP address, falling back to a reboot when the IP check fails.
// Grounded on original_source/worker.py's ping (state/selinux/_check_path
// escalation before recover_device's reboot fallback).
func (w *Worker) ping(ctx context.Context) error {
	state, err := w.ctrl.State(ctx)
	if err != nil {
		return &faults.TransientDeviceFault{Op: "ping:state", Err: err}
	}
	if state == devicecontrol.StateOffline {
		w.setStatus(autophone.PhoneStatusDisconnected)
		return &faults.DisconnectedDevice{DeviceID: w.deviceID, Err: errors.New("device offline")}
	}

	if err := w.checkSELinuxPermissive(ctx); err != nil {
		return &faults.TransientDeviceFault{Op: "ping:selinux", Err: err}
	}
	if err := w.checkPath(ctx, "/data/local/tmp"); err != nil {
		return &faults.TransientDeviceFault{Op: "ping:check-tmp", Err: err}
	}
	testRoot := w.cfg.TestRoot
	if testRoot == "" {
		testRoot = "/data/local/tmp/tests"
	}
	if err := w.checkPath(ctx, testRoot); err != nil {
		return &faults.TransientDeviceFault{Op: "ping:check-test-root", Err: err}
	}

	ip, err := w.ctrl.GetIPAddress(ctx)
	if err != nil || ip == "" {
		if w.rebootCnt >= w.cfg.MaxReboots {
			return &faults.PermanentDeviceFault{DeviceID: w.deviceID, Reason: "exhausted reboot attempts without regaining an IP address"}
		}
		w.rebootCnt++
		if err := w.ctrl.Reboot(ctx); err != nil {
			return &faults.TransientDeviceFault{Op: "ping:reboot", Err: err}
		}
		return &faults.TransientDeviceFault{Op: "ping:no-ip", Err: errors.New("no IP address after probe, rebooted")}
	}
	w.rebootCnt = 0
	w.setStatus(autophone.PhoneStatusIdle)
	return nil
}

// checkSELinuxPermissive forces SELinux into permissive mode when
// getenforce reports anything else, mirroring original_source/worker.py's
// ping check before it even looks at paths or IP connectivity.
func (w *Worker) checkSELinuxPermissive(ctx context.Context) error {
	out, err := w.ctrl.Shell(ctx, "getenforce", false)
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) == "Permissive" {
		return nil
	}
	_, err = w.ctrl.Shell(ctx, "setenforce Permissive", true)
	return err
}

// checkPath verifies dir is writable by creating a marker directory under
// it, pushing a small file into it, and removing it again, the same
// round-trip original_source/worker.py's _check_path performs for
// /data/local/tmp and the device test root.
func (w *Worker) checkPath(ctx context.Context, dir string) error {
	marker := path.Join(dir, "autophone_check_path")
	_ = w.ctrl.Rm(ctx, marker, true, true, true)
	if err := w.ctrl.Mkdir(ctx, marker, true, true); err != nil {
		return err
	}
	if err := w.ctrl.Chmod(ctx, marker, true, true); err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "autophone-check-path-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString("autophone test\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := w.ctrl.Push(ctx, tmp.Name(), path.Join(marker, "path_check")); err != nil {
		return err
	}
	return w.ctrl.Rm(ctx, marker, true, false, true)
}

// runJob executes every test item belonging to job in order, reporting each
// result and finally retiring the job. Errors from individual test items
// never abort the job; they are recorded as the corresponding ResultStatus
// and the loop continues to the next test.
func (w *Worker) runJob(ctx context.Context, job *autophone.Job, tests []autophone.TestItem) {
	w.setStatus(autophone.PhoneStatusWorking)
	defer w.setStatus(autophone.PhoneStatusIdle)

	localPath, err := w.fetcher.FetchBuild(ctx, job)
	if err != nil {
		w.log.Error("fetch build failed", "job", job.ID, "error", err)
		w.requeueJob(ctx, job)
		return
	}

	if err := w.installBuild(ctx, localPath); err != nil {
		w.log.Error("install build failed", "job", job.ID, "error", err)
		w.requeueJob(ctx, job)
		return
	}

	anyRetried := false
	for _, test := range tests {
		canceled, shutdown := w.checkInterrupt(test.GUID)
		if shutdown {
			w.requeueJob(ctx, job)
			return
		}
		if canceled {
			_ = w.store.CancelTest(ctx, test.GUID)
			w.reportResult(ctx, job, test, autophone.ResultUserCancel, nil)
			continue
		}

		result, runErr := w.executeTest(ctx, job, test)
		if errors.Is(runErr, errShutdownRequested) {
			w.requeueJob(ctx, job)
			return
		}
		if w.reportResult(ctx, job, test, result, runErr) {
			anyRetried = true
		}

		if ctx.Err() != nil {
			w.requeueJob(ctx, job)
			return
		}
	}

	if anyRetried {
		// A retry re-enqueued a new test row under this same job; leave the
		// job row in place so that row stays reachable on the next claim,
		// and don't report it complete since it still has work pending.
		return
	}

	if err := w.store.JobCompleted(ctx, job.ID); err != nil {
		w.log.Error("job completed notification failed", "job", job.ID, "error", err)
		return
	}
	metrics.ObserveJobCompleted(w.deviceID)
}

// checkInterrupt drains the command channel without blocking, reporting
// whether guid was canceled and whether a shutdown/restart command is
// pending. Non-matching commands are re-queued; a shutdown/restart command
// is re-queued too so drainCommands observes it and stops the worker on the
// next iteration of Run. Mirrors original_source/worker.py's
// process_autophone_cmd check run between test items and during battery
// charging.
func (w *Worker) checkInterrupt(guid string) (canceled, shutdown bool) {
	var pending []Command
	for {
		select {
		case cmd := <-w.Commands:
			switch {
			case cmd.Kind == CommandCancelTest && cmd.TestGUID == guid:
				canceled = true
			case cmd.Kind == CommandShutdown || cmd.Kind == CommandRestart:
				shutdown = true
				pending = append(pending, cmd)
			default:
				pending = append(pending, cmd)
			}
		default:
			for _, p := range pending {
				w.Commands <- p
			}
			return canceled, shutdown
		}
	}
}

// requeueJob restores the job's attempt count so a transient failure before
// any test ran doesn't burn into the attempt budget, per spec.md's
// InterruptFault/TransientDeviceFault recovery rule.
func (w *Worker) requeueJob(ctx context.Context, job *autophone.Job) {
	if job.Attempts > 0 {
		_ = w.store.SetAttempts(ctx, job.ID, job.Attempts-1)
	}
}

// installBuild uninstalls any prior build, pushes and installs the new one,
// retrying up to cfg.RetryLimit times with cfg.RetryWait between attempts.
// An "already uninstalled" failure from UninstallApp is treated as success
// without retry, matching the Open Question resolution: ADBError "Failure"
// during install_build means the package was already absent.
func (w *Worker) installBuild(ctx context.Context, localPath string) error {
	const appName = "org.mozilla.fennec_aurora"
	remotePath := path.Join("/data/local/tmp", path.Base(localPath))

	installed, err := w.ctrl.IsAppInstalled(ctx, appName)
	if err == nil && installed {
		_ = w.ctrl.UninstallApp(ctx, appName) // best-effort; "Failure" here means already gone
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.RetryLimit; attempt++ {
		if err := w.ctrl.Push(ctx, localPath, remotePath); err != nil {
			lastErr = err
		} else if err := w.ctrl.InstallApp(ctx, remotePath); err != nil {
			lastErr = err
		} else {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.RetryWait):
		}
	}
	return &faults.TransientDeviceFault{Op: "install_build", Err: lastErr}
}

// executeTest runs a single test item. When the battery is below
// cfg.BatteryMin it first waits for it to reach cfg.BatteryMax (returning
// ResultRetry without running only if that wait is interrupted), then
// invokes the test's shell command and classifies the outcome.
func (w *Worker) executeTest(ctx context.Context, job *autophone.Job, test autophone.TestItem) (autophone.ResultStatus, error) {
	pct, err := w.ctrl.GetBatteryPercentage(ctx)
	if err != nil {
		return autophone.ResultException, &faults.JobFault{TestGUID: test.GUID, Err: err}
	}
	if pct < w.cfg.BatteryMin {
		w.setStatus(autophone.PhoneStatusCharging)
		if err := w.waitForBattery(ctx); err != nil {
			if errors.Is(err, errShutdownRequested) {
				return autophone.ResultRetry, err
			}
			return autophone.ResultRetry, &faults.InterruptFault{Reason: "charging interrupted"}
		}
		w.setStatus(autophone.PhoneStatusWorking)
	}

	testRoot := w.cfg.TestRoot
	if testRoot == "" {
		testRoot = "/data/local/tmp/tests"
	}
	cmd := fmt.Sprintf("am instrument -e test_root %s -e class %s %s", testRoot, test.Name, appInstrumentationTarget)
	_, err = w.ctrl.Shell(ctx, cmd, false)
	if err != nil {
		var disc *faults.DisconnectedDevice
		if errors.As(err, &disc) {
			w.recordCrash()
			return autophone.ResultBusted, err
		}
		return autophone.ResultException, &faults.JobFault{TestGUID: test.GUID, Err: err}
	}
	return autophone.ResultSuccess, nil
}

const appInstrumentationTarget = "org.mozilla.fennec_aurora/.Fennec"

// waitForBattery blocks, polling on cfg.PollInterval, until the battery
// reaches cfg.BatteryMax, ctx is canceled, or a shutdown/restart command
// arrives — in which case it returns errShutdownRequested immediately
// rather than waiting out the full recharge, per the ping/check_battery
// escalation in original_source/worker.py.
func (w *Worker) waitForBattery(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, shutdown := w.checkInterrupt(""); shutdown {
			return errShutdownRequested
		}
		pct, err := w.ctrl.GetBatteryPercentage(ctx)
		if err == nil && pct >= w.cfg.BatteryMax {
			w.setStatus(autophone.PhoneStatusIdle)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// recordCrash appends a crash timestamp and disables the device once the
// crash budget within cfg.CrashWindow is exceeded.
func (w *Worker) recordCrash() {
	now := time.Now()
	w.mu.Lock()
	w.crashes = append(w.crashes, now)
	cutoff := now.Add(-w.cfg.CrashWindow)
	kept := w.crashes[:0]
	for _, t := range w.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.crashes = kept
	tooMany := len(w.crashes) >= w.cfg.CrashLimit
	w.mu.Unlock()

	metrics.IncWorkerCrash(w.deviceID)
	if tooMany {
		w.setStatus(autophone.PhoneStatusDisabled)
		metrics.IncWorkerDisabled(w.deviceID)
	}
}

// reportResult persists a test's terminal outcome: a submission payload
// describing the job/test/result for Treeherder ingestion, and
// TestCompleted on the store. A test that did not succeed (and was not
// itself a user cancellation) is reported as RETRY and re-enqueued with a
// fresh GUID and the same attempt count (see reenqueueRetry), as long as
// job.Attempts is still under the attempt budget, mirroring
// original_source/worker.py's run_tests re-add-on-failure. It reports
// whether the test was retried, so runJob can hold off retiring the job.
func (w *Worker) reportResult(ctx context.Context, job *autophone.Job, test autophone.TestItem, result autophone.ResultStatus, runErr error) bool {
	retrying := false
	switch result {
	case autophone.ResultSuccess, autophone.ResultUserCancel:
		// terminal outcomes, never retried
	default:
		if job.Attempts < autophone.MaxAttempts {
			result = autophone.ResultRetry
			retrying = true
		}
	}
	metrics.ObserveTestResult(w.deviceID, result.String())

	payload, err := json.Marshal(map[string]any{
		"job_id":    job.ID,
		"test_guid": test.GUID,
		"test_name": test.Name,
		"result":    result.String(),
		"revision":  job.Revision,
		"tree":      job.Tree,
	})
	if err == nil {
		if _, subErr := w.subs.EnqueueSubmission(ctx, w.deviceID, w.cfg.Project, payload); subErr != nil {
			w.log.Error("enqueue submission failed", "test", test.GUID, "error", subErr)
		}
	}

	if err := w.store.TestCompleted(ctx, test.GUID); err != nil {
		w.log.Error("test completed notification failed", "test", test.GUID, "error", err)
	}

	if retrying {
		w.reenqueueRetry(ctx, job, test)
	}

	if runErr != nil {
		w.log.Warn("test finished with error", "test", test.GUID, "result", result, "error", runErr)
	}
	return retrying
}

// reenqueueRetry re-submits test through Enqueue with a fresh GUID,
// carrying job's attempt count forward, so the test is run again rather
// than silently disappearing. When duplicate jobs are disallowed, Enqueue
// matches the existing job on (device, build-url) and the new test row
// lands under that same job. Must run after TestCompleted has removed the
// original test row: Enqueue's duplicate-test check matches on
// (name, config_file, chunk, repos, job_id), so the old row would otherwise
// shadow the new one. Grounded on original_source/worker.py's run_tests,
// which calls jobs.new_job(..., attempts=job['attempts']) on failure.
func (w *Worker) reenqueueRetry(ctx context.Context, job *autophone.Job, test autophone.TestItem) {
	retryJob := *job
	retryTest := test
	retryTest.GUID = "" // Enqueue mints a fresh guid

	if _, err := w.store.Enqueue(ctx, retryJob, []autophone.TestItem{retryTest}); err != nil {
		w.log.Error("retry re-enqueue failed", "job", job.ID, "test", test.Name, "error", err)
	}
}
