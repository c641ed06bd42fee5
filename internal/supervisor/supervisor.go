// Package supervisor owns the registry of device worker processes: it
// spawns one process per registered device, sweeps for and restarts dead
// workers within a crash budget, and turns incoming build events and
// operator job actions into store writes and worker commands.
//
// Grounded on the teacher's cmd/provisioner-controller/main.go main(): the
// per-worker spawn loop, context-based cancellation for shutdown, and
// signal-driven graceful stop. The crash-budget/dead-worker sweep is
// generalized from the teacher's single WorkerConcurrency fan-out (which
// never restarts a worker) to add a bounded-restart supervisory loop, since
// spec.md requires dead workers to be noticed and retried rather than
// silently reducing fleet capacity.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mozilla/autophone/internal/ipc"
	"github.com/mozilla/autophone/internal/metrics"
	"github.com/mozilla/autophone/pkg/autophone"
)

// Store is the subset of internal/store.Store the supervisor needs to
// enqueue work arriving from the event bus or an operator job action.
type Store interface {
	Enqueue(ctx context.Context, job autophone.Job, tests []autophone.TestItem) ([]autophone.TestItem, error)
	CancelTest(ctx context.Context, guid string) error
}

// Manifest resolves which test specs a build event should trigger.
type Manifest interface {
	Tests() []autophone.TestSpec
}

// Config tunes the supervisor's restart and sweep behavior.
type Config struct {
	CrashWindow   time.Duration
	CrashLimit    int
	SweepInterval time.Duration
	// MaxHeartbeat is how long a worker may go without publishing a status
	// update before the supervisor force-stops it. A worker reporting
	// PhoneStatusFetching is exempt (build downloads can legitimately take
	// longer than the heartbeat window).
	MaxHeartbeat time.Duration
}

// DefaultConfig returns reasonable supervisory defaults.
func DefaultConfig() Config {
	return Config{
		CrashWindow:   30 * time.Minute,
		CrashLimit:    3,
		SweepInterval: 5 * time.Second,
		MaxHeartbeat:  5 * time.Minute,
	}
}

type registration struct {
	device        autophone.Device
	proc          Process
	crashes       []time.Time
	disabled      bool
	lastStatus    autophone.PhoneStatus
	lastHeartbeat time.Time
}

// Supervisor manages the lifecycle of one worker process per registered
// device.
type Supervisor struct {
	mu       sync.Mutex
	regs     map[string]*registration
	spawn    Spawner
	store    Store
	manifest Manifest
	cfg      Config
	log      *slog.Logger

	state autophone.ProcessState
}

// New constructs a Supervisor. manifest may be nil if build events are not
// going to be dispatched (e.g. a supervisor driven purely by operator
// job-actions in a test harness).
func New(spawn Spawner, store Store, manifest Manifest, cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		regs:     map[string]*registration{},
		spawn:    spawn,
		store:    store,
		manifest: manifest,
		cfg:      cfg,
		log:      log,
		state:    autophone.ProcessStarting,
	}
}

// State reports the supervisor's current lifecycle state, for
// autophone-status.
func (s *Supervisor) State() autophone.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RegisterDevice adds device to the fleet. Start spawns the worker process
// of every device registered before it runs; the sweep never spawns a
// process for a registration that has none (AddDevice registers and spawns
// in one step).
func (s *Supervisor) RegisterDevice(device autophone.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[device.ID] = &registration{device: device}
}

// Devices returns the IDs of every registered device.
func (s *Supervisor) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.regs))
	for id := range s.regs {
		out = append(out, id)
	}
	return out
}

// Start spawns every registered device's worker process and runs the
// dead-worker sweep until ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	for id := range s.regs {
		s.spawnLocked(ctx, id)
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdownAll()
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// spawnLocked starts (or restarts) the worker process for a registered
// device. Caller must hold s.mu.
func (s *Supervisor) spawnLocked(ctx context.Context, deviceID string) {
	reg, ok := s.regs[deviceID]
	if !ok || reg.disabled {
		return
	}
	proc, err := s.spawn(ctx, reg.device)
	if err != nil {
		s.log.Error("spawn worker failed", "device", deviceID, "error", err)
		return
	}
	reg.proc = proc
	reg.lastHeartbeat = time.Now()
	reg.lastStatus = autophone.PhoneStatusIdle
	go s.readStatuses(deviceID, proc)
}

// readStatuses drains proc's status channel until it closes (the process
// died or was killed), recording the last reported status and heartbeat
// time under lock. Grounded on the spec's "supervisor blocks on its status
// queue" scheduling model: one reader goroutine per live worker process,
// never the shared supervisor lock held across the blocking receive.
func (s *Supervisor) readStatuses(deviceID string, proc Process) {
	for env := range proc.Statuses() {
		s.mu.Lock()
		if reg, ok := s.regs[deviceID]; ok && reg.proc == proc {
			reg.lastHeartbeat = time.Now()
			if env.Status != "" {
				reg.lastStatus = env.Status
			}
		}
		s.mu.Unlock()
	}
}

// sweep checks every registered device's process for death, restarting it
// within the crash budget and permanently disabling it past that budget.
func (s *Supervisor) sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, reg := range s.regs {
		if reg.disabled || reg.proc == nil {
			continue
		}

		select {
		case <-reg.proc.Done():
		default:
			if s.cfg.MaxHeartbeat > 0 && reg.lastStatus != autophone.PhoneStatusFetching &&
				time.Since(reg.lastHeartbeat) > s.cfg.MaxHeartbeat {
				s.log.Warn("worker missed heartbeat, force-stopping", "device", id, "last_status", reg.lastStatus)
				_ = reg.proc.Kill()
			}
			continue // still alive (or just force-stopped; the next sweep will observe Done())
		}

		metrics.IncWorkerCrash(id)
		now := time.Now()
		reg.crashes = append(reg.crashes, now)
		cutoff := now.Add(-s.cfg.CrashWindow)
		kept := reg.crashes[:0]
		for _, t := range reg.crashes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		reg.crashes = kept

		if len(reg.crashes) >= s.cfg.CrashLimit {
			reg.disabled = true
			reg.proc = nil
			metrics.IncWorkerDisabled(id)
			s.log.Error("device disabled: exceeded crash budget", "device", id, "crashes", len(reg.crashes))
			continue
		}

		s.log.Warn("worker process died, restarting", "device", id, "error", reg.proc.Err())
		s.spawnLocked(ctx, id)
	}
}

func (s *Supervisor) shutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.regs {
		if reg.proc != nil {
			_ = reg.proc.Send(ipc.Envelope{Kind: ipc.KindCommand, DeviceID: reg.device.ID, CommandKind: "shutdown"})
		}
	}
}

// OnBuildEvent enqueues a job for every registered, non-disabled device
// (whether or not its worker process is running) that has at least one
// manifest test spec with RunnableOn(device, ev.Repo). Only the repo is
// matched; ev.Platform is not consulted.
func (s *Supervisor) OnBuildEvent(ctx context.Context, ev autophone.BuildEvent) error {
	if s.manifest == nil {
		return nil
	}
	specs := s.manifest.Tests()

	s.mu.Lock()
	deviceIDs := make([]string, 0, len(s.regs))
	for id, reg := range s.regs {
		if !reg.disabled {
			deviceIDs = append(deviceIDs, id)
		}
	}
	s.mu.Unlock()

	for _, deviceID := range deviceIDs {
		var items []autophone.TestItem
		for _, spec := range specs {
			if !spec.RunnableOn(deviceID, ev.Repo) {
				continue
			}
			items = append(items, autophone.TestItem{
				Name:       spec.Name,
				ConfigFile: spec.ConfigFile,
				Chunk:      spec.Chunk,
				Repos:      []string{ev.Repo},
			})
		}
		if len(items) == 0 {
			continue
		}
		job := autophone.Job{
			BuildURL:        ev.PackageURL,
			Tree:            ev.Repo,
			EnableUnittests: true,
			DeviceID:        deviceID,
		}
		if _, err := s.store.Enqueue(ctx, job, items); err != nil {
			return fmt.Errorf("enqueue build event for device %s: %w", deviceID, err)
		}
	}
	return nil
}

// OnJobAction applies an operator job action: cancel removes a queued or
// in-flight test (routed to the owning worker if it is still connected, so
// an in-progress test is interrupted rather than merely deleted from the
// queue); retrigger enqueues a fresh single-test job on the named machine.
func (s *Supervisor) OnJobAction(ctx context.Context, ev autophone.JobActionEvent) error {
	switch ev.Kind {
	case autophone.JobActionCancel:
		if err := s.store.CancelTest(ctx, ev.TestGUID); err != nil {
			return fmt.Errorf("cancel test %s: %w", ev.TestGUID, err)
		}
		s.sendCommand(ev.Machine, ipc.Envelope{Kind: ipc.KindCommand, CommandKind: "cancel_test", TestGUID: ev.TestGUID})
		return nil
	case autophone.JobActionRetrigger:
		job := autophone.Job{DeviceID: ev.Machine}
		item := autophone.TestItem{ConfigFile: ev.ConfigFile, Chunk: ev.Chunk}
		if _, err := s.store.Enqueue(ctx, job, []autophone.TestItem{item}); err != nil {
			return fmt.Errorf("retrigger on %s: %w", ev.Machine, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown job action kind %q", ev.Kind)
	}
}

// sendCommand forwards env to deviceID's worker process, if it has one
// connected. A missing or dead process is not an error: the store write
// already applied, which is all that matters for a queued (not yet
// running) test.
func (s *Supervisor) sendCommand(deviceID string, env ipc.Envelope) {
	s.mu.Lock()
	reg, ok := s.regs[deviceID]
	s.mu.Unlock()
	if !ok || reg.proc == nil {
		return
	}
	env.DeviceID = deviceID
	_ = reg.proc.Send(env)
}

// --------------- operator-facing methods (backing internal/console) ---------------

// Status renders a multi-line report, one line per registered device, for
// the autophone-status console verb.
func (s *Supervisor) Status(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.regs))
	for id := range s.regs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "supervisor state=%s devices=%d\n", s.state, len(ids))
	for _, id := range ids {
		reg := s.regs[id]
		state := "connected"
		if reg.proc == nil {
			state = "disconnected"
		}
		fmt.Fprintf(&b, "%s serial=%s status=%s disabled=%v process=%s crashes=%d\n",
			id, reg.device.Serial, reg.lastStatus, reg.disabled, state, len(reg.crashes))
	}
	return b.String()
}

// AddDevice registers a new device and immediately spawns its worker
// process.
func (s *Supervisor) AddDevice(ctx context.Context, device autophone.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.regs[device.ID]; exists {
		return fmt.Errorf("device %s already registered", device.ID)
	}
	s.regs[device.ID] = &registration{device: device}
	s.spawnLocked(ctx, device.ID)
	return nil
}

// RequestRestart marks the supervisor RESTARTING and signals every worker to
// shut down cleanly. The caller (cmd/autophone-supervisor's main) re-execs
// the process once this returns, per spec's "all workers receive shutdown;
// after exit, re-exec self".
func (s *Supervisor) RequestRestart() {
	s.mu.Lock()
	s.state = autophone.ProcessRestarting
	s.mu.Unlock()
	s.shutdownAll()
}

// RequestShutdown marks the supervisor SHUTTINGDOWN and signals every worker
// to finish its in-flight test step and exit cooperatively.
func (s *Supervisor) RequestShutdown() {
	s.mu.Lock()
	s.state = autophone.ProcessShuttingDown
	s.mu.Unlock()
	s.shutdownAll()
}

// RequestStop marks the supervisor STOPPING and kills every worker process
// immediately with Process.Kill. No SIGTERM is sent first and there is no
// grace period before the kill.
func (s *Supervisor) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = autophone.ProcessStopping
	for _, reg := range s.regs {
		if reg.proc != nil {
			_ = reg.proc.Kill()
		}
	}
}

// TriggerJobs manually enqueues a job from the autophone-triggerjobs console
// verb. Empty testNames or devices means "any": every manifest test, every
// registered non-disabled device.
func (s *Supervisor) TriggerJobs(ctx context.Context, build string, testNames, devices []string) error {
	if s.manifest == nil {
		return errors.New("no test manifest configured")
	}
	nameFilter := toSet(testNames)

	s.mu.Lock()
	var targetIDs []string
	if len(devices) > 0 {
		targetIDs = devices
	} else {
		for id, reg := range s.regs {
			if !reg.disabled {
				targetIDs = append(targetIDs, id)
			}
		}
	}
	s.mu.Unlock()

	for _, deviceID := range targetIDs {
		var items []autophone.TestItem
		for _, spec := range s.manifest.Tests() {
			if len(nameFilter) > 0 {
				if _, ok := nameFilter[spec.Name]; !ok {
					continue
				}
			}
			items = append(items, autophone.TestItem{Name: spec.Name, ConfigFile: spec.ConfigFile, Chunk: spec.Chunk})
		}
		if len(items) == 0 {
			continue
		}
		job := autophone.Job{BuildURL: build, DeviceID: deviceID}
		if _, err := s.store.Enqueue(ctx, job, items); err != nil {
			return fmt.Errorf("trigger jobs for device %s: %w", deviceID, err)
		}
	}
	return nil
}

// Log appends an operator-injected log line at the supervisor's own level,
// for the autophone-log console verb.
func (s *Supervisor) Log(msg string) {
	s.log.Info("console log", "msg", msg)
}

// deviceCommandKinds are the worker-directed verbs the device-<verb> console
// command may dispatch, per spec §6.
var deviceCommandKinds = map[string]bool{
	"is_alive": true, "stop": true, "shutdown": true, "reboot": true,
	"disable": true, "enable": true, "ping": true, "status": true, "restart": true,
}

// DeviceCommand dispatches verb to every device matching target (a device
// id, a serial number, or "all").
func (s *Supervisor) DeviceCommand(ctx context.Context, verb, target string) error {
	if !deviceCommandKinds[verb] {
		return fmt.Errorf("unknown device command %q", verb)
	}

	s.mu.Lock()
	var matches []string
	for id, reg := range s.regs {
		if target == "all" || id == target || reg.device.Serial == target {
			matches = append(matches, id)
		}
	}
	s.mu.Unlock()

	if len(matches) == 0 {
		return fmt.Errorf("no device matches %q", target)
	}

	for _, id := range matches {
		switch verb {
		case "disable":
			s.mu.Lock()
			if reg, ok := s.regs[id]; ok {
				reg.disabled = true
			}
			s.mu.Unlock()
		case "enable":
			s.mu.Lock()
			if reg, ok := s.regs[id]; ok {
				reg.disabled = false
				reg.crashes = nil
			}
			s.spawnLocked(ctx, id)
			s.mu.Unlock()
		case "stop":
			s.mu.Lock()
			if reg, ok := s.regs[id]; ok && reg.proc != nil {
				_ = reg.proc.Kill()
			}
			s.mu.Unlock()
		default:
			s.sendCommand(id, ipc.Envelope{Kind: ipc.KindCommand, CommandKind: verb})
		}
	}
	return nil
}

func toSet(vals []string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}
