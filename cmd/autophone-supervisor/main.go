// Command autophone-supervisor is the fleet controller's long-running
// process: it owns the job store, the device worker registry, the event-bus
// consumer, the results submitter, and the operator command console.
//
// Wiring shape grounded on the teacher's cmd/provisioner-controller/main.go
// main(): flag/env config load, signal-driven context cancellation, a
// metrics/health HTTP listener alongside the core loop.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/mozilla/autophone/internal/config"
	"github.com/mozilla/autophone/internal/console"
	"github.com/mozilla/autophone/internal/logging"
	"github.com/mozilla/autophone/internal/manifest"
	"github.com/mozilla/autophone/internal/metrics"
	"github.com/mozilla/autophone/internal/pulse"
	"github.com/mozilla/autophone/internal/store"
	"github.com/mozilla/autophone/internal/submitter"
	"github.com/mozilla/autophone/internal/supervisor"
	"github.com/mozilla/autophone/pkg/autophone"
)

func main() {
	fs := flag.NewFlagSet("autophone-supervisor", flag.ExitOnError)
	cfg := config.Load(fs)
	workerBinary := fs.String("worker-binary", "", "path to the autophone-worker binary (default: next to this executable)")
	metricsAddr := fs.String("metrics-addr", "127.0.0.1:28009", "address for the /metrics and /healthz HTTP endpoints")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	log := logging.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath,
		store.WithAllowDuplicateJobs(cfg.AllowDuplicateJobs),
		store.WithLIFO(cfg.LIFO))
	if err != nil {
		log.Error("open job store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	testManifest, err := manifest.LoadTests(cfg.TestPath)
	if err != nil {
		log.Error("load test manifest failed", "error", err)
		os.Exit(1)
	}

	devices, err := manifest.LoadDevices(cfg.DevicesCfg, cfg.DeviceTestRoot)
	if err != nil {
		log.Error("load devices config failed", "error", err)
		os.Exit(1)
	}

	spawner := supervisor.ExecSpawner(resolveWorkerBinary(*workerBinary), workerArgs(cfg)...)

	supCfg := supervisor.DefaultConfig()
	supCfg.MaxHeartbeat = cfg.MaximumHeartbeat
	sup := supervisor.New(spawner, st, testManifest, supCfg, log.With("component", "supervisor"))
	for _, d := range devices {
		sup.RegisterDevice(d)
	}

	consoleCtx, cancelConsole := context.WithCancel(ctx)
	csup := &restartAwareSupervisor{Supervisor: sup, cancel: cancelConsole}

	cons := console.New(console.Config{
		Addr:            fmtAddr(cfg.Port),
		DefaultTestRoot: cfg.DeviceTestRoot,
	}, csup, log.With("component", "console"))

	if cfg.EnablePulse {
		filter := pulse.NewFilter(cfg.Repos, cfg.BuildTypes, nil)
		pulseCfg := pulse.DefaultConfig()
		pulseCfg.Host = cfg.PulseHost
		pulseCfg.User = cfg.PulseUser
		pulseCfg.Password = cfg.PulsePassword
		pulseCfg.DurableQueue = cfg.PulseDurableQueue
		consumer := pulse.New(pulseCfg, filter, sup.OnBuildEvent, sup.OnJobAction, log.With("component", "pulse"))
		go consumer.Run(consoleCtx)
	}

	if cfg.TreeherderURL != "" {
		poster := submitter.NewTreeherderPoster(submitter.TreeherderConfig{
			URL:      cfg.TreeherderURL,
			ClientID: cfg.TreeherderClientID,
			Secret:   cfg.TreeherderSecret,
			Tier:     cfg.TreeherderTier,
		})
		subCfg := submitter.DefaultConfig()
		subCfg.RetryWait = cfg.TreeherderRetryWait
		sub := submitter.New(st, poster, subCfg, log.With("component", "submitter"))
		go sub.Run(consoleCtx)
	}

	go func() {
		if err := cons.Serve(consoleCtx); err != nil {
			log.Error("console server exited", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", "error", err)
		}
	}()

	sup.Start(consoleCtx)
	_ = metricsSrv.Close()

	if sup.State() == autophone.ProcessRestarting {
		log.Info("re-exec for restart")
		self, err := os.Executable()
		if err != nil {
			log.Error("resolve own executable for restart failed", "error", err)
			os.Exit(1)
		}
		if err := syscall.Exec(self, os.Args, os.Environ()); err != nil {
			log.Error("re-exec failed", "error", err)
			os.Exit(1)
		}
	}
}

// restartAwareSupervisor adapts *supervisor.Supervisor to console.Supervisor,
// additionally canceling the shared context on any of the three lifecycle
// verbs so the console-triggered state change actually unwinds
// sup.Start's blocking loop instead of only flipping a field no one reads.
type restartAwareSupervisor struct {
	*supervisor.Supervisor
	cancel context.CancelFunc
}

func (s *restartAwareSupervisor) RequestRestart() {
	s.Supervisor.RequestRestart()
	s.cancel()
}

func (s *restartAwareSupervisor) RequestShutdown() {
	s.Supervisor.RequestShutdown()
	s.cancel()
}

func (s *restartAwareSupervisor) RequestStop() {
	s.Supervisor.RequestStop()
	s.cancel()
}

func resolveWorkerBinary(configured string) string {
	if configured != "" {
		return configured
	}
	self, err := os.Executable()
	if err != nil {
		return "autophone-worker"
	}
	return filepath.Join(filepath.Dir(self), "autophone-worker")
}

func workerArgs(cfg *config.Config) []string {
	args := []string{
		"-db-path", cfg.DBPath,
		"-cache-dir", cfg.CacheDir,
		"-override-build-dir", cfg.OverrideBuildDir,
		"-loglevel", cfg.LogLevel,
	}
	if len(cfg.Repos) > 0 {
		args = append(args, "-project", cfg.Repos[0])
	}
	if cfg.DeviceTestRoot != "" {
		args = append(args, "-test-root", cfg.DeviceTestRoot)
	}
	return args
}

func fmtAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
