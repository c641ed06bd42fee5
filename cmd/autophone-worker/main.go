// Command autophone-worker is the per-device subprocess the supervisor
// spawns one of per registered device (spec.md §4.2, §4.3 process-per-worker
// isolation). It bridges the supervisor's newline-delimited JSON
// command/status pipe (internal/ipc) onto an internal/worker.Worker driving
// one device.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mozilla/autophone/internal/buildcache"
	"github.com/mozilla/autophone/internal/devicecontrol/fake"
	"github.com/mozilla/autophone/internal/ipc"
	"github.com/mozilla/autophone/internal/logging"
	"github.com/mozilla/autophone/internal/store"
	"github.com/mozilla/autophone/internal/worker"
)

func main() {
	deviceID := flag.String("device", "", "device id this worker drives")
	dbPath := flag.String("db-path", "jobs.sqlite", "job store sqlite path")
	cacheDir := flag.String("cache-dir", "builds", "build cache directory")
	overrideBuildDir := flag.String("override-build-dir", "", "pre-populated build directory, consulted before the cache")
	project := flag.String("project", "mozilla-central", "treeherder project label for this device's submissions")
	testRoot := flag.String("test-root", "/data/local/tmp/tests", "writable on-device test root ping() verifies")
	logLevel := flag.String("loglevel", "info", "log level")
	flag.Parse()

	if *deviceID == "" {
		slog.Default().Error("autophone-worker requires -device")
		os.Exit(1)
	}
	log := logging.New(*logLevel).With("device", *deviceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, *dbPath)
	if err != nil {
		log.Error("open job store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctrl := fake.New(*deviceID)
	fetcher := buildcache.New(buildcache.Config{CacheDir: *cacheDir, OverrideBuildDir: *overrideBuildDir})

	cfg := worker.DefaultConfig()
	cfg.Project = *project
	cfg.TestRoot = *testRoot
	w := worker.New(*deviceID, st, ctrl, fetcher, st, cfg, log)

	enc := ipc.NewEncoder(os.Stdout)
	dec := ipc.NewDecoder(os.Stdin)

	go bridgeCommands(dec, w, log)
	go reportStatus(ctx, w, enc, *deviceID)

	w.Run(ctx)
}

// bridgeCommands decodes the supervisor's command envelopes off stdin and
// feeds them to the worker's command channel until the pipe closes (the
// supervisor died or closed our stdin as part of shutdown).
func bridgeCommands(dec *ipc.Decoder, w *worker.Worker, log *slog.Logger) {
	for {
		env, err := dec.Next()
		if err != nil {
			return
		}
		if env.Kind != ipc.KindCommand {
			continue
		}
		cmd := worker.Command{Kind: worker.CommandKind(env.CommandKind), TestGUID: env.TestGUID}
		select {
		case w.Commands <- cmd:
		default:
			log.Warn("dropped command, worker command channel full", "kind", cmd.Kind)
		}
	}
}

// reportStatus periodically writes a heartbeat envelope to stdout so the
// supervisor's sweep can tell this worker is still alive and healthy
// (spec.md §5 heartbeat-timeout force-stop).
func reportStatus(ctx context.Context, w *worker.Worker, enc *ipc.Encoder, deviceID string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = enc.Encode(ipc.Envelope{Kind: ipc.KindHeartbeat, DeviceID: deviceID, Status: w.Status()})
		}
	}
}
