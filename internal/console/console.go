// Package console implements the line-oriented TCP operator interface
// (spec.md §4.6): one connection handler per client, newline-delimited
// request/response, replies "ok" or a one-line diagnostic.
//
// Grounded on the teacher's internal/api/router.go dispatch-by-path mux:
// the same "one handler per named route, a narrow Handler-like dependency
// behind an interface" shape, adapted from HTTP path routing to line-based
// verb routing since the operator protocol here is a bare TCP socket, not
// HTTP.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/mozilla/autophone/pkg/autophone"
)

// Supervisor is the subset of internal/supervisor.Supervisor this console
// drives, defined narrowly at the point of use the way the teacher's
// api.Handler depends on bmc.Service through a handful of methods rather
// than the whole service.
type Supervisor interface {
	Status(ctx context.Context) string
	AddDevice(ctx context.Context, device autophone.Device) error
	RequestRestart()
	RequestShutdown()
	RequestStop()
	TriggerJobs(ctx context.Context, build string, testNames, devices []string) error
	Log(msg string)
	DeviceCommand(ctx context.Context, verb, target string) error
}

// Config tunes the console's listen address.
type Config struct {
	Addr string
	// DefaultTestRoot is applied to a device registered via
	// autophone-add-device, which carries no test-root argument of its own.
	DefaultTestRoot string
}

// Console is the command console.
type Console struct {
	cfg Config
	sup Supervisor
	log *slog.Logger
}

// New constructs a Console.
func New(cfg Config, sup Supervisor, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{cfg: cfg, sup: sup, log: log}
}

// Serve accepts connections on cfg.Addr, one handler goroutine per
// connection, until ctx is canceled.
func (c *Console) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("console listen on %s: %w", c.cfg.Addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("console accept failed", "error", err)
			continue
		}
		go c.handleConn(ctx, conn)
	}
}

func (c *Console) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(conn, c.dispatch(ctx, line)); err != nil {
			return
		}
	}
}

// dispatch routes one request line to the matching Supervisor method and
// renders its reply. Unhandled verbs and handler errors both come back as a
// one-line "error: ..." diagnostic, per spec.md §4.6.
func (c *Console) dispatch(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	verb := fields[0]
	args := fields[1:]

	switch {
	case verb == "autophone-status":
		return c.sup.Status(ctx) + "ok"
	case verb == "autophone-add-device":
		return c.addDevice(ctx, args)
	case verb == "autophone-restart":
		c.sup.RequestRestart()
		return "ok"
	case verb == "autophone-shutdown":
		c.sup.RequestShutdown()
		return "ok"
	case verb == "autophone-stop":
		c.sup.RequestStop()
		return "ok"
	case verb == "autophone-triggerjobs":
		return c.triggerJobs(ctx, strings.TrimPrefix(line, verb+" "))
	case verb == "autophone-log":
		c.sup.Log(strings.TrimPrefix(line, verb+" "))
		return "ok"
	case strings.HasPrefix(verb, "device-"):
		return c.deviceCommand(ctx, strings.TrimPrefix(verb, "device-"), args)
	default:
		return fmt.Sprintf("error: unknown command %q", verb)
	}
}

func (c *Console) addDevice(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "error: usage: autophone-add-device <name> <serial>"
	}
	device := autophone.Device{ID: args[0], Serial: args[1], TestRoot: c.cfg.DefaultTestRoot}
	if err := c.sup.AddDevice(ctx, device); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}

// triggerPayload is the JSON body of autophone-triggerjobs, per spec.md §6:
// `{build: url, test_names: [..], devices: [..]}` (empty lists mean "any").
type triggerPayload struct {
	Build     string   `json:"build"`
	TestNames []string `json:"test_names"`
	Devices   []string `json:"devices"`
}

func (c *Console) triggerJobs(ctx context.Context, body string) string {
	var payload triggerPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return fmt.Sprintf("error: invalid json: %v", err)
	}
	if payload.Build == "" {
		return "error: missing build url"
	}
	if err := c.sup.TriggerJobs(ctx, payload.Build, payload.TestNames, payload.Devices); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}

func (c *Console) deviceCommand(ctx context.Context, verb string, args []string) string {
	if len(args) < 1 {
		return "error: usage: device-<verb> <devid|serial|all>"
	}
	if err := c.sup.DeviceCommand(ctx, verb, args[0]); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}
