package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mozilla/autophone/internal/ipc"
	"github.com/mozilla/autophone/pkg/autophone"
)

// Process is the supervisor's view of a running device worker: a pipe it
// can send commands down and a channel of status envelopes coming back up.
// Implemented by realProcess (an os/exec subprocess) in production and by a
// fake in tests, the same split the teacher uses for its Redfish Client.
type Process interface {
	DeviceID() string
	Send(env ipc.Envelope) error
	Statuses() <-chan ipc.Envelope
	Done() <-chan struct{}
	Err() error
	Kill() error
}

// Spawner starts a new worker process for device and returns a handle to it.
type Spawner func(ctx context.Context, device autophone.Device) (Process, error)

// ExecSpawner returns a Spawner that re-execs binaryPath once per device,
// passing its ID via -device and wiring stdin/stdout as the ipc channel.
// This is the process-per-worker fault-isolation boundary: a crash in one
// device's worker can never corrupt another's state, since each is its own
// OS process communicating only over a pipe.
func ExecSpawner(binaryPath string, extraArgs ...string) Spawner {
	return func(ctx context.Context, device autophone.Device) (Process, error) {
		args := append([]string{"-device", device.ID}, extraArgs...)
		cmd := exec.CommandContext(ctx, binaryPath, args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stderr = nil

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker process: %w", err)
		}

		p := &realProcess{
			deviceID: device.ID,
			cmd:      cmd,
			enc:      ipc.NewEncoder(stdin),
			stdinW:   stdin,
			statuses: make(chan ipc.Envelope, 16),
			done:     make(chan struct{}),
		}
		go p.readLoop(stdout)
		go p.waitLoop()
		return p, nil
	}
}

type realProcess struct {
	deviceID string
	cmd      *exec.Cmd
	enc      *ipc.Encoder
	stdinW   io.Closer

	mu       sync.Mutex
	statuses chan ipc.Envelope
	done     chan struct{}
	err      error
}

func (p *realProcess) DeviceID() string { return p.deviceID }

func (p *realProcess) Send(env ipc.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(env)
}

func (p *realProcess) Statuses() <-chan ipc.Envelope { return p.statuses }
func (p *realProcess) Done() <-chan struct{}         { return p.done }

func (p *realProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *realProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *realProcess) readLoop(r io.Reader) {
	defer close(p.statuses)
	dec := ipc.NewDecoder(bufio.NewReader(r))
	for {
		env, err := dec.Next()
		if err != nil {
			return
		}
		select {
		case p.statuses <- env:
		case <-p.done:
			return
		}
	}
}

func (p *realProcess) waitLoop() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}
