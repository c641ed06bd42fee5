// Package ipc defines the newline-delimited JSON wire format the supervisor
// uses to talk to each device worker subprocess over its stdin/stdout pipes.
// One JSON object per line, matching the line-oriented convention the
// command console (internal/console) also uses for its own wire protocol,
// adapted here from text verbs to a typed JSON envelope since this channel
// carries structured commands and status updates rather than operator text.
package ipc

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/mozilla/autophone/pkg/autophone"
)

// EnvelopeKind distinguishes the two directions of traffic on the pipe:
// commands flow supervisor -> worker, status flows worker -> supervisor.
type EnvelopeKind string

const (
	KindCommand  EnvelopeKind = "command"
	KindStatus   EnvelopeKind = "status"
	KindHeartbeat EnvelopeKind = "heartbeat"
)

// Envelope is one line of the wire protocol.
type Envelope struct {
	Kind     EnvelopeKind          `json:"kind"`
	DeviceID string                `json:"device_id"`

	// Command fields, set when Kind == KindCommand.
	CommandKind string `json:"command_kind,omitempty"`
	TestGUID    string `json:"test_guid,omitempty"`

	// Status fields, set when Kind == KindStatus or KindHeartbeat.
	Status autophone.PhoneStatus `json:"status,omitempty"`
}

// Encoder writes newline-delimited Envelope values to an underlying writer.
type Encoder struct {
	w   io.Writer
	enc *json.Encoder
}

// NewEncoder wraps w (typically a subprocess's Stdin or Stdout) for line writes.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, enc: json.NewEncoder(w)}
}

// Encode writes env followed by a newline. json.Encoder already appends one.
func (e *Encoder) Encode(env Envelope) error {
	return e.enc.Encode(env)
}

// Decoder reads newline-delimited Envelope values from an underlying reader.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r for line reads, with a generous buffer for long status
// lines (e.g. a logcat excerpt embedded in a future envelope extension).
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next reads and decodes the next line. It returns io.EOF when the
// underlying reader is exhausted.
func (d *Decoder) Next() (Envelope, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, io.EOF
	}
	var env Envelope
	if err := json.Unmarshal(d.scanner.Bytes(), &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
