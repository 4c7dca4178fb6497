// Package dist runs task instances on worker processes. A controller owns the
// shared pipeline context and talks to each worker over a FIFO control
// channel carrying start, job, and stop messages one way and result and
// heartbeat messages the other. Workers prepare and analyse; only the
// controller commits.
package dist

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/papapumpkin/calpipe/internal/pipeline"
	"github.com/papapumpkin/calpipe/internal/storage"
)

// MessageType tags a control channel frame.
type MessageType string

const (
	MsgStart     MessageType = "start"
	MsgJob       MessageType = "job"
	MsgStop      MessageType = "stop"
	MsgResult    MessageType = "result"
	MsgHeartbeat MessageType = "heartbeat"
)

func (t MessageType) valid() bool {
	switch t {
	case MsgStart, MsgJob, MsgStop, MsgResult, MsgHeartbeat:
		return true
	}
	return false
}

// WorkerConfig is the read-only configuration a worker needs to execute jobs.
// It never carries the shared context.
type WorkerConfig struct {
	RunID             string         `json:"run_id"`
	WorkerID          string         `json:"worker_id"`
	DryRun            bool           `json:"dry_run,omitempty"`
	ToolkitPath       string         `json:"toolkit_path,omitempty"`
	WorkDir           string         `json:"work_dir,omitempty"`
	Storage           storage.Config `json:"storage"`
	HeartbeatInterval time.Duration  `json:"heartbeat_interval,omitempty"`
}

// Job is one task instance to prepare and analyse on a worker.
type Job struct {
	ID     string          `json:"id"`
	Inputs pipeline.Inputs `json:"inputs"`
}

// Dataset is the partition key of the job.
func (j Job) Dataset() string { return j.Inputs.Dataset }

// Result reports a finished job. Error is set only when the worker could not
// run the task at all; ordinary toolkit failures live in Results.
type Result struct {
	JobID   string            `json:"job_id"`
	Results *pipeline.Results `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Heartbeat tells the controller a job is still running.
type Heartbeat struct {
	JobID string    `json:"job_id"`
	At    time.Time `json:"at"`
}

// Message is one frame on the control channel.
type Message struct {
	Type      MessageType   `json:"type"`
	Config    *WorkerConfig `json:"config,omitempty"`
	Job       *Job          `json:"job,omitempty"`
	Result    *Result       `json:"result,omitempty"`
	Heartbeat *Heartbeat    `json:"heartbeat,omitempty"`
}

// Encoder writes newline-delimited JSON frames. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Send writes one frame.
func (e *Encoder) Send(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(m); err != nil {
		return fmt.Errorf("dist: send %s: %w", m.Type, err)
	}
	return nil
}

// Decoder reads newline-delimited JSON frames.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Recv reads the next frame. A closed channel yields io.EOF unwrapped.
func (d *Decoder) Recv() (Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("dist: receive: %w", err)
	}
	if !m.Type.valid() {
		return Message{}, fmt.Errorf("%w: unknown message type %q", ErrProtocol, m.Type)
	}
	return m, nil
}
