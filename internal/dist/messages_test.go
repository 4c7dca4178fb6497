package dist

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/papapumpkin/calpipe/internal/storage"
)

func TestCodec_FramesAreLines(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	cfg := WorkerConfig{
		RunID:             "run-1",
		WorkerID:          "w0",
		DryRun:            true,
		WorkDir:           "/data/work",
		Storage:           storage.Config{Kind: storage.KindFS, Root: "/data/work"},
		HeartbeatInterval: 2 * time.Second,
	}
	job := fakeJob("job-1", "ms1")
	msgs := []Message{
		{Type: MsgStart, Config: &cfg},
		{Type: MsgJob, Job: &job},
		{Type: MsgStop},
	}
	for _, m := range msgs {
		if err := enc.Send(m); err != nil {
			t.Fatalf("Send(%s): %v", m.Type, err)
		}
	}

	if n := strings.Count(buf.String(), "\n"); n != len(msgs) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(msgs), n, buf.String())
	}

	dec := NewDecoder(&buf)
	for i, want := range msgs {
		got, err := dec.Recv()
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("message %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if _, err := dec.Recv(); err != io.EOF {
		t.Errorf("Recv at end = %v, want io.EOF", err)
	}
}

func TestDecoder_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		protocol bool
	}{
		{name: "unknown type", input: `{"type":"reboot"}` + "\n", protocol: true},
		{name: "missing type", input: `{}` + "\n", protocol: true},
		{name: "not json", input: "hello\n"},
		{name: "truncated frame", input: `{"type":"st`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewDecoder(strings.NewReader(tt.input)).Recv()
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrProtocol) != tt.protocol {
				t.Errorf("errors.Is(%v, ErrProtocol) = %v, want %v", err, !tt.protocol, tt.protocol)
			}
			if err == io.EOF {
				t.Errorf("malformed input reported as clean EOF")
			}
		})
	}
}

func TestWorkerLostError_Unwraps(t *testing.T) {
	t.Parallel()
	err := error(&WorkerLostError{Worker: "w1", JobID: "job-2", Dataset: "ms2", Err: io.ErrUnexpectedEOF})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected to unwrap to io.ErrUnexpectedEOF")
	}
	for _, want := range []string{"w1", "job-2", "ms2"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
