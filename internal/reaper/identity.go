package reaper

import (
	"bytes"

	"github.com/papapumpkin/calpipe/internal/ledger"
)

// Environment variables a worker process is started with.
const (
	EnvRunID    = "CALPIPE_RUN_ID"
	EnvWorkerID = "CALPIPE_WORKER_ID"
)

// environMatches checks a NUL-separated environment block for the worker's
// run and worker ids.
func environMatches(environ []byte, w ledger.WorkerRecord) bool {
	var run, worker bool
	for _, kv := range bytes.Split(environ, []byte{0}) {
		switch string(kv) {
		case EnvRunID + "=" + w.RunID:
			run = true
		case EnvWorkerID + "=" + w.WorkerID:
			worker = true
		}
	}
	return run && worker
}
