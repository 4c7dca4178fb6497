//go:build linux

package reaper

import (
	"os"
	"strconv"

	"github.com/papapumpkin/calpipe/internal/ledger"
)

// ownsProcess reports whether pid still runs the recorded worker, judged by
// the CALPIPE_RUN_ID and CALPIPE_WORKER_ID variables its launcher set.
func ownsProcess(pid int, w ledger.WorkerRecord) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/environ")
	if err != nil {
		return false
	}
	return environMatches(data, w)
}
