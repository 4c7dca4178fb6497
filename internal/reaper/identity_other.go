//go:build !linux

package reaper

import "github.com/papapumpkin/calpipe/internal/ledger"

// ownsProcess cannot read another process's environment here, so a live
// recorded pid is trusted.
func ownsProcess(int, ledger.WorkerRecord) bool { return true }
