// Package toolkit is the call boundary to the external data-reduction toolkit.
// A job is submitted as a function name plus keyword arguments and returns an
// opaque result record or a failure.
package toolkit

import (
	"context"
	"maps"
	"slices"
)

// Record is the opaque result of one toolkit job.
type Record map[string]any

// Toolkit submits jobs synchronously.
type Toolkit interface {
	Submit(ctx context.Context, function string, kwargs map[string]string) (Record, error)
}

// Func adapts a function to the Toolkit interface.
type Func func(ctx context.Context, function string, kwargs map[string]string) (Record, error)

// Submit calls f.
func (f Func) Submit(ctx context.Context, function string, kwargs map[string]string) (Record, error) {
	return f(ctx, function, kwargs)
}

// DryRun accepts every job without doing anything.
type DryRun struct{}

// Submit returns a synthetic record echoing the request.
func (DryRun) Submit(_ context.Context, function string, kwargs map[string]string) (Record, error) {
	rec := Record{"function": function, "dry_run": true}
	for _, k := range slices.Sorted(maps.Keys(kwargs)) {
		rec[k] = kwargs[k]
	}
	return rec, nil
}
