// Package stages provides the concrete task kinds a recipe can name.
package stages

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/papapumpkin/calpipe/internal/pipeline"
)

// ErrUnknownKind indicates a recipe names a task kind that is not registered.
var ErrUnknownKind = errors.New("unknown task kind")

var builtin = map[string]pipeline.Task{
	KindSolve: Solve{},
	KindApply: Apply{},
}

// Lookup returns the task registered for kind.
func Lookup(kind string) (pipeline.Task, error) {
	t, ok := builtin[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownKind, kind, Kinds())
	}
	return t, nil
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	return slices.Sorted(maps.Keys(builtin))
}
