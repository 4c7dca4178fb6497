// Package recipe loads pipeline recipes: ordered lists of stages, each naming
// a task kind, how it is dispatched, and what happens when it fails.
package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Policy says what the driver does with a stage whose jobs partly failed.
type Policy string

const (
	// PolicyAbort stops the run on the first failed job. It is the default.
	PolicyAbort Policy = "abort"
	// PolicyContinue commits the datasets that succeeded and moves on.
	PolicyContinue Policy = "continue"
)

// Recipe is a parsed recipe file.
type Recipe struct {
	Recipe     Header  `toml:"recipe"`
	Stages     []Stage `toml:"stage"`
	SourceFile string  `toml:"-"`
}

// Header holds recipe-level metadata.
type Header struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// Stage is one step of a recipe.
type Stage struct {
	Name      string            `toml:"name"`
	Task      string            `toml:"task"`
	Parallel  bool              `toml:"parallel"`
	OnFailure Policy            `toml:"on_failure"`
	Retries   int               `toml:"retries"`
	Datasets  []string          `toml:"datasets"` // empty means every registered dataset
	Args      map[string]string `toml:"args"`
}

// Policy returns the stage's failure policy with the default applied.
func (s Stage) Policy() Policy {
	if s.OnFailure == "" {
		return PolicyAbort
	}
	return s.OnFailure
}

// Load reads and parses the recipe at path. It does not validate it.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: read %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("recipe: %s: %w", path, err)
	}
	r.SourceFile = path
	return r, nil
}

// Parse decodes a recipe document. Unknown keys are rejected so a misspelled
// option is never silently ignored.
func Parse(data []byte) (*Recipe, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r Recipe
	if err := dec.Decode(&r); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, strings.TrimSpace(strict.String()))
		}
		return nil, fmt.Errorf("parse: %w", err)
	}
	for i := range r.Stages {
		r.Stages[i].Name = strings.TrimSpace(r.Stages[i].Name)
		r.Stages[i].Task = strings.TrimSpace(r.Stages[i].Task)
	}
	return &r, nil
}

// Stage returns the stage named name.
func (r *Recipe) Stage(name string) (Stage, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Names returns the stage names in order.
func (r *Recipe) Names() []string {
	out := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		out[i] = s.Name
	}
	return out
}
