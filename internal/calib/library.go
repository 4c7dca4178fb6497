package calib

import "fmt"

// Entry pairs a selection with its artifacts in application order.
type Entry struct {
	Selection Selection  `toml:"selection" json:"selection"`
	Artifacts []Artifact `toml:"artifacts" json:"artifacts"`
}

func (e Entry) clone() Entry {
	arts := make([]Artifact, len(e.Artifacts))
	for i, a := range e.Artifacts {
		arts[i] = a.Clone()
	}
	return Entry{Selection: e.Selection.Normalize(), Artifacts: arts}
}

// Library is the calibration rule table. Writes are append-only apart from
// Invalidate. A Library is not safe for concurrent use; the pipeline context
// serializes access to it.
type Library struct {
	entries []Entry
	keys    map[string]struct{}
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{keys: make(map[string]struct{})}
}

// FromEntries rebuilds a library from previously exported entries, in order.
func FromEntries(entries []Entry) (*Library, error) {
	l := NewLibrary()
	if err := l.AddAll(entries); err != nil {
		return nil, err
	}
	return l, nil
}

// Add registers one entry. Nothing is registered if any artifact duplicates a
// registered one or another artifact in the same call.
func (l *Library) Add(sel Selection, artifacts []Artifact) error {
	return l.AddAll([]Entry{{Selection: sel, Artifacts: artifacts}})
}

// AddAll registers several entries in order, all or nothing.
func (l *Library) AddAll(entries []Entry) error {
	if l.keys == nil {
		l.keys = make(map[string]struct{})
	}
	pending := make(map[string]struct{})
	for _, e := range entries {
		if len(e.Artifacts) == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyEntry, e.Selection)
		}
		for _, a := range e.Artifacts {
			k := a.Key()
			if _, dup := l.keys[k]; dup {
				return &DuplicateArtifactError{Key: k, Path: a.Path}
			}
			if _, dup := pending[k]; dup {
				return &DuplicateArtifactError{Key: k, Path: a.Path}
			}
			pending[k] = struct{}{}
		}
	}
	for _, e := range entries {
		l.entries = append(l.entries, e.clone())
	}
	for k := range pending {
		l.keys[k] = struct{}{}
	}
	return nil
}

// Applicable returns, in registration order, every artifact whose entry
// selection intersects sel. The result is a copy.
func (l *Library) Applicable(sel Selection) []Artifact {
	var out []Artifact
	for _, e := range l.entries {
		if !e.Selection.Intersects(sel) {
			continue
		}
		for _, a := range e.Artifacts {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Invalidate removes every entry whose selection is wholly contained in
// pattern and returns how many entries were removed. Entries are removed
// whole, never truncated.
func (l *Library) Invalidate(pattern Selection) int {
	return l.InvalidateWhere(pattern, nil)
}

// InvalidateWhere is Invalidate restricted to entries whose every artifact
// satisfies match. A nil match accepts every artifact.
func (l *Library) InvalidateWhere(pattern Selection, match func(Artifact) bool) int {
	kept := l.entries[:0]
	removed := 0
	for _, e := range l.entries {
		if pattern.Contains(e.Selection) && allMatch(e.Artifacts, match) {
			for _, a := range e.Artifacts {
				delete(l.keys, a.Key())
			}
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(l.entries[len(kept):])
	l.entries = kept
	return removed
}

func allMatch(arts []Artifact, match func(Artifact) bool) bool {
	if match == nil {
		return true
	}
	for _, a := range arts {
		if !match(a) {
			return false
		}
	}
	return true
}

// MarkApplied flags the artifacts with the given keys as consumed. Either all
// keys are known and flagged, or nothing changes.
func (l *Library) MarkApplied(keys []string) error {
	for _, k := range keys {
		if _, ok := l.keys[k]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownArtifact, k)
		}
	}
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	for i := range l.entries {
		for j := range l.entries[i].Artifacts {
			if _, ok := want[l.entries[i].Artifacts[j].Key()]; ok {
				l.entries[i].Artifacts[j].Applied = true
			}
		}
	}
	return nil
}

// Has reports whether an artifact with this key is registered.
func (l *Library) Has(key string) bool {
	_, ok := l.keys[key]
	return ok
}

// Entries returns a deep copy of all entries in registration order.
func (l *Library) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

// Len returns the number of registered artifacts.
func (l *Library) Len() int {
	return len(l.keys)
}

// Clone returns an independent copy of the library.
func (l *Library) Clone() *Library {
	c := NewLibrary()
	c.entries = l.Entries()
	for k := range l.keys {
		c.keys[k] = struct{}{}
	}
	return c
}
