// Package calib holds the calibration library: the rule table that maps a data
// selection to the ordered calibration artifacts that apply to it.
package calib

import (
	"slices"
	"strings"
)

// Wildcard matches any value on an axis.
const Wildcard = "*"

// Selection is a predicate over a dataset. An empty axis is unconstrained.
// Selections are values; treat them as immutable once built.
type Selection struct {
	Dataset  string   `toml:"dataset,omitempty" json:"dataset,omitempty" yaml:"dataset,omitempty"`
	Fields   []string `toml:"fields,omitempty" json:"fields,omitempty" yaml:"fields,omitempty"`
	Spws     []string `toml:"spws,omitempty" json:"spws,omitempty" yaml:"spws,omitempty"`
	Intents  []string `toml:"intents,omitempty" json:"intents,omitempty" yaml:"intents,omitempty"`
	Scans    []string `toml:"scans,omitempty" json:"scans,omitempty" yaml:"scans,omitempty"`
	Antennas []string `toml:"antennas,omitempty" json:"antennas,omitempty" yaml:"antennas,omitempty"`
}

// axes returns the selection's axes in a fixed order, dataset first.
func (s Selection) axes() [6][]string {
	var ds []string
	if s.Dataset != "" {
		ds = []string{s.Dataset}
	}
	return [6][]string{ds, s.Fields, s.Spws, s.Intents, s.Scans, s.Antennas}
}

var axisNames = [6]string{"ds", "field", "spw", "intent", "scan", "antenna"}

// Normalize returns a copy with every axis sorted and de-duplicated. An axis
// containing the wildcard collapses to just the wildcard.
func (s Selection) Normalize() Selection {
	return Selection{
		Dataset:  strings.TrimSpace(s.Dataset),
		Fields:   normalizeAxis(s.Fields),
		Spws:     normalizeAxis(s.Spws),
		Intents:  normalizeAxis(s.Intents),
		Scans:    normalizeAxis(s.Scans),
		Antennas: normalizeAxis(s.Antennas),
	}
}

func normalizeAxis(vals []string) []string {
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if v == Wildcard {
			return []string{Wildcard}
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Intersects reports whether s and other can denote common data. Two
// selections intersect iff on every axis the values overlap, or either side
// is empty or the wildcard. The relation is symmetric.
func (s Selection) Intersects(other Selection) bool {
	a, b := s.axes(), other.axes()
	for i := range a {
		if !axisIntersects(a[i], b[i]) {
			return false
		}
	}
	return true
}

func axisIntersects(a, b []string) bool {
	if unconstrained(a) || unconstrained(b) {
		return true
	}
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}

// Contains reports whether every piece of data other denotes is also denoted
// by s. An axis that is unconstrained on s contains anything; a constrained
// axis on s only contains a constrained subset on other.
func (s Selection) Contains(other Selection) bool {
	a, b := s.axes(), other.axes()
	for i := range a {
		if unconstrained(a[i]) {
			continue
		}
		if unconstrained(b[i]) {
			return false
		}
		for _, v := range b[i] {
			if !slices.Contains(a[i], v) {
				return false
			}
		}
	}
	return true
}

// Equal reports structural equality after normalization.
func (s Selection) Equal(other Selection) bool {
	return s.Key() == other.Key()
}

// IsZero reports whether the selection constrains nothing.
func (s Selection) IsZero() bool {
	for _, ax := range s.axes() {
		if !unconstrained(ax) {
			return false
		}
	}
	return true
}

// Key renders a canonical string, e.g. "ds=ms1;intent=BANDPASS". Unconstrained
// axes are omitted.
func (s Selection) Key() string {
	n := s.Normalize()
	var parts []string
	for i, ax := range n.axes() {
		if len(ax) == 0 {
			continue
		}
		parts = append(parts, axisNames[i]+"="+strings.Join(ax, ","))
	}
	return strings.Join(parts, ";")
}

// String implements fmt.Stringer.
func (s Selection) String() string {
	k := s.Key()
	if k == "" {
		return "{}"
	}
	return "{" + k + "}"
}

func unconstrained(ax []string) bool {
	return len(ax) == 0 || slices.Contains(ax, Wildcard)
}
