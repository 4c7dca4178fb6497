package calib

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Interp is an interpolation mode along one axis.
type Interp string

const (
	InterpNearest Interp = "nearest"
	InterpLinear  Interp = "linear"
	InterpSpline  Interp = "spline"
)

// ParseInterp parses an interpolation mode. Empty input yields linear.
func ParseInterp(s string) (Interp, error) {
	switch Interp(strings.ToLower(strings.TrimSpace(s))) {
	case "", InterpLinear:
		return InterpLinear, nil
	case InterpNearest:
		return InterpNearest, nil
	case InterpSpline:
		return InterpSpline, nil
	}
	return "", fmt.Errorf("unknown interpolation %q", s)
}

// InterpPolicy says how an artifact is interpolated onto the data it is applied to.
type InterpPolicy struct {
	Time Interp `toml:"time" json:"time"`
	Freq Interp `toml:"freq,omitempty" json:"freq,omitempty"`
}

// String renders the policy the way the toolkit expects it, e.g. "linear,nearest".
func (p InterpPolicy) String() string {
	t := p.Time
	if t == "" {
		t = InterpLinear
	}
	if p.Freq == "" {
		return string(t)
	}
	return string(t) + "," + string(p.Freq)
}

// ParseInterpPolicy parses "time[,freq]".
func ParseInterpPolicy(s string) (InterpPolicy, error) {
	timePart, freqPart, hasFreq := strings.Cut(s, ",")
	t, err := ParseInterp(timePart)
	if err != nil {
		return InterpPolicy{}, err
	}
	p := InterpPolicy{Time: t}
	if hasFreq {
		f, err := ParseInterp(freqPart)
		if err != nil {
			return InterpPolicy{}, err
		}
		p.Freq = f
	}
	return p, nil
}

// JobRef describes the job that produced an artifact. StageName is the recipe
// stage that ran the job; Stage is the history stage number it committed at.
type JobRef struct {
	Task      string            `toml:"task" json:"task"`
	Function  string            `toml:"function" json:"function"`
	Args      map[string]string `toml:"args,omitempty" json:"args,omitempty"`
	Stage     int               `toml:"stage" json:"stage"`
	StageName string            `toml:"stage_name,omitempty" json:"stage_name,omitempty"`
}

// key identifies the producing job independent of the stage it ran in.
func (j JobRef) key() string {
	var sb strings.Builder
	sb.WriteString(j.Task)
	sb.WriteByte('/')
	sb.WriteString(j.Function)
	for _, k := range slices.Sorted(maps.Keys(j.Args)) {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(j.Args[k])
	}
	return sb.String()
}

// Artifact is one calibration solution product. Only Applied changes after
// construction.
type Artifact struct {
	Path    string            `toml:"path" json:"path"`
	Job     JobRef            `toml:"job" json:"job"`
	Target  Selection         `toml:"target" json:"target"`
	Interp  InterpPolicy      `toml:"interp" json:"interp"`
	SpwMap  map[string]string `toml:"spw_map,omitempty" json:"spw_map,omitempty"`
	Applied bool              `toml:"applied" json:"applied"`
}

// Key is the artifact's identity: producing job plus target selection.
func (a Artifact) Key() string {
	return a.Job.key() + "@" + a.Target.Key()
}

// MappedSpw returns the calibration spw for a data spw, falling back to the
// data spw when no mapping exists.
func (a Artifact) MappedSpw(spw string) string {
	if m, ok := a.SpwMap[spw]; ok {
		return m
	}
	return spw
}

// Clone returns a deep copy.
func (a Artifact) Clone() Artifact {
	c := a
	c.Job.Args = maps.Clone(a.Job.Args)
	c.SpwMap = maps.Clone(a.SpwMap)
	c.Target = a.Target.Normalize()
	return c
}
