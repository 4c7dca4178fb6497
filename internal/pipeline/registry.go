package pipeline

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatasetMeta describes one imported dataset.
type DatasetMeta struct {
	Name     string   `toml:"name" yaml:"name" json:"name"`
	Path     string   `toml:"path,omitempty" yaml:"path,omitempty" json:"path,omitempty"`
	Antennas []string `toml:"antennas,omitempty" yaml:"antennas,omitempty" json:"antennas,omitempty"`
	Fields   []string `toml:"fields,omitempty" yaml:"fields,omitempty" json:"fields,omitempty"`
	Spws     []string `toml:"spws,omitempty" yaml:"spws,omitempty" json:"spws,omitempty"`
	Intents  []string `toml:"intents,omitempty" yaml:"intents,omitempty" json:"intents,omitempty"`
	RefAnt   string   `toml:"refant,omitempty" yaml:"refant,omitempty" json:"refant,omitempty"`
}

func (m DatasetMeta) clone() DatasetMeta {
	m.Antennas = slices.Clone(m.Antennas)
	m.Fields = slices.Clone(m.Fields)
	m.Spws = slices.Clone(m.Spws)
	m.Intents = slices.Clone(m.Intents)
	return m
}

// Registry maps dataset names to metadata. It is read-only once built and
// preserves registration order, which fixes the commit order of parallel stages.
type Registry struct {
	order  []string
	byName map[string]DatasetMeta
}

// NewRegistry builds a registry from metas in order.
func NewRegistry(metas ...DatasetMeta) (*Registry, error) {
	r := &Registry{byName: make(map[string]DatasetMeta, len(metas))}
	for _, m := range metas {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return nil, fmt.Errorf("dataset registry: %w: name", ErrMissingArgument)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("dataset registry: duplicate dataset %q", name)
		}
		m.Name = name
		r.order = append(r.order, name)
		r.byName[name] = m.clone()
	}
	return r, nil
}

// registryFile is the YAML layout of a datasets file.
type registryFile struct {
	Datasets []DatasetMeta `yaml:"datasets"`
}

// LoadRegistry reads a YAML datasets file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading datasets file: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing datasets file: %w", err)
	}
	return NewRegistry(f.Datasets...)
}

// Subset returns a registry restricted to names, in the given order.
func (r *Registry) Subset(names []string) (*Registry, error) {
	metas := make([]DatasetMeta, 0, len(names))
	for _, n := range names {
		m, ok := r.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, n)
		}
		metas = append(metas, m)
	}
	return NewRegistry(metas...)
}

// Lookup returns the metadata for name.
func (r *Registry) Lookup(name string) (DatasetMeta, bool) {
	if r == nil {
		return DatasetMeta{}, false
	}
	m, ok := r.byName[name]
	if !ok {
		return DatasetMeta{}, false
	}
	return m.clone(), true
}

// Names returns dataset names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.order)
}

// Len returns the number of datasets.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Metas returns all metadata in registration order.
func (r *Registry) Metas() []DatasetMeta {
	if r == nil {
		return nil
	}
	out := make([]DatasetMeta, len(r.order))
	for i, n := range r.order {
		out[i] = r.byName[n].clone()
	}
	return out
}
