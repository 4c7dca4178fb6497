// Package storage checks calibration artifacts on durable storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Store reports whether an artifact exists on durable storage.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// FSStore checks artifacts on a filesystem. Relative names resolve against Root.
type FSStore struct {
	Fs   afero.Fs
	Root string
}

// NewFSStore returns a store on the host filesystem.
func NewFSStore(root string) *FSStore {
	return &FSStore{Fs: afero.NewOsFs(), Root: root}
}

func (s *FSStore) resolve(name string) string {
	if filepath.IsAbs(name) || s.Root == "" {
		return name
	}
	return filepath.Join(s.Root, name)
}

// Exists reports whether name exists. Calibration tables are often
// directories, so either a file or a directory counts.
func (s *FSStore) Exists(_ context.Context, name string) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, errors.New("storage: empty artifact name")
	}
	_, err := s.Fs.Stat(s.resolve(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("storage: stat %s: %w", name, err)
}

// Kinds of artifact store.
const (
	KindFS    = "fs"
	KindMinio = "minio"
)

// Config selects and configures an artifact store.
type Config struct {
	Kind  string      `mapstructure:"kind" json:"kind"`
	Root  string      `mapstructure:"root" json:"root,omitempty"`
	Minio MinioConfig `mapstructure:"minio" json:"minio,omitempty"`
}

// Open builds the store described by cfg. An empty kind means the filesystem.
func Open(cfg Config) (Store, error) {
	switch cfg.Kind {
	case "", KindFS:
		return NewFSStore(cfg.Root), nil
	case KindMinio:
		return NewMinioStore(cfg.Minio)
	default:
		return nil, fmt.Errorf("storage: unknown kind %q", cfg.Kind)
	}
}

// objectKey maps an artifact name to an object key under prefix.
func objectKey(prefix, name string) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
