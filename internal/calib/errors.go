package calib

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateArtifact indicates an artifact with the same producing job and
	// target selection is already registered.
	ErrDuplicateArtifact = errors.New("duplicate calibration artifact")
	// ErrEmptyEntry indicates an entry was registered with no artifacts.
	ErrEmptyEntry = errors.New("calibration entry has no artifacts")
	// ErrUnknownArtifact indicates a key that matches no registered artifact.
	ErrUnknownArtifact = errors.New("unknown calibration artifact")
)

// DuplicateArtifactError names the artifact that collided.
type DuplicateArtifactError struct {
	Key  string
	Path string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrDuplicateArtifact, e.Path, e.Key)
}

// Unwrap lets errors.Is match ErrDuplicateArtifact.
func (e *DuplicateArtifactError) Unwrap() error {
	return ErrDuplicateArtifact
}
