package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn for every event already in the file at path, then for each
// event appended to it until ctx is canceled. A partially written line is held
// back until its newline arrives.
func Follow(ctx context.Context, path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	defer f.Close()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("telemetry: watch: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(path); err != nil {
		return fmt.Errorf("telemetry: watch %s: %w", path, err)
	}

	r := bufio.NewReader(f)
	var partial []byte
	drain := func() error {
		for {
			chunk, err := r.ReadBytes('\n')
			partial = append(partial, chunk...)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("telemetry: read: %w", err)
			}
			line := bytes.TrimSpace(partial)
			partial = partial[:0]
			if len(line) == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal(line, &evt); err != nil {
				return fmt.Errorf("telemetry: decode: %w", err)
			}
			if err := fn(evt); err != nil {
				return err
			}
		}
	}

	if err := drain(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) {
				if err := drain(); err != nil {
					return err
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("telemetry: watch: %w", err)
		}
	}
}
