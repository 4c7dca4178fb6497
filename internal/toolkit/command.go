package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// ErrJobFailed indicates the toolkit reported a failure in its result record.
var ErrJobFailed = errors.New("toolkit job failed")

// response is the JSON document the toolkit runner prints on stdout.
type response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Record Record `json:"record,omitempty"`
}

// Command runs each job as `<Path> <function> --key=value ...` and reads a
// JSON response from stdout.
type Command struct {
	Path    string
	WorkDir string
	Env     []string // extra KEY=VALUE pairs appended to the process environment
	Logger  *zap.Logger
}

// buildArgs renders kwargs in sorted key order so invocations are reproducible.
func buildArgs(function string, kwargs map[string]string) []string {
	args := make([]string, 0, len(kwargs)+1)
	args = append(args, function)
	for _, k := range slices.Sorted(maps.Keys(kwargs)) {
		args = append(args, "--"+k+"="+kwargs[k])
	}
	return args
}

func (c *Command) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// Submit runs one toolkit job.
func (c *Command) Submit(ctx context.Context, function string, kwargs map[string]string) (Record, error) {
	args := buildArgs(function, kwargs)

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = c.WorkDir
	cmd.SysProcAttr = jobAttr()
	cmd.Env = append(os.Environ(), c.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger().Debug("toolkit job", zap.String("path", c.Path), zap.String("args", strings.Join(args, " ")))

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("toolkit %s: %w\nstderr: %s", function, err, stderr.String())
	}

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("toolkit %s: parsing response: %w\nraw output: %s", function, err, stdout.String())
	}
	if !resp.OK {
		return nil, fmt.Errorf("%w: %s: %s", ErrJobFailed, function, resp.Error)
	}
	if resp.Record == nil {
		resp.Record = Record{}
	}
	return resp.Record, nil
}

// Validate checks that the toolkit runner is executable.
func (c *Command) Validate() error {
	cmd := exec.Command(c.Path, "--version")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("toolkit runner not found at %q: %w", c.Path, err)
	}
	c.logger().Debug("toolkit version", zap.String("version", strings.TrimSpace(string(out))))
	return nil
}
