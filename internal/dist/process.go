package dist

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// DefaultKillGrace is how long Close waits for a stopped worker process to
// exit before killing its process group.
const DefaultKillGrace = 10 * time.Second

// ProcessLauncher runs each worker as a child process speaking the control
// protocol on its stdin and stdout. Children get their own process group so
// the whole group can be killed, and on Linux they die with the controller.
// Each child's environment carries CALPIPE_WORKER_ID, which the reaper checks
// before killing a recorded pid.
type ProcessLauncher struct {
	Path      string   // executable; defaults to the running binary
	Args      []string // defaults to {"worker"}
	Env       []string // appended to the controller's environment
	Stderr    io.Writer
	KillGrace time.Duration
	Logger    *zap.Logger
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context, id string) (*Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker executable: %w", err)
		}
		path = exe
	}
	args := l.Args
	if args == nil {
		args = []string{"worker"}
	}
	grace := l.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s stdin: %w", id, err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("worker %s stdout: %w", id, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(append(os.Environ(), l.Env...), "CALPIPE_WORKER_ID="+id)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = workerAttr()

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW} {
			f.Close()
		}
		return nil, fmt.Errorf("starting worker %s: %w", id, err)
	}
	// The child holds its own copies.
	inR.Close()
	outW.Close()

	pid := cmd.Process.Pid
	log.Debug("worker process started", zap.String("worker", id), zap.Int("pid", pid))

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	closeFn := func() error {
		inW.Close()
		var err error
		select {
		case err = <-exited:
		case <-time.After(grace):
			log.Warn("worker did not exit, killing", zap.String("worker", id), zap.Int("pid", pid))
			killGroup(cmd)
			err = <-exited
		}
		outR.Close()
		return err
	}
	killFn := func() error {
		return killGroup(cmd)
	}
	return NewLink(id, pid, inW, outR, closeFn, killFn), nil
}
