package dist

import (
	"context"
	"io"
	"sync"
)

// Link is the controller's end of one worker's control channel.
type Link struct {
	ID  string
	PID int // 0 for in-process workers

	enc   *Encoder
	dec   *Decoder
	close func() error
	kill  func() error

	closeOnce sync.Once
	closeErr  error
}

// NewLink wires a link to a worker. closeFn ends the channel and waits for the
// worker to exit; killFn terminates it without waiting.
func NewLink(id string, pid int, w io.Writer, r io.Reader, closeFn, killFn func() error) *Link {
	return &Link{
		ID:    id,
		PID:   pid,
		enc:   NewEncoder(w),
		dec:   NewDecoder(r),
		close: closeFn,
		kill:  killFn,
	}
}

// Send writes one message to the worker.
func (l *Link) Send(m Message) error { return l.enc.Send(m) }

// Recv reads the worker's next message.
func (l *Link) Recv() (Message, error) { return l.dec.Recv() }

// Close ends the channel and waits for the worker to exit. It is idempotent.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		if l.close != nil {
			l.closeErr = l.close()
		}
	})
	return l.closeErr
}

// Kill terminates the worker without waiting for it.
func (l *Link) Kill() error {
	if l.kill == nil {
		return nil
	}
	return l.kill()
}

// Launcher starts one worker and returns its link.
type Launcher interface {
	Launch(ctx context.Context, id string) (*Link, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, id string) (*Link, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, id string) (*Link, error) {
	return f(ctx, id)
}

// PipeLink runs serve on its own goroutine, connected to the returned link by
// in-memory pipes. When serve returns, its error is what the controller sees
// on its next receive; a nil error reads as a clean end of channel.
func PipeLink(id string, serve func(r io.Reader, w io.Writer) error) *Link {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)

	go func() {
		err := serve(inR, outW)
		outW.CloseWithError(err)
		inR.CloseWithError(io.ErrClosedPipe)
		done <- err
	}()

	closeFn := func() error {
		inW.Close()
		err := <-done
		outR.Close()
		return err
	}
	killFn := func() error {
		inW.CloseWithError(ErrKilled)
		outW.CloseWithError(ErrKilled)
		return nil
	}
	return NewLink(id, 0, inW, outR, closeFn, killFn)
}

// InProcessLauncher runs workers as goroutines of the controller process.
type InProcessLauncher struct {
	Worker *Worker
}

// Launch implements Launcher.
func (l InProcessLauncher) Launch(ctx context.Context, id string) (*Link, error) {
	w := l.Worker
	if w == nil {
		w = &Worker{}
	}
	return PipeLink(id, func(r io.Reader, wr io.Writer) error {
		return w.Serve(ctx, r, wr)
	}), nil
}
