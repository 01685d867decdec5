package proc

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Waiter reaps a started command exactly once and lets any number of
// goroutines observe its exit.
type Waiter struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Watch starts reaping cmd in the background. cmd must already be started.
func Watch(cmd *exec.Cmd) *Waiter {
	w := &Waiter{cmd: cmd, done: make(chan struct{})}
	go func() {
		w.err = cmd.Wait()
		close(w.done)
	}()
	return w
}

// Done is closed once the process has exited and been reaped.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Err returns the exit error. Only valid after Done is closed.
func (w *Waiter) Err() error { return w.err }

// Exited reports whether the process has already been reaped.
func (w *Waiter) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Terminate asks the process to exit with SIGTERM, waits up to grace, and
// then kills it. It returns once the process has been reaped. Calling it on
// an exited process is a no-op.
func (w *Waiter) Terminate(grace time.Duration) {
	if w.Exited() {
		return
	}
	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = w.cmd.Process.Kill()
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-w.done:
		return
	case <-t.C:
	}
	_ = w.cmd.Process.Kill()
	<-w.done
}
