// Package proc wraps os/exec with the two invocation shapes the scanner
// needs: a synchronous run-to-completion helper and an asynchronous
// process handle with bounded-wait polling and incremental output tails.
package proc

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// Output is the result of a synchronous Run. A non-zero exit code is not
// an error on this level, callers decide what exit codes mean.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Started  time.Time
	Stopped  time.Time
}

// Diagnostic renders captured output for error messages.
func (o Output) Diagnostic() string {
	var b bytes.Buffer
	if o.Stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(o.Stdout)
	}
	if o.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(o.Stderr)
	}
	return b.String()
}

// Run executes the command and waits for it to finish. Exit codes are
// reported in Output, err is reserved for spawn and timeout failures.
func Run(ctx context.Context, command Command) (Output, error) {
	if command.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", command.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	out := Output{Started: time.Now().UTC()}
	err := cmd.Run()
	out.Stopped = time.Now().UTC()
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.ExitCode = 0
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		out.ExitCode = -1
		return out, err
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

// Process is a started external process. It is polled with WaitTimeout
// and killed explicitly, never through context cancellation, so that the
// caller stays in charge of teardown ordering.
type Process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	killed atomic.Bool

	mx      sync.Mutex
	waitErr error
	stopped time.Time

	stdout *Tail
	stderr *Tail
}

// Start spawns the command. The returned Process owns a goroutine waiting
// on the child, which terminates once the child exits.
func Start(ctx context.Context, command Command) (*Process, error) {
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Env = command.Env
	cmd.Dir = command.Dir
	// descendants of a killed child may keep the output pipes open,
	// Wait must not stall on them
	cmd.WaitDelay = 5 * time.Second

	p := &Process{
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: &Tail{},
		stderr: &Tail{},
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "process started", "path", command.Path, "pid", cmd.Process.Pid, "dir", command.Dir)

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mx.Lock()
	p.waitErr = err
	p.stopped = time.Now().UTC()
	p.mx.Unlock()
	close(p.done)
}

// Running reports whether the child has not exited yet.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// WaitTimeout blocks up to d and reports whether the child has exited.
func (p *Process) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Kill forcibly terminates the child. Only the first call sends the
// signal, repeated calls are no-ops.
func (p *Process) Kill() {
	if p.killed.CompareAndSwap(false, true) {
		_ = p.cmd.Process.Kill()
	}
}

// Killed reports whether Kill has been issued.
func (p *Process) Killed() bool {
	return p.killed.Load()
}

// ExitCode returns the child's exit code, or -1 while it is running or
// when it was terminated by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Stdout and Stderr expose incremental tails of the child's output.
func (p *Process) Stdout() *Tail { return p.stdout }
func (p *Process) Stderr() *Tail { return p.stderr }
