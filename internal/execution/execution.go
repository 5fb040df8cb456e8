// ABOUTME: Process-execution capability used to serve ExecuteCommand requests.
// ABOUTME: Launches shell commands and exposes their output as pollable chunks.

package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// PollStatus reports whether PollOutput produced data.
type PollStatus int

const (
	// PollSuccess means a chunk (possibly empty while the process runs) was returned.
	PollSuccess PollStatus = iota
	// PollNoMoreOutput means the process has finished and all output was drained.
	PollNoMoreOutput
)

// RunningCode is returned by ReturnCode until the process exits.
const RunningCode = -1

// Executor launches commands.
type Executor interface {
	Launch(ctx context.Context, command string) (Execution, error)
}

// Execution is a launched command.
type Execution interface {
	// PollOutput returns stdout and stderr produced since the last call.
	PollOutput() (stdout, stderr []byte, status PollStatus)
	IsFinished() bool
	// ReturnCode is the exit status, or RunningCode while running or when the
	// process was killed by a signal.
	ReturnCode() int
}

// ShellExecutor runs commands through a POSIX shell.
type ShellExecutor struct {
	Shell   string
	Timeout time.Duration
	logger  *slog.Logger
}

// NewShellExecutor creates an executor. An empty shell means /bin/sh; a zero
// timeout means no limit.
func NewShellExecutor(shell string, timeout time.Duration, logger *slog.Logger) *ShellExecutor {
	if shell == "" {
		shell = "/bin/sh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShellExecutor{
		Shell:   shell,
		Timeout: timeout,
		logger:  logger.With("component", "executor"),
	}
}

// Launch starts command and returns immediately.
func (e *ShellExecutor) Launch(ctx context.Context, command string) (Execution, error) {
	cancel := context.CancelFunc(func() {})
	if e.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
	}

	cmd := exec.CommandContext(ctx, e.Shell, "-c", command)
	// grandchildren may keep the output pipes open after the shell is killed
	cmd.WaitDelay = time.Second
	x := &shellExecution{code: RunningCode}
	cmd.Stdout = &x.stdout
	cmd.Stderr = &x.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %q: %w", command, err)
	}
	e.logger.Debug("command launched", "command", command, "pid", cmd.Process.Pid)

	go func() {
		defer cancel()
		err := cmd.Wait()

		code := cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			e.logger.Warn("command wait failed", "command", command, "error", err)
		}

		x.mu.Lock()
		x.code = code
		x.finished = true
		x.mu.Unlock()
	}()

	return x, nil
}

// lockedBuffer is written by the process pipes and drained by PollOutput.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	out, _ := io.ReadAll(&b.buf)
	return out
}

type shellExecution struct {
	stdout lockedBuffer
	stderr lockedBuffer

	mu       sync.Mutex
	code     int
	finished bool
}

func (x *shellExecution) PollOutput() ([]byte, []byte, PollStatus) {
	finished := x.IsFinished()
	stdout, stderr := x.stdout.drain(), x.stderr.drain()
	if finished && stdout == nil && stderr == nil {
		return nil, nil, PollNoMoreOutput
	}
	return stdout, stderr, PollSuccess
}

func (x *shellExecution) IsFinished() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.finished
}

func (x *shellExecution) ReturnCode() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.code
}

// Output is everything a finished command produced.
type Output struct {
	Stdout     string
	Stderr     string
	ReturnCode int
}

// Collect launches command and polls it until it finishes and its output is
// drained.
func Collect(ctx context.Context, e Executor, command string) (Output, error) {
	x, err := e.Launch(ctx, command)
	if err != nil {
		return Output{}, err
	}

	var stdout, stderr bytes.Buffer
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		out, errOut, status := x.PollOutput()
		stdout.Write(out)
		stderr.Write(errOut)
		if status == PollNoMoreOutput {
			break
		}
		if !x.IsFinished() {
			<-ticker.C
		}
	}

	return Output{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ReturnCode: x.ReturnCode(),
	}, nil
}
