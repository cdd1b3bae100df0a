package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// proc abstracts one spawned encoder child so the state machine can be
// exercised without real processes.
type proc interface {
	PID() int
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Wait blocks until exit and returns the exit code; err is non-nil only
	// for wait-level failures, not for non-zero exits.
	Wait() (int, error)
	// Terminate delivers the graceful termination signal to the process group.
	Terminate() error
	// Kill forcibly ends the process group.
	Kill() error
}

type spawnFunc func(program string, args []string) (proc, error)

// osProc wraps exec.Cmd with pre-allocated pipes and group signaling.
type osProc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// spawnOS starts the encoder with stdin closed and stdout/stderr captured.
// The child runs in its own process group so signals reach any helpers it
// forks.
func spawnOS(program string, args []string) (proc, error) {
	cmd := exec.Command(program, args...)
	cmd.SysProcAttr = sysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", program, err)
	}
	return &osProc{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *osProc) PID() int              { return p.cmd.Process.Pid }
func (p *osProc) Stdout() io.ReadCloser { return p.stdout }
func (p *osProc) Stderr() io.ReadCloser { return p.stderr }

func (p *osProc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *osProc) Terminate() error { return signalGroup(p.cmd.Process.Pid, false) }
func (p *osProc) Kill() error      { return signalGroup(p.cmd.Process.Pid, true) }
