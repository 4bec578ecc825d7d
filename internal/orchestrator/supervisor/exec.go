package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ExecLauncher launches shard processes with os/exec, inheriting stdio so
// shard logs land in the orchestrator's output.
type ExecLauncher struct {
	Command string
	Args    []string
}

// NewExecLauncher creates a launcher for the given shard binary.
func NewExecLauncher(command string, args ...string) (*ExecLauncher, error) {
	if command == "" {
		return nil, fmt.Errorf("shard command is required")
	}
	return &ExecLauncher{Command: command, Args: args}, nil
}

// Launch starts one isolated shard child process.
func (l *ExecLauncher) Launch(spec Spec, env []string) (Process, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.InstanceID, err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}
