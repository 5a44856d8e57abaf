//go:build unix && !darwin

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// group runs the process as the leader of its own process group, so that
// Close also reaches the workers the conversion script forks.
type group struct {
	cancel  context.CancelFunc
	command *exec.Cmd
}

func (g *group) Command() *exec.Cmd {
	return g.command
}

func (g *group) Close() error {
	defer g.cancel()
	err := syscall.Kill(-g.command.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group: %w", err)
	}
	return nil
}

// Start starts name with arg. configure, if not nil, is called before the
// process starts. The policy is not enforced on this platform.
func Start(ctx context.Context, policy Policy, configure func(*exec.Cmd), name string, arg ...string) (Sandbox, error) {
	ctx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(ctx, name, arg...)
	command.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if configure != nil {
		configure(command)
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("unable to start process: %w", err)
	}
	return &group{cancel: cancel, command: command}, nil
}
