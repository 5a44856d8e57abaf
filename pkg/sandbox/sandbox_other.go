//go:build !unix && !windows

package sandbox

import (
	"context"
	"fmt"
	"os/exec"
)

type plain struct {
	cancel  context.CancelFunc
	command *exec.Cmd
}

func (p *plain) Command() *exec.Cmd {
	return p.command
}

func (p *plain) Close() error {
	p.cancel()
	return nil
}

// Start starts name with arg. The policy is not enforced on this platform.
func Start(ctx context.Context, policy Policy, configure func(*exec.Cmd), name string, arg ...string) (Sandbox, error) {
	ctx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(ctx, name, arg...)
	if configure != nil {
		configure(command)
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("unable to start process: %w", err)
	}
	return &plain{cancel: cancel, command: command}, nil
}
