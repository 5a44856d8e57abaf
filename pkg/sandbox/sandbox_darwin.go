package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
)

// profile builds the sandbox-exec profile for p. The conversion script needs
// a Python interpreter whose packages may live anywhere, so reads stay
// allowed apart from credentials.
func profile(p Policy, home, dir string) string {
	var b strings.Builder
	b.WriteString("(version 1)\n(allow default)\n")
	if !p.Network {
		b.WriteString("(deny network*)\n")
	}
	b.WriteString("(deny device*)\n(deny nvram*)\n(deny system*)\n(deny user-preference*)\n")
	fmt.Fprintf(&b, "(deny file-read*\n    (subpath %q)\n    (subpath %q)\n    (subpath %q))\n",
		home+"/.ssh", home+"/.aws", home+"/.cache/huggingface")
	b.WriteString("(deny file-write*)\n")
	fmt.Fprintf(&b, "(allow file-write*\n    (literal \"/dev/null\")\n    (subpath \"/private/var\")\n    (subpath \"/private/tmp\")\n    (subpath %q))\n", dir)
	return b.String()
}

// workDir returns the absolute write tree of p.
func workDir(p Policy) (string, error) {
	if p.WorkDir == "" {
		return os.Getwd()
	}
	return filepath.Abs(p.WorkDir)
}

type sandboxExec struct {
	cancel  context.CancelFunc
	command *exec.Cmd
}

func (s *sandboxExec) Command() *exec.Cmd {
	return s.command
}

func (s *sandboxExec) Close() error {
	s.cancel()
	return nil
}

// Start starts name with arg under sandbox-exec with a profile built from
// policy. configure, if not nil, is called before the process starts.
func Start(ctx context.Context, policy Policy, configure func(*exec.Cmd), name string, arg ...string) (Sandbox, error) {
	current, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("unable to lookup user: %w", err)
	}
	dir, err := workDir(policy)
	if err != nil {
		return nil, fmt.Errorf("unable to determine working directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	args := append([]string{"-p", profile(policy, current.HomeDir, dir), name}, arg...)
	command := exec.CommandContext(ctx, "sandbox-exec", args...)
	if configure != nil {
		configure(command)
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("unable to start sandboxed process: %w", err)
	}
	return &sandboxExec{cancel: cancel, command: command}, nil
}
