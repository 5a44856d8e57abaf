// Package sandbox starts the llama.cpp tools with the restrictions the host
// platform offers: a sandbox-exec profile on macOS, a job object on Windows
// and a process group elsewhere.
package sandbox

import (
	"os"
	"os/exec"
	"runtime"
	"time"
)

// Policy describes what a sandboxed process may do.
type Policy struct {
	// WorkDir is the only tree, besides temporary directories, the process
	// may write to. Empty means the current directory.
	WorkDir string
	// Network allows outgoing connections.
	Network bool
}

// Toolchain is the policy for conversion and quantization runs writing
// below dir. They never need the network.
func Toolchain(dir string) Policy {
	return Policy{WorkDir: dir}
}

// Sandbox is a single running sandboxed process.
type Sandbox interface {
	// Command returns the process handle.
	Command() *exec.Cmd
	// Close terminates whatever is left of the process and its children.
	Close() error
}

// WithGracefulStop configures command so that cancellation of its context
// interrupts the process first and only kills it once grace has elapsed.
// Windows has no interrupt signal for arbitrary processes, so the process is
// killed immediately there.
func WithGracefulStop(command *exec.Cmd, grace time.Duration) {
	command.Cancel = func() error {
		if runtime.GOOS == "windows" {
			return command.Process.Kill()
		}
		return command.Process.Signal(os.Interrupt)
	}
	command.WaitDelay = grace
}
