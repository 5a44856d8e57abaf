package sandbox

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/kolesnikovae/go-winjob"
)

// limits returns the job object limits for p. Job objects cannot restrict
// file system access, so WorkDir is not enforced.
func limits(p Policy) []winjob.Limit {
	l := []winjob.Limit{
		winjob.WithKillOnJobClose(),
		winjob.WithDieOnUnhandledException(),
		winjob.WithDesktopLimit(),
		winjob.WithDisplaySettingsLimit(),
		winjob.WithExitWindowsLimit(),
		winjob.WithGlobalAtomsLimit(),
		winjob.WithHandlesLimit(),
		winjob.WithReadClipboardLimit(),
		winjob.WithWriteClipboardLimit(),
		winjob.WithSystemParametersLimit(),
	}
	if !p.Network {
		l = append(l, winjob.WithOutgoingBandwidthLimit(0))
	}
	return l
}

type jobObject struct {
	job     *winjob.JobObject
	command *exec.Cmd
}

func (j *jobObject) Command() *exec.Cmd {
	return j.command
}

// Close closes the job object, which kills every process in it, including
// children spawned by the conversion script.
func (j *jobObject) Close() error {
	return j.job.Close()
}

// Start starts name with arg inside a job object limited by policy.
// configure, if not nil, is called before the process starts.
func Start(ctx context.Context, policy Policy, configure func(*exec.Cmd), name string, arg ...string) (Sandbox, error) {
	command := exec.CommandContext(ctx, name, arg...)
	if configure != nil {
		configure(command)
	}
	job, err := winjob.Start(command, limits(policy)...)
	if err != nil {
		return nil, fmt.Errorf("unable to start sandboxed process: %w", err)
	}
	return &jobObject{job: job, command: command}, nil
}
