package jobs

import (
	"context"
	"sync"
	"time"
)

// State is a job's lifecycle stage.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Finished reports whether the state is terminal.
func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed
}

// Kind names what a job does.
type Kind string

const (
	// KindQuantize produces files for review.
	KindQuantize Kind = "quantize"
	// KindUpload publishes reviewed files.
	KindUpload Kind = "upload"
	// KindRun quantizes and publishes in one go.
	KindRun Kind = "run"
)

// Func is the work of a job. Output written to the job is streamed to its
// subscribers.
type Func func(ctx context.Context, job *Job) (any, error)

// Info is a snapshot of a job.
type Info struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Owner    string    `json:"owner"`
	State    State     `json:"state"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
}

// Job is a unit of queued work.
type Job struct {
	// ID is the job's UUID.
	ID string
	// Kind is what the job does.
	Kind Kind
	// Owner is the user that submitted the job.
	Owner string

	fn   Func
	log  *Broadcaster
	done chan struct{}

	// mu guards all subsequent fields.
	mu       sync.Mutex
	state    State
	result   any
	err      error
	created  time.Time
	started  time.Time
	finished time.Time
	cancel   context.CancelFunc
}

func newJob(id string, kind Kind, owner string, fn Func, now time.Time) *Job {
	return &Job{
		ID:      id,
		Kind:    kind,
		Owner:   owner,
		fn:      fn,
		log:     NewBroadcaster(),
		done:    make(chan struct{}),
		state:   StateQueued,
		created: now,
	}
}

// Write appends to the job's output.
func (j *Job) Write(p []byte) (int, error) {
	return j.log.Write(p)
}

// Log returns the job's output broadcaster.
func (j *Job) Log() *Broadcaster {
	return j.log
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns what the job's function returned. It is only meaningful
// once the job has finished.
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Info returns a snapshot of the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := Info{
		ID:       j.ID,
		Kind:     j.Kind,
		Owner:    j.Owner,
		State:    j.state,
		Created:  j.created,
		Started:  j.started,
		Finished: j.finished,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

// Cancel stops a running job or prevents a queued one from starting.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.state == StateRunning && j.cancel != nil:
		j.cancel()
	case j.state == StateQueued:
		j.finishLocked(nil, context.Canceled, time.Now())
	}
}

// start moves a queued job to running. It reports false if the job was
// cancelled while queued.
func (j *Job) start(cancel context.CancelFunc, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateQueued {
		return false
	}
	j.state = StateRunning
	j.started = now
	j.cancel = cancel
	return true
}

func (j *Job) finish(result any, err error, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finishLocked(result, err, now)
}

func (j *Job) finishLocked(result any, err error, now time.Time) {
	if j.state.Finished() {
		return
	}
	j.result, j.err = result, err
	j.state = StateSucceeded
	if err != nil {
		j.state = StateFailed
	}
	j.finished = now
	j.cancel = nil
	j.log.Close()
	close(j.done)
}

// expired reports whether the job finished before the cutoff.
func (j *Job) expired(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Finished() && j.finished.Before(cutoff)
}
