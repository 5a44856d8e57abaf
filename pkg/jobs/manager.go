// Package jobs queues conversion requests and runs them one at a time.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docker/gguf-my-repo/pkg/logging"
)

const (
	// DefaultQueueSize is the number of jobs that may wait for the worker.
	DefaultQueueSize = 5
	// DefaultRetention is how long finished jobs stay available.
	DefaultRetention = time.Hour
	// expiryInterval is how often finished jobs are checked for expiry.
	expiryInterval = time.Minute
)

var (
	// ErrQueueFull is returned when too many jobs are waiting.
	ErrQueueFull = errors.New("too many requests are queued, please try again later")
	// ErrNotFound is returned for unknown or expired jobs.
	ErrNotFound = errors.New("job not found")
)

// Reporter is notified of failed jobs.
type Reporter interface {
	ReportFailure(job Info, err error)
}

// Config configures a Manager.
type Config struct {
	// QueueSize bounds the number of waiting jobs.
	QueueSize int
	// Retention is how long finished jobs are kept.
	Retention time.Duration
	// Reporter, if set, receives failed jobs.
	Reporter Reporter
}

// Stats are the manager's counters.
type Stats struct {
	// Queued and Running are current job counts.
	Queued  int
	Running int
	// Submitted, Rejected, Succeeded and Failed count jobs since start.
	Submitted uint64
	Rejected  uint64
	Succeeded uint64
	Failed    uint64
	// BusySeconds is the total time spent running jobs.
	BusySeconds float64
}

// Manager owns the job queue and its single worker.
type Manager struct {
	// log is the associated logger.
	log logging.Logger
	// reporter receives failed jobs. It may be nil.
	reporter Reporter
	// retention is how long finished jobs are kept.
	retention time.Duration
	// queue holds jobs waiting for the worker.
	queue chan *Job
	// now returns the current time.
	now func() time.Time

	// mu guards all subsequent fields.
	mu sync.Mutex
	// jobs indexes all jobs that have not expired.
	jobs map[string]*Job
	// onExpire, if set, is called for every expired job.
	onExpire func(*Job)
	// stats are the manager's counters.
	stats Stats
}

// New creates a manager. Jobs only run while Run is active.
func New(log logging.Logger, config Config) *Manager {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	return &Manager{
		log:       log,
		reporter:  config.Reporter,
		retention: config.Retention,
		queue:     make(chan *Job, config.QueueSize),
		now:       time.Now,
		jobs:      make(map[string]*Job),
	}
}

// Submit queues fn on behalf of owner.
func (m *Manager) Submit(kind Kind, owner string, fn Func) (*Job, error) {
	job := newJob(uuid.NewString(), kind, owner, fn, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case m.queue <- job:
	default:
		m.stats.Rejected++
		return nil, ErrQueueFull
	}
	m.jobs[job.ID] = job
	m.stats.Submitted++
	m.stats.Queued++
	m.log.Infof("Queued %s job %s", kind, job.ID)
	return job, nil
}

// Get returns a job by ID.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// List returns snapshots of all jobs, newest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, job.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Created.After(infos[j].Created)
	})
	return infos
}

// OnExpire registers fn to be called, outside the manager's lock, for every
// job that expires. It replaces any earlier registration.
func (m *Manager) OnExpire(fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Stats returns the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Run is the manager's main loop. It runs queued jobs one at a time and
// expires finished jobs until ctx is cancelled. A running job's context is
// derived from ctx.
func (m *Manager) Run(ctx context.Context) {
	var loops sync.WaitGroup
	loops.Add(2)

	go func() {
		defer loops.Done()
		m.work(ctx)
	}()

	go func() {
		defer loops.Done()
		ticker := time.NewTicker(expiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expire()
			}
		}
	}()

	loops.Wait()
}

func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.queue:
			m.runJob(ctx, job)
		}
	}
}

func (m *Manager) runJob(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	m.stats.Queued--
	m.mu.Unlock()

	start := m.now()
	if !job.start(cancel, start) {
		m.log.Infof("Skipping cancelled job %s", job.ID)
		m.record(job, context.Canceled, 0)
		return
	}
	m.mu.Lock()
	m.stats.Running++
	m.mu.Unlock()

	m.log.Infof("Running %s job %s", job.Kind, job.ID)
	result, err := m.call(jobCtx, job)
	job.finish(result, err, m.now())

	m.mu.Lock()
	m.stats.Running--
	m.mu.Unlock()
	m.record(job, err, m.now().Sub(start))
}

// call runs the job's function, turning panics into errors.
func (m *Manager) call(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.fn(ctx, job)
}

func (m *Manager) record(job *Job, err error, elapsed time.Duration) {
	m.mu.Lock()
	m.stats.BusySeconds += elapsed.Seconds()
	if err != nil {
		m.stats.Failed++
	} else {
		m.stats.Succeeded++
	}
	m.mu.Unlock()

	if err == nil {
		m.log.Infof("Job %s succeeded in %s", job.ID, elapsed.Round(time.Second))
		return
	}
	m.log.Warnf("Job %s failed: %v", job.ID, err)
	if m.reporter != nil && !errors.Is(err, context.Canceled) {
		m.reporter.ReportFailure(job.Info(), err)
	}
}

// expire removes jobs that finished more than the retention period ago and
// hands them to the expiry hook.
func (m *Manager) expire() {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	var expired []*Job
	for id, job := range m.jobs {
		if job.expired(cutoff) {
			delete(m.jobs, id)
			expired = append(expired, job)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, job := range expired {
		m.log.Debugf("Expired job %s", job.ID)
		if hook != nil {
			hook(job)
		}
	}
}
