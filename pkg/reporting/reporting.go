// Package reporting sends failed jobs to Sentry.
package reporting

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/docker/gguf-my-repo/pkg/jobs"
)

// Reporter reports job failures to a Sentry project.
type Reporter struct {
	hub *sentry.Hub
}

// New creates a reporter for the given client options.
func New(options sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, fmt.Errorf("creating sentry client: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// ReportFailure implements jobs.Reporter.
func (r *Reporter) ReportFailure(job jobs.Info, err error) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job.kind", string(job.Kind))
		scope.SetUser(sentry.User{Username: job.Owner})
		scope.SetContext("job", sentry.Context{
			"id":       job.ID,
			"created":  job.Created.Format(time.RFC3339),
			"started":  job.Started.Format(time.RFC3339),
			"finished": job.Finished.Format(time.RFC3339),
		})
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
