package restart

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

type fakeHub struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeHub) RestartSpace(_ context.Context, spaceID string, factoryReboot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if factoryReboot {
		f.calls = append(f.calls, spaceID)
	}
	return f.err
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func run(t *testing.T, r *Restarter) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestRunRestartsOnInterval(t *testing.T) {
	log, hook := test.NewNullLogger()
	hub := &fakeHub{err: errors.New("503 Service Unavailable")}
	stop := run(t, New(log, hub, "ggml-org/gguf-my-repo", 10*time.Millisecond))

	assert.Eventually(t, func() bool { return hub.count() >= 2 }, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, "ggml-org/gguf-my-repo", hub.calls[0])
	var errs int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errs++
		}
	}
	assert.GreaterOrEqual(t, errs, 2, "failures are logged and retried")
}

func TestRunDisabled(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	hub := &fakeHub{}

	done := make(chan struct{})
	go func() {
		New(log, hub, "", time.Millisecond).Run(t.Context())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("disabled restarter did not return")
	}
	assert.Zero(t, hub.count())
}
