package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagemill/internal/cache"
	"imagemill/internal/model"
)

type fakeExec struct {
	mu    sync.Mutex
	calls int

	block chan struct{} // when non-nil, Execute waits for it to close
	delay time.Duration
	err   error
}

func (f *fakeExec) Execute(_ context.Context, _ []byte, _ model.TransformSpec, format model.Format) (*model.Artifact, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.Artifact{Data: []byte("pixels"), Format: format, Size: 6}, nil
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLoader struct{}

func (fakeLoader) Load(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("source"))), nil
}

type fakeStore struct{}

func (fakeStore) SaveJob(_ context.Context, _ model.JobRecord) error   { return nil }
func (fakeStore) UpdateJob(_ context.Context, _ model.JobRecord) error { return nil }

type fakeEvents struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (f *fakeEvents) JobFinished(_ context.Context, ev model.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) byJob(id uuid.UUID) (model.JobEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.JobID == id {
			return ev, true
		}
	}
	return model.JobEvent{}, false
}

func testRequest(fp string) SubmitRequest {
	return SubmitRequest{
		Fingerprint: fp,
		SourceRef:   "original/src.png",
		Spec:        model.TransformSpec{Ops: []model.Op{{Kind: model.OpGrayscale}}},
		Format:      model.FormatJPEG,
		Requester:   "alice",
	}
}

func newTestScheduler(t *testing.T, cfg Config, exec executor, events eventSink) (*Scheduler, *cache.LRU) {
	t.Helper()
	if events == nil {
		events = &fakeEvents{}
	}
	c := cache.NewLRU(0, 0)
	s := New(cfg, exec, c, fakeLoader{}, fakeStore{}, events)
	return s, c
}

func TestSubmitAndWait_Succeeds(t *testing.T) {
	exec := &fakeExec{}
	events := &fakeEvents{}
	s, c := newTestScheduler(t, Config{Workers: 2}, exec, events)
	s.Start()
	defer s.Stop()

	snap, created, err := s.Submit(context.Background(), testRequest("fp-ok"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.JobQueued, snap.State)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := s.Wait(ctx, snap.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobSucceeded, final.State)
	require.NotNil(t, final.Artifact)
	assert.Equal(t, "fp-ok", final.Artifact.Fingerprint)

	// A poller that observes the terminal state must also hit the cache.
	_, ok, err := c.Get("fp-ok")
	require.NoError(t, err)
	assert.True(t, ok)

	ev, ok := events.byJob(snap.ID)
	require.True(t, ok)
	assert.Equal(t, model.JobSucceeded, ev.State)
}

func TestSubmit_SingleFlight(t *testing.T) {
	exec := &fakeExec{block: make(chan struct{})}
	s, _ := newTestScheduler(t, Config{Workers: 2}, exec, nil)
	s.Start()
	defer s.Stop()

	first, created, err := s.Submit(context.Background(), testRequest("fp-dup"))
	require.NoError(t, err)
	require.True(t, created)

	// Concurrent duplicates while the first is queued or running all attach
	// to the same job.
	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, dup, err := s.Submit(context.Background(), testRequest("fp-dup"))
			assert.NoError(t, err)
			assert.False(t, dup)
			ids <- snap.ID
		}()
	}
	wg.Wait()
	close(ids)
	for id := range ids {
		assert.Equal(t, first.ID, id)
	}

	close(exec.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.Wait(ctx, first.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, exec.callCount())
}

func TestSubmit_NewJobAfterTerminal(t *testing.T) {
	exec := &fakeExec{}
	s, _ := newTestScheduler(t, Config{Workers: 1}, exec, nil)
	s.Start()
	defer s.Stop()

	first, _, err := s.Submit(context.Background(), testRequest("fp-again"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.Wait(ctx, first.ID)
	require.NoError(t, err)

	second, created, err := s.Submit(context.Background(), testRequest("fp-again"))
	require.NoError(t, err)
	assert.True(t, created, "a terminal job must not absorb new submissions")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSubmit_QueueFull(t *testing.T) {
	// No workers started: the queue only drains on Start.
	exec := &fakeExec{}
	s, _ := newTestScheduler(t, Config{Workers: 1, QueueDepth: 1}, exec, nil)

	_, _, err := s.Submit(context.Background(), testRequest("fp-1"))
	require.NoError(t, err)

	_, _, err = s.Submit(context.Background(), testRequest("fp-2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQueueFull))

	// The rejected job must leave no registry residue behind.
	_, _, err = s.Submit(context.Background(), testRequest("fp-2"))
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestCancel_QueuedJob(t *testing.T) {
	exec := &fakeExec{}
	events := &fakeEvents{}
	s, _ := newTestScheduler(t, Config{Workers: 1, QueueDepth: 4}, exec, events)
	// Not started: the job stays queued.

	snap, _, err := s.Submit(context.Background(), testRequest("fp-cancel"))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(snap.ID))

	final, err := s.Job(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, final.State)

	ev, ok := events.byJob(snap.ID)
	require.True(t, ok)
	assert.Equal(t, model.JobCancelled, ev.State)

	// The fingerprint is free for a fresh submission.
	replacement, created, err := s.Submit(context.Background(), testRequest("fp-cancel"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, snap.ID, replacement.ID)

	assert.Equal(t, 0, exec.callCount())
}

func TestCancel_UnknownJob(t *testing.T) {
	s, _ := newTestScheduler(t, Config{}, &fakeExec{}, nil)

	err := s.Cancel(uuid.New())
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestRunJob_FailureRecorded(t *testing.T) {
	exec := &fakeExec{err: errors.New("decode source: bad magic")}
	events := &fakeEvents{}
	s, c := newTestScheduler(t, Config{Workers: 1}, exec, events)
	s.Start()
	defer s.Stop()

	snap, _, err := s.Submit(context.Background(), testRequest("fp-fail"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := s.Wait(ctx, snap.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobFailed, final.State)
	assert.Contains(t, final.Error, "bad magic")
	assert.Nil(t, final.Artifact)

	_, ok, _ := c.Get("fp-fail")
	assert.False(t, ok, "failed jobs must not populate the cache")
}

func TestRunJob_Timeout(t *testing.T) {
	exec := &fakeExec{delay: 500 * time.Millisecond}
	s, _ := newTestScheduler(t, Config{Workers: 1, ExecTimeout: 50 * time.Millisecond}, exec, nil)
	s.Start()
	defer s.Stop()

	snap, _, err := s.Submit(context.Background(), testRequest("fp-slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := s.Wait(ctx, snap.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobFailed, final.State)
	assert.Contains(t, final.Error, "timeout")
}

func TestWait_ContextExpires(t *testing.T) {
	exec := &fakeExec{block: make(chan struct{})}
	s, _ := newTestScheduler(t, Config{Workers: 1}, exec, nil)
	s.Start()
	defer s.Stop()
	defer close(exec.block)

	snap, _, err := s.Submit(context.Background(), testRequest("fp-wait"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Wait(ctx, snap.ID)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSweep_ReclaimsTerminalJobs(t *testing.T) {
	exec := &fakeExec{}
	s, _ := newTestScheduler(t, Config{Workers: 1, TerminalGrace: time.Minute}, exec, nil)
	s.Start()
	defer s.Stop()

	snap, _, err := s.Submit(context.Background(), testRequest("fp-sweep"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.Wait(ctx, snap.ID)
	require.NoError(t, err)

	// Within the grace period the record stays queryable.
	s.sweep(time.Now().UTC())
	_, err = s.Job(snap.ID)
	require.NoError(t, err)

	// Past the grace period the id is reclaimed.
	s.sweep(time.Now().UTC().Add(2 * time.Minute))
	_, err = s.Job(snap.ID)
	assert.True(t, errors.Is(err, ErrJobNotFound))
}
