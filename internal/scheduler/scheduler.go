// Package scheduler owns the transformation job registry and the bounded
// worker pool that drains it. All mutation of job state goes through the
// scheduler's methods, which are internally synchronized; callers never see
// raw shared state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"imagemill/internal/cache"
	"imagemill/internal/model"
)

var (
	// ErrJobNotFound is returned for unknown or already reclaimed job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueFull is returned when the queue cannot accept another job.
	ErrQueueFull = errors.New("job queue full")
)

// executor runs one transformation. Satisfied by transform.Executor.
type executor interface {
	Execute(ctx context.Context, src []byte, spec model.TransformSpec, format model.Format) (*model.Artifact, error)
}

// sourceLoader reads original image bytes by storage reference.
type sourceLoader interface {
	Load(ctx context.Context, ref string) (io.ReadCloser, error)
}

// jobStore persists job records in the metadata store.
type jobStore interface {
	SaveJob(ctx context.Context, rec model.JobRecord) error
	UpdateJob(ctx context.Context, rec model.JobRecord) error
}

// eventSink publishes terminal job events.
type eventSink interface {
	JobFinished(ctx context.Context, ev model.JobEvent) error
}

// Config bounds the pool and the job lifecycle.
type Config struct {
	Workers       int
	QueueDepth    int
	ExecTimeout   time.Duration
	TerminalGrace time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 128
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.TerminalGrace <= 0 {
		c.TerminalGrace = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// SubmitRequest describes one transformation to run.
type SubmitRequest struct {
	Fingerprint string
	SourceRef   string
	Spec        model.TransformSpec
	Format      model.Format
	Requester   string
}

// Snapshot is a point-in-time copy of a job, safe to hand to callers.
type Snapshot struct {
	ID          uuid.UUID
	Fingerprint string
	Requester   string
	State       model.JobState
	Error       string
	Artifact    *model.Artifact
	EnqueuedAt  time.Time
	FinishedAt  time.Time
}

// Record converts the snapshot to its persisted form.
func (s Snapshot) Record() model.JobRecord {
	return model.JobRecord{
		ID:          s.ID,
		Fingerprint: s.Fingerprint,
		Requester:   s.Requester,
		State:       s.State,
		Error:       s.Error,
		EnqueuedAt:  s.EnqueuedAt,
		FinishedAt:  s.FinishedAt,
	}
}

type job struct {
	id  uuid.UUID
	req SubmitRequest

	state      model.JobState
	errMsg     string
	artifact   *model.Artifact
	enqueuedAt time.Time
	finishedAt time.Time

	// done is closed exactly once, on the transition to a terminal state.
	// All waiters for the same fingerprint observe the same outcome.
	done chan struct{}
}

// Scheduler accepts transformation requests, deduplicates in-flight work per
// fingerprint and runs executions on a bounded worker pool.
type Scheduler struct {
	cfg     Config
	exec    executor
	cache   cache.Cache
	sources sourceLoader
	store   jobStore
	events  eventSink

	mu   sync.Mutex
	byFP map[string]*job
	byID map[uuid.UUID]*job

	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped Scheduler; call Start to spin up the pool.
func New(cfg Config, exec executor, c cache.Cache, sources sourceLoader, store jobStore, events eventSink) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		exec:    exec,
		cache:   c,
		sources: sources,
		store:   store,
		events:  events,
		byFP:    make(map[string]*job),
		byID:    make(map[uuid.UUID]*job),
		queue:   make(chan *job, cfg.QueueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool and the terminal-record janitor.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.wg.Add(1)
	go s.janitor()
	zlog.Logger.Info().Int("workers", s.cfg.Workers).Msg("scheduler started")
}

// Stop shuts the pool down and waits for in-flight jobs to settle.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Submit enqueues a transformation, or attaches to the existing non-terminal
// job for the same fingerprint (single-flight). The boolean reports whether a
// new job was created.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (Snapshot, bool, error) {
	s.mu.Lock()
	if existing, ok := s.byFP[req.Fingerprint]; ok && !existing.state.Terminal() {
		snap := snapshotLocked(existing)
		s.mu.Unlock()
		return snap, false, nil
	}

	j := &job{
		id:         uuid.New(),
		req:        req,
		state:      model.JobQueued,
		enqueuedAt: time.Now().UTC(),
		done:       make(chan struct{}),
	}
	s.byFP[req.Fingerprint] = j
	s.byID[j.id] = j
	snap := snapshotLocked(j)
	s.mu.Unlock()

	select {
	case s.queue <- j:
	default:
		s.mu.Lock()
		delete(s.byFP, req.Fingerprint)
		delete(s.byID, j.id)
		s.mu.Unlock()
		return Snapshot{}, false, ErrQueueFull
	}

	if err := s.store.SaveJob(ctx, snap.Record()); err != nil {
		zlog.Logger.Error().Err(err).Str("job_id", j.id.String()).Msg("failed to persist job record")
	}

	zlog.Logger.Info().
		Str("job_id", j.id.String()).
		Str("fingerprint", req.Fingerprint).
		Str("requester", req.Requester).
		Msg("job enqueued")
	return snap, true, nil
}

// Job returns the current state of a job. Terminal jobs stay queryable for
// the configured grace period, then the id is reclaimed.
func (s *Scheduler) Job(id uuid.UUID) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.byID[id]
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return snapshotLocked(j), nil
}

// Wait blocks until the job reaches a terminal state or ctx expires. The
// caller supplies the timeout; nothing blocks indefinitely.
func (s *Scheduler) Wait(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	s.mu.Lock()
	j, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}

	select {
	case <-j.done:
		return s.Job(id)
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Cancel removes a queued job. Cancelling a running job is best-effort: it is
// allowed to run to completion and its artifact is cached, since the result
// is reusable by other callers. Terminal jobs are left untouched.
func (s *Scheduler) Cancel(id uuid.UUID) error {
	s.mu.Lock()
	j, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if j.state != model.JobQueued {
		s.mu.Unlock()
		return nil
	}
	snap := s.finishLocked(j, model.JobCancelled, nil, "cancelled before execution")
	s.mu.Unlock()

	s.announce(snap)
	return nil
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.queue:
			s.runJob(id, j)
		}
	}
}

func (s *Scheduler) runJob(workerID int, j *job) {
	s.mu.Lock()
	if j.state != model.JobQueued {
		// Cancelled while waiting in the queue.
		s.mu.Unlock()
		return
	}
	j.state = model.JobRunning
	s.mu.Unlock()

	zlog.Logger.Info().
		Int("worker_id", workerID).
		Str("job_id", j.id.String()).
		Str("fingerprint", j.req.Fingerprint).
		Msg("job started")

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ExecTimeout)
	defer cancel()

	artifact, err := s.execute(ctx, j)

	// The artifact is registered with the cache before the job is observable
	// as succeeded, so a poller that sees the terminal state also hits cache.
	if err == nil {
		artifact.Fingerprint = j.req.Fingerprint
		if cerr := s.cache.Put(artifact.Fingerprint, artifact); cerr != nil {
			zlog.Logger.Warn().Err(cerr).
				Str("fingerprint", artifact.Fingerprint).
				Msg("artifact cache degraded, result not cached")
		}
	}

	var snap Snapshot
	s.mu.Lock()
	switch {
	case err == nil:
		snap = s.finishLocked(j, model.JobSucceeded, artifact, "")
	case errors.Is(err, context.DeadlineExceeded):
		snap = s.finishLocked(j, model.JobFailed, nil,
			fmt.Sprintf("timeout after %s", s.cfg.ExecTimeout))
	default:
		snap = s.finishLocked(j, model.JobFailed, nil, err.Error())
	}
	s.mu.Unlock()

	s.announce(snap)

	zlog.Logger.Info().
		Int("worker_id", workerID).
		Str("job_id", j.id.String()).
		Str("state", string(snap.State)).
		Msg("job finished")
}

// execute loads the source and runs the executor off the request path. The
// pixel work is not interruptible, so a deadline is enforced by abandoning
// the result: the worker slot is reclaimed and the late result discarded.
func (s *Scheduler) execute(ctx context.Context, j *job) (*model.Artifact, error) {
	rc, err := s.sources.Load(ctx, j.req.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("load source %q: %w", j.req.SourceRef, err)
	}
	src, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read source %q: %w", j.req.SourceRef, err)
	}

	type result struct {
		artifact *model.Artifact
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		a, rerr := s.exec.Execute(ctx, src, j.req.Spec, j.req.Format)
		ch <- result{artifact: a, err: rerr}
	}()

	select {
	case r := <-ch:
		return r.artifact, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishLocked moves a job to a terminal state. It is idempotent: a job that
// already settled (e.g. marked timed out before a late result arrived) is
// returned unchanged. Callers hold s.mu.
func (s *Scheduler) finishLocked(j *job, state model.JobState, artifact *model.Artifact, errMsg string) Snapshot {
	if j.state.Terminal() {
		return snapshotLocked(j)
	}

	j.state = state
	j.artifact = artifact
	j.errMsg = errMsg
	j.finishedAt = time.Now().UTC()

	// Free the fingerprint for future submissions; the terminal record stays
	// queryable by id until the janitor reclaims it.
	if cur, ok := s.byFP[j.req.Fingerprint]; ok && cur == j {
		delete(s.byFP, j.req.Fingerprint)
	}
	close(j.done)
	return snapshotLocked(j)
}

// announce persists the terminal record and publishes the lifecycle event.
// Both are best-effort: the in-memory registry is the source of truth for
// status queries.
func (s *Scheduler) announce(snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.UpdateJob(ctx, snap.Record()); err != nil {
		zlog.Logger.Error().Err(err).Str("job_id", snap.ID.String()).Msg("failed to update job record")
	}
	if err := s.events.JobFinished(ctx, model.JobEvent{
		JobID:       snap.ID,
		Fingerprint: snap.Fingerprint,
		State:       snap.State,
		Error:       snap.Error,
	}); err != nil {
		zlog.Logger.Error().Err(err).Str("job_id", snap.ID.String()).Msg("failed to publish job event")
	}
}

func (s *Scheduler) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now().UTC())
		}
	}
}

// sweep reclaims terminal jobs whose grace period has expired.
func (s *Scheduler) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, j := range s.byID {
		if j.state.Terminal() && now.Sub(j.finishedAt) > s.cfg.TerminalGrace {
			delete(s.byID, id)
		}
	}
}

func snapshotLocked(j *job) Snapshot {
	return Snapshot{
		ID:          j.id,
		Fingerprint: j.req.Fingerprint,
		Requester:   j.req.Requester,
		State:       j.state,
		Error:       j.errMsg,
		Artifact:    j.artifact,
		EnqueuedAt:  j.enqueuedAt,
		FinishedAt:  j.finishedAt,
	}
}
