package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/notify"
	"github.com/creative-design-platform/export-service/internal/queue"
	"github.com/creative-design-platform/export-service/internal/store"
)

// errNoRetry aborts a retry scheduling update
var errNoRetry = errors.New("no automatic retry")

// Processor runs one attempt of a job
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

// Config holds the scheduling policy
type Config struct {
	// MaxAttempts is the automatic attempt budget counted from the last
	// manual retry
	MaxAttempts        int
	Backoff            queue.Backoff
	LivenessTimeout    time.Duration
	StallCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 5 * time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Minute
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 2 * time.Minute
	}
	if c.StallCheckInterval <= 0 {
		c.StallCheckInterval = 30 * time.Second
	}
	return c
}

// ExportService accepts export jobs, schedules them onto worker slots and
// applies the retry and stall policies.
type ExportService struct {
	jobs       store.JobStore
	dispatcher queue.Dispatcher
	worker     Processor
	notifier   notify.Notifier
	cfg        Config
	log        logrus.FieldLogger
	now        func() time.Time

	accepting  atomic.Bool
	mu         sync.Mutex
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// NewExportService creates a new export queue service
func NewExportService(jobs store.JobStore, dispatcher queue.Dispatcher, worker Processor, notifier notify.Notifier, cfg Config, log logrus.FieldLogger) *ExportService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExportService{
		jobs:       jobs,
		dispatcher: dispatcher,
		worker:     worker,
		notifier:   notifier,
		cfg:        cfg.withDefaults(),
		log:        log.WithField("component", "export-service"),
		now:        time.Now,
	}
}

// Start launches the worker slots and the stall reaper, then re-enqueues jobs
// left pending or awaiting retry by a previous process.
func (s *ExportService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopReaper != nil {
		return errors.New("export service already started")
	}

	if err := s.dispatcher.Start(s.handle); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	s.accepting.Store(true)

	if err := s.recover(ctx); err != nil {
		s.log.WithError(err).Error("failed to recover queued jobs")
	}

	reaperCtx, cancel := context.WithCancel(context.Background())
	s.stopReaper = cancel
	s.reaperDone = make(chan struct{})
	go s.reap(reaperCtx)

	s.log.WithFields(logrus.Fields{
		"maxAttempts":     s.cfg.MaxAttempts,
		"livenessTimeout": s.cfg.LivenessTimeout,
	}).Info("export service started")
	return nil
}

// Shutdown stops accepting work, stops the reaper and drains the worker slots.
// It returns ctx.Err() if the slots do not drain in time.
func (s *ExportService) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)

	s.mu.Lock()
	stop, reaperDone := s.stopReaper, s.reaperDone
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-reaperDone
	}

	done := make(chan struct{})
	go func() {
		s.dispatcher.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("export service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates spec, stores a pending job and schedules it
func (s *ExportService) Submit(ctx context.Context, spec model.JobSpec) (*model.Job, error) {
	if !s.accepting.Load() {
		return nil, model.ErrShuttingDown
	}
	spec.Settings = spec.Settings.WithDefaults(spec.Formats)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return s.create(ctx, spec, "")
}

// SubmitBatch validates every spec before creating any job. All jobs share a
// new batch id and are scheduled in order. If a job cannot be stored or
// scheduled, the jobs already created are cancelled and no batch is returned.
func (s *ExportService) SubmitBatch(ctx context.Context, specs []model.JobSpec) (string, []*model.Job, error) {
	if !s.accepting.Load() {
		return "", nil, model.ErrShuttingDown
	}
	if len(specs) == 0 {
		return "", nil, model.ErrEmptyBatch
	}

	prepared := make([]model.JobSpec, len(specs))
	for i, spec := range specs {
		spec.Settings = spec.Settings.WithDefaults(spec.Formats)
		if err := spec.Validate(); err != nil {
			return "", nil, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		prepared[i] = spec
	}

	batchID := uuid.New().String()
	jobs := make([]*model.Job, 0, len(prepared))
	for _, spec := range prepared {
		job, err := s.create(ctx, spec, batchID)
		if err != nil {
			s.withdraw(ctx, batchID, jobs)
			return "", nil, fmt.Errorf("batch %s: %w", batchID, err)
		}
		jobs = append(jobs, job)
	}
	s.log.WithFields(logrus.Fields{"batchId": batchID, "jobs": len(jobs)}).Info("batch submitted")
	return batchID, jobs, nil
}

// withdraw cancels the jobs of a batch that could not be submitted whole
func (s *ExportService) withdraw(ctx context.Context, batchID string, jobs []*model.Job) {
	ctx = context.WithoutCancel(ctx)
	for _, job := range jobs {
		if _, err := s.Cancel(ctx, job.ID); err != nil && !errors.Is(err, model.ErrInvalidState) {
			s.log.WithFields(logrus.Fields{"batchId": batchID, "jobId": job.ID}).WithError(err).Error("failed to withdraw batch job")
		}
	}
	s.log.WithFields(logrus.Fields{"batchId": batchID, "withdrawn": len(jobs)}).Warn("batch submission aborted")
}

func (s *ExportService) create(ctx context.Context, spec model.JobSpec, batchID string) (*model.Job, error) {
	job := model.NewJob(spec, batchID, s.now())
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.dispatcher.Enqueue(ctx, job.ID, queue.TaskID(job.ID, job.AttemptsMade), 0); err != nil {
		cause := fmt.Sprintf("failed to enqueue: %v", err)
		if _, uerr := s.jobs.Update(context.WithoutCancel(ctx), job.ID, func(j *model.Job) error {
			return j.Fail(cause, s.now())
		}); uerr != nil {
			s.log.WithField("jobId", job.ID).WithError(uerr).Error("failed to mark unqueued job failed")
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.log.WithFields(logrus.Fields{"jobId": job.ID, "formats": job.RequestedFormats}).Info("export job submitted")
	return job, nil
}

// GetJob returns the current state of a job
func (s *ExportService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.jobs.Get(ctx, jobID)
}

// GetBatch aggregates the member jobs of a batch
func (s *ExportService) GetBatch(ctx context.Context, batchID string) (*model.BatchView, error) {
	jobs, err := s.jobs.ListBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, model.ErrNotFound)
	}
	return model.NewBatchView(batchID, jobs), nil
}

// Cancel stops a pending job immediately, or asks the worker of a processing
// job to stop before its next format. Other states return ErrInvalidState.
func (s *ExportService) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	wasPending := false
	job, err := s.jobs.Update(ctx, jobID, func(j *model.Job) error {
		now := s.now()
		wasPending = false
		switch j.Status {
		case model.JobStatusPending:
			wasPending = true
			return j.Transition(model.JobStatusCancelled, now)
		case model.JobStatusProcessing:
			j.CancelRequested = true
			j.UpdatedAt = now
			return nil
		}
		return fmt.Errorf("%w: cannot cancel a %s job", model.ErrInvalidState, j.Status)
	})
	if err != nil {
		return nil, err
	}

	log := s.log.WithField("jobId", jobID)
	if wasPending {
		if err := s.dispatcher.Remove(ctx, queue.TaskID(jobID, job.AttemptsMade)); err != nil {
			// the worker's claim will find the job cancelled
			log.WithError(err).Warn("failed to remove cancelled task")
		}
		s.notifier.NotifyJobEvent(ctx, model.NewJobEvent(model.JobEventCancelled, job, s.now()))
		log.Info("pending export job cancelled")
	} else {
		log.Info("cancellation requested for running export job")
	}
	return job, nil
}

// Retry manually re-queues a failed job with a fresh automatic retry budget
func (s *ExportService) Retry(ctx context.Context, jobID string) (*model.Job, error) {
	if !s.accepting.Load() {
		return nil, model.ErrShuttingDown
	}

	hadScheduled := false
	job, err := s.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusFailed {
			return fmt.Errorf("%w: cannot retry a %s job", model.ErrInvalidState, j.Status)
		}
		hadScheduled = j.NextRetryAt != nil
		if err := j.ResetForRetry(s.now()); err != nil {
			return err
		}
		j.RetryFloor = j.AttemptsMade
		return nil
	})
	if err != nil {
		return nil, err
	}

	taskID := queue.TaskID(jobID, job.AttemptsMade)
	if hadScheduled {
		if err := s.dispatcher.Remove(ctx, taskID); err != nil {
			s.log.WithField("jobId", jobID).WithError(err).Warn("failed to remove scheduled retry")
		}
	}
	if err := s.dispatcher.Enqueue(ctx, jobID, taskID, 0); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	s.log.WithFields(logrus.Fields{"jobId": jobID, "attemptsMade": job.AttemptsMade}).Info("export job retried")
	return job, nil
}

// handle is the dispatcher callback for one task
func (s *ExportService) handle(ctx context.Context, jobID string) (err error) {
	log := s.log.WithField("jobId", jobID)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker panic: %v", r)
			s.failRunning(jobID, fmt.Sprintf("worker panic: %v", r))
			err = nil
		}
	}()

	err = s.worker.Process(ctx, jobID)
	if errors.Is(err, model.ErrJobFailed) {
		s.scheduleRetry(ctx, jobID)
		return nil
	}
	if err != nil {
		log.WithError(err).Error("export job attempt errored")
	}
	return err
}

// failRunning fails a job whose worker died without recording an outcome
func (s *ExportService) failRunning(jobID, cause string) {
	ctx := context.Background()
	var status model.JobStatus
	job, err := s.jobs.Update(ctx, jobID, func(j *model.Job) (err error) {
		if j.Status != model.JobStatusProcessing {
			return fmt.Errorf("%w: job is %s", model.ErrInvalidState, j.Status)
		}
		status, err = j.Abort(cause, s.now())
		return err
	})
	if err != nil {
		return
	}
	if status == model.JobStatusCancelled {
		s.notifier.NotifyJobEvent(ctx, model.NewJobEvent(model.JobEventCancelled, job, s.now()))
		return
	}
	s.notifier.NotifyJobEvent(ctx, model.NewJobEvent(model.JobEventFailed, job, s.now()))
	s.scheduleRetry(ctx, jobID)
}

// scheduleRetry enqueues the next automatic attempt of a failed job while the
// attempt budget allows it.
func (s *ExportService) scheduleRetry(ctx context.Context, jobID string) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithField("jobId", jobID)

	var delay time.Duration
	cancelRequested := false
	job, err := s.jobs.Update(ctx, jobID, func(j *model.Job) error {
		cancelRequested = j.CancelRequested
		if j.Status != model.JobStatusFailed || j.NextRetryAt != nil || j.CancelRequested {
			return errNoRetry
		}
		used := j.AttemptsMade - j.RetryFloor
		if used >= s.cfg.MaxAttempts {
			return errNoRetry
		}
		delay = s.cfg.Backoff.Delay(used)
		at := s.now().Add(delay)
		j.NextRetryAt = &at
		j.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, errNoRetry) {
		if cancelRequested {
			log.Info("cancellation requested, job is not retried")
			return
		}
		log.Warn("automatic retries exhausted, job stays failed")
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to schedule retry")
		return
	}

	if err := s.dispatcher.Enqueue(ctx, jobID, queue.TaskID(jobID, job.AttemptsMade), delay); err != nil {
		log.WithError(err).Error("failed to enqueue retry, job stays failed")
		_, _ = s.jobs.Update(ctx, jobID, func(j *model.Job) error {
			if j.Status != model.JobStatusFailed {
				return errNoRetry
			}
			j.NextRetryAt = nil
			return nil
		})
		return
	}
	log.WithFields(logrus.Fields{"attempt": job.AttemptsMade + 1, "delay": delay}).Info("automatic retry scheduled")
}

// recover re-enqueues pending jobs in submission order and reschedules
// automatic retries that were waiting when the previous process stopped.
func (s *ExportService) recover(ctx context.Context) error {
	pending, err := s.jobs.ListByStatus(ctx, model.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	for _, j := range pending {
		if err := s.dispatcher.Enqueue(ctx, j.ID, queue.TaskID(j.ID, j.AttemptsMade), 0); err != nil {
			return fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
		}
	}

	failed, err := s.jobs.ListByStatus(ctx, model.JobStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to list failed jobs: %w", err)
	}
	rescheduled := 0
	for _, j := range failed {
		if !j.RetryScheduled() {
			continue
		}
		delay := j.NextRetryAt.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		if err := s.dispatcher.Enqueue(ctx, j.ID, queue.TaskID(j.ID, j.AttemptsMade), delay); err != nil {
			return fmt.Errorf("failed to enqueue retry of job %s: %w", j.ID, err)
		}
		rescheduled++
	}

	if len(pending) > 0 || rescheduled > 0 {
		s.log.WithFields(logrus.Fields{"pending": len(pending), "retries": rescheduled}).Info("recovered queued jobs")
	}
	return nil
}

func (s *ExportService) reap(ctx context.Context) {
	defer close(s.reaperDone)
	ticker := time.NewTicker(s.cfg.StallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReapStalled(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("stall check failed")
			}
		}
	}
}

// ReapStalled fails processing jobs whose heartbeat is older than the liveness
// timeout and applies the retry policy to them.
func (s *ExportService) ReapStalled(ctx context.Context) error {
	processing, err := s.jobs.ListByStatus(ctx, model.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to list processing jobs: %w", err)
	}

	for _, candidate := range processing {
		if !s.stale(candidate) {
			continue
		}
		attempt := candidate.AttemptsMade
		var status model.JobStatus
		job, err := s.jobs.Update(ctx, candidate.ID, func(j *model.Job) (err error) {
			if j.Status != model.JobStatusProcessing || j.AttemptsMade != attempt || !s.stale(j) {
				return errNoRetry
			}
			status, err = j.Abort(fmt.Sprintf("stalled: no heartbeat for %s", s.cfg.LivenessTimeout), s.now())
			return err
		})
		if errors.Is(err, errNoRetry) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to reap job %s: %w", candidate.ID, err)
		}

		log := s.log.WithFields(logrus.Fields{"jobId": job.ID, "attempt": attempt})
		if status == model.JobStatusCancelled {
			log.Info("stalled export job had a cancellation request, cancelled")
			s.notifier.NotifyJobEvent(ctx, model.NewJobEvent(model.JobEventCancelled, job, s.now()))
			continue
		}
		log.Warn("export job stalled")
		s.notifier.NotifyJobEvent(ctx, model.NewJobEvent(model.JobEventStalled, job, s.now()))
		s.scheduleRetry(ctx, job.ID)
	}
	return nil
}

func (s *ExportService) stale(j *model.Job) bool {
	last := j.UpdatedAt
	if j.HeartbeatAt != nil {
		last = *j.HeartbeatAt
	}
	return s.now().Sub(last) > s.cfg.LivenessTimeout
}
