package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/creative-design-platform/export-service/internal/encoder"
	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/queue"
	"github.com/creative-design-platform/export-service/internal/render"
	"github.com/creative-design-platform/export-service/internal/store"
	"github.com/creative-design-platform/export-service/internal/worker"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// fakeWorker claims jobs the way the export worker does and then runs outcome
type fakeWorker struct {
	jobs    store.JobStore
	calls   atomic.Int32
	outcome func(ctx context.Context, job *model.Job) error
}

func (w *fakeWorker) Process(ctx context.Context, jobID string) error {
	job, err := w.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if j.RetryScheduled() {
			if err := j.ResetForRetry(time.Now()); err != nil {
				return err
			}
		}
		if j.Status != model.JobStatusPending {
			return model.ErrInvalidState
		}
		if err := j.Transition(model.JobStatusProcessing, time.Now()); err != nil {
			return err
		}
		j.AttemptsMade++
		return nil
	})
	if err != nil {
		return nil
	}
	w.calls.Add(1)
	return w.outcome(ctx, job)
}

func (w *fakeWorker) complete(ctx context.Context, job *model.Job) error {
	_, err := w.jobs.Update(ctx, job.ID, func(j *model.Job) error {
		j.SetProgress(100)
		j.Outputs = append(j.Outputs, model.Output{Format: j.RequestedFormats[0], MimeType: j.RequestedFormats[0].MimeType()})
		return j.Transition(model.JobStatusCompleted, time.Now())
	})
	return err
}

func (w *fakeWorker) fail(ctx context.Context, job *model.Job) error {
	if _, err := w.jobs.Update(ctx, job.ID, func(j *model.Job) error {
		return j.Fail("render engine crashed", time.Now())
	}); err != nil {
		return err
	}
	return fmt.Errorf("%w: render engine crashed", model.ErrJobFailed)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (r *recordedEvents) NotifyJobEvent(ctx context.Context, ev model.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedEvents) has(kind model.JobEventKind, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && ev.JobID == jobID {
			return true
		}
	}
	return false
}

type harness struct {
	svc        *ExportService
	jobs       *store.MemoryStore
	dispatcher *queue.LocalDispatcher
	worker     *fakeWorker
	events     *recordedEvents
}

func newHarness(t *testing.T, slots int, cfg Config) *harness {
	t.Helper()
	jobs := store.NewMemoryStore()
	w := &fakeWorker{jobs: jobs}
	w.outcome = w.complete
	d := queue.NewLocalDispatcher(slots, time.Second, quietLogger())
	events := &recordedEvents{}
	svc := NewExportService(jobs, d, w, events, cfg, quietLogger())
	return &harness{svc: svc, jobs: jobs, dispatcher: d, worker: w, events: events}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.svc.Shutdown(ctx)
	})
}

func (h *harness) waitFor(t *testing.T, jobID string, cond func(j *model.Job) bool) *model.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		j, err := h.jobs.Get(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if cond(j) {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for job %s, last state %s attempts=%d", jobID, j.Status, j.AttemptsMade)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func canvasSpec(id string, formats ...model.Format) model.JobSpec {
	return model.JobSpec{
		Subject: model.SubjectRef{CanvasID: id},
		Formats: formats,
	}
}

func statusIs(s model.JobStatus) func(j *model.Job) bool {
	return func(j *model.Job) bool { return j.Status == s }
}

func TestSubmitReturnsPendingJob(t *testing.T) {
	h := newHarness(t, 1, Config{})
	gate := make(chan struct{})
	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		<-gate
		return h.worker.complete(ctx, job)
	}
	h.start(t)
	defer close(gate)

	blocker, err := h.svc.Submit(context.Background(), canvasSpec("c0", model.FormatPNG))
	if err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, blocker.ID, statusIs(model.JobStatusProcessing))

	job, err := h.svc.Submit(context.Background(), canvasSpec("c1", model.FormatPNG, model.FormatSVG))
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobStatusPending || job.AttemptsMade != 0 || len(job.Outputs) != 0 {
		t.Errorf("unexpected submitted job: %+v", job)
	}
	if job.Settings.Quality != model.DefaultQuality || job.Settings.Scale != model.DefaultScale {
		t.Errorf("defaults not applied: %+v", job.Settings)
	}

	got, err := h.svc.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.JobStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
}

func TestSubmitRejectsInvalidSpecs(t *testing.T) {
	h := newHarness(t, 1, Config{})
	h.start(t)

	tests := []struct {
		name string
		spec model.JobSpec
		want error
	}{
		{"no subject", model.JobSpec{Formats: []model.Format{model.FormatPNG}}, model.ErrMissingSubject},
		{"unknown format", canvasSpec("c", "bmp"), model.ErrUnsupportedFormat},
		{"no formats", canvasSpec("c"), model.ErrUnsupportedFormat},
		{"duplicate format", canvasSpec("c", model.FormatPNG, model.FormatPNG), model.ErrDuplicateFormat},
		{
			"frame rate on still format",
			model.JobSpec{
				Subject:  model.SubjectRef{CanvasID: "c"},
				Formats:  []model.Format{model.FormatPNG},
				Settings: model.Settings{FrameRate: 30},
			},
			model.ErrInvalidSettings,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := h.svc.Submit(context.Background(), tt.spec)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if job != nil {
				t.Error("no job should be returned")
			}
		})
	}

	for _, status := range []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed} {
		jobs, err := h.jobs.ListByStatus(context.Background(), status)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 0 {
			t.Errorf("expected no %s jobs after rejected submissions, got %d", status, len(jobs))
		}
	}
}

func TestSubmitBatch(t *testing.T) {
	h := newHarness(t, 2, Config{})
	h.start(t)
	ctx := context.Background()

	var specs []model.JobSpec
	for _, canvas := range []string{"c1", "c2", "c3"} {
		for _, f := range []model.Format{model.FormatPNG, model.FormatSVG} {
			specs = append(specs, canvasSpec(canvas, f))
		}
	}

	batchID, jobs, err := h.svc.SubmitBatch(ctx, specs)
	if err != nil {
		t.Fatal(err)
	}
	if batchID == "" || len(jobs) != 6 {
		t.Fatalf("unexpected batch %q with %d jobs", batchID, len(jobs))
	}
	for _, j := range jobs {
		if j.BatchID != batchID {
			t.Errorf("job %s has batch %q", j.ID, j.BatchID)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		view, err := h.svc.GetBatch(ctx, batchID)
		if err != nil {
			t.Fatal(err)
		}
		sum := view.Pending + view.Processing + view.Completed + view.Failed + view.Cancelled
		if sum != 6 || view.Total != 6 {
			t.Fatalf("batch counts do not sum to 6: %+v", view)
		}
		if view.Completed == 6 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch did not complete: %+v", view)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitBatchValidatesEverySpecFirst(t *testing.T) {
	h := newHarness(t, 1, Config{})
	h.start(t)
	ctx := context.Background()

	_, _, err := h.svc.SubmitBatch(ctx, []model.JobSpec{
		canvasSpec("c1", model.FormatPNG),
		canvasSpec("c2", "tiff"),
	})
	if !errors.Is(err, model.ErrUnsupportedFormat) {
		t.Fatalf("expected unsupported format, got %v", err)
	}
	if !strings.Contains(err.Error(), "jobs[1]") {
		t.Errorf("error should name the failing entry: %v", err)
	}
	pending, _ := h.jobs.ListByStatus(ctx, model.JobStatusPending)
	if len(pending) != 0 || h.worker.calls.Load() != 0 {
		t.Error("no job should be created when any spec is invalid")
	}

	if _, _, err := h.svc.SubmitBatch(ctx, nil); !errors.Is(err, model.ErrEmptyBatch) {
		t.Errorf("expected empty batch error, got %v", err)
	}
}

// flakyDispatcher never runs tasks and fails the failAt-th enqueue
type flakyDispatcher struct {
	mu       sync.Mutex
	attempts int
	failAt   int
	removed  []string
}

func (d *flakyDispatcher) Enqueue(ctx context.Context, jobID, taskID string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts == d.failAt {
		return errors.New("redis unavailable")
	}
	return nil
}

func (d *flakyDispatcher) Remove(ctx context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, taskID)
	return nil
}

func (d *flakyDispatcher) Start(h queue.Handler) error { return nil }

func (d *flakyDispatcher) Shutdown() {}

func TestSubmitBatchWithdrawsJobsOnEnqueueFailure(t *testing.T) {
	jobs := store.NewMemoryStore()
	d := &flakyDispatcher{failAt: 2}
	svc := NewExportService(jobs, d, &fakeWorker{jobs: jobs}, nil, Config{}, quietLogger())
	h := &harness{svc: svc, jobs: jobs}
	h.start(t)
	ctx := context.Background()

	batchID, created, err := svc.SubmitBatch(ctx, []model.JobSpec{
		canvasSpec("c1", model.FormatPNG),
		canvasSpec("c2", model.FormatPNG),
		canvasSpec("c3", model.FormatPNG),
	})
	if err == nil {
		t.Fatal("expected an error when a batch job cannot be scheduled")
	}
	if batchID != "" || created != nil {
		t.Errorf("no batch should be returned, got %q %v", batchID, created)
	}

	pending, _ := jobs.ListByStatus(ctx, model.JobStatusPending)
	if len(pending) != 0 {
		t.Errorf("expected no runnable jobs left, got %d pending", len(pending))
	}
	cancelled, _ := jobs.ListByStatus(ctx, model.JobStatusCancelled)
	failed, _ := jobs.ListByStatus(ctx, model.JobStatusFailed)
	if len(cancelled) != 1 || len(failed) != 1 {
		t.Fatalf("expected the first job cancelled and the second failed, got %d cancelled %d failed", len(cancelled), len(failed))
	}
	if len(d.removed) != 1 || d.removed[0] != queue.TaskID(cancelled[0].ID, 0) {
		t.Errorf("expected the scheduled task of the first job removed, got %v", d.removed)
	}
}

func TestGetMissing(t *testing.T) {
	h := newHarness(t, 1, Config{})
	if _, err := h.svc.GetJob(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := h.svc.GetBatch(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found for batch, got %v", err)
	}
}

func TestCancelPendingJobNeverRuns(t *testing.T) {
	h := newHarness(t, 1, Config{})
	gate := make(chan struct{})
	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		<-gate
		return h.worker.complete(ctx, job)
	}
	h.start(t)
	ctx := context.Background()

	blocker, _ := h.svc.Submit(ctx, canvasSpec("c0", model.FormatPNG))
	h.waitFor(t, blocker.ID, statusIs(model.JobStatusProcessing))
	victim, err := h.svc.Submit(ctx, canvasSpec("c1", model.FormatPNG))
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := h.svc.Cancel(ctx, victim.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != model.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if !h.events.has(model.JobEventCancelled, victim.ID) {
		t.Error("cancelled event not emitted")
	}

	close(gate)
	h.waitFor(t, blocker.ID, statusIs(model.JobStatusCompleted))
	time.Sleep(20 * time.Millisecond)

	got, _ := h.svc.GetJob(ctx, victim.ID)
	if got.Status != model.JobStatusCancelled || got.StartedAt != nil || got.AttemptsMade != 0 {
		t.Errorf("cancelled job must never be processed: %+v", got)
	}
	if calls := h.worker.calls.Load(); calls != 1 {
		t.Errorf("expected only the blocker to run, got %d calls", calls)
	}
}

func TestCancelProcessingJobSetsFlag(t *testing.T) {
	h := newHarness(t, 1, Config{})
	gate := make(chan struct{})
	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		<-gate
		_, err := h.jobs.Update(ctx, job.ID, func(j *model.Job) error {
			if !j.CancelRequested {
				return errors.New("cancel flag not visible to the worker")
			}
			return j.Transition(model.JobStatusCancelled, time.Now())
		})
		return err
	}
	h.start(t)
	ctx := context.Background()

	job, _ := h.svc.Submit(ctx, canvasSpec("c1", model.FormatPNG))
	h.waitFor(t, job.ID, statusIs(model.JobStatusProcessing))

	got, err := h.svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.JobStatusProcessing || !got.CancelRequested {
		t.Errorf("expected processing job with cancel flag, got %+v", got)
	}
	close(gate)
	h.waitFor(t, job.ID, statusIs(model.JobStatusCancelled))
}

func TestCancelTerminalJobIsInvalid(t *testing.T) {
	h := newHarness(t, 1, Config{MaxAttempts: 1})
	h.start(t)
	ctx := context.Background()

	done, _ := h.svc.Submit(ctx, canvasSpec("c1", model.FormatPNG))
	h.waitFor(t, done.ID, statusIs(model.JobStatusCompleted))
	if _, err := h.svc.Cancel(ctx, done.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("cancel of completed job: expected invalid state, got %v", err)
	}

	h.worker.outcome = h.worker.fail
	failed, _ := h.svc.Submit(ctx, canvasSpec("c2", model.FormatPNG))
	h.waitFor(t, failed.ID, statusIs(model.JobStatusFailed))
	if _, err := h.svc.Cancel(ctx, failed.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("cancel of failed job: expected invalid state, got %v", err)
	}

	if _, err := h.svc.Cancel(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAutomaticRetryUntilExhausted(t *testing.T) {
	h := newHarness(t, 1, Config{
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
	h.worker.outcome = h.worker.fail
	h.start(t)
	ctx := context.Background()

	job, _ := h.svc.Submit(ctx, canvasSpec("c1", model.FormatPNG))
	final := h.waitFor(t, job.ID, func(j *model.Job) bool {
		return j.Status == model.JobStatusFailed && j.AttemptsMade == 3
	})
	time.Sleep(30 * time.Millisecond)

	final, _ = h.svc.GetJob(ctx, job.ID)
	if final.Status != model.JobStatusFailed || final.NextRetryAt != nil {
		t.Errorf("job should stay failed without a scheduled retry: %+v", final)
	}
	if final.Error == nil || *final.Error == "" {
		t.Error("failed job should carry a readable error")
	}
	if calls := h.worker.calls.Load(); calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestAutomaticRetrySucceeds(t *testing.T) {
	h := newHarness(t, 1, Config{
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Base: time.Millisecond, Max: time.Millisecond},
	})
	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		if job.AttemptsMade == 1 {
			return h.worker.fail(ctx, job)
		}
		return h.worker.complete(ctx, job)
	}
	h.start(t)

	job, _ := h.svc.Submit(context.Background(), canvasSpec("c1", model.FormatPNG))
	got := h.waitFor(t, job.ID, statusIs(model.JobStatusCompleted))
	if got.AttemptsMade != 2 || got.Error != nil || len(got.Outputs) != 1 {
		t.Errorf("unexpected job after retry: %+v", got)
	}
}

func TestManualRetryResetsBudget(t *testing.T) {
	h := newHarness(t, 1, Config{
		MaxAttempts: 2,
		Backoff:     queue.Backoff{Base: time.Millisecond, Max: time.Millisecond},
	})
	h.worker.outcome = h.worker.fail
	h.start(t)
	ctx := context.Background()

	job, _ := h.svc.Submit(ctx, canvasSpec("c1", model.FormatPNG))
	h.waitFor(t, job.ID, func(j *model.Job) bool {
		return j.Status == model.JobStatusFailed && j.AttemptsMade == 2
	})

	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		return h.worker.complete(ctx, job)
	}
	retried, err := h.svc.Retry(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != model.JobStatusPending || retried.RetryFloor != 2 || retried.Error != nil {
		t.Errorf("unexpected retried job: %+v", retried)
	}

	got := h.waitFor(t, job.ID, statusIs(model.JobStatusCompleted))
	if got.AttemptsMade != 3 {
		t.Errorf("expected attempt 3, got %d", got.AttemptsMade)
	}

	if _, err := h.svc.Retry(ctx, job.ID); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("retry of completed job: expected invalid state, got %v", err)
	}
}

func TestManualRetryReplacesScheduledRetry(t *testing.T) {
	h := newHarness(t, 1, Config{
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Base: time.Hour, Max: time.Hour},
	})
	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		if job.AttemptsMade == 1 {
			return h.worker.fail(ctx, job)
		}
		return h.worker.complete(ctx, job)
	}
	h.start(t)
	ctx := context.Background()

	job, _ := h.svc.Submit(ctx, canvasSpec("c1", model.FormatPNG))
	scheduled := h.waitFor(t, job.ID, func(j *model.Job) bool { return j.RetryScheduled() })
	if d := scheduled.NextRetryAt.Sub(time.Now()); d < 59*time.Minute {
		t.Errorf("expected retry about an hour out, got %v", d)
	}

	if _, err := h.svc.Retry(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	got := h.waitFor(t, job.ID, statusIs(model.JobStatusCompleted))
	if got.AttemptsMade != 2 {
		t.Errorf("expected a single extra attempt, got %d", got.AttemptsMade)
	}
}

func TestWorkerPanicFailsJob(t *testing.T) {
	h := newHarness(t, 1, Config{MaxAttempts: 1})
	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		panic("boom")
	}
	h.start(t)

	job, _ := h.svc.Submit(context.Background(), canvasSpec("c1", model.FormatPNG))
	got := h.waitFor(t, job.ID, statusIs(model.JobStatusFailed))
	if got.Error == nil || !strings.Contains(*got.Error, "worker panic") {
		t.Errorf("expected panic cause, got %v", got.Error)
	}
	if !h.events.has(model.JobEventFailed, job.ID) {
		t.Error("failed event not emitted")
	}
}

func TestReapStalled(t *testing.T) {
	h := newHarness(t, 1, Config{
		MaxAttempts:     3,
		LivenessTimeout: time.Minute,
		Backoff:         queue.Backoff{Base: time.Hour, Max: time.Hour},
	})
	ctx := context.Background()
	base := time.Now()

	stalled := model.NewJob(canvasSpec("c1", model.FormatPNG), "", base)
	stalled.Status = model.JobStatusProcessing
	stalled.AttemptsMade = 1
	beat := base
	stalled.HeartbeatAt = &beat
	if err := h.jobs.Create(ctx, stalled); err != nil {
		t.Fatal(err)
	}

	alive := model.NewJob(canvasSpec("c2", model.FormatPNG), "", base)
	alive.Status = model.JobStatusProcessing
	alive.AttemptsMade = 1
	recent := base.Add(90 * time.Second)
	alive.HeartbeatAt = &recent
	if err := h.jobs.Create(ctx, alive); err != nil {
		t.Fatal(err)
	}

	h.svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := h.svc.ReapStalled(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := h.jobs.Get(ctx, stalled.ID)
	if got.Status != model.JobStatusFailed || got.Error == nil || !strings.Contains(*got.Error, "stalled") {
		t.Errorf("stalled job not failed: %+v", got)
	}
	if !got.RetryScheduled() {
		t.Error("stalled job should be scheduled for retry")
	}
	if !h.events.has(model.JobEventStalled, stalled.ID) {
		t.Error("stalled event not emitted")
	}

	other, _ := h.jobs.Get(ctx, alive.ID)
	if other.Status != model.JobStatusProcessing {
		t.Errorf("job with a fresh heartbeat was reaped: %s", other.Status)
	}
}

type resolveFunc func(ctx context.Context, subject model.SubjectRef) (*model.Scene, error)

func (f resolveFunc) ResolveScene(ctx context.Context, subject model.SubjectRef) (*model.Scene, error) {
	return f(ctx, subject)
}

type discardOutputs struct{}

func (discardOutputs) PersistOutput(ctx context.Context, jobID string, format model.Format, data []byte, mimeType string) (string, error) {
	return "mem://" + jobID + "/" + string(format), nil
}

func TestCancelDuringFailingAttemptIsNotRetried(t *testing.T) {
	jobs := store.NewMemoryStore()
	resolving := make(chan struct{})
	proceed := make(chan struct{})
	var resolves atomic.Int32
	resolver := resolveFunc(func(ctx context.Context, subject model.SubjectRef) (*model.Scene, error) {
		if resolves.Add(1) == 1 {
			close(resolving)
			<-proceed
			return nil, errors.New("design service unavailable")
		}
		return &model.Scene{Width: 32, Height: 16}, nil
	})
	pool := render.NewPool(1, render.RasterFactory(render.RasterConfig{}))
	t.Cleanup(func() { pool.Close() })

	events := &recordedEvents{}
	w := worker.NewExportWorker(jobs, pool, encoder.DefaultRegistry(encoder.Options{}), resolver, discardOutputs{}, events, worker.Config{}, quietLogger())
	svc := NewExportService(jobs, queue.NewLocalDispatcher(1, time.Second, quietLogger()), w, events, Config{
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Base: time.Millisecond, Max: time.Millisecond},
	}, quietLogger())
	h := &harness{svc: svc, jobs: jobs, events: events}
	h.start(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, canvasSpec("c1", model.FormatSVG))
	if err != nil {
		t.Fatal(err)
	}
	<-resolving
	requested, err := svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if requested.Status != model.JobStatusProcessing || !requested.CancelRequested {
		t.Fatalf("expected cancellation to be requested, got %+v", requested)
	}
	close(proceed)

	got := h.waitFor(t, job.ID, func(j *model.Job) bool { return j.Status.IsTerminal() })
	time.Sleep(30 * time.Millisecond)
	got, _ = svc.GetJob(ctx, job.ID)
	if got.Status != model.JobStatusCancelled || got.AttemptsMade != 1 || len(got.Outputs) != 0 {
		t.Errorf("expected cancelled after one attempt, got %s attempts=%d outputs=%d", got.Status, got.AttemptsMade, len(got.Outputs))
	}
	if n := resolves.Load(); n != 1 {
		t.Errorf("cancelled job ran again: %d resolves", n)
	}
	if !events.has(model.JobEventCancelled, job.ID) {
		t.Error("cancelled event not emitted")
	}
}

func TestFailedJobWithCancelRequestIsNotRetried(t *testing.T) {
	h := newHarness(t, 1, Config{
		MaxAttempts: 3,
		Backoff:     queue.Backoff{Base: time.Millisecond, Max: time.Millisecond},
	})
	// every format was attempted and failed after the request arrived
	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		if _, err := h.jobs.Update(ctx, job.ID, func(j *model.Job) error {
			j.CancelRequested = true
			return nil
		}); err != nil {
			return err
		}
		return h.worker.fail(ctx, job)
	}
	h.start(t)

	job, _ := h.svc.Submit(context.Background(), canvasSpec("c1", model.FormatPNG))
	h.waitFor(t, job.ID, statusIs(model.JobStatusFailed))
	time.Sleep(30 * time.Millisecond)

	got, _ := h.svc.GetJob(context.Background(), job.ID)
	if got.Status != model.JobStatusFailed || got.NextRetryAt != nil {
		t.Errorf("expected failed without a scheduled retry, got %+v", got)
	}
	if calls := h.worker.calls.Load(); calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}

func TestWorkerPanicAfterCancelRequestCancels(t *testing.T) {
	h := newHarness(t, 1, Config{MaxAttempts: 3})
	h.worker.outcome = func(ctx context.Context, job *model.Job) error {
		if _, err := h.jobs.Update(ctx, job.ID, func(j *model.Job) error {
			j.CancelRequested = true
			return nil
		}); err != nil {
			return err
		}
		panic("boom")
	}
	h.start(t)

	job, _ := h.svc.Submit(context.Background(), canvasSpec("c1", model.FormatPNG))
	h.waitFor(t, job.ID, statusIs(model.JobStatusCancelled))
	if !h.events.has(model.JobEventCancelled, job.ID) || h.events.has(model.JobEventFailed, job.ID) {
		t.Error("expected a cancelled event and no failed event")
	}
}

func TestReapStalledHonoursCancelRequest(t *testing.T) {
	h := newHarness(t, 1, Config{MaxAttempts: 3, LivenessTimeout: time.Minute})
	ctx := context.Background()
	base := time.Now()

	job := model.NewJob(canvasSpec("c1", model.FormatPNG), "", base)
	job.Status = model.JobStatusProcessing
	job.AttemptsMade = 1
	job.CancelRequested = true
	job.HeartbeatAt = &base
	if err := h.jobs.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	h.svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := h.svc.ReapStalled(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusCancelled || got.RetryScheduled() {
		t.Errorf("expected cancelled without retry, got %+v", got)
	}
	if h.events.has(model.JobEventStalled, job.ID) || !h.events.has(model.JobEventCancelled, job.ID) {
		t.Error("expected a cancelled event instead of stalled")
	}
}

func TestStartRecoversQueuedJobs(t *testing.T) {
	h := newHarness(t, 1, Config{})
	ctx := context.Background()

	pending := model.NewJob(canvasSpec("c1", model.FormatPNG), "", time.Now())
	if err := h.jobs.Create(ctx, pending); err != nil {
		t.Fatal(err)
	}
	waiting := model.NewJob(canvasSpec("c2", model.FormatPNG), "", time.Now())
	waiting.Status = model.JobStatusFailed
	waiting.AttemptsMade = 1
	due := time.Now().Add(-time.Second)
	waiting.NextRetryAt = &due
	if err := h.jobs.Create(ctx, waiting); err != nil {
		t.Fatal(err)
	}

	h.start(t)
	h.waitFor(t, pending.ID, statusIs(model.JobStatusCompleted))
	got := h.waitFor(t, waiting.ID, statusIs(model.JobStatusCompleted))
	if got.AttemptsMade != 2 {
		t.Errorf("expected recovered retry to be attempt 2, got %d", got.AttemptsMade)
	}
}

func TestShutdownStopsAccepting(t *testing.T) {
	h := newHarness(t, 1, Config{})
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := h.svc.Submit(context.Background(), canvasSpec("c1", model.FormatPNG)); !errors.Is(err, model.ErrShuttingDown) {
		t.Errorf("expected shutting down, got %v", err)
	}
	if _, _, err := h.svc.SubmitBatch(context.Background(), []model.JobSpec{canvasSpec("c1", model.FormatPNG)}); !errors.Is(err, model.ErrShuttingDown) {
		t.Errorf("expected shutting down for batch, got %v", err)
	}
	if _, err := h.svc.Retry(context.Background(), "any"); !errors.Is(err, model.ErrShuttingDown) {
		t.Errorf("expected shutting down for retry, got %v", err)
	}
}
