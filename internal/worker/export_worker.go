// Package worker executes export jobs one at a time per slot.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/creative-design-platform/export-service/internal/client"
	"github.com/creative-design-platform/export-service/internal/encoder"
	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/notify"
	"github.com/creative-design-platform/export-service/internal/render"
	"github.com/creative-design-platform/export-service/internal/store"
)

const tracerName = "github.com/creative-design-platform/export-service/internal/worker"

// errLeaseLost aborts a write when the job is no longer owned by this attempt
var errLeaseLost = errors.New("job lease lost")

// OutputPersister stores encoded bytes and returns a locator
type OutputPersister interface {
	PersistOutput(ctx context.Context, jobID string, format model.Format, data []byte, mimeType string) (string, error)
}

// Config tunes the worker
type Config struct {
	// FormatTimeout bounds one format's render and encode
	FormatTimeout time.Duration
	// HeartbeatInterval is how often a running job refreshes its heartbeat
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FormatTimeout <= 0 {
		c.FormatTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// ExportWorker renders and encodes every requested format of a job
type ExportWorker struct {
	jobs     store.JobStore
	pool     *render.Pool
	encoders *encoder.Registry
	resolver client.SceneResolver
	outputs  OutputPersister
	notifier notify.Notifier
	cfg      Config
	log      logrus.FieldLogger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewExportWorker creates a new export worker
func NewExportWorker(
	jobs store.JobStore,
	pool *render.Pool,
	encoders *encoder.Registry,
	resolver client.SceneResolver,
	outputs OutputPersister,
	notifier notify.Notifier,
	cfg Config,
	log logrus.FieldLogger,
) *ExportWorker {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ExportWorker{
		jobs:     jobs,
		pool:     pool,
		encoders: encoders,
		resolver: resolver,
		outputs:  outputs,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      log.WithField("component", "export-worker"),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// Process runs one attempt of a job. It returns nil when the job was not
// claimable or finished as completed or cancelled, and an error wrapping
// model.ErrJobFailed when the attempt failed as a whole.
func (w *ExportWorker) Process(ctx context.Context, jobID string) error {
	ctx, span := w.tracer.Start(ctx, "export.job", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	job, err := w.claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, model.ErrInvalidState) || errors.Is(err, model.ErrNotFound) {
			w.log.WithField("jobId", jobID).WithError(err).Debug("job not claimable, skipping")
			return nil
		}
		return fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}

	attempt := job.AttemptsMade
	span.SetAttributes(attribute.Int("job.attempt", attempt), attribute.Int("job.formats", len(job.RequestedFormats)))
	log := w.log.WithFields(logrus.Fields{"jobId": jobID, "attempt": attempt})
	log.Info("export job started")
	w.emit(ctx, model.JobEventStarted, job)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, jobID, attempt)

	scene, err := w.resolver.ResolveScene(ctx, job.Subject)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return w.fail(ctx, span, jobID, attempt, fmt.Sprintf("failed to resolve %s: %v", job.Subject, err))
	}
	layout := render.BuildLayout(scene, job.Settings.Scale)

	total := len(job.RequestedFormats)
	cancelled := false
	for i, format := range job.RequestedFormats {
		if ctx.Err() != nil {
			// shutting down; the job is picked up again once its heartbeat goes stale
			return nil
		}

		current, err := w.jobs.Get(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to load job %s: %w", jobID, err)
		}
		if !owns(current, attempt) {
			log.Warn("job lease lost, abandoning attempt")
			return nil
		}
		if current.CancelRequested {
			cancelled = true
			break
		}

		output, formatErr, err := w.exportFormat(ctx, job, layout, format)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return w.fail(ctx, span, jobID, attempt, err.Error())
		}

		progress := (i + 1) * 100 / total
		updated, err := w.update(ctx, jobID, attempt, func(j *model.Job) error {
			if output != nil {
				j.Outputs = append(j.Outputs, *output)
			} else {
				j.FormatErrors = append(j.FormatErrors, *formatErr)
			}
			j.SetProgress(progress)
			return nil
		})
		if err != nil {
			if errors.Is(err, errLeaseLost) {
				log.Warn("job lease lost, abandoning attempt")
				return nil
			}
			return fmt.Errorf("failed to record %s result: %w", format, err)
		}
		w.emit(ctx, model.JobEventProgress, updated)
	}

	return w.finish(ctx, span, jobID, attempt, cancelled)
}

// claim moves a pending job, or a failed job waiting on its automatic retry,
// into processing for a new attempt.
func (w *ExportWorker) claim(ctx context.Context, jobID string) (*model.Job, error) {
	return w.jobs.Update(ctx, jobID, func(j *model.Job) error {
		now := w.now()
		if j.RetryScheduled() {
			if err := j.ResetForRetry(now); err != nil {
				return err
			}
		}
		if j.Status != model.JobStatusPending {
			return fmt.Errorf("%w: job is %s", model.ErrInvalidState, j.Status)
		}
		if err := j.Transition(model.JobStatusProcessing, now); err != nil {
			return err
		}
		j.AttemptsMade++
		j.Progress = 0
		j.Outputs = []model.Output{}
		j.FormatErrors = nil
		j.Error = nil
		j.NextRetryAt = nil
		j.HeartbeatAt = &now
		return nil
	})
}

// exportFormat renders and encodes one format. A per-format problem is
// returned as a FormatError; the returned error is reserved for failures that
// abort the whole job.
func (w *ExportWorker) exportFormat(ctx context.Context, job *model.Job, layout *render.Layout, format model.Format) (*model.Output, *model.FormatError, error) {
	ctx, span := w.tracer.Start(ctx, "export.format", trace.WithAttributes(attribute.String("export.format", string(format))))
	defer span.End()

	log := w.log.WithFields(logrus.Fields{"jobId": job.ID, "format": format})
	formatErr := func(code string, err error) (*model.Output, *model.FormatError, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		log.WithError(err).WithField("code", code).Warn("format export failed")
		return nil, &model.FormatError{Format: format, Code: code, Message: err.Error()}, nil
	}

	enc, ok := w.encoders.Get(format)
	if !ok {
		return formatErr(model.FormatErrNotImplemented, fmt.Errorf("%w: %s", encoder.ErrFormatNotImplemented, format))
	}

	lease, err := w.pool.Lease(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to lease render engine: %w", err)
	}

	req := render.CaptureRequest{
		Kind:        render.CaptureKindFor(format),
		Transparent: job.Settings.Transparent && format == model.FormatPNG,
		Animations:  job.Animations,
	}
	if req.Kind == render.CaptureFrames {
		req.FrameRate = job.Settings.FrameRate
		req.FrameCount = job.Settings.FrameCount()
	}

	result, stage, err := w.renderAndEncode(ctx, lease, enc, layout, req, job.Settings)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return formatErr(model.FormatErrTimeout, fmt.Errorf("%s exceeded %s", stage, w.cfg.FormatTimeout))
	case render.IsCrash(err):
		return formatErr(model.FormatErrRenderFailed, err)
	default:
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		switch {
		case errors.Is(err, encoder.ErrFormatNotImplemented):
			return formatErr(model.FormatErrNotImplemented, err)
		case stage == "render":
			return formatErr(model.FormatErrRenderFailed, err)
		default:
			return formatErr(model.FormatErrEncodeFailed, err)
		}
	}

	locator, err := w.outputs.PersistOutput(ctx, job.ID, format, result.Data, result.MimeType)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return formatErr(model.FormatErrPersistFailed, err)
	}

	output := &model.Output{
		Format:   format,
		ByteSize: int64(len(result.Data)),
		MimeType: result.MimeType,
		Locator:  locator,
	}
	if format.IsLossy() {
		output.Quality = result.Quality
	}
	span.SetAttributes(attribute.Int64("export.bytes", output.ByteSize))
	log.WithFields(logrus.Fields{"bytes": output.ByteSize, "quality": result.Quality}).Debug("format exported")
	return output, nil, nil
}

type stepResult struct {
	result *encoder.Result
	stage  string
	err    error
}

// renderAndEncode runs the capture and encode under the format timeout. The
// step runs on its own goroutine so a wedged engine cannot hold the worker past
// the deadline; its result is dropped once the deadline passes. The goroutine
// owns the lease and returns it only when Render returns, so an abandoned
// render keeps its pool slot until it actually stops.
func (w *ExportWorker) renderAndEncode(ctx context.Context, lease *render.Lease, enc encoder.Encoder, layout *render.Layout, req render.CaptureRequest, settings model.Settings) (*encoder.Result, string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, w.cfg.FormatTimeout)
	defer cancel()

	done := make(chan stepResult, 1)
	go func() {
		capture, err := lease.Engine().Render(stepCtx, layout, req)
		if err != nil && (render.IsCrash(err) || stepCtx.Err() != nil) {
			// crashed or interrupted mid-render; its state is not trusted
			lease.Discard()
		} else {
			lease.Release()
		}
		if err != nil {
			done <- stepResult{stage: "render", err: err}
			return
		}
		result, err := enc.Encode(stepCtx, capture, settings)
		done <- stepResult{result: result, stage: "encode", err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, r.stage, context.DeadlineExceeded
		}
		return r.result, r.stage, r.err
	case <-stepCtx.Done():
		return nil, "render and encode", stepCtx.Err()
	}
}

// finish records the terminal state of the attempt. cancelled is set only when
// a checkpoint saw the request; once every format was attempted the job ends
// completed or failed.
func (w *ExportWorker) finish(ctx context.Context, span trace.Span, jobID string, attempt int, cancelled bool) error {
	var kind model.JobEventKind
	job, err := w.update(ctx, jobID, attempt, func(j *model.Job) error {
		now := w.now()
		switch {
		case cancelled:
			kind = model.JobEventCancelled
			return j.Transition(model.JobStatusCancelled, now)
		case len(j.Outputs) > 0:
			kind = model.JobEventCompleted
			j.SetProgress(100)
			return j.Transition(model.JobStatusCompleted, now)
		default:
			kind = model.JobEventFailed
			return j.Fail(summarize(j.FormatErrors), now)
		}
	})
	if err != nil {
		if errors.Is(err, errLeaseLost) {
			return nil
		}
		return fmt.Errorf("failed to finish job %s: %w", jobID, err)
	}

	w.emit(ctx, kind, job)
	log := w.log.WithFields(logrus.Fields{"jobId": jobID, "attempt": attempt, "outputs": len(job.Outputs)})
	if kind == model.JobEventFailed {
		span.SetStatus(codes.Error, *job.Error)
		log.WithField("error", *job.Error).Warn("export job failed")
		return fmt.Errorf("%w: %s", model.ErrJobFailed, *job.Error)
	}
	log.WithField("status", job.Status).Info("export job finished")
	return nil
}

// fail marks the whole attempt failed, or cancelled when cancellation was
// requested while it ran.
func (w *ExportWorker) fail(ctx context.Context, span trace.Span, jobID string, attempt int, cause string) error {
	var status model.JobStatus
	job, err := w.update(ctx, jobID, attempt, func(j *model.Job) (err error) {
		status, err = j.Abort(cause, w.now())
		return err
	})
	if err != nil {
		if errors.Is(err, errLeaseLost) {
			return nil
		}
		return fmt.Errorf("failed to record failure of job %s: %w", jobID, err)
	}
	if status == model.JobStatusCancelled {
		w.log.WithFields(logrus.Fields{"jobId": jobID, "attempt": attempt}).WithField("error", cause).Info("export job cancelled after failure")
		w.emit(ctx, model.JobEventCancelled, job)
		return nil
	}

	span.SetStatus(codes.Error, cause)
	w.log.WithFields(logrus.Fields{"jobId": jobID, "attempt": attempt}).WithField("error", cause).Warn("export job failed")
	w.emit(ctx, model.JobEventFailed, job)
	return fmt.Errorf("%w: %s", model.ErrJobFailed, cause)
}

// update applies fn only while this attempt still owns the job. Every write
// refreshes the heartbeat.
func (w *ExportWorker) update(ctx context.Context, jobID string, attempt int, fn store.UpdateFunc) (*model.Job, error) {
	return w.jobs.Update(context.WithoutCancel(ctx), jobID, func(j *model.Job) error {
		if !owns(j, attempt) {
			return errLeaseLost
		}
		if err := fn(j); err != nil {
			return err
		}
		now := w.now()
		j.HeartbeatAt = &now
		j.UpdatedAt = now
		return nil
	})
}

func (w *ExportWorker) heartbeat(ctx context.Context, jobID string, attempt int) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := w.jobs.Update(ctx, jobID, func(j *model.Job) error {
				if !owns(j, attempt) {
					return errLeaseLost
				}
				now := w.now()
				j.HeartbeatAt = &now
				return nil
			})
			if errors.Is(err, errLeaseLost) {
				return
			}
			if err != nil && ctx.Err() == nil {
				w.log.WithField("jobId", jobID).WithError(err).Warn("failed to record heartbeat")
			}
		}
	}
}

func (w *ExportWorker) emit(ctx context.Context, kind model.JobEventKind, job *model.Job) {
	w.notifier.NotifyJobEvent(ctx, model.NewJobEvent(kind, job, w.now()))
}

// owns reports whether attempt still holds the job
func owns(j *model.Job, attempt int) bool {
	return j.Status == model.JobStatusProcessing && j.AttemptsMade == attempt
}

func summarize(errs []model.FormatError) string {
	if len(errs) == 0 {
		return "no formats were exported"
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = fmt.Sprintf("%s: %s", e.Format, e.Code)
	}
	return "all formats failed (" + strings.Join(parts, ", ") + ")"
}
