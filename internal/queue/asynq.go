package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	TaskTypeExport = "export:process"
	QueueExport    = "export"
)

// AsynqConfig configures the Redis-backed dispatcher
type AsynqConfig struct {
	Redis           asynq.RedisClientOpt
	Concurrency     int
	ShutdownTimeout time.Duration
	LogLevel        asynq.LogLevel
	Logger          logrus.FieldLogger
}

// AsynqDispatcher schedules tasks through asynq. Retries are owned by the
// queue service, so tasks are enqueued with MaxRetry(0).
type AsynqDispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	log       logrus.FieldLogger
}

func NewAsynqDispatcher(cfg AsynqConfig) *AsynqDispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	log := cfg.Logger.WithField("component", "asynq")

	srv := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueExport: 1,
		},
		StrictPriority:  true,
		ShutdownTimeout: cfg.ShutdownTimeout,
		LogLevel:        cfg.LogLevel,
		Logger:          log,
	})

	return &AsynqDispatcher{
		client:    asynq.NewClient(cfg.Redis),
		inspector: asynq.NewInspector(cfg.Redis),
		server:    srv,
		log:       log,
	}
}

type exportTaskPayload struct {
	JobID string `json:"jobId"`
}

func (d *AsynqDispatcher) Enqueue(ctx context.Context, jobID, taskID string, delay time.Duration) error {
	data, err := json.Marshal(exportTaskPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(QueueExport),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(TaskTypeExport, data)
	_, err = d.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return d.replaceFinished(ctx, task, taskID, opts)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// replaceFinished handles a task id that is already taken. A task that will
// still run covers this attempt; an archived or completed one never runs
// again, so it is deleted and the task enqueued afresh.
func (d *AsynqDispatcher) replaceFinished(ctx context.Context, task *asynq.Task, taskID string, opts []asynq.Option) error {
	info, err := d.inspector.GetTaskInfo(QueueExport, taskID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
	case err != nil:
		return fmt.Errorf("failed to inspect task %s: %w", taskID, err)
	case conflictCovers(info.State):
		return nil
	default:
		if err := d.inspector.DeleteTask(QueueExport, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("failed to delete finished task %s: %w", taskID, err)
		}
		d.log.WithFields(logrus.Fields{"taskId": taskID, "state": info.State.String()}).Info("replacing finished task")
	}

	_, err = d.client.EnqueueContext(ctx, task, opts...)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// conflictCovers reports whether an existing task in state will still run
func conflictCovers(state asynq.TaskState) bool {
	return state != asynq.TaskStateArchived && state != asynq.TaskStateCompleted
}

func (d *AsynqDispatcher) Remove(ctx context.Context, taskID string) error {
	err := d.inspector.DeleteTask(QueueExport, taskID)
	if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return fmt.Errorf("failed to delete task %s: %w", taskID, err)
}

func (d *AsynqDispatcher) Start(h Handler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeExport, d.taskHandler(h))
	return d.server.Start(mux)
}

// taskHandler always reports success to asynq. Job outcomes live in the job
// store, and a task that errored under MaxRetry(0) would be archived and keep
// its id, blocking a later enqueue of the same attempt.
func (d *AsynqDispatcher) taskHandler(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload exportTaskPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			d.log.WithError(err).Error("dropping export task with invalid payload")
			return nil
		}
		if err := h(ctx, payload.JobID); err != nil {
			d.log.WithField("jobId", payload.JobID).WithError(err).Error("export task errored")
		}
		return nil
	}
}

func (d *AsynqDispatcher) Shutdown() {
	d.server.Shutdown()
	if err := d.client.Close(); err != nil {
		d.log.WithError(err).Warn("failed to close asynq client")
	}
	if err := d.inspector.Close(); err != nil {
		d.log.WithError(err).Warn("failed to close asynq inspector")
	}
}
