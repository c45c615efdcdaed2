package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type localTask struct {
	jobID  string
	taskID string
}

// LocalDispatcher is an in-process FIFO served by a fixed number of slot
// goroutines. Tasks do not survive a restart; the queue service re-enqueues
// unfinished jobs from the store on start.
type LocalDispatcher struct {
	slots           int
	shutdownTimeout time.Duration
	log             logrus.FieldLogger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []localTask
	timers  map[string]*time.Timer
	queued  map[string]bool
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocalDispatcher(slots int, shutdownTimeout time.Duration, log logrus.FieldLogger) *LocalDispatcher {
	if slots <= 0 {
		slots = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &LocalDispatcher{
		slots:           slots,
		shutdownTimeout: shutdownTimeout,
		log:             log.WithField("component", "dispatcher"),
		timers:          make(map[string]*time.Timer),
		queued:          make(map[string]bool),
		ctx:             ctx,
		cancel:          cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *LocalDispatcher) Enqueue(ctx context.Context, jobID, taskID string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.queued[taskID] {
		return nil
	}
	d.queued[taskID] = true

	task := localTask{jobID: jobID, taskID: taskID}
	if delay <= 0 {
		d.push(task)
		return nil
	}

	d.timers[taskID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.timers[taskID]; !ok || d.closed {
			return
		}
		delete(d.timers, taskID)
		d.push(task)
	})
	return nil
}

// push appends to the FIFO; callers hold d.mu.
func (d *LocalDispatcher) push(task localTask) {
	d.pending = append(d.pending, task)
	d.cond.Signal()
}

func (d *LocalDispatcher) Remove(ctx context.Context, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queued, taskID)
	if t, ok := d.timers[taskID]; ok {
		t.Stop()
		delete(d.timers, taskID)
		return nil
	}
	for i, task := range d.pending {
		if task.taskID == taskID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (d *LocalDispatcher) Start(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true

	for i := 0; i < d.slots; i++ {
		d.wg.Add(1)
		go d.serve(i, h)
	}
	d.log.WithField("slots", d.slots).Info("local dispatcher started")
	return nil
}

func (d *LocalDispatcher) serve(slot int, h Handler) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		task := d.pending[0]
		d.pending = d.pending[1:]
		delete(d.queued, task.taskID)
		d.mu.Unlock()

		d.run(slot, h, task)
	}
}

func (d *LocalDispatcher) run(slot int, h Handler, task localTask) {
	log := d.log.WithFields(logrus.Fields{"slot": slot, "jobId": task.jobID, "taskId": task.taskID})
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler panic: %v", r)
		}
	}()
	if err := h(d.ctx, task.jobID); err != nil {
		log.WithError(err).Warn("task handler returned error")
	}
}

// Shutdown stops the slots. Running handlers get shutdownTimeout to finish
// before their context is cancelled.
func (d *LocalDispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.pending = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if d.shutdownTimeout > 0 {
		select {
		case <-done:
			d.cancel()
			return
		case <-time.After(d.shutdownTimeout):
			d.log.Warn("shutdown timeout reached, cancelling running tasks")
		}
	}
	d.cancel()
	<-done
}

// Len returns the number of tasks waiting for a slot
func (d *LocalDispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
