package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/creative-design-platform/export-service/internal/model"
)

func newTestJob(batchID string) *model.Job {
	spec := model.JobSpec{
		Subject:  model.SubjectRef{CanvasID: "canvas-1"},
		Formats:  []model.Format{model.FormatPNG},
		Settings: model.Settings{Quality: 90, Scale: 1},
	}
	return model.NewJob(spec, batchID, time.Now())
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := newTestJob("")
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	abort := errors.New("abort")
	_, err := s.Update(ctx, job.ID, func(j *model.Job) error {
		j.Progress = 50
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Progress != 0 {
		t.Errorf("aborted update was written: progress %d", got.Progress)
	}
}

func TestMemoryStoreUpdateSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	job := newTestJob("")
	if err := s.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, job.ID, func(j *model.Job) error {
				return j.Transition(model.JobStatusProcessing, time.Now())
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one claim winner, got %d", winners)
	}
}

func TestMemoryStoreListBatchOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var ids []string
	for i := 0; i < 3; i++ {
		job := newTestJob("batch-1")
		ids = append(ids, job.ID)
		if err := s.Create(ctx, job); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Create(ctx, newTestJob("other")); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ListBatch(ctx, "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i, j := range jobs {
		if j.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], j.ID)
		}
	}
}

func TestMemoryStoreListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, b := newTestJob(""), newTestJob("")
	_ = s.Create(ctx, a)
	_ = s.Create(ctx, b)
	_, _ = s.Update(ctx, b.ID, func(j *model.Job) error {
		return j.Transition(model.JobStatusProcessing, time.Now())
	})

	pending, _ := s.ListByStatus(ctx, model.JobStatusPending)
	processing, _ := s.ListByStatus(ctx, model.JobStatusProcessing)
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Errorf("unexpected pending jobs: %v", pending)
	}
	if len(processing) != 1 || processing[0].ID != b.ID {
		t.Errorf("unexpected processing jobs: %v", processing)
	}
}
