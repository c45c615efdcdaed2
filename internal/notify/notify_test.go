package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/creative-design-platform/export-service/internal/model"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestMultiFansOut(t *testing.T) {
	var got []string
	record := func(name string) Notifier {
		return Func(func(_ context.Context, ev model.JobEvent) {
			got = append(got, name+":"+string(ev.Kind))
		})
	}
	m := Multi{record("a"), nil, Nop{}, record("b")}
	m.NotifyJobEvent(context.Background(), model.JobEvent{Kind: model.JobEventStarted})

	if len(got) != 2 || got[0] != "a:started" || got[1] != "b:started" {
		t.Errorf("unexpected fan out %v", got)
	}
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	var mu sync.Mutex
	var received []model.JobEvent
	var signatures []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev model.JobEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("bad body: %v", err)
		}
		mu.Lock()
		received = append(received, ev)
		signatures = append(signatures, r.Header.Get(SignatureHeader))
		mu.Unlock()
		if Sign("s3cr3t", body) != r.Header.Get(SignatureHeader) {
			t.Error("signature mismatch")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Secret: "s3cr3t", Logger: quietLogger()})
	ctx := context.Background()
	n.NotifyJobEvent(ctx, model.JobEvent{Kind: model.JobEventStarted, JobID: "j1", Timestamp: time.Now()})
	n.NotifyJobEvent(ctx, model.JobEvent{Kind: model.JobEventCompleted, JobID: "j1", Timestamp: time.Now()})
	n.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(received))
	}
	if received[0].Kind != model.JobEventStarted || received[1].Kind != model.JobEventCompleted {
		t.Errorf("events out of order: %+v", received)
	}
	if signatures[0] == "" {
		t.Error("missing signature header")
	}
}

func TestWebhookFailuresDoNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, QueueSize: 1, Logger: quietLogger()})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			n.NotifyJobEvent(context.Background(), model.JobEvent{Kind: model.JobEventProgress, JobID: "j"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a failing webhook")
	}
	n.Close()

	// after close events are ignored
	n.NotifyJobEvent(context.Background(), model.JobEvent{Kind: model.JobEventProgress, JobID: "j"})
}
