package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/creative-design-platform/export-service/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set
const SignatureHeader = "X-Export-Signature"

// WebhookConfig configures a WebhookNotifier
type WebhookConfig struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	QueueSize int
	Breaker   *gobreaker.CircuitBreaker
	Logger    logrus.FieldLogger
}

// WebhookNotifier POSTs events as JSON from a background goroutine. Events
// are dropped when the buffer is full or the breaker is open.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        logrus.FieldLogger

	mu       sync.RWMutex
	closed   bool
	events   chan model.JobEvent
	finished chan struct{}
}

func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "webhook"})
	}

	n := &WebhookNotifier{
		url:        cfg.URL,
		secret:     cfg.Secret,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    cfg.Breaker,
		log:        cfg.Logger.WithField("component", "webhook"),
		events:     make(chan model.JobEvent, cfg.QueueSize),
		finished:   make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *WebhookNotifier) NotifyJobEvent(ctx context.Context, ev model.JobEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.events <- ev:
	default:
		n.log.WithField("jobId", ev.JobID).Warn("webhook buffer full, dropping event")
	}
}

// Close stops accepting events and waits for the buffer to drain
func (n *WebhookNotifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.events)
	}
	n.mu.Unlock()
	<-n.finished
}

func (n *WebhookNotifier) loop() {
	defer close(n.finished)
	for ev := range n.events {
		if err := n.deliver(ev); err != nil {
			n.log.WithFields(logrus.Fields{"jobId": ev.JobID, "event": ev.Kind}).WithError(err).Warn("webhook delivery failed")
		}
	}
}

func (n *WebhookNotifier) deliver(ev model.JobEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = n.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if n.secret != "" {
			req.Header.Set(SignatureHeader, Sign(n.secret, body))
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
