package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/creative-design-platform/export-service/internal/config"
	"github.com/creative-design-platform/export-service/internal/model"
)

// ErrSubjectNotFound is returned when the design service has no scene for a
// subject reference.
var ErrSubjectNotFound = errors.New("subject not found")

// SceneResolver loads the scene graph of the canvas or design set a job
// refers to.
type SceneResolver interface {
	ResolveScene(ctx context.Context, subject model.SubjectRef) (*model.Scene, error)
}

// SceneClient implements SceneResolver against the design service
type SceneClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewSceneClient creates a new design service client
func NewSceneClient(cfg *config.DesignConfig) *SceneClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	return &SceneClient{
		httpClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
	}
}

// ResolveScene fetches the scene of a canvas, or of a design set
func (c *SceneClient) ResolveScene(ctx context.Context, subject model.SubjectRef) (*model.Scene, error) {
	endpoint := "/canvases/" + url.PathEscape(subject.CanvasID) + "/scene"
	if subject.CanvasID == "" {
		endpoint = "/design-sets/" + url.PathEscape(subject.DesignSetID) + "/scene"
	}

	var scene model.Scene
	if err := c.get(ctx, endpoint, &scene); err != nil {
		return nil, err
	}
	return &scene, nil
}

// get sends a GET request and parses the JSON response
func (c *SceneClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrSubjectNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("design service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SceneClient) IsConfigured() bool {
	return c.baseURL != ""
}

// StaticResolver serves scenes from memory, keyed by SubjectRef.String()
type StaticResolver struct {
	mu     sync.RWMutex
	scenes map[string]*model.Scene
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{scenes: make(map[string]*model.Scene)}
}

func (r *StaticResolver) Put(subject model.SubjectRef, scene *model.Scene) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenes[subject.String()] = scene
}

func (r *StaticResolver) ResolveScene(ctx context.Context, subject model.SubjectRef) (*model.Scene, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scene, ok := r.scenes[subject.String()]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	return scene, nil
}
