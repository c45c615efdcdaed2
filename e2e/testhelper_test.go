package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/creative-design-platform/export-service/internal/auth"
	"github.com/creative-design-platform/export-service/internal/client"
	"github.com/creative-design-platform/export-service/internal/encoder"
	"github.com/creative-design-platform/export-service/internal/handler"
	"github.com/creative-design-platform/export-service/internal/middleware"
	"github.com/creative-design-platform/export-service/internal/model"
	"github.com/creative-design-platform/export-service/internal/queue"
	"github.com/creative-design-platform/export-service/internal/render"
	"github.com/creative-design-platform/export-service/internal/service"
	"github.com/creative-design-platform/export-service/internal/store"
	ws "github.com/creative-design-platform/export-service/internal/websocket"
	"github.com/creative-design-platform/export-service/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUserID    = "test-user-123"
)

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	service  *service.ExportService
	jobs     *store.MemoryStore
	scenes   *client.StaticResolver
	storeDir string
}

// setupApp builds the same routes as main.go on the in-memory store, the local
// dispatcher and a temp directory for outputs. No Redis is needed.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	storage, err := client.NewFileStorage(dir, "https://cdn.example.com/exports")
	if err != nil {
		t.Fatal(err)
	}

	jobs := store.NewMemoryStore()
	scenes := client.NewStaticResolver()
	for _, id := range []string{"canvas-1", "canvas-2", "canvas-3"} {
		scenes.Put(model.SubjectRef{CanvasID: id}, testScene())
	}

	pool := render.NewPool(2, render.RasterFactory(render.RasterConfig{}))
	t.Cleanup(func() { pool.Close() })

	// ffmpeg is left unconfigured so mp4 reports NOT_IMPLEMENTED
	encoders := encoder.DefaultRegistry(encoder.Options{})

	hub := ws.NewHub(log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	t.Cleanup(stopHub)
	go hub.Run(hubCtx)

	exportWorker := worker.NewExportWorker(jobs, pool, encoders, scenes, client.NewOutputStore(storage), hub,
		worker.Config{FormatTimeout: 30 * time.Second}, log)
	exportService := service.NewExportService(jobs, queue.NewLocalDispatcher(2, 5*time.Second, log), exportWorker, hub,
		service.Config{MaxAttempts: 1, Backoff: queue.Backoff{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond}}, log)
	if err := exportService.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		exportService.Shutdown(ctx)
	})

	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)

	app := fiber.New()
	handler.Routes{
		Exports: handler.NewExportHandler(exportService, validator.New()),
		Health:  handler.NewHealthHandler(pool, map[string]bool{"redis": false, "r2": false, "auth": true}),
		Auth:    handler.NewAuthHandler(authMiddleware),
		Hub:     hub,
		APIAuth: authMiddleware.Authenticate(),
		// Rate limiting is disabled without redis
		SubmitLimit: middleware.NewRateLimiter(nil).ExportLimit(10000),
	}.Register(app)

	return &testApp{app: app, service: exportService, jobs: jobs, scenes: scenes, storeDir: dir}
}

func testScene() *model.Scene {
	return &model.Scene{
		Width:      160,
		Height:     90,
		Background: "#ffffff",
		Nodes: []model.Node{
			{Type: model.NodeShape, Shape: model.ShapeRect, Left: 10, Top: 10, Width: 60, Height: 40, Fill: "#3b82f6"},
			{Type: model.NodeShape, Shape: model.ShapeEllipse, Left: 90, Top: 20, Width: 50, Height: 50, Fill: "#f59e0b", Rotation: 10},
			{Type: model.NodeText, Left: 10, Top: 60, Width: 140, Text: "Summer Sale", FontSize: 16},
		},
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: userID,
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "export-service",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request as the default test user.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, testUserID),
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// decodeJob parses a job response.
func decodeJob(t *testing.T, resp *http.Response) *model.Job {
	t.Helper()
	body := readBody(t, resp)
	var job model.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		t.Fatalf("failed to parse job: %v\nbody: %s", err, body)
	}
	return &job
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForJob polls GET /api/exports/:id until cond holds.
func waitForJob(t *testing.T, app *fiber.App, jobID string, cond func(*model.Job) bool) *model.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		resp, err := doAuthRequest(t, app, http.MethodGet, "/api/exports/"+jobID, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		job := decodeJob(t, resp)
		if cond(job) {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for job %s (status %s)", jobID, job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func terminal(j *model.Job) bool {
	return j.Status.IsTerminal() && !j.RetryScheduled()
}
