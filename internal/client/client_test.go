package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/creative-design-platform/export-service/internal/config"
	"github.com/creative-design-platform/export-service/internal/model"
)

func TestSceneClientResolvesCanvasAndDesignSet(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/canvases/c1/scene", "/design-sets/d1/scene":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"width":100,"height":50,"nodes":[{"type":"shape","shape":"rect","left":1,"top":2,"width":3,"height":4}]}`))
		case "/canvases/boom/scene":
			http.Error(w, "kaput", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewSceneClient(&config.DesignConfig{ServiceURL: srv.URL + "/"})
	ctx := context.Background()

	scene, err := c.ResolveScene(ctx, model.SubjectRef{CanvasID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if scene.Width != 100 || len(scene.Nodes) != 1 || scene.Nodes[0].Shape != model.ShapeRect {
		t.Errorf("unexpected scene %+v", scene)
	}
	if _, err := c.ResolveScene(ctx, model.SubjectRef{DesignSetID: "d1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ResolveScene(ctx, model.SubjectRef{CanvasID: "missing"}); !errors.Is(err, ErrSubjectNotFound) {
		t.Errorf("expected ErrSubjectNotFound, got %v", err)
	}
	_, err = c.ResolveScene(ctx, model.SubjectRef{CanvasID: "boom"})
	if err == nil || errors.Is(err, ErrSubjectNotFound) || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected a status error, got %v", err)
	}
	if paths[1] != "/design-sets/d1/scene" {
		t.Errorf("unexpected design set path %s", paths[1])
	}
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	ref := model.SubjectRef{CanvasID: "c1"}
	r.Put(ref, &model.Scene{Width: 10, Height: 10})

	if s, err := r.ResolveScene(context.Background(), ref); err != nil || s.Width != 10 {
		t.Errorf("unexpected result %v %v", s, err)
	}
	if _, err := r.ResolveScene(context.Background(), model.SubjectRef{DesignSetID: "c1"}); !errors.Is(err, ErrSubjectNotFound) {
		t.Errorf("design set must not match a canvas with the same id, got %v", err)
	}
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir, "https://cdn.example.com/")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	locator, err := s.Upload(ctx, "exports/j1/png.png", strings.NewReader("data"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if locator != "https://cdn.example.com/exports/j1/png.png" {
		t.Errorf("unexpected locator %s", locator)
	}
	got, err := os.ReadFile(filepath.Join(dir, "exports", "j1", "png.png"))
	if err != nil || string(got) != "data" {
		t.Fatalf("object not written: %q %v", got, err)
	}

	if _, err := s.Upload(ctx, "../escape", strings.NewReader("x"), "text/plain"); err == nil {
		t.Error("expected traversal key to be rejected")
	}

	if err := s.Delete(ctx, "exports/j1/png.png"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "exports/j1/png.png"); err != nil {
		t.Errorf("deleting a missing object should succeed, got %v", err)
	}
}

func TestFileStorageLocalURL(t *testing.T) {
	s, err := NewFileStorage(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if u := s.GetPublicURL("exports/a/b.pdf"); !strings.HasPrefix(u, "file://") || !strings.HasSuffix(u, "/exports/a/b.pdf") {
		t.Errorf("unexpected local url %s", u)
	}
}

func TestOutputStore(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	store := NewOutputStore(fs)

	locator, err := store.PersistOutput(context.Background(), "job-1", model.FormatHTML5, []byte("<html>"), "text/html")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(locator, "exports/job-1/html5.html") {
		t.Errorf("unexpected locator %s", locator)
	}
	if OutputKey("j", model.FormatJPG) != "exports/j/jpg.jpg" {
		t.Errorf("unexpected key %s", OutputKey("j", model.FormatJPG))
	}
}
