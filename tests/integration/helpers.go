// Package integration exercises the development server end to end: a real
// project on disk, the script bundler, the module graph and the bridge over
// HTTP and WebSocket.
package integration

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/workergraph/pkg/bundler"
	"github.com/polisai/workergraph/pkg/config"
	"github.com/polisai/workergraph/pkg/devserver"
)

func closeBody(t *testing.T, c io.Closer) {
	t.Helper()

	if c == nil {
		return
	}

	if err := c.Close(); err != nil {
		t.Fatalf("failed to close body: %v", err)
	}
}

// Project is a temporary project directory.
type Project struct {
	t    *testing.T
	Root string
}

// NewProject writes files (relative path to content) into a fresh directory.
func NewProject(t *testing.T, files map[string]string) *Project {
	t.Helper()
	p := &Project{t: t, Root: t.TempDir()}
	for name, content := range files {
		p.Write(name, content)
	}
	return p
}

// Write creates or replaces a file in the project.
func (p *Project) Write(name, content string) {
	p.t.Helper()
	path := p.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		p.t.Fatalf("mkdir %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		p.t.Fatalf("write %s: %v", name, err)
	}
}

// Path returns the absolute path of a project file.
func (p *Project) Path(name string) string {
	return filepath.Join(p.Root, filepath.FromSlash(name))
}

// TestServer is a development server behind an httptest listener.
type TestServer struct {
	Server *devserver.Server
	HTTP   *httptest.Server
}

// StartServer creates a server for the project's document, loads the first
// generation and serves it.
func StartServer(t *testing.T, p *Project, document string) *TestServer {
	t.Helper()

	settings := config.Default()
	settings.Project.Root = p.Root
	settings.Project.Document = p.Path(document)
	settings.Bridge.RequestTimeout = 5 * time.Second
	if err := settings.Validate(); err != nil {
		t.Fatalf("invalid settings: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := devserver.New(devserver.Options{
		Settings:     settings,
		Scripts:      bundler.New(bundler.Options{Timeout: 5 * time.Second, Logger: logger}),
		DrainTimeout: 2 * time.Second,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Reload(context.Background()); err != nil {
		t.Fatalf("initial build failed: %v", err)
	}

	ts := &TestServer{Server: srv, HTTP: httptest.NewServer(srv.Handler())}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Close(ctx)
		ts.HTTP.Close()
	})
	return ts
}

// InvokeURL is the HTTP bridge endpoint.
func (ts *TestServer) InvokeURL() string {
	return ts.HTTP.URL + devserver.InvokePath
}

// WebSocketURL is the WebSocket bridge endpoint.
func (ts *TestServer) WebSocketURL() string {
	return "ws" + ts.HTTP.URL[len("http"):] + devserver.WebSocketPath
}
