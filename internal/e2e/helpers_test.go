package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/cache"
	"inferd/internal/httpapi"
	"inferd/internal/processor"
	"inferd/internal/registry"
	"inferd/pkg/types"
)

// stackConfig shapes one in-process node.
type stackConfig struct {
	Loader        backend.Loader
	DefaultModel  string
	MaxQueueDepth int
	MaxWait       time.Duration
	Sink          processor.Sink
}

// createTempModelsDir populates a temp dir with placeholder .gguf files.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", n, err)
		}
	}
	return dir
}

// newServer starts a node over dir. An empty DefaultModel leaves the
// processor uninitialized so readiness can be observed.
func newServer(t *testing.T, dir string, cfg stackConfig) (*httptest.Server, *httpapi.Node) {
	t.Helper()
	reg := registry.New(dir, nil)
	if err := reg.Refresh(); err != nil {
		t.Fatalf("scan models: %v", err)
	}
	c := cache.New(cache.Options{
		Loader:        cfg.Loader,
		Resolver:      reg,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       cfg.MaxWait,
		Logger:        zerolog.Nop(),
	})
	t.Cleanup(c.Close)
	p := processor.New(processor.Options{Cache: c, Sink: cfg.Sink, Logger: zerolog.Nop()})
	if cfg.DefaultModel != "" {
		if err := p.Initialize(context.Background(), cfg.DefaultModel, types.DefaultInferenceConfig()); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	n := &httpapi.Node{Processor: p, Registry: reg}
	srv := httptest.NewServer(httpapi.NewMux(n))
	t.Cleanup(srv.Close)
	return srv, n
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return do(t, req)
}

func httpPostJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
