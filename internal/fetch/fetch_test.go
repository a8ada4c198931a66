package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testHash = "QmXT2xkFnG7FP7NTfmDfDFcQLSfCJ3xfPnjCg76gFnq1Hr"

func gateway(t *testing.T, body string, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/ipfs/"+testHash {
			http.NotFound(w, r)
			return
		}
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetch_DownloadsOnceAndCaches(t *testing.T) {
	var hits atomic.Int32
	ts := gateway(t, "GGUF-weights", http.StatusOK, &hits)
	dir := t.TempDir()
	f := New(ts.URL+"/ipfs/", dir, zerolog.Nop())

	var wg sync.WaitGroup
	paths := make([]string, 3)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.Fetch(context.Background(), testHash)
			if err != nil {
				t.Errorf("Fetch: %v", err)
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()

	want := filepath.Join(dir, testHash+".gguf")
	for _, p := range paths {
		if p != want {
			t.Fatalf("path=%q want %q", p, want)
		}
	}
	b, err := os.ReadFile(want)
	if err != nil || string(b) != "GGUF-weights" {
		t.Fatalf("content=%q err=%v", b, err)
	}
	if _, err := f.Fetch(context.Background(), testHash); err != nil {
		t.Fatalf("cached Fetch: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("gateway hits=%d want 1", hits.Load())
	}
}

func TestFetch_GatewayError(t *testing.T) {
	var hits atomic.Int32
	ts := gateway(t, "nope", http.StatusBadGateway, &hits)
	f := New(ts.URL+"/ipfs", t.TempDir(), zerolog.Nop())
	_, err := f.Fetch(context.Background(), testHash)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
}

func TestFetch_RejectsNonGGUF(t *testing.T) {
	var hits atomic.Int32
	ts := gateway(t, "<html>", http.StatusOK, &hits)
	dir := t.TempDir()
	f := New(ts.URL+"/ipfs/", dir, zerolog.Nop())
	_, err := f.Fetch(context.Background(), testHash)
	if !errors.Is(err, ErrNotGGUF) {
		t.Fatalf("expected ErrNotGGUF, got %v", err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("partial file left behind: %v", entries)
	}
}

func TestFetch_InvalidHash(t *testing.T) {
	f := New("", t.TempDir(), zerolog.Nop())
	if _, err := f.Fetch(context.Background(), "../etc/passwd"); err == nil {
		t.Fatal("expected error for path-like hash")
	}
}
