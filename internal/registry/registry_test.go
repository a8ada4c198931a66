package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeFetcher struct {
	dir   string
	calls int
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, hash string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	p := filepath.Join(f.dir, hash+".gguf")
	return p, os.WriteFile(p, []byte("gguf"), 0o644)
}

func TestResolve_ByIDAndPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tiny.gguf")
	if err := os.WriteFile(p, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := New(dir, nil)
	if err := r.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	for _, ref := range []string{"tiny.gguf", "tiny"} {
		m, err := r.Resolve(context.Background(), ref)
		if err != nil || m.Path != p {
			t.Fatalf("Resolve(%q)=%+v, %v", ref, m, err)
		}
	}

	other := filepath.Join(t.TempDir(), "other.gguf")
	if err := os.WriteFile(other, []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := r.Resolve(context.Background(), other)
	if err != nil || m.ID != other || m.Name != "other.gguf" {
		t.Fatalf("Resolve(path)=%+v, %v", m, err)
	}
}

func TestResolve_UnknownIsNotFound(t *testing.T) {
	r := New(t.TempDir(), nil)
	_, err := r.Resolve(context.Background(), "missing")
	if !IsModelNotFound(err) {
		t.Fatalf("expected ModelNotFoundError, got %v", err)
	}
	_, err = r.Resolve(context.Background(), testHash)
	if !IsModelNotFound(err) {
		t.Fatalf("hash without fetcher: expected ModelNotFoundError, got %v", err)
	}
}

func TestResolve_FetchesHashOnce(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{dir: dir}
	r := New(dir, f)

	m, err := r.Resolve(context.Background(), testHash)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Hash != testHash || m.Path != filepath.Join(dir, testHash+".gguf") {
		t.Fatalf("unexpected model: %+v", m)
	}
	if _, err := r.Resolve(context.Background(), testHash); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("fetch calls=%d want 1", f.calls)
	}
}

func TestResolve_FetchErrorWrapped(t *testing.T) {
	boom := errors.New("gateway down")
	r := New(t.TempDir(), &fakeFetcher{err: boom})
	_, err := r.Resolve(context.Background(), testHash)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
}
