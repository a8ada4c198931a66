package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// ModelNotFoundError is returned when a reference resolves to no model.
type ModelNotFoundError struct{ Ref string }

func (e *ModelNotFoundError) Error() string { return "model not found: " + e.Ref }

// StatusCode maps the error to HTTP 404.
func (e *ModelNotFoundError) StatusCode() int { return 404 }

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool {
	var nf *ModelNotFoundError
	return errors.As(err, &nf)
}

// Fetcher downloads a model by content hash and returns its local path.
type Fetcher interface {
	Fetch(ctx context.Context, hash string) (string, error)
}

// Registry resolves model references: a scanned id, a file path, or a
// content hash that is fetched when not present locally.
type Registry struct {
	dir     string
	fetcher Fetcher

	mu     sync.RWMutex
	models map[string]types.Model
}

// New builds a registry over dir. fetcher may be nil, in which case content
// hashes only resolve to files already present.
func New(dir string, fetcher Fetcher) *Registry {
	return &Registry{dir: dir, fetcher: fetcher, models: map[string]types.Model{}}
}

// Refresh rescans the models directory. A missing directory yields an empty
// registry.
func (r *Registry) Refresh() error {
	var models []types.Model
	if r.dir != "" {
		dir, err := fsutil.ExpandHome(r.dir)
		if err != nil {
			return err
		}
		if fsutil.PathExists(dir) {
			if models, err = LoadDir(dir); err != nil {
				return err
			}
		}
	}
	m := make(map[string]types.Model, len(models))
	for _, mod := range models {
		m[mod.ID] = mod
	}
	r.mu.Lock()
	r.models = m
	r.mu.Unlock()
	return nil
}

// Add records a model under its id.
func (r *Registry) Add(m types.Model) {
	r.mu.Lock()
	r.models[m.ID] = m
	r.mu.Unlock()
}

// List returns the known models.
func (r *Registry) List() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}

// Resolve maps ref to a model with a usable local path.
func (r *Registry) Resolve(ctx context.Context, ref string) (types.Model, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return types.Model{}, &ModelNotFoundError{Ref: ref}
	}
	r.mu.RLock()
	m, ok := r.models[ref]
	if !ok && !strings.HasSuffix(strings.ToLower(ref), ".gguf") {
		m, ok = r.models[ref+".gguf"]
	}
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	if p, err := fsutil.ExpandHome(ref); err == nil && isFile(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return types.Model{}, fmt.Errorf("abs path: %w", err)
		}
		m := types.Model{ID: abs, Name: filepath.Base(abs), Path: abs}
		if stem := strings.TrimSuffix(m.Name, filepath.Ext(m.Name)); IsContentHash(stem) {
			m.Hash = stem
		}
		return m, nil
	}

	if IsContentHash(ref) {
		return r.resolveHash(ctx, ref)
	}
	return types.Model{}, &ModelNotFoundError{Ref: ref}
}

func (r *Registry) resolveHash(ctx context.Context, hash string) (types.Model, error) {
	if r.dir != "" {
		dir, err := fsutil.ExpandHome(r.dir)
		if err == nil {
			if p := filepath.Join(dir, hash+".gguf"); isFile(p) {
				return r.remember(hash, p), nil
			}
		}
	}
	if r.fetcher == nil {
		return types.Model{}, &ModelNotFoundError{Ref: hash}
	}
	p, err := r.fetcher.Fetch(ctx, hash)
	if err != nil {
		return types.Model{}, fmt.Errorf("fetch %s: %w", hash, err)
	}
	return r.remember(hash, p), nil
}

func (r *Registry) remember(hash, path string) types.Model {
	m := types.Model{ID: hash, Name: filepath.Base(path), Path: path, Hash: hash}
	if info, err := os.Stat(path); err == nil {
		m.SizeBytes = info.Size()
	}
	r.Add(m)
	return m
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
