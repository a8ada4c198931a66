package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// LoadDir scans a directory for *.gguf files and builds a registry from filenames.
// ID is the full filename (including extension); Path is the absolute file path.
// Files named <content-hash>.gguf also carry the hash.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		m := types.Model{ID: name, Name: name, Path: filepath.Join(abs, name)}
		if stem := strings.TrimSuffix(name, filepath.Ext(name)); IsContentHash(stem) {
			m.Hash = stem
		}
		if info, err := e.Info(); err == nil {
			m.SizeBytes = info.Size()
		}
		models = append(models, m)
	}
	return models, nil
}

// IsContentHash reports whether s looks like an IPFS content identifier
// (CIDv0 "Qm..." or base32 CIDv1 "bafy...").
func IsContentHash(s string) bool {
	switch {
	case len(s) == 46 && strings.HasPrefix(s, "Qm"):
		return isBase58(s)
	case len(s) > 50 && strings.HasPrefix(s, "bafy"):
		for _, r := range s {
			if !(r >= 'a' && r <= 'z' || r >= '2' && r <= '7') {
				return false
			}
		}
		return true
	}
	return false
}

func isBase58(s string) bool {
	const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}
