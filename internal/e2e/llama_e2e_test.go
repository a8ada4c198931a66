//go:build llama

package e2e

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"inferd/internal/backend"
	"inferd/pkg/types"
)

// TestLlama_Haiku runs a real generation through the native backend.
// Skips unless ~/models/llm holds at least one .gguf file.
func TestLlama_Haiku(t *testing.T) {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, "models", "llm")
	ents, _ := os.ReadDir(dir)
	var modelID string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			modelID = e.Name()
			break
		}
	}
	if modelID == "" {
		t.Skip("no GGUF found under ~/models/llm")
	}

	srv, _ := newServer(t, dir, stackConfig{Loader: backend.NewLlamaLoader(), DefaultModel: modelID})
	resp, body := httpPostJSON(t, srv.URL+"/submit", `{"prompt":"Write a haiku about the sea.","config":{"n_predict":48}}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var env types.Response
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(env.Response) == "" {
		t.Fatalf("empty completion: %+v", env)
	}
	t.Logf("haiku:\n%s", env.Response)
}
