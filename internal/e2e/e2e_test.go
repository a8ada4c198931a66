package e2e

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"

	"inferd/internal/backend/backendtest"
	"inferd/internal/sink"
	"inferd/pkg/types"
)

// With one slot in flight and one queued, a third concurrent request is
// rejected once MaxWait elapses.
func TestE2E_Backpressure429(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	l := &backendtest.Loader{Script: backendtest.Tokens("slow"), EvalDelay: 50 * time.Millisecond}
	srv, _ := newServer(t, dir, stackConfig{
		Loader:        l,
		DefaultModel:  "alpha.gguf",
		MaxQueueDepth: 1,
		MaxWait:       5 * time.Millisecond,
	})

	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			resp, _ := httpPostJSON(t, srv.URL+"/submit", `{"prompt":"hello"}`)
			done <- resp.StatusCode
		}()
	}
	var got429, got200 bool
	for i := 0; i < 3; i++ {
		switch <-done {
		case http.StatusTooManyRequests:
			got429 = true
		case http.StatusOK:
			got200 = true
		}
	}
	if !got429 || !got200 {
		t.Fatalf("expected a mix of 200 and 429, got429=%v got200=%v", got429, got200)
	}
}

func TestE2E_Models_Submit_Ready_Stats(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	srv, n := newServer(t, dir, stackConfig{Loader: &backendtest.Loader{Script: backendtest.Tokens("ok")}})

	resp, body := httpGet(t, srv.URL+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models status=%d body=%s", resp.StatusCode, body)
	}
	var models struct {
		Models []types.Model `json:"models"`
	}
	if err := json.Unmarshal(body, &models); err != nil || len(models.Models) != 2 {
		t.Fatalf("/models=%s err=%v", body, err)
	}

	resp, _ = httpGet(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz before init=%d", resp.StatusCode)
	}
	resp, body = httpPostJSON(t, srv.URL+"/submit", `{"prompt":"hello"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/submit before init=%d body=%s", resp.StatusCode, body)
	}

	if err := n.Processor.Initialize(context.Background(), "beta.gguf", types.DefaultInferenceConfig()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	resp, _ = httpGet(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz after init=%d", resp.StatusCode)
	}

	resp, body = httpPostJSON(t, srv.URL+"/infer", `{"prompt":"hello"}`)
	if resp.StatusCode != http.StatusOK || strings.Count(string(body), "\n") != 3 {
		t.Fatalf("/infer status=%d body=%q", resp.StatusCode, body)
	}
	resp, body = httpPostJSON(t, srv.URL+"/submit", `{"model":"alpha.gguf","prompt":"hello"}`)
	var env types.Response
	if err := json.Unmarshal(body, &env); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("/submit status=%d body=%s", resp.StatusCode, body)
	}
	if env.Model != "alpha.gguf" || env.Response != "ok" {
		t.Fatalf("env=%+v", env)
	}

	_, body = httpGet(t, srv.URL+"/stats")
	var st types.Stats
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/stats json: %v body=%s", err, body)
	}
	// the rejected pre-init submit is counted too
	if st.TotalRequests != 3 || st.TotalTokens == 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestE2E_EnvelopeDeliveredToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := sink.NewRedis(context.Background(), sink.RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer s.Close()

	dir := createTempModelsDir(t, "alpha.gguf")
	srv, _ := newServer(t, dir, stackConfig{
		Loader:       &backendtest.Loader{Script: backendtest.Tokens("stored")},
		DefaultModel: "alpha.gguf",
		Sink:         s,
	})
	resp, body := httpPostJSON(t, srv.URL+"/submit", `{"id":"job-7","prompt":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	got, ok, err := s.Lookup(context.Background(), "job-7")
	if err != nil || !ok {
		t.Fatalf("lookup ok=%v err=%v", ok, err)
	}
	if got.Response != "stored" || !got.Success {
		t.Fatalf("stored=%+v", got)
	}
}
