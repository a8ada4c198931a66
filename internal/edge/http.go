package edge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"inferd/pkg/types"
)

// HTTPExecutor forwards tasks to a peer's POST /submit endpoint. The peer
// runs the task on its own co-located model.
type HTTPExecutor struct {
	Client *http.Client
}

// NewHTTPExecutor returns an executor whose requests time out after timeout
// (no limit when zero).
func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{Client: &http.Client{Timeout: timeout}}
}

func (x *HTTPExecutor) Execute(ctx context.Context, dev Device, task Task) (TaskResult, error) {
	body, err := json.Marshal(types.SubmitRequest{
		ID:       task.RequestID,
		Model:    task.ModelID,
		Prompt:   task.Prompt,
		Messages: task.Messages,
		Config:   task.Config.Overrides(),
		Local:    true,
	})
	if err != nil {
		return TaskResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(dev.Address, "/submit"), bytes.NewReader(body))
	if err != nil {
		return TaskResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)

	client := x.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TaskResult{}, ctx.Err()
		}
		return TaskResult{}, &UnreachableError{DeviceID: dev.ID, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return TaskResult{}, &UnreachableError{DeviceID: dev.ID, Err: err}
	}
	var env types.Response
	if err := json.Unmarshal(raw, &env); err != nil {
		return TaskResult{}, &RemoteError{DeviceID: dev.ID, Status: resp.StatusCode, Msg: "invalid response: " + err.Error()}
	}
	if !env.Success {
		status := resp.StatusCode
		if status < 400 {
			status = http.StatusInternalServerError
		}
		return TaskResult{Text: env.Partial, Incomplete: env.Incomplete}, &RemoteError{DeviceID: dev.ID, Status: status, Msg: env.Error}
	}
	res := TaskResult{
		Text:       env.Response,
		StopReason: env.StopReason,
		Incomplete: env.Incomplete,
		Elapsed:    time.Duration(env.ProcessingTimeMs) * time.Millisecond,
	}
	if env.Usage != nil {
		res.PromptTokens = env.Usage.PromptTokens
		res.CompletionTokens = env.Usage.CompletionTokens
	}
	return res, nil
}

// HTTPProber checks a peer's GET /healthz.
type HTTPProber struct {
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context, dev Device) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(dev.Address, "/healthz"), nil)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz status %d", resp.StatusCode)
	}
	return nil
}

func endpoint(base, path string) string {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + path
}
