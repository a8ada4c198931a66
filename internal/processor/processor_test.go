package processor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/backend/backendtest"
	"inferd/internal/cache"
	"inferd/internal/edge"
	"inferd/pkg/types"
)

var idResolver = cache.ResolverFunc(func(_ context.Context, ref string) (types.Model, error) {
	if ref == "missing" {
		return types.Model{}, errors.New("model not found: missing")
	}
	return types.Model{ID: ref, Path: "/models/" + ref, Hash: "Qm" + ref}, nil
})

type recordingSink struct {
	mu    sync.Mutex
	resps []types.Response
}

func (s *recordingSink) Deliver(_ context.Context, r types.Response) error {
	s.mu.Lock()
	s.resps = append(s.resps, r)
	s.mu.Unlock()
	return nil
}

func newTestProcessor(t *testing.T, l *backendtest.Loader, opts Options) *Processor {
	t.Helper()
	if opts.Cache == nil {
		opts.Cache = cache.New(cache.Options{Loader: l, Resolver: idResolver, Logger: zerolog.Nop()})
	}
	opts.Logger = zerolog.Nop()
	return New(opts)
}

func initialized(t *testing.T, l *backendtest.Loader, opts Options) *Processor {
	t.Helper()
	p := newTestProcessor(t, l, opts)
	if err := p.Initialize(context.Background(), "tiny.gguf", types.DefaultInferenceConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p
}

func TestSubmit_SuccessEnvelope(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("Hi")}
	sink := &recordingSink{}
	p := initialized(t, l, Options{Sink: sink})

	resp := p.Submit(context.Background(), types.SubmitRequest{ID: "req-1", Prompt: "Hello"})
	if !resp.Success || resp.RequestID != "req-1" || resp.Response != "Hi" || resp.Error != "" {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.StopReason != "eos" || resp.Model != "tiny.gguf" || resp.Timestamp == 0 {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 6 || resp.Usage.CompletionTokens != 2 || resp.Usage.TotalTokens != 8 {
		t.Fatalf("usage=%+v", resp.Usage)
	}
	st := p.Stats()
	if st.TotalRequests != 1 || st.TotalTokens != 8 || !st.ModelLoaded || st.ModelPath != "/models/tiny.gguf" {
		t.Fatalf("stats=%+v", st)
	}
	if len(sink.resps) != 1 || sink.resps[0].RequestID != "req-1" {
		t.Fatalf("sink=%+v", sink.resps)
	}
}

func TestSubmit_FailuresStillCount(t *testing.T) {
	p := newTestProcessor(t, &backendtest.Loader{Script: backendtest.Tokens("abcdef"), FailEvalAt: 3}, Options{})

	resp := p.Submit(context.Background(), types.SubmitRequest{ID: "r1", Prompt: "hi"})
	if resp.Success || resp.RequestID != "r1" || resp.Error != ErrNotInitialized.Error() {
		t.Fatalf("resp=%+v", resp)
	}
	resp = p.Submit(context.Background(), types.SubmitRequest{ID: "r2", Model: "x"})
	if resp.Success || resp.Error != ErrEmptyPrompt.Error() {
		t.Fatalf("resp=%+v", resp)
	}
	if st := p.Stats(); st.TotalRequests != 2 || st.TotalTokens != 0 || st.ModelLoaded {
		t.Fatalf("stats=%+v", st)
	}

	// output produced before the failure is kept apart from the error
	resp = p.Submit(context.Background(), types.SubmitRequest{ID: "r3", Model: "tiny.gguf", Prompt: "hi"})
	if resp.Success || resp.Error == "" || resp.Response != "" {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Partial != "ab" || !resp.Incomplete || resp.StopReason != "error" {
		t.Fatalf("resp=%+v", resp)
	}
	if st := p.Stats(); st.TotalRequests != 3 || st.TotalTokens != 5 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSubmit_GeneratesRequestID(t *testing.T) {
	p := initialized(t, &backendtest.Loader{}, Options{})
	resp := p.Submit(context.Background(), types.SubmitRequest{Prompt: "hi"})
	if resp.RequestID == "" {
		t.Fatal("request id not generated")
	}
}

func TestSubmit_Overrides(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("abcdefgh")}
	p := initialized(t, l, Options{})
	n := 3
	resp := p.Submit(context.Background(), types.SubmitRequest{
		ID: "r", Prompt: "x", Config: &types.ConfigOverrides{NPredict: &n},
	})
	if resp.Response != "abc" || resp.StopReason != "max_tokens" {
		t.Fatalf("resp=%+v", resp)
	}
	if p.Config().NPredict != 256 {
		t.Fatal("overrides leaked into base config")
	}
}

func TestSubmit_ContextOverrideCannotExceedLoadedContext(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("abcdefghij")}
	p := newTestProcessor(t, l, Options{})
	base := types.DefaultInferenceConfig()
	base.CtxSize = 8
	if err := p.Initialize(context.Background(), "tiny.gguf", base); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	big, threads := 4096, 64
	over := &types.ConfigOverrides{CtxSize: &big, Threads: &threads}

	resp := p.Submit(context.Background(), types.SubmitRequest{ID: "r1", Prompt: "twenty characters ok", Config: over})
	if resp.Success || (resp.Usage != nil && resp.Usage.CompletionTokens != 0) {
		t.Fatalf("resp=%+v", resp)
	}
	resp = p.Submit(context.Background(), types.SubmitRequest{ID: "r2", Prompt: "hi", Config: over})
	if !resp.Success || resp.StopReason != "max_tokens" || resp.Usage.TotalTokens != 8 {
		t.Fatalf("resp=%+v usage=%+v", resp, resp.Usage)
	}

	// a model loaded on behalf of a request gets the base load parameters
	if resp := p.Submit(context.Background(), types.SubmitRequest{Model: "other.gguf", Prompt: "hi", Config: over}); !resp.Success {
		t.Fatalf("resp=%+v", resp)
	}
	for _, m := range l.Models() {
		if m.Params.CtxSize != 8 || m.Params.Threads != base.Threads {
			t.Fatalf("%s loaded with %+v", m.Path, m.Params)
		}
	}
}

func TestSubmit_CorruptContextReloads(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("abc"), FailEvalAt: 2, CorruptOnFail: true}
	pub := NewMemoryPublisher()
	p := initialized(t, l, Options{Publisher: pub})

	resp := p.Submit(context.Background(), types.SubmitRequest{ID: "r1", Prompt: "hi"})
	if resp.Success || !resp.Incomplete || resp.Partial != "a" || resp.Response != "" || resp.StopReason != "error" {
		t.Fatalf("resp=%+v", resp)
	}
	if len(pub.Named("model_invalidated")) != 1 {
		t.Fatalf("events=%+v", pub.Events())
	}
	first := l.Models()[0]
	if !first.Freed() {
		t.Fatal("corrupt model not freed")
	}

	l.FailEvalAt = 0
	if resp := p.Submit(context.Background(), types.SubmitRequest{ID: "r2", Prompt: "hi"}); !resp.Success {
		t.Fatalf("resp=%+v", resp)
	}
	if l.Loads() != 2 {
		t.Fatalf("loads=%d want 2", l.Loads())
	}
	if !p.Stats().ModelLoaded {
		t.Fatal("model should be pinned again")
	}
}

func TestInitialize_Failure(t *testing.T) {
	p := newTestProcessor(t, &backendtest.Loader{FailFirst: 1}, Options{})
	err := p.Initialize(context.Background(), "tiny.gguf", types.DefaultInferenceConfig())
	if !IsInitialization(err) || !cache.IsModelLoad(err) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
	if err := p.Initialize(context.Background(), "tiny.gguf", types.DefaultInferenceConfig()); err != nil {
		t.Fatalf("retry Initialize: %v", err)
	}
}

func TestShutdown_RejectsRequests(t *testing.T) {
	l := &backendtest.Loader{}
	c := cache.New(cache.Options{Loader: l, Resolver: idResolver, Logger: zerolog.Nop()})
	p := initialized(t, l, Options{Cache: c})
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	resp := p.Submit(context.Background(), types.SubmitRequest{Prompt: "hi"})
	if resp.Success || resp.Error != ErrShutdown.Error() {
		t.Fatalf("resp=%+v", resp)
	}
	if snap := c.Snapshot(); len(snap) != 1 || snap[0].RefCount != 0 {
		t.Fatalf("pinned handle not released: %+v", snap)
	}
}

func TestStream_FragmentsThenSummary(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("Hey")}
	p := initialized(t, l, Options{})

	s := p.Stream(context.Background(), types.SubmitRequest{ID: "s", Prompt: "hi"})
	var got []string
	for f := range s.Fragments() {
		got = append(got, f)
	}
	resp, err := s.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if strings.Join(got, "") != "Hey" || len(got) != 3 || resp.Response != "Hey" {
		t.Fatalf("fragments=%v resp=%+v", got, resp)
	}
}

func TestInfer_NDJSON(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("ok")}
	p := initialized(t, l, Options{})

	var buf bytes.Buffer
	flushes := 0
	if err := p.Infer(context.Background(), types.SubmitRequest{ID: "i", Prompt: "hi"}, &buf, func() { flushes++ }); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || flushes != 3 {
		t.Fatalf("lines=%q flushes=%d", lines, flushes)
	}
	var last types.StreamChunk
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !last.Done || last.Content != "ok" || last.StopReason != "eos" || last.Usage == nil {
		t.Fatalf("final=%+v", last)
	}
}

type failWriter struct{ n int }

func (w *failWriter) Write(b []byte) (int, error) {
	w.n++
	return 0, errors.New("client gone")
}

func TestInfer_WriterFailureCancels(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("abcdefgh"), EvalDelay: time.Millisecond}
	p := initialized(t, l, Options{})
	err := p.Infer(context.Background(), types.SubmitRequest{Prompt: "hi"}, &failWriter{}, nil)
	if err == nil {
		t.Fatal("expected writer error")
	}
	if st := p.Stats(); st.TotalRequests != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSubmit_ThroughCoordinator(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("yo")}
	var p *Processor
	remoteCalls := 0
	coord := edge.New(edge.Options{
		Local: edge.ExecutorFunc(func(ctx context.Context, dev edge.Device, task edge.Task) (edge.TaskResult, error) {
			return p.LocalExecutor().Execute(ctx, dev, task)
		}),
		Remote: edge.ExecutorFunc(func(context.Context, edge.Device, edge.Task) (edge.TaskResult, error) {
			remoteCalls++
			return edge.TaskResult{}, &edge.UnreachableError{DeviceID: "peer", Err: errors.New("refused")}
		}),
		Retryable: Retryable,
		Logger:    zerolog.Nop(),
	})
	if err := coord.Register(edge.Device{ID: "self", Local: true, PerformanceScore: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := coord.Register(edge.Device{ID: "peer", Address: "http://peer", PerformanceScore: 0.9}); err != nil {
		t.Fatal(err)
	}
	p = initialized(t, l, Options{Coordinator: coord})

	resp := p.Submit(context.Background(), types.SubmitRequest{ID: "c1", Prompt: "hi"})
	if !resp.Success || resp.DeviceID != "self" || resp.Response != "yo" || remoteCalls != 1 {
		t.Fatalf("resp=%+v remoteCalls=%d", resp, remoteCalls)
	}
	if st := p.Stats(); len(st.Devices) != 2 {
		t.Fatalf("devices=%+v", st.Devices)
	}
}

func TestSubmit_StreamingThroughCoordinator(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("ab")}
	var p *Processor
	coord := edge.New(edge.Options{
		Local: edge.ExecutorFunc(func(ctx context.Context, dev edge.Device, task edge.Task) (edge.TaskResult, error) {
			return p.LocalExecutor().Execute(ctx, dev, task)
		}),
		Logger: zerolog.Nop(),
	})
	_ = coord.Register(edge.Device{ID: "self", Local: true})
	p = initialized(t, l, Options{Coordinator: coord})

	var got []string
	_, err := p.execute(context.Background(), types.SubmitRequest{Prompt: "x"}, func(_ backend.Token, s string) {
		got = append(got, s)
	})
	if err != nil || strings.Join(got, "") != "ab" {
		t.Fatalf("got=%v err=%v", got, err)
	}
}

func TestStreaming_NotReroutedAfterOutput(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("abcdef"), FailEvalAt: 3}
	var p *Processor
	remoteCalls := 0
	coord := edge.New(edge.Options{
		Local: edge.ExecutorFunc(func(ctx context.Context, dev edge.Device, task edge.Task) (edge.TaskResult, error) {
			return p.LocalExecutor().Execute(ctx, dev, task)
		}),
		Remote: edge.ExecutorFunc(func(context.Context, edge.Device, edge.Task) (edge.TaskResult, error) {
			remoteCalls++
			return edge.TaskResult{Text: "remote", StopReason: "eos"}, nil
		}),
		Retryable: Retryable,
		Logger:    zerolog.Nop(),
	})
	if err := coord.Register(edge.Device{ID: "self", Local: true, PerformanceScore: 0.9}); err != nil {
		t.Fatal(err)
	}
	if err := coord.Register(edge.Device{ID: "peer", Address: "http://peer", PerformanceScore: 0.5}); err != nil {
		t.Fatal(err)
	}
	p = initialized(t, l, Options{Coordinator: coord})

	var got []string
	resp, err := p.execute(context.Background(), types.SubmitRequest{Prompt: "hi"}, func(_ backend.Token, s string) {
		got = append(got, s)
	})
	if err == nil || remoteCalls != 0 {
		t.Fatalf("err=%v remoteCalls=%d", err, remoteCalls)
	}
	if strings.Join(got, "") != "ab" || resp.Partial != "ab" || resp.DeviceID != "self" {
		t.Fatalf("got=%v resp=%+v", got, resp)
	}

	// nothing was streamed, so the failure may move to the peer
	resp = p.Submit(context.Background(), types.SubmitRequest{Prompt: "hi"})
	if !resp.Success || resp.Response != "remote" || resp.DeviceID != "peer" || remoteCalls != 1 {
		t.Fatalf("resp=%+v remoteCalls=%d", resp, remoteCalls)
	}
}

func TestFormatMessages(t *testing.T) {
	got := FormatMessages([]types.Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
		{Role: "user", Content: "Bye"},
	})
	want := "### System:\nBe brief.\n\n### Human:\nHi\n\n### Assistant:\nHello\n\n### Human:\nBye\n\n### Assistant:\n"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
	if _, err := BuildPrompt(types.SubmitRequest{}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestConcurrentSubmits_CountEveryRequest(t *testing.T) {
	l := &backendtest.Loader{Script: backendtest.Tokens("z")}
	p := initialized(t, l, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Submit(context.Background(), types.SubmitRequest{Prompt: "q"})
		}()
	}
	wg.Wait()
	// prompt "q" is BOS+1 token, completion is 1 token
	if st := p.Stats(); st.TotalRequests != 10 || st.TotalTokens != 30 {
		t.Fatalf("stats=%+v", st)
	}
}
