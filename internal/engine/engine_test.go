package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/backend/backendtest"
	"inferd/pkg/types"
)

func newTestEngine(m *backendtest.Model, depth int, wait time.Duration) *Engine {
	return New(m, Options{ModelID: "test", MaxQueueDepth: depth, MaxWait: wait, Logger: zerolog.Nop()})
}

func cfgPredict(n int) types.InferenceConfig {
	c := types.DefaultInferenceConfig()
	c.NPredict = n
	return c
}

func TestComplete_StopsOnEOS(t *testing.T) {
	m := &backendtest.Model{Script: backendtest.Tokens("Hi")}
	e := newTestEngine(m, 0, 0)

	var streamed []string
	res, err := e.Complete(context.Background(), "Hello", cfgPredict(5), func(_ backend.Token, text string) {
		streamed = append(streamed, text)
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Stop != StopEOS || res.Incomplete {
		t.Fatalf("stop=%s incomplete=%v", res.Stop, res.Incomplete)
	}
	if res.Text != "Hi" {
		t.Fatalf("text=%q", res.Text)
	}
	if res.Usage.PromptTokens != 6 || res.Usage.CompletionTokens != 2 {
		t.Fatalf("usage=%+v", res.Usage)
	}
	if len(streamed) != 2 || streamed[0] != "H" || streamed[1] != "i" {
		t.Fatalf("streamed=%v", streamed)
	}
	// prompt + one evaluation per emitted token
	if got := m.RunEvaluations(); got != 3 {
		t.Fatalf("evaluations=%d want 3", got)
	}
	if e.State() != StateIdle {
		t.Fatalf("state=%s", e.State())
	}
}

func TestGenerate_BoundedByNPredict(t *testing.T) {
	m := &backendtest.Model{Script: backendtest.Tokens("abcdefgh")}
	e := newTestEngine(m, 0, 0)
	prompt := append([]backend.Token{backendtest.BOS}, backendtest.Tokens("x")...)

	res, err := e.Generate(context.Background(), prompt, cfgPredict(3))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Stop != StopMaxTokens {
		t.Fatalf("stop=%s", res.Stop)
	}
	if len(res.Tokens) != 3 || res.Text != "abc" {
		t.Fatalf("tokens=%v text=%q", res.Tokens, res.Text)
	}
	if got := m.RunEvaluations(); got > 4 {
		t.Fatalf("evaluations=%d exceeds n_predict+1", got)
	}
}

func TestGenerate_ContextExhaustion(t *testing.T) {
	m := &backendtest.Model{Script: backendtest.Tokens("abcdefgh")}
	e := newTestEngine(m, 0, 0)
	cfg := cfgPredict(100)
	cfg.CtxSize = 5
	prompt := append([]backend.Token{backendtest.BOS}, backendtest.Tokens("xy")...)

	res, err := e.Generate(context.Background(), prompt, cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Stop != StopMaxTokens || len(res.Tokens) != 2 {
		t.Fatalf("stop=%s tokens=%d", res.Stop, len(res.Tokens))
	}
}

func TestGenerate_RejectsBadPrompts(t *testing.T) {
	e := newTestEngine(&backendtest.Model{}, 0, 0)
	if _, err := e.Generate(context.Background(), nil, cfgPredict(4)); !IsTokenization(err) {
		t.Fatalf("empty prompt: expected TokenizationError, got %v", err)
	}
	cfg := cfgPredict(4)
	cfg.CtxSize = 4
	if _, err := e.Complete(context.Background(), "hello", cfg, nil); !IsTokenization(err) {
		t.Fatalf("long prompt: expected TokenizationError, got %v", err)
	}
}

func TestGenerate_CancelMidway(t *testing.T) {
	m := &backendtest.Model{Script: backendtest.Tokens("abcdef")}
	e := newTestEngine(m, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := e.Complete(ctx, "hi", cfgPredict(10), func(backend.Token, string) { cancel() })
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Stop != StopCancelled || !res.Incomplete {
		t.Fatalf("stop=%s incomplete=%v", res.Stop, res.Incomplete)
	}
	if res.Text != "a" {
		t.Fatalf("text=%q", res.Text)
	}
}

func TestGenerate_EvaluationErrorKeepsPartialOutput(t *testing.T) {
	m := &backendtest.Model{Script: backendtest.Tokens("abcdef"), FailEvalAt: 3, CorruptOnFail: true}
	e := newTestEngine(m, 0, 0)

	res, err := e.Complete(context.Background(), "hi", cfgPredict(10), nil)
	if !IsEvaluation(err) || !IsCorrupt(err) {
		t.Fatalf("expected corrupt EvaluationError, got %v", err)
	}
	if res.Stop != StopError || !res.Incomplete {
		t.Fatalf("stop=%s incomplete=%v", res.Stop, res.Incomplete)
	}
	if res.Text != "ab" {
		t.Fatalf("partial text=%q", res.Text)
	}
}

func TestGenerations_AreSerialized(t *testing.T) {
	m := &backendtest.Model{Script: backendtest.Tokens("abc"), EvalDelay: 2 * time.Millisecond}
	e := newTestEngine(m, 8, time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Complete(context.Background(), "go", cfgPredict(8), nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if m.Overlapped() {
		t.Fatal("evaluations overlapped")
	}
	if s := e.Stats(); s.Requests != 4 || s.CompletionTok != 12 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestGenerate_TooBusyWhenQueueFull(t *testing.T) {
	e := newTestEngine(&backendtest.Model{}, 1, 20*time.Millisecond)
	release, err := e.gate.enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer release()

	_, err = e.Complete(context.Background(), "hi", cfgPredict(4), nil)
	if !IsTooBusy(err) {
		t.Fatalf("expected TooBusyError, got %v", err)
	}
}

func TestGenerate_CancelledWhileQueued(t *testing.T) {
	e := newTestEngine(&backendtest.Model{}, 4, time.Second)
	release, err := e.gate.enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res, err := e.Complete(ctx, "hi", cfgPredict(4), nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Stop != StopCancelled || !res.Incomplete || len(res.Tokens) != 0 {
		t.Fatalf("res=%+v", res)
	}
}

func TestTokenizeDetokenize_RoundTrip(t *testing.T) {
	e := newTestEngine(&backendtest.Model{}, 0, 0)
	toks, err := e.Tokenize(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	if toks[0] != backendtest.BOS || len(toks) != 12 {
		t.Fatalf("tokens=%v", toks)
	}
	text, err := e.Detokenize(context.Background(), toks)
	if err != nil {
		t.Fatalf("Detokenize: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("text=%q", text)
	}
}

func TestStats_MovingAverage(t *testing.T) {
	e := newTestEngine(&backendtest.Model{}, 0, 0)
	e.record(Usage{PromptTokens: 3, CompletionTokens: 2, Elapsed: 100 * time.Millisecond})
	e.record(Usage{PromptTokens: 1, CompletionTokens: 1, Elapsed: 100 * time.Millisecond})
	s := e.Stats()
	if s.Requests != 2 || s.TotalTokens() != 7 {
		t.Fatalf("stats=%+v", s)
	}
	want := (0*0.99+100*0.01)*0.99 + 100*0.01
	if diff := s.AvgLatencyMs - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("avg=%v want %v", s.AvgLatencyMs, want)
	}
}

func TestClose_FreesModel(t *testing.T) {
	m := &backendtest.Model{}
	e := newTestEngine(m, 0, 0)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !m.Freed() {
		t.Fatal("model not freed")
	}
}

func TestGenerate_BoundedByLoadedContext(t *testing.T) {
	m := &backendtest.Model{Script: backendtest.Tokens("abcdefghij")}
	e := New(m, Options{ModelID: "test", CtxSize: 8, Logger: zerolog.Nop()})
	cfg := cfgPredict(64)
	cfg.CtxSize = 4096

	_, err := e.Complete(context.Background(), "a prompt far too long", cfg, nil)
	if !IsTokenization(err) {
		t.Fatalf("expected TokenizationError, got %v", err)
	}

	// BOS + 2 prompt tokens leave room for 5 generated positions
	res, err := e.Complete(context.Background(), "hi", cfg, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Stop != StopMaxTokens || res.Text != "abcde" {
		t.Fatalf("stop=%s text=%q", res.Stop, res.Text)
	}
	if got := res.Usage.PromptTokens + res.Usage.CompletionTokens; got != 8 {
		t.Fatalf("positions=%d want 8", got)
	}
}

func TestGate_ServesWaitersInArrivalOrder(t *testing.T) {
	e := newTestEngine(&backendtest.Model{}, 8, 0)
	release, err := e.gate.enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}

	const n = 5
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := e.gate.enter(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}(i)
		// wait until waiter i is queued before the next one arrives
		deadline := time.Now().Add(time.Second)
		for e.QueueLen() != i+1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)
	}
	release()
	wg.Wait()

	if len(order) != n {
		t.Fatalf("order=%v", order)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("served order=%v, want arrival order", order)
		}
	}
}

func TestGate_ZeroMaxWaitKeepsWaiting(t *testing.T) {
	e := newTestEngine(&backendtest.Model{Script: backendtest.Tokens("ok")}, 2, 0)
	release, err := e.gate.enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Complete(context.Background(), "hi", cfgPredict(4), nil)
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("queued request returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued request never ran")
	}
}

func TestGate_ZeroMaxWaitRejectsWhenQueueFull(t *testing.T) {
	e := newTestEngine(&backendtest.Model{}, 1, 0)
	release, err := e.gate.enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	defer release()

	if _, err := e.Complete(context.Background(), "hi", cfgPredict(4), nil); !IsTooBusy(err) {
		t.Fatalf("expected TooBusyError, got %v", err)
	}
}
