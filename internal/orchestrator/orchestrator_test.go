package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"intentsbx/internal/capability"
	"intentsbx/internal/contextstore"
	"intentsbx/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIndex(t *testing.T) *capability.Index {
	t.Helper()
	entries := []capability.Entry{
		{Name: "greet", Category: "text", Complexity: "low", TemplateID: "greet_tpl"},
	}
	templates := map[string]string{
		"greet_tpl": `print("hello", {name})`,
	}
	return capability.NewIndex(entries, templates)
}

type fakeSandbox struct {
	result *sandbox.ExecutionResult
	err    error
}

func (f *fakeSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return f.result, f.err
}
func (f *fakeSandbox) Backend() string { return "fake" }

type fakeCollaborator struct {
	called bool
	data   map[string]any
	err    error
}

func (f *fakeCollaborator) Call(ctx context.Context, intent string, params map[string]any) (map[string]any, error) {
	f.called = true
	return f.data, f.err
}

func rawParams(t *testing.T, m map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal param %s: %v", k, err)
		}
		out[k] = b
	}
	return out
}

func TestExecuteIntentCodeExecutionSuccess(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.ExecutionResult{Status: sandbox.StatusCompleted, Stdout: "hello world\n"}}
	o := New(Config{Mode: ModeCodeExecution, MaxConcurrent: 4, QueueDepth: 4, TokenBudget: 1000, MaxExecutionTime: time.Second},
		testIndex(t), sb, nil, nil, nil, nil, nil, testLogger())

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "greet", Params: rawParams(t, map[string]any{"name": "world"})})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result.Status != ResultCompleted {
		t.Fatalf("expected completed, got %s", resp.Result.Status)
	}
}

func TestExecuteIntentUnknownIntentCodeExecutionMode(t *testing.T) {
	sb := &fakeSandbox{}
	o := New(Config{Mode: ModeCodeExecution, MaxConcurrent: 4, QueueDepth: 4, MaxExecutionTime: time.Second},
		testIndex(t), sb, nil, nil, nil, nil, nil, testLogger())

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "nonexistent", Params: rawParams(t, nil)})

	if resp.Error == nil || resp.Error.Code != ErrUnknownIntent {
		t.Fatalf("expected unknown_intent error, got %+v", resp)
	}
}

func TestExecuteIntentHybridFallsBackOnUnknownIntent(t *testing.T) {
	sb := &fakeSandbox{}
	collab := &fakeCollaborator{data: map[string]any{"answer": 42}}
	o := New(Config{Mode: ModeHybrid, MaxConcurrent: 4, QueueDepth: 4, FallbackEnabled: true, MaxExecutionTime: time.Second},
		testIndex(t), sb, collab, nil, nil, nil, nil, testLogger())

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "nonexistent", Params: rawParams(t, nil)})

	if !collab.called {
		t.Fatal("expected fallback to call the protocol collaborator")
	}
	if resp.Error != nil || resp.Result.Status != ResultCompleted {
		t.Fatalf("expected successful fallback result, got %+v", resp)
	}
}

func TestExecuteIntentHybridDoesNotFallBackOnTimedOut(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.ExecutionResult{Status: sandbox.StatusTimedOut}}
	collab := &fakeCollaborator{data: map[string]any{"answer": 42}}
	o := New(Config{Mode: ModeHybrid, MaxConcurrent: 4, QueueDepth: 4, FallbackEnabled: true, MaxExecutionTime: time.Second},
		testIndex(t), sb, collab, nil, nil, nil, nil, testLogger())

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "greet", Params: rawParams(t, map[string]any{"name": "world"})})

	if collab.called {
		t.Fatal("timed_out is an authoritative sandbox result, must not trigger fallback")
	}
	if resp.Result == nil || resp.Result.Status != ResultTimedOut {
		t.Fatalf("expected timed_out result, got %+v", resp)
	}
}

func TestExecuteIntentHybridFallsBackOnRejected(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.ExecutionResult{Status: sandbox.StatusRejected}}
	collab := &fakeCollaborator{data: map[string]any{"ok": true}}
	o := New(Config{Mode: ModeHybrid, MaxConcurrent: 4, QueueDepth: 4, FallbackEnabled: true, MaxExecutionTime: time.Second},
		testIndex(t), sb, collab, nil, nil, nil, nil, testLogger())

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "greet", Params: rawParams(t, map[string]any{"name": "world"})})

	if !collab.called {
		t.Fatal("rejected must trigger fallback in hybrid mode")
	}
	if resp.Error != nil {
		t.Fatalf("expected successful fallback, got error %+v", resp.Error)
	}
}

func TestExecuteIntentMissingParameterIsInvalidRequestNotFallback(t *testing.T) {
	sb := &fakeSandbox{}
	collab := &fakeCollaborator{data: map[string]any{"ok": true}}
	o := New(Config{Mode: ModeHybrid, MaxConcurrent: 4, QueueDepth: 4, FallbackEnabled: true, MaxExecutionTime: time.Second},
		testIndex(t), sb, collab, nil, nil, nil, nil, testLogger())

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "greet", Params: rawParams(t, nil)})

	if collab.called {
		t.Fatal("a validation failure must not trigger protocol fallback")
	}
	if resp.Error == nil || resp.Error.Code != ErrInvalidRequest {
		t.Fatalf("expected invalid_request error, got %+v", resp)
	}
}

func TestExecuteIntentTokenLimitExceeded(t *testing.T) {
	sb := &fakeSandbox{}
	o := New(Config{Mode: ModeCodeExecution, MaxConcurrent: 4, QueueDepth: 4, TokenBudget: 1, MaxExecutionTime: time.Second},
		testIndex(t), sb, nil, nil, nil, nil, nil, testLogger())

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "greet", Params: rawParams(t, map[string]any{"name": "a very long string value indeed"})})

	if resp.Error == nil || resp.Error.Code != ErrTokenLimitExceeded {
		t.Fatalf("expected token_limit_exceeded, got %+v", resp)
	}
}

func TestExecuteIntentQueueOverflowRejectsAsOverloaded(t *testing.T) {
	blocking := &blockingSandbox{release: make(chan struct{})}
	defer close(blocking.release)

	o := New(Config{Mode: ModeCodeExecution, MaxConcurrent: 1, QueueDepth: 0, MaxExecutionTime: 5 * time.Second},
		testIndex(t), blocking, nil, nil, nil, nil, nil, testLogger())

	done := make(chan Response, 1)
	go func() {
		done <- o.ExecuteIntent(context.Background(), Request{Intent: "greet", Params: rawParams(t, map[string]any{"name": "a"})})
	}()

	time.Sleep(20 * time.Millisecond) // let the first call occupy the only slot

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "greet", Params: rawParams(t, map[string]any{"name": "b"})})
	if resp.Error == nil || resp.Error.Code != ErrOverloaded {
		t.Fatalf("expected overloaded, got %+v", resp)
	}

	blocking.release <- struct{}{}
	<-done
}

type blockingSandbox struct {
	release chan struct{}
}

func (b *blockingSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &sandbox.ExecutionResult{Status: sandbox.StatusCompleted}, nil
}
func (b *blockingSandbox) Backend() string { return "blocking" }

func TestEstimateTokensMonotonicAndBoundedByTwiceByteLength(t *testing.T) {
	short := []byte(`{"a":1}`)
	long := []byte(`{"a":1,"b":2,"c":3,"d":"some longer value here"}`)

	if estimateTokens("x", long) < estimateTokens("x", short) {
		t.Fatal("expected token estimate to be monotonic in input size")
	}
	if got := estimateTokens("intent", long); got > 2*len(long) {
		t.Fatalf("expected estimate bounded by 2x byte length, got %d for %d bytes", got, len(long))
	}
}

func TestCanonicalCacheKeyStableAcrossMapKeyOrder(t *testing.T) {
	a := rawParams(t, map[string]any{"z": 1, "a": 2, "m": 3})
	b := rawParams(t, map[string]any{"m": 3, "z": 1, "a": 2})

	keyA, _, err := canonicalCacheKey("intent", a)
	if err != nil {
		t.Fatalf("canonicalCacheKey: %v", err)
	}
	keyB, _, err := canonicalCacheKey("intent", b)
	if err != nil {
		t.Fatalf("canonicalCacheKey: %v", err)
	}
	if keyA != keyB {
		t.Fatal("expected identical cache keys regardless of map construction order")
	}
}

func TestExecuteIntentCacheHitReturnsFreshMetadata(t *testing.T) {
	store := contextstore.New(contextstore.NewMemoryBackend(100), 1<<20, nil)
	sb := &fakeSandbox{result: &sandbox.ExecutionResult{Status: sandbox.StatusCompleted, Stdout: "first\n"}}
	o := New(Config{Mode: ModeCodeExecution, MaxConcurrent: 4, QueueDepth: 4, CacheTTL: time.Minute, MaxExecutionTime: time.Second},
		testIndex(t), sb, nil, store, nil, nil, nil, testLogger())

	req := Request{Intent: "greet", Params: rawParams(t, map[string]any{"name": "world"})}

	first := o.ExecuteIntent(context.Background(), req)
	if first.Result == nil || first.Result.Metadata.CacheHit {
		t.Fatalf("expected first call to be a cache miss, got %+v", first)
	}

	second := o.ExecuteIntent(context.Background(), req)
	if second.Result == nil || !second.Result.Metadata.CacheHit {
		t.Fatalf("expected second call to be a cache hit, got %+v", second)
	}
	if second.Result.Metadata.TraceID == first.Result.Metadata.TraceID {
		t.Fatal("expected a fresh trace id on cache hit")
	}
}

func TestExecuteIntentOrderingCacheWriteHappensAfterExecuteAndBeforeReturn(t *testing.T) {
	store := contextstore.New(contextstore.NewMemoryBackend(100), 1<<20, nil)
	sb := &fakeSandbox{result: &sandbox.ExecutionResult{Status: sandbox.StatusCompleted}}
	o := New(Config{Mode: ModeCodeExecution, MaxConcurrent: 4, QueueDepth: 4, CacheTTL: time.Minute, MaxExecutionTime: time.Second},
		testIndex(t), sb, nil, store, nil, nil, nil, testLogger())

	req := Request{Intent: "greet", Params: rawParams(t, map[string]any{"name": "world"})}
	o.ExecuteIntent(context.Background(), req)

	key, _, err := canonicalCacheKey(req.Intent, req.Params)
	if err != nil {
		t.Fatalf("canonicalCacheKey: %v", err)
	}
	if _, hit, _ := store.Get(context.Background(), key); !hit {
		t.Fatal("expected cache to be populated by the time ExecuteIntent returns")
	}
}

func TestProtocolOnlyModeNeverTouchesSandbox(t *testing.T) {
	sb := &fakeSandbox{err: errors.New("must not be called")}
	collab := &fakeCollaborator{data: map[string]any{"ok": true}}
	o := New(Config{Mode: ModeProtocolOnly, MaxConcurrent: 4, QueueDepth: 4, MaxExecutionTime: time.Second},
		testIndex(t), sb, collab, nil, nil, nil, nil, testLogger())

	resp := o.ExecuteIntent(context.Background(), Request{Intent: "anything", Params: rawParams(t, nil)})

	if !collab.called {
		t.Fatal("expected protocol_only mode to call the collaborator")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}
