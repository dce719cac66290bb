package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"intentsbx/internal/capability"
	"intentsbx/internal/contextstore"
	"intentsbx/internal/materializer"
	"intentsbx/internal/sandbox"
	"intentsbx/internal/telemetry"
)

// Config fixes the orchestrator's routing mode and concurrency limits.
type Config struct {
	Mode             Mode
	MaxConcurrent    int
	QueueDepth       int
	TokenBudget      int
	FallbackEnabled  bool
	CacheTTL         time.Duration
	MaxExecutionTime time.Duration
}

// Orchestrator implements execute_intent: the single entry point that
// routes an intent to generated code in the sandbox, an external
// protocol collaborator, or both in sequence, depending on Config.Mode.
type Orchestrator struct {
	config       Config
	capabilities *capability.Index
	materialize  func(template string, params map[string]json.RawMessage) (string, error)
	sandbox      sandbox.Sandbox
	collaborator ProtocolCollaborator
	cache        Cache
	metrics      *telemetry.Metrics
	audit        *telemetry.AuditSink
	tracer       *telemetry.Tracer
	logger       *slog.Logger

	slots   chan struct{}
	waiters atomic.Int32
}

var _ Cache = (*contextstore.Store)(nil)

// New builds an orchestrator from its fully wired dependencies. cache,
// metrics, audit, and tracer are all individually nil-safe.
func New(
	cfg Config,
	capabilities *capability.Index,
	sb sandbox.Sandbox,
	collaborator ProtocolCollaborator,
	cache Cache,
	metrics *telemetry.Metrics,
	audit *telemetry.AuditSink,
	tracer *telemetry.Tracer,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Orchestrator{
		config:       cfg,
		capabilities: capabilities,
		materialize:  materializer.Materialize,
		sandbox:      sb,
		collaborator: collaborator,
		cache:        cache,
		metrics:      metrics,
		audit:        audit,
		tracer:       tracer,
		logger:       logger,
		slots:        make(chan struct{}, cfg.MaxConcurrent),
	}
}

// ExecuteIntent is the single public operation. It assigns a trace id,
// enforces the concurrency cap and bounded queue, estimates token cost,
// checks the cache, routes per Config.Mode, and on every path performs
// side effects in the order: execute, record telemetry, write cache,
// emit audit, return — see finish.
func (o *Orchestrator) ExecuteIntent(ctx context.Context, req Request) Response {
	start := time.Now()
	traceID := uuid.New().String()

	spanCtx, span := o.tracer.Start(ctx, "execute_intent")
	ctx = spanCtx
	defer span.End()

	deadline := o.config.MaxExecutionTime
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	release, acquireErr := o.acquireSlot(ctx)
	if acquireErr != nil {
		return o.finish(ctx, req, traceID, start, 0, errorResponse(ErrOverloaded, acquireErr.Error(), Metadata{TraceID: traceID}), "overloaded", "")
	}
	defer release()

	serialized, err := json.Marshal(req.Params)
	if err != nil {
		return o.finish(ctx, req, traceID, start, 0, errorResponse(ErrInvalidRequest, fmt.Sprintf("invalid params: %v", err), Metadata{TraceID: traceID}), "invalid_request", "")
	}
	tokens := estimateTokens(req.Intent, serialized)
	if o.capabilities != nil {
		_, manifestTokens := o.capabilities.Manifest()
		tokens += manifestTokens
	}
	if o.config.TokenBudget > 0 && tokens > o.config.TokenBudget {
		return o.finish(ctx, req, traceID, start, tokens, errorResponse(ErrTokenLimitExceeded, "estimated token cost exceeds configured budget", Metadata{TraceID: traceID, TokensEstimated: tokens}), "token_limit_exceeded", "")
	}

	cacheKey, _, err := canonicalCacheKey(req.Intent, req.Params)
	if err != nil {
		return o.finish(ctx, req, traceID, start, tokens, errorResponse(ErrInvalidRequest, err.Error(), Metadata{TraceID: traceID}), "invalid_request", "")
	}

	if o.cache != nil {
		if cached, hit, err := o.cache.Get(ctx, cacheKey); err == nil && hit {
			var result Result
			if jsonErr := json.Unmarshal([]byte(cached), &result); jsonErr == nil {
				result.Metadata = Metadata{TraceID: traceID, CacheHit: true, TokensEstimated: tokens, Duration: time.Since(start)}
				resp := Response{Protocol: protocolVersion, Result: &result}
				return o.finish(ctx, req, traceID, start, tokens, resp, "cache_hit", "")
			}
		}
	}

	resp, outcome := o.route(ctx, req, traceID, tokens)

	return o.finish(ctx, req, traceID, start, tokens, resp, outcome, cacheKey)
}

// route dispatches by Config.Mode and returns the response plus a short
// outcome label used for telemetry/audit, not part of the wire shape.
func (o *Orchestrator) route(ctx context.Context, req Request, traceID string, tokens int) (Response, string) {
	switch o.config.Mode {
	case ModeProtocolOnly:
		return o.callCollaborator(ctx, req, traceID, tokens)

	case ModeCodeExecution:
		resp, fallback := o.runCode(ctx, req, traceID, tokens)
		if fallback != "" {
			return resp, fallback
		}
		return resp, "code_execution"

	default: // ModeHybrid
		resp, fallback := o.runCode(ctx, req, traceID, tokens)
		if fallback == "" {
			return resp, "code_execution"
		}
		if !o.config.FallbackEnabled || o.collaborator == nil {
			return resp, fallback
		}
		o.logger.InfoContext(ctx, "falling back to protocol collaborator",
			slog.String("trace_id", traceID), slog.String("reason", fallback))
		collabResp, _ := o.callCollaborator(ctx, req, traceID, tokens)
		return collabResp, "fallback:" + fallback
	}
}

// runCode materializes and executes the intent in the sandbox. The
// second return value is empty on an authoritative result and set to a
// short reason ("unknown_intent", "rejected", "internal_error") whenever
// the caller should consider falling back.
func (o *Orchestrator) runCode(ctx context.Context, req Request, traceID string, tokens int) (Response, string) {
	meta := Metadata{TraceID: traceID, TokensEstimated: tokens, Backend: "sandbox"}

	entry, ok := o.capabilities.Lookup(req.Intent)
	if !ok {
		return errorResponse(ErrUnknownIntent, fmt.Sprintf("no capability registered for intent %q", req.Intent), meta), "unknown_intent"
	}
	template, ok := o.capabilities.Template(entry.TemplateID)
	if !ok {
		return errorResponse(ErrUnknownIntent, fmt.Sprintf("no template registered for intent %q", req.Intent), meta), "unknown_intent"
	}

	code, err := o.materialize(template, req.Params)
	if err != nil {
		var missing *materializer.ErrMissingParameter
		if errors.As(err, &missing) {
			return errorResponse(ErrInvalidRequest, err.Error(), meta), "" // validation failure, not a fallback trigger
		}
		return errorResponse(ErrInternal, err.Error(), meta), "internal_error"
	}

	execResult, err := o.sandbox.Execute(ctx, sandbox.ExecutionRequest{Code: code, Timeout: o.config.MaxExecutionTime})
	if err != nil {
		return errorResponse(ErrInternal, err.Error(), meta), "internal_error"
	}
	meta.Backend = o.sandbox.Backend()

	switch execResult.Status {
	case sandbox.StatusCompleted:
		return successResponse(Result{Status: ResultCompleted, Data: sandboxResultData(execResult)}, meta), ""
	case sandbox.StatusTimedOut:
		return successResponse(Result{Status: ResultTimedOut, Data: sandboxResultData(execResult)}, meta), ""
	case sandbox.StatusResourceExceeded:
		return successResponse(Result{Status: ResultResourceExceeded, Data: sandboxResultData(execResult)}, meta), ""
	case sandbox.StatusRejected:
		return errorResponse(ErrSandboxRejection, "sandbox rejected the request", meta), "rejected"
	default: // StatusInternalError
		return errorResponse(ErrInternal, "sandbox internal error", meta), "internal_error"
	}
}

func sandboxResultData(r *sandbox.ExecutionResult) map[string]any {
	data := map[string]any{
		"stdout":           telemetry.Redact(r.Stdout),
		"stderr":           telemetry.Redact(r.Stderr),
		"stdout_truncated": r.StdoutTruncated,
		"stderr_truncated": r.StderrTruncated,
		"wall_time_ns":     r.WallTime.Nanoseconds(),
	}
	if r.PeakMemoryBytes > 0 {
		data["peak_memory_bytes"] = r.PeakMemoryBytes
	}
	if r.ExitCode != nil {
		data["exit_code"] = *r.ExitCode
	}
	if r.ResourceKind != "" {
		data["resource_kind"] = string(r.ResourceKind)
	}
	return data
}

func (o *Orchestrator) callCollaborator(ctx context.Context, req Request, traceID string, tokens int) (Response, string) {
	meta := Metadata{TraceID: traceID, TokensEstimated: tokens, Backend: "protocol_collaborator"}
	if o.collaborator == nil {
		return errorResponse(ErrBackendUnavailable, "no protocol collaborator configured", meta), "backend_unavailable"
	}

	params := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err == nil {
			params[k] = decoded
		}
	}

	data, err := o.collaborator.Call(ctx, req.Intent, params)
	if err != nil {
		if ctx.Err() != nil {
			return errorResponse(ErrTimedOut, "protocol collaborator call did not complete before the deadline", meta), "timed_out"
		}
		return errorResponse(ErrBackendUnavailable, err.Error(), meta), "backend_unavailable"
	}
	return successResponse(Result{Status: ResultCompleted, Data: data}, meta), "protocol_only"
}

// acquireSlot enforces the semaphore-bounded concurrency cap plus a
// bounded wait queue. A free slot is taken at once; otherwise callers
// beyond QueueDepth waiters are rejected immediately with overloaded
// rather than left to block indefinitely (QueueDepth <= 0 means no
// caller waits).
func (o *Orchestrator) acquireSlot(ctx context.Context) (func(), error) {
	release := func() { <-o.slots }
	select {
	case o.slots <- struct{}{}:
		return release, nil
	default:
	}

	if o.waiters.Load() >= int32(o.config.QueueDepth) {
		return nil, errors.New("request queue is full")
	}
	o.waiters.Add(1)
	defer o.waiters.Add(-1)

	select {
	case o.slots <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish performs the fixed closing sequence for every execute_intent
// call: record telemetry, write the cache entry, emit the audit event,
// then return the response — execute, telemetry, cache write, audit,
// return. cacheKey is empty for any path that never reached route (slot
// rejection, validation failure, token-budget rejection, cache hit) —
// those paths have nothing new to cache.
func (o *Orchestrator) finish(ctx context.Context, req Request, traceID string, start time.Time, tokens int, resp Response, outcome string, cacheKey string) Response {
	duration := time.Since(start)
	if resp.Result != nil {
		resp.Result.Metadata.Duration = duration
		resp.Result.Metadata.Mode = outcome
	} else if resp.Metadata != nil {
		resp.Metadata.Duration = duration
		resp.Metadata.Mode = outcome
	}

	if o.metrics != nil {
		status := outcome
		if resp.Error != nil {
			status = fmt.Sprintf("error_%d", resp.Error.Code)
		}
		o.metrics.IntentsTotal.WithLabelValues(req.Intent, string(o.config.Mode), status).Inc()
		o.metrics.IntentDuration.WithLabelValues(req.Intent, string(o.config.Mode)).Observe(duration.Seconds())
		o.metrics.TokensEstimated.WithLabelValues(req.Intent).Add(float64(tokens))
	}

	if cacheKey != "" && resp.Result != nil && o.cache != nil {
		if encoded, err := json.Marshal(resp.Result); err == nil {
			if err := o.cache.Set(ctx, cacheKey, string(encoded), o.config.CacheTTL); err != nil {
				o.logger.WarnContext(ctx, "cache write failed", slog.String("trace_id", traceID), slog.String("error", err.Error()))
			}
		}
	}

	if o.audit != nil {
		fields := map[string]any{}
		if resp.Result != nil {
			if stdout, ok := resp.Result.Data["stdout"]; ok {
				fields["stdout"] = telemetry.Redact(fmt.Sprint(stdout))
			}
			if stderr, ok := resp.Result.Data["stderr"]; ok {
				fields["stderr"] = telemetry.Redact(fmt.Sprint(stderr))
			}
		} else if resp.Error != nil {
			fields["error"] = telemetry.Redact(resp.Error.Message)
		}
		o.audit.LogAction(telemetry.AuditEvent{
			Timestamp: time.Now().UTC(),
			Event:     "execute_intent",
			TraceID:   traceID,
			SessionID: req.SessionID,
			Intent:    req.Intent,
			Outcome:   outcome,
			Fields:    fields,
		})
	}

	return resp
}
