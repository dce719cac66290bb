// Package api exposes execute_intent over HTTP: an authenticated okapi
// group and a single JSON request/response shape. Liveness, readiness,
// and metrics are served by
// internal/telemetry.Server on its own listener, so a slow or overloaded
// execute_intent path never blocks a scrape or a probe.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"intentsbx/internal/capability"
	"intentsbx/internal/orchestrator"
	"intentsbx/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr        string
	EnableDocs        bool
	APIKeys           map[string]string
	MaxRequestSize    int64
	RequestsPerMinute int // Per-API-key rate limit. 0 = unlimited.
	BurstSize         int
}

// Gateway serves execute_intent over HTTP.
type Gateway struct {
	config       Config
	orch         *orchestrator.Orchestrator
	capabilities *capability.Index
	limiter      *ratelimit.Limiter
	server       *http.Server
	okapi        *okapi.Okapi
}

// NewGateway creates the HTTP gateway. capabilities is optional: a nil
// index disables GET /v1/capabilities/search.
func NewGateway(cfg Config, orch *orchestrator.Orchestrator, capabilities *capability.Index) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:       cfg,
		orch:         orch,
		capabilities: capabilities,
		limiter:      ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RequestsPerMinute, BurstSize: cfg.BurstSize}),
		okapi:        okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// CapabilitySearchResponse is the JSON body for GET /v1/capabilities/search.
type CapabilitySearchResponse struct {
	Matches []string `json:"matches"`
}

// IntentRequest is the JSON body for POST /v1/execute_intent.
type IntentRequest struct {
	Intent    string                     `json:"intent"`
	Params    map[string]json.RawMessage `json:"params"`
	SessionID string                     `json:"session_id,omitempty"`
}

// Start registers routes and blocks serving until ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	group := g.okapi.Group("/v1", g.authenticate)
	group.Post("/execute_intent", g.handleExecuteIntent,
		okapi.DocSummary("Route one intent to generated code or the protocol collaborator"),
		okapi.DocTags("Intents"),
		okapi.DocRequestBody(IntentRequest{}),
		okapi.DocResponse(orchestrator.Response{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	group.Get("/capabilities/search", g.handleCapabilitySearch,
		okapi.DocSummary("Search the capability index by name, category, or complexity substring"),
		okapi.DocTags("Capabilities"),
		okapi.DocResponse(CapabilitySearchResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "intentsbx", Version: "v0.1.0"})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) handleExecuteIntent(c *okapi.Context) error {
	callerKey := c.GetString("api_key")
	if err := g.limiter.Allow(callerKey); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req IntentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Intent == "" {
		return c.AbortBadRequest("intent is required")
	}

	resp := g.orch.ExecuteIntent(c.Context(), orchestrator.Request{
		Intent:    req.Intent,
		Params:    req.Params,
		SessionID: req.SessionID,
	})
	if resp.Error != nil {
		return c.JSON(httpStatusForError(resp.Error.Code), resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (g *Gateway) handleCapabilitySearch(c *okapi.Context) error {
	if g.capabilities == nil {
		return c.JSON(http.StatusOK, CapabilitySearchResponse{Matches: []string{}})
	}
	query := c.Query("q")
	return c.JSON(http.StatusOK, CapabilitySearchResponse{Matches: g.capabilities.Search(query)})
}

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		for key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				c.Set("api_key", key)
				return next(c)
			}
		}
		return c.AbortUnauthorized("invalid API key")
	}
}

// httpStatusForError maps an orchestrator.ErrorCode onto the HTTP status
// line a client expects for it; codes already mirror HTTP semantics so
// this is mostly a direct cast.
func httpStatusForError(code orchestrator.ErrorCode) int {
	switch code {
	case orchestrator.ErrInvalidRequest:
		return http.StatusBadRequest
	case orchestrator.ErrSandboxRejection:
		return http.StatusForbidden
	case orchestrator.ErrTimedOut:
		return http.StatusRequestTimeout
	case orchestrator.ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case orchestrator.ErrTokenLimitExceeded:
		return http.StatusTooManyRequests
	case orchestrator.ErrUnknownIntent:
		return http.StatusNotImplemented
	case orchestrator.ErrBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
