package api

import (
	"net/http"
	"testing"

	"intentsbx/internal/capability"
	"intentsbx/internal/orchestrator"
)

func TestHTTPStatusForErrorMapsEveryErrorCode(t *testing.T) {
	// A slice rather than a map: ErrTokenLimitExceeded and ErrOverloaded
	// share the value 429, so they cannot both be map keys.
	cases := []struct {
		code orchestrator.ErrorCode
		want int
	}{
		{orchestrator.ErrInvalidRequest, http.StatusBadRequest},
		{orchestrator.ErrSandboxRejection, http.StatusForbidden},
		{orchestrator.ErrTimedOut, http.StatusRequestTimeout},
		{orchestrator.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{orchestrator.ErrTokenLimitExceeded, http.StatusTooManyRequests},
		{orchestrator.ErrOverloaded, http.StatusTooManyRequests},
		{orchestrator.ErrUnknownIntent, http.StatusNotImplemented},
		{orchestrator.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{orchestrator.ErrInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := httpStatusForError(tc.code); got != tc.want {
			t.Errorf("httpStatusForError(%d) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestHTTPStatusForErrorUnknownCodeDefaultsToInternal(t *testing.T) {
	if got := httpStatusForError(orchestrator.ErrorCode(9999)); got != http.StatusInternalServerError {
		t.Errorf("unknown code = %d, want %d", got, http.StatusInternalServerError)
	}
}

func TestNewGatewayDefaultsMaxRequestSize(t *testing.T) {
	g := NewGateway(Config{ListenAddr: ":0"}, nil, nil)
	if g.config.MaxRequestSize != 0 {
		t.Fatalf("expected config to retain caller value, got %d", g.config.MaxRequestSize)
	}
	if g.okapi == nil {
		t.Fatal("expected okapi instance to be constructed")
	}
}

func TestNewGatewayRetainsNilCapabilityIndex(t *testing.T) {
	g := NewGateway(Config{ListenAddr: ":0"}, nil, nil)
	if g.capabilities != nil {
		t.Fatal("expected nil capability index to be retained as nil")
	}
}

func TestCapabilitySearchFindsByCategorySubstring(t *testing.T) {
	entries := []capability.Entry{
		{Name: "summarize_text", Category: "nlp", Complexity: "low", TemplateID: "t1"},
		{Name: "resize_image", Category: "media", Complexity: "low", TemplateID: "t2"},
	}
	idx := capability.NewIndex(entries, map[string]string{"t1": "x", "t2": "y"})
	g := NewGateway(Config{ListenAddr: ":0"}, nil, idx)

	matches := g.capabilities.Search("nlp")
	if len(matches) != 1 || matches[0] != "summarize_text" {
		t.Fatalf("expected [summarize_text], got %v", matches)
	}
}
