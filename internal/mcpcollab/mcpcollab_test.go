package mcpcollab

import "testing"

func TestCreateClientUnsupportedTransportErrors(t *testing.T) {
	_, err := createClient(ServerConfig{Transport: "carrier_pigeon"})
	if err == nil {
		t.Fatal("expected an error for an unsupported transport")
	}
}

func TestCreateClientStdioBuildsEnvSlice(t *testing.T) {
	c, err := createClient(ServerConfig{
		Transport: "stdio",
		Command:   "true",
		Env:       map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil {
		t.Fatal("expected a non-nil client")
	}
}

func TestFormatContentEmptyReturnsEmptyString(t *testing.T) {
	if got := formatContent(nil); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
