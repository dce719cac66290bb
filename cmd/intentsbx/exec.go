package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"intentsbx/internal/orchestrator"
)

// Exit codes for the exec command.
const (
	ExitSuccess          = 0
	ExitFailure          = 1
	ExitClientError      = 2
	ExitServerUnavailable = 3
)

var (
	execIntent     string
	execParamsJSON string
	execServerURL  string
	execAPIKey     string
	execSessionID  string
	execTimeout    int
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Send a one-shot execute_intent request to a running server",
	Long: `Send an intent to a running intentsbx server and print its result.

Exit codes:
  0  result returned (completed, timed_out or resource_exceeded)
  1  execution failure
  2  client error (bad request, unauthorized, sandbox rejection, unknown intent, rate limit, token limit or overload)
  3  server unavailable or timed out`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execIntent, "intent", "i", "", "intent name (required)")
	execCmd.Flags().StringVarP(&execParamsJSON, "params", "p", "{}", "JSON object of intent parameters")
	execCmd.Flags().StringVar(&execServerURL, "server", "http://localhost:8080", "intentsbx server URL")
	execCmd.Flags().StringVar(&execAPIKey, "api-key", "", "API key (or INTENTSBX_API_KEY env)")
	execCmd.Flags().StringVar(&execSessionID, "session-id", "", "session ID for context-store scoping")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 60, "client-side timeout in seconds")

	_ = execCmd.MarkFlagRequired("intent")
}

func runExec(_ *cobra.Command, _ []string) error {
	var params map[string]json.RawMessage
	if err := json.Unmarshal([]byte(execParamsJSON), &params); err != nil {
		fmt.Fprintf(os.Stderr, "Error: --params must be a JSON object: %v\n", err)
		os.Exit(ExitClientError)
	}

	apiKey := execAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("INTENTSBX_API_KEY")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(execTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(struct {
		Intent    string                     `json:"intent"`
		Params    map[string]json.RawMessage `json:"params"`
		SessionID string                     `json:"session_id,omitempty"`
	}{Intent: execIntent, Params: params, SessionID: execSessionID})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, execServerURL+"/v1/execute_intent", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", execServerURL, err)
		os.Exit(ExitServerUnavailable)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var out orchestrator.Response
	if err := json.Unmarshal(body, &out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: malformed server response: %v\n", err)
		os.Exit(ExitFailure)
	}

	encoded, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(encoded))

	switch {
	case out.Error == nil:
		os.Exit(ExitSuccess)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotImplemented,
		resp.StatusCode == http.StatusTooManyRequests:
		os.Exit(ExitClientError)
	case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusRequestTimeout:
		os.Exit(ExitServerUnavailable)
	default:
		os.Exit(ExitFailure)
	}

	return nil
}
