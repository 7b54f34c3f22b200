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

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the exec command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	execWorkspace string
	execCommand   string
	execBackend   string
	execModule    string
	execTimeout   int
	execServerURL string
	execAPIKey    string
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute a command in a workspace sandbox via the HTTP API",
	Long: `Send a command to a running ngome service for sandboxed execution.

Examples:
  ngome exec -w tenant-a -c "python3 code/main.py"
  ngome exec -w tenant-a -c "ls -la" --backend container
  ngome exec -w tenant-a --module code/filter.wasm

Exit codes:
  0  command succeeded
  1  command failed (non-zero exit or timeout)
  2  rejected by policy
  3  service unavailable`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execWorkspace, "workspace", "w", "", "workspace ID (required)")
	execCmd.Flags().StringVarP(&execCommand, "command", "c", "", "command to execute")
	execCmd.Flags().StringVar(&execBackend, "backend", "", "execution backend: native, container or wasm")
	execCmd.Flags().StringVar(&execModule, "module", "", "WASM module path (forces the wasm backend)")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 0, "execution timeout in seconds")
	execCmd.Flags().StringVar(&execServerURL, "server-url", "http://localhost:8080", "service HTTP API URL")
	execCmd.Flags().StringVar(&execAPIKey, "api-key", "", "API key (or NGOME_API_KEY env)")

	_ = execCmd.MarkFlagRequired("workspace")
}

func runExec(_ *cobra.Command, _ []string) error {
	if execCommand == "" && execModule == "" {
		return fmt.Errorf("either --command or --module is required")
	}

	body := map[string]any{
		"command": execCommand,
	}
	if execBackend != "" {
		body["backend"] = execBackend
	}
	if execModule != "" {
		body["module"] = execModule
	}
	if execTimeout > 0 {
		body["timeout_seconds"] = execTimeout
	}

	var result struct {
		Success  bool   `json:"success"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
		Error    string `json:"error,omitempty"`
	}
	code := postJSON(fmt.Sprintf("/v1/workspaces/%s/exec", execWorkspace), body, &result)
	if code != ExitSuccess {
		os.Exit(code)
	}

	fmt.Print(result.Stdout)
	if result.Stderr != "" {
		fmt.Fprint(os.Stderr, result.Stderr)
	}
	if result.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", result.Error)
	}
	if !result.Success {
		os.Exit(ExitFailure)
	}
	return nil
}

// postJSON sends an authenticated POST to the service and decodes the
// response, mapping transport and HTTP errors to exit codes.
func postJSON(path string, reqBody map[string]any, out any) int {
	serverURL := goutils.Env("NGOME_SERVER_URL", execServerURL)
	apiKey := goutils.Env("NGOME_API_KEY", execAPIKey)

	payload, err := json.Marshal(reqBody)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}

	timeout := time.Duration(execTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+path, bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: service unreachable: %v\n", err)
		return ExitUnavailable
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading response: %v\n", err)
		return ExitFailure
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		// fall through to decode
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		fmt.Fprintf(os.Stderr, "Error: %s\n", errorMessage(data))
		return ExitDenied
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway:
		fmt.Fprintf(os.Stderr, "Error: %s\n", errorMessage(data))
		return ExitUnavailable
	default:
		fmt.Fprintf(os.Stderr, "Error: HTTP %d: %s\n", resp.StatusCode, errorMessage(data))
		return ExitFailure
	}

	if err := json.Unmarshal(data, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: decoding response: %v\n", err)
		return ExitFailure
	}
	return ExitSuccess
}

// errorMessage extracts the error field from a JSON error body, falling
// back to the raw body.
func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return string(data)
}
