// Package msfrpc implements the RPC Client (spec §4.C/§6.2): a thin,
// typed wrapper over the Metasploit RPC wire protocol (MessagePack-encoded
// request/response pairs carried over HTTP POST).
package msfrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sarnowski/msfailab/internal/common/logger"
)

// Client is a stateless-ish RPC client bound to one endpoint. It does not
// track token expiry itself; callers re-Login on an auth-failure response
// (spec §4.C: "Tokens may expire silently; callers refresh by calling login
// again").
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *logger.Logger
}

// NewClient constructs a Client dialing the given host:port endpoint.
func NewClient(endpoint string, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    fmt.Sprintf("http://%s/api/", endpoint),
		logger:     log,
	}
}

// ConsoleInfo is the result of console.create / the console half of console.read.
type ConsoleInfo struct {
	ID     string
	Prompt string
}

// ReadResult is the result of console.read.
type ReadResult struct {
	Data   string
	Busy   bool
	Prompt string
}

// IsAuthError reports whether err represents an RPC-level authentication
// failure (token expired or never valid), signaling the caller should
// re-Login (spec §4.C, §4.G "msgrpc re-auth").
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "auth") || strings.Contains(err.Error(), "Invalid Token")
}

// Login performs auth.login and returns the session token.
func (c *Client) Login(ctx context.Context, user, password string) (token string, err error) {
	result, err := c.call(ctx, "", "auth.login", user, password)
	if err != nil {
		return "", fmt.Errorf("auth.login failed: %w", err)
	}

	if isErrorResult(result) {
		return "", fmt.Errorf("auth.login rejected: %v", result["error_message"])
	}

	tok, ok := result["token"].(string)
	if !ok {
		return "", fmt.Errorf("auth.login: missing token in response")
	}
	return tok, nil
}

// Call invokes an arbitrary RPC method with the given token, returning the
// decoded response map. This is the general-purpose escape hatch the typed
// wrappers below are built on.
func (c *Client) Call(ctx context.Context, token, method string, args ...interface{}) (map[string]interface{}, error) {
	return c.call(ctx, token, method, args...)
}

// ConsoleCreate creates a new Metasploit console and returns its id/prompt.
func (c *Client) ConsoleCreate(ctx context.Context, token string) (ConsoleInfo, error) {
	result, err := c.call(ctx, token, "console.create")
	if err != nil {
		return ConsoleInfo{}, fmt.Errorf("console.create failed: %w", err)
	}
	if isErrorResult(result) {
		return ConsoleInfo{}, fmt.Errorf("console.create rejected: %v", result["error_message"])
	}

	id, _ := result["id"].(string)
	prompt, _ := result["prompt"].(string)
	return ConsoleInfo{ID: id, Prompt: prompt}, nil
}

// ConsoleDestroy destroys a console by id.
func (c *Client) ConsoleDestroy(ctx context.Context, token, consoleID string) error {
	result, err := c.call(ctx, token, "console.destroy", consoleID)
	if err != nil {
		return fmt.Errorf("console.destroy failed: %w", err)
	}
	if isErrorResult(result) {
		return fmt.Errorf("console.destroy rejected: %v", result["error_message"])
	}
	return nil
}

// ConsoleWrite writes data to a console's stdin and returns the number of
// bytes written.
func (c *Client) ConsoleWrite(ctx context.Context, token, consoleID, data string) (bytesWritten int, err error) {
	result, err := c.call(ctx, token, "console.write", consoleID, data)
	if err != nil {
		return 0, fmt.Errorf("console.write failed: %w", err)
	}
	if isErrorResult(result) {
		return 0, fmt.Errorf("console.write rejected: %v", result["error_message"])
	}

	switch v := result["wrote"].(type) {
	case int64:
		return int(v), nil
	case int8:
		return int(v), nil
	case uint64:
		return int(v), nil
	default:
		return 0, nil
	}
}

// ConsoleRead reads any pending output from a console.
func (c *Client) ConsoleRead(ctx context.Context, token, consoleID string) (ReadResult, error) {
	result, err := c.call(ctx, token, "console.read", consoleID)
	if err != nil {
		return ReadResult{}, fmt.Errorf("console.read failed: %w", err)
	}
	if isErrorResult(result) {
		return ReadResult{}, fmt.Errorf("console.read rejected: %v", result["error_message"])
	}

	data, _ := result["data"].(string)
	busy, _ := result["busy"].(bool)
	prompt, _ := result["prompt"].(string)
	return ReadResult{Data: data, Busy: busy, Prompt: prompt}, nil
}

func isErrorResult(result map[string]interface{}) bool {
	if v, ok := result["error"]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
		return true
	}
	return false
}

// call encodes the request as a msgpack array ([]interface{}{method, args...}),
// with the token prepended when non-empty, POSTs it to the RPC endpoint, and
// decodes the msgpack map response.
func (c *Client) call(ctx context.Context, token, method string, args ...interface{}) (map[string]interface{}, error) {
	req := make([]interface{}, 0, len(args)+2)
	req = append(req, method)
	if token != "" {
		req = append(req, token)
	}
	req = append(req, args...)

	body, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "binary/message-pack")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := msgpack.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}
