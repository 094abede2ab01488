// Package daemon is the Daemon Controller: a typed HTTP client wrapping the
// external browser-daemon API. Every reply is schema-validated so malformed
// upstream responses surface as ConnectionFailed rather than a panic deep in
// the reconciler.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labrun/orchestrator/errors"
)

// Status is the daemon's reported readiness for a session.
type Status struct {
	Running bool `json:"running"`
	Ready   bool `json:"ready"`
	Port    int  `json:"port"`
}

// CommandResult is the opaque passthrough envelope for executeCommand.
type CommandResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Controller is the interface browserorch's reconciler depends on.
type Controller interface {
	Start(ctx context.Context, sessionID string, url *string) (port int, err error)
	Stop(ctx context.Context, sessionID string) error
	Navigate(ctx context.Context, sessionID, url string) error
	GetStatus(ctx context.Context, sessionID string) (*Status, error)
	GetCurrentURL(ctx context.Context, sessionID string) (string, error)
	Launch(ctx context.Context, sessionID string) error
	IsHealthy(ctx context.Context) bool
	ExecuteCommand(ctx context.Context, sessionID string, cmd json.RawMessage) (CommandResult, error)
}

// HTTPController talks to the browser-daemon process over HTTP, as deployed
// at BROWSER_API_URL.
type HTTPController struct {
	baseURL string
	client  *http.Client
}

// New constructs an HTTPController against baseURL.
func New(baseURL string) *HTTPController {
	return &HTTPController{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPController) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var errNotFound = fmt.Errorf("not found")

// Start issues a start request, optionally with an initial URL to navigate
// to once ready.
func (c *HTTPController) Start(ctx context.Context, sessionID string, url *string) (int, error) {
	var resp struct {
		Port int `json:"port"`
	}
	body := map[string]interface{}{}
	if url != nil {
		body["url"] = *url
	}
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/start", body, &resp); err != nil {
		return 0, errors.DaemonStartFailed(sessionID, err.Error())
	}
	return resp.Port, nil
}

// Stop requests a shutdown; a 404 from the daemon counts as success since
// the call is idempotent.
func (c *HTTPController) Stop(ctx context.Context, sessionID string) error {
	err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/stop", nil, nil)
	if err == nil || err == errNotFound {
		return nil
	}
	return err
}

// Navigate instructs the daemon to load url in the session's page.
func (c *HTTPController) Navigate(ctx context.Context, sessionID, url string) error {
	body := map[string]string{"url": url}
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/navigate", body, nil); err != nil {
		return errors.NavigationFailed(sessionID, url, err.Error())
	}
	return nil
}

// GetStatus returns the daemon's reported readiness, or nil if no daemon
// exists for the session.
func (c *HTTPController) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	var status Status
	err := c.doJSON(ctx, http.MethodGet, "/sessions/"+sessionID+"/status", nil, &status)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.KindConnectionFailed, fmt.Sprintf("invalid response format: %s", err))
	}
	return &status, nil
}

// GetCurrentURL returns the page's current URL, or "" if none.
func (c *HTTPController) GetCurrentURL(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+sessionID+"/current-url", nil, &resp); err != nil {
		if err == errNotFound {
			return "", nil
		}
		return "", errors.New(errors.KindConnectionFailed, fmt.Sprintf("invalid response format: %s", err))
	}
	return resp.URL, nil
}

// Launch marks the session's viewport active, lazily materializing the
// browser on first view.
func (c *HTTPController) Launch(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/launch", nil, nil)
}

// IsHealthy reports whether the daemon process itself is reachable.
func (c *HTTPController) IsHealthy(ctx context.Context) bool {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil) == nil
}

// ExecuteCommand is an opaque passthrough to the daemon's command endpoint.
func (c *HTTPController) ExecuteCommand(ctx context.Context, sessionID string, cmd json.RawMessage) (CommandResult, error) {
	var result CommandResult
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/commands", cmd, &result); err != nil {
		return CommandResult{}, errors.New(errors.KindConnectionFailed, fmt.Sprintf("invalid response format: %s", err))
	}
	return result, nil
}

var _ Controller = (*HTTPController)(nil)
