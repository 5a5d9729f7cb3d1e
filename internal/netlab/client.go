package netlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client implements Backend against the lab controller's REST gateway.
type Client struct {
	HTTPClient     *http.Client  // Custom HTTP client (optional)
	BaseURL        string        // Gateway base URL (e.g. "https://cml.example.net/gateway/v1")
	Token          string        // Bearer token for the gateway
	LabID          string        // Lab identifier all operations target
	CommandTimeout time.Duration // Per-request timeout (defaults to 2 minutes)
}

var _ Backend = (*Client)(nil)

// cliRequest is the gateway's CLI execution payload. ConfigCommand
// selects config mode instead of exec mode.
type cliRequest struct {
	Label         string `json:"label"`
	Commands      string `json:"commands"`
	ConfigCommand bool   `json:"config_command,omitempty"`
}

type cliResponse struct {
	Output string `json:"output"`
}

// ListDevices returns the lab's node inventory.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	data, err := c.doGet(ctx, fmt.Sprintf("/labs/%s/nodes", c.LabID))
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("decode node list: %w", err)
	}
	return devices, nil
}

// RunCommand executes one exec-mode command on a device.
func (c *Client) RunCommand(ctx context.Context, device, command string) (string, error) {
	return c.sendCLI(ctx, cliRequest{Label: device, Commands: command})
}

// ApplyConfig sends a configuration block to a device. The gateway
// expects a full config-mode transcript, so "end" (plus "write memory"
// when saving) is appended here.
func (c *Client) ApplyConfig(ctx context.Context, device, config string, save bool) (string, error) {
	full := strings.TrimSpace(config) + "\nend"
	if save {
		full += "\nwrite memory"
	}
	return c.sendCLI(ctx, cliRequest{Label: device, Commands: full, ConfigCommand: true})
}

func (c *Client) sendCLI(ctx context.Context, req cliRequest) (string, error) {
	data, err := c.doPost(ctx, fmt.Sprintf("/labs/%s/cli", c.LabID), req)
	if err != nil {
		return "", err
	}
	var resp cliResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// Older gateways return the output as a bare string.
		var raw string
		if json.Unmarshal(data, &raw) == nil {
			return raw, nil
		}
		return "", fmt.Errorf("decode CLI response: %w", err)
	}
	return resp.Output, nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.commandTimeout()}
}

func (c *Client) commandTimeout() time.Duration {
	if c.CommandTimeout > 0 {
		return c.CommandTimeout
	}
	return 2 * time.Minute
}

func (c *Client) doGet(ctx context.Context, endpoint string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, endpoint, nil)
}

func (c *Client) doPost(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, apiErrorMessage(resp.StatusCode, respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lab API error: %s", apiErrorMessage(resp.StatusCode, respBody))
	}
	return respBody, nil
}

func apiErrorMessage(status int, body []byte) string {
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Message != "" {
			return fmt.Sprintf("status %d: %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Sprintf("status %d: %s", status, apiErr.Error)
		}
	}
	return fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
}
