package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"deviceagent/internal/device"
	"deviceagent/internal/retry"
	"deviceagent/pkg/plugin"
)

const (
	endpointTrigger = "/device/trigger/new"
	endpointToken   = "/device/centrifugo/token"
	endpointLink    = "/device/registration/link"

	headerDeviceAuth = "X-Device-Auth-Key"
)

type linkRequest struct {
	device.Info
	Triggers map[string]plugin.Capability `json:"triggers,omitempty"`
	Tools    map[string]plugin.Capability `json:"tools,omitempty"`
}

// SendTrigger posts a trigger event to the server. Transient failures are
// retried per the client's retry policy; the result is reported as a boolean
// and never as a panic or error to the caller.
func (c *Client) SendTrigger(ctx context.Context, payload *TriggerPayload) bool {
	if c.cfg.ServerURL == "" || c.cfg.AuthKey == "" {
		c.logger.Warn("Cannot send trigger without server URL and auth key",
			zap.String("event", payload.Name))
		return false
	}

	err := retry.Do(ctx, c.retryCfg, c.clock, c.logger, "send trigger", func() error {
		return c.postExpectOK(ctx, endpointTrigger, payload)
	})
	if err != nil {
		c.logger.Error("Failed to send trigger",
			zap.String("event", payload.Name),
			zap.Error(err))
		return false
	}

	c.logger.Debug("Trigger sent",
		zap.String("event", payload.Name),
		zap.String("id", payload.ID))
	return true
}

// LinkDevice registers this device with the server. It must succeed before
// Connect is attempted.
func (c *Client) LinkDevice(ctx context.Context, info device.Info, manifest *plugin.Manifest) error {
	if c.cfg.ServerURL == "" || c.cfg.AuthKey == "" {
		return errors.New("server URL and auth key are required to link device")
	}

	req := linkRequest{Info: info}
	if manifest != nil {
		req.Triggers = manifest.Triggers
		req.Tools = manifest.Tools
	}

	err := retry.Do(ctx, c.retryCfg, c.clock, c.logger, "link device", func() error {
		return c.postExpectOK(ctx, endpointLink, req)
	})
	if err != nil {
		return fmt.Errorf("failed to link device: %w", err)
	}

	c.logger.Info("Device linked", zap.String("device_id", info.ID))
	return nil
}

// fetchTokens requests fresh connection and subscription tokens. Called only
// when both cached tokens are empty; tokens are never renewed pre-emptively.
func (c *Client) fetchTokens(ctx context.Context) (tokenResponse, error) {
	resp, err := c.postJSON(ctx, endpointToken, map[string]string{"deviceId": c.cfg.DeviceID})
	if err != nil {
		return tokenResponse{}, fmt.Errorf("failed to fetch streaming tokens: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenResponse{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var env tokenEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return tokenResponse{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if env.Response.ConnectionToken == "" || env.Response.SubscriptionToken == "" {
		return tokenResponse{}, errors.New("token response missing tokens")
	}
	return env.Response, nil
}

func (c *Client) postExpectOK(ctx context.Context, path string, payload any) error {
	resp, err := c.postJSON(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if msg := strings.TrimSpace(string(body)); msg != "" {
		err = fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	} else {
		err = fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(err)
	}
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDeviceAuth, c.cfg.AuthKey)

	return c.http().Do(req)
}

// http returns the shared HTTP client, creating it on first use.
func (c *Client) http() *http.Client {
	c.httpMu.Lock()
	defer c.httpMu.Unlock()
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.cfg.HTTPTimeout}
	}
	return c.httpClient
}
