// Package client implements the HTTP transport to the fleet-management
// server: enrollment, heartbeat, command acknowledgement/result reporting
// and token refresh. All requests carry the bearer credential and go
// through a bounded transport-level retry.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	// transportMaxAttempts is the total number of tries for a single
	// request at the transport layer.
	transportMaxAttempts = 3
	// transportBackoffBase is the initial delay between transport retries.
	// Doubles on each retry: 1s, 2s, 4s.
	transportBackoffBase = 1 * time.Second

	defaultTimeout = 30 * time.Second
)

// EnrollRequest is the payload sent when registering the device. The
// Signature field must be computed with signature.Sign over the same
// fields, in the documented order.
type EnrollRequest struct {
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	OSVersion    string `json:"osVersion"`
	SerialNumber string `json:"serialNumber"`
	IMEI         string `json:"imei,omitempty"`
	MACAddress   string `json:"macAddress,omitempty"`
	AndroidID    string `json:"androidId,omitempty"`
	Method       string `json:"method"`
	Timestamp    int64  `json:"timestamp"`
	EnrollSecret string `json:"enrollSecret"`
	Signature    string `json:"signature"`
}

// EnrollResponse carries the credentials assigned by the server.
type EnrollResponse struct {
	DeviceID     string `json:"deviceId"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// CommandEnvelope is a single untyped command as delivered by the server.
type CommandEnvelope struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// HeartbeatRequest is the periodic report sent to the server.
type HeartbeatRequest struct {
	DeviceID      string                 `json:"deviceId"`
	Telemetry     map[string]interface{} `json:"telemetry"`
	PolicyVersion string                 `json:"policyVersion"`
}

// HeartbeatResponse is the server's answer to a heartbeat: any commands
// pending for this device, plus an optional policy document update.
type HeartbeatResponse struct {
	Commands []CommandEnvelope      `json:"commands"`
	Policy   map[string]interface{} `json:"policy,omitempty"`
}

// RefreshResponse carries the new credentials after a token refresh. The
// refresh token itself may or may not rotate.
type RefreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Client talks to the server. Safe for concurrent use; the token is
// guarded since heartbeat and token refresh can race.
type Client struct {
	baseURL *url.URL
	http    *http.Client

	mu    sync.RWMutex
	token string

	// sleepFn is replaceable in tests to avoid real backoff delays.
	sleepFn func(time.Duration)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. to install TLS
// settings.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client for the server at addr (scheme://host[:port]).
func New(addr string, opts ...Option) (*Client, error) {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "https://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse server url %s: %w", addr, err)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultTimeout},
		sleepFn: time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetToken sets the bearer credential used for authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Enroll registers the device and returns its assigned credentials. Not
// authenticated; the request is validated via its HMAC signature.
func (c *Client) Enroll(req EnrollRequest) (*EnrollResponse, error) {
	var resp EnrollResponse
	if err := c.do("POST", "/api/v1/devices/enroll", req, &resp); err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}
	return &resp, nil
}

// Heartbeat reports telemetry and pulls pending commands and any policy
// update.
func (c *Client) Heartbeat(deviceID string, telemetry map[string]interface{}, policyVersion string) (*HeartbeatResponse, error) {
	req := HeartbeatRequest{DeviceID: deviceID, Telemetry: telemetry, PolicyVersion: policyVersion}
	var resp HeartbeatResponse
	if err := c.do("POST", "/api/v1/devices/heartbeat", req, &resp); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &resp, nil
}

// AcknowledgeCommand tells the server a command was received and will be
// processed. Callers treat failures as best-effort.
func (c *Client) AcknowledgeCommand(id string) error {
	return c.do("POST", "/api/v1/commands/"+url.PathEscape(id)+"/ack", nil, nil)
}

// CompleteCommand reports successful execution of a command.
func (c *Client) CompleteCommand(id, result string) error {
	body := map[string]string{"result": result}
	return c.do("POST", "/api/v1/commands/"+url.PathEscape(id)+"/complete", body, nil)
}

// FailCommand reports permanent failure of a command with error detail.
func (c *Client) FailCommand(id, errMsg string) error {
	body := map[string]string{"error": errMsg}
	return c.do("POST", "/api/v1/commands/"+url.PathEscape(id)+"/fail", body, nil)
}

// RefreshToken exchanges the refresh token for a fresh bearer token.
func (c *Client) RefreshToken(refreshToken string) (*RefreshResponse, error) {
	body := map[string]string{"refreshToken": refreshToken}
	var resp RefreshResponse
	if err := c.do("POST", "/api/v1/devices/token/refresh", body, &resp); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &resp, nil
}

// RegisterPushToken registers the push channel token for this device.
func (c *Client) RegisterPushToken(deviceID, pushToken string) error {
	body := map[string]string{"deviceId": deviceID, "pushToken": pushToken}
	return c.do("POST", "/api/v1/devices/push-token", body, nil)
}

// do performs the request with transport-level retries: up to three
// attempts on network failure or 5xx, exponential backoff doubling from a
// one second base. 4xx responses are returned immediately since retrying
// cannot fix them.
func (c *Client) do(verb, path string, params interface{}, responseDest interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = transportBackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= transportMaxAttempts; attempt++ {
		lastErr = c.attempt(verb, path, params, responseDest)
		if lastErr == nil || !Retryable(lastErr) {
			return lastErr
		}
		if attempt == transportMaxAttempts {
			break
		}
		delay := bo.NextBackOff()
		log.Debug().Err(lastErr).Str("path", path).Msgf("retrying request in %s", delay)
		c.sleepFn(delay)
	}
	return lastErr
}

func (c *Client) attempt(verb, path string, params interface{}, responseDest interface{}) error {
	var body io.Reader
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	u := *c.baseURL
	u.Path = path
	request, err := http.NewRequest(verb, u.String(), body)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if token := c.bearer(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, path, err)
	}
	defer response.Body.Close()

	return c.parseResponse(verb, path, response, responseDest)
}

func (c *Client) parseResponse(verb, path string, response *http.Response, responseDest interface{}) error {
	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return ErrUnauthenticated
	case response.StatusCode == http.StatusConflict:
		return ErrAlreadyDone
	case response.StatusCode >= 500:
		return &ServerError{StatusCode: response.StatusCode, Message: readErrorBody(response)}
	case response.StatusCode >= 400:
		return &ClientError{StatusCode: response.StatusCode, Message: readErrorBody(response)}
	}

	if responseDest != nil {
		if err := json.NewDecoder(response.Body).Decode(responseDest); err != nil {
			return fmt.Errorf("decode %s %s response: %w", verb, path, err)
		}
	}
	return nil
}

func readErrorBody(response *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(response.Body, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
