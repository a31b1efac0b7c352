// Package client is a small Go client for the camrelay HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx response decoded from the error body.
type APIError struct {
	StatusCode int
	Code       string                 `json:"error"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type SessionStatus struct {
	SessionID       string    `json:"session_id"`
	CameraID        string    `json:"camera_id"`
	Sink            string    `json:"sink"`
	State           string    `json:"state"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	Attempts        int       `json:"attempts"`
	Generation      uint64    `json:"generation"`
	FramesDelivered uint64    `json:"frames_delivered"`
	FramesDropped   uint64    `json:"frames_dropped"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Device struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Protocol       string    `json:"protocol"`
	Host           string    `json:"ip"`
	Port           int       `json:"port,omitempty"`
	Path           string    `json:"path,omitempty"`
	Username       string    `json:"username,omitempty"`
	Password       string    `json:"password,omitempty"`
	Model          string    `json:"model,omitempty"`
	HasCredentials bool      `json:"has_credentials,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// Client talks to one camrelay instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// New creates a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetToken sets the access token sent with every request
func (c *Client) SetToken(token string) {
	c.token = token
}

// Login exchanges credentials for tokens and keeps the access token.
func (c *Client) Login(ctx context.Context, username, password string) (*Tokens, error) {
	var tokens Tokens
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &tokens); err != nil {
		return nil, err
	}
	c.token = tokens.AccessToken
	return &tokens, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var resp struct {
		Devices []Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (c *Client) CreateDevice(ctx context.Context, device Device) (*Device, error) {
	var created Device
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices", device, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) Sessions(ctx context.Context) ([]SessionStatus, error) {
	var resp struct {
		Sessions []SessionStatus `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) Status(ctx context.Context, cameraID string) (*SessionStatus, error) {
	var status SessionStatus
	if err := c.do(ctx, http.MethodGet, cameraPath(cameraID, "status"), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Stop ends the camera's session and returns its final status.
func (c *Client) Stop(ctx context.Context, cameraID string) (*SessionStatus, error) {
	var status SessionStatus
	if err := c.do(ctx, http.MethodPost, cameraPath(cameraID, "stop"), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func cameraPath(cameraID, action string) string {
	return "/api/v1/cameras/" + url.PathEscape(cameraID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return parseResponse(resp, out)
}

func parseResponse(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
