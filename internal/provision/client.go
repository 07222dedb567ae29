// Package provision talks to a ThingsBoard tenant over REST to create the
// device fleet a drill publishes as, and to collect the access tokens those
// devices authenticate with.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Device is the slice of a ThingsBoard device entity that provisioning cares
// about.
type Device struct {
	ID   string
	Name string
	Type string
}

// RequestError is a non-2xx answer from the tenant API, kept with enough of
// the body to diagnose it.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("thingsboard: status %d: %s", e.Status, e.Body)
}

// Client is an authenticated ThingsBoard tenant API client. Login must
// succeed before any other call.
type Client struct {
	baseURL string
	http    *http.Client
	jwt     string
}

// NewClient returns a client for the tenant API at baseURL
// (e.g. http://localhost:8080).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Login exchanges tenant credentials for the JWT used on later calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return fmt.Errorf("login: empty token in response")
	}
	c.jwt = resp.Token
	return nil
}

// tbDevice mirrors the fields of a ThingsBoard device entity we read.
type tbDevice struct {
	ID struct {
		ID string `json:"id"`
	} `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

func (d tbDevice) device() Device {
	return Device{ID: d.ID.ID, Name: d.Name, Type: d.Type}
}

// EnsureDevice finds the tenant device with the given name, creating it with
// the given type when it does not exist yet.
func (c *Client) EnsureDevice(ctx context.Context, name, deviceType string) (Device, error) {
	path := "/api/tenant/devices?deviceName=" + url.QueryEscape(name)
	var found tbDevice
	err := c.do(ctx, http.MethodGet, path, nil, &found)
	if err == nil {
		return found.device(), nil
	}
	var re *RequestError
	if !errors.As(err, &re) || re.Status != http.StatusNotFound {
		return Device{}, fmt.Errorf("lookup device %s: %w", name, err)
	}

	create := map[string]string{"name": name, "type": deviceType}
	var created tbDevice
	if err := c.do(ctx, http.MethodPost, "/api/device", create, &created); err != nil {
		return Device{}, fmt.Errorf("create device %s: %w", name, err)
	}
	return created.device(), nil
}

// Credentials returns the device's access token. Only ACCESS_TOKEN
// credentials are supported; ThingsBoard issues those by default.
func (c *Client) Credentials(ctx context.Context, deviceID string) (string, error) {
	var resp struct {
		Type  string `json:"credentialsType"`
		Token string `json:"credentialsId"`
	}
	path := "/api/device/" + url.PathEscape(deviceID) + "/credentials"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("credentials for %s: %w", deviceID, err)
	}
	if resp.Type != "ACCESS_TOKEN" {
		return "", fmt.Errorf("device %s has %s credentials, want ACCESS_TOKEN", deviceID, resp.Type)
	}
	return resp.Token, nil
}

// SetServerAttributes writes SERVER_SCOPE attributes on the device, used to
// tag fleet members with their batch and index.
func (c *Client) SetServerAttributes(ctx context.Context, deviceID string, attrs map[string]any) error {
	path := "/api/plugins/telemetry/DEVICE/" + url.PathEscape(deviceID) + "/attributes/SERVER_SCOPE"
	if err := c.do(ctx, http.MethodPost, path, attrs, nil); err != nil {
		return fmt.Errorf("set attributes on %s: %w", deviceID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.jwt != "" {
		req.Header.Set("X-Authorization", "Bearer "+c.jwt)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RequestError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
