// Package remnawave содержит клиент панели Remnawave: пользователи с подпиской вместо инбаундов.
package remnawave

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

// ErrNotFound: пользователя нет в панели
var ErrNotFound = errors.New("remnawave: user not found")

type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/api"+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api error: %s (status: %d)", string(respBody), resp.StatusCode)
	}
	return respBody, nil
}

func decodeUser(raw []byte) (*UserResponse, error) {
	var env envelope[UserResponse]
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &env.Response, nil
}

func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*UserResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/users", req)
	if err != nil {
		return nil, err
	}
	return decodeUser(resp)
}

func (c *Client) UserByUsername(ctx context.Context, username string) (*UserResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/users/by-username/"+url.PathEscape(username), nil)
	if err != nil {
		return nil, err
	}
	return decodeUser(resp)
}

func (c *Client) UpdateUser(ctx context.Context, req UpdateUserRequest) (*UserResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPatch, "/users", req)
	if err != nil {
		return nil, err
	}
	return decodeUser(resp)
}

func (c *Client) ResetTraffic(ctx context.Context, uuid string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/users/"+url.PathEscape(uuid)+"/actions/reset-traffic", nil)
	return err
}

// Users выкачивает всех пользователей постранично
func (c *Client) Users(ctx context.Context) ([]UserResponse, error) {
	var all []UserResponse
	for start := 0; ; start += usersPageSize {
		resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/users?size=%d&start=%d", usersPageSize, start), nil)
		if err != nil {
			return nil, err
		}
		var env envelope[usersPage]
		if err := json.Unmarshal(resp, &env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		all = append(all, env.Response.Users...)
		if len(env.Response.Users) < usersPageSize || len(all) >= env.Response.Total {
			return all, nil
		}
	}
}
