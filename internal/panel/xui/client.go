// Package xui содержит клиент панели 3x-ui: сессия по cookie, инбаунды и клиенты внутри них.
package xui

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"VPN-Panel-bot/internal/logger"
)

var errUnauthorized = errors.New("xui: unauthorized")

type Client struct {
	baseURL  string
	basePath string
	username string
	password string
	http     *http.Client

	mu       sync.Mutex
	loggedIn bool
}

// Inbound: запись из /panel/api/inbounds; settings и streamSettings приходят JSON-строками
type Inbound struct {
	ID             int    `json:"id"`
	Remark         string `json:"remark"`
	Protocol       string `json:"protocol"`
	Port           int    `json:"port"`
	Enable         bool   `json:"enable"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

// ClientSettings: клиент внутри инбаунда. totalGB в байтах, expiryTime в миллисекундах.
type ClientSettings struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
	LimitIP    int    `json:"limitIp"`
	Flow       string `json:"flow"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// NewClient принимает адрес вида https://host:port/basepath.
// Панели почти всегда на самоподписанных сертификатах, поэтому проверка TLS выключена.
func NewClient(host, username, password string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(host), "/"))
	if err != nil {
		return nil, fmt.Errorf("xui host %q: %w", host, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("xui host %q: scheme and host required", host)
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:  u.Scheme + "://" + u.Host,
		basePath: strings.TrimRight(u.Path, "/"),
		username: username,
		password: password,
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				Proxy:           http.ProxyFromEnvironment,
			},
		},
	}, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + c.basePath + path
}

// Login открывает сессию; повторные вызовы ничего не делают, пока сессия жива
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	form := url.Values{"username": {c.username}, "password": {c.password}}
	resp, status, err := c.post(ctx, c.url("/login"), form)
	if err != nil {
		return fmt.Errorf("xui login: %w", err)
	}
	if status != http.StatusOK || !resp.Success {
		return fmt.Errorf("xui login failed: status %d: %s", status, resp.Msg)
	}
	c.loggedIn = true
	logger.Debug("xui login successful", zap.String("panel", c.baseURL))
	return nil
}

func (c *Client) dropSession() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (*apiResponse, int, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, 0, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return c.send(req)
}

func (c *Client) get(ctx context.Context, endpoint string) (*apiResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) (*apiResponse, int, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, errUnauthorized
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		// истёкшая сессия отдаёт html-страницу логина
		if resp.StatusCode == http.StatusOK && strings.Contains(strings.ToLower(string(raw)), "<html") {
			return nil, resp.StatusCode, errUnauthorized
		}
		return nil, resp.StatusCode, fmt.Errorf("api error: %s (status: %d)", truncate(raw), resp.StatusCode)
	}
	return &out, resp.StatusCode, nil
}

// call выполняет запрос с сессией и один раз перелогинивается, если она истекла
func (c *Client) call(ctx context.Context, fn func() (*apiResponse, int, error)) (*apiResponse, int, error) {
	if err := c.Login(ctx); err != nil {
		return nil, 0, err
	}
	resp, status, err := fn()
	if errors.Is(err, errUnauthorized) {
		c.dropSession()
		if err := c.Login(ctx); err != nil {
			return nil, 0, err
		}
		resp, status, err = fn()
	}
	return resp, status, err
}

func (c *Client) Inbounds(ctx context.Context) ([]Inbound, error) {
	resp, _, err := c.call(ctx, func() (*apiResponse, int, error) {
		return c.get(ctx, c.url("/panel/api/inbounds/list"))
	})
	if err != nil {
		return nil, fmt.Errorf("xui inbounds: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("xui inbounds: %s", resp.Msg)
	}
	var inbounds []Inbound
	if err := json.Unmarshal(resp.Obj, &inbounds); err != nil {
		return nil, fmt.Errorf("xui inbounds: %w", err)
	}
	return inbounds, nil
}

func (c *Client) Inbound(ctx context.Context, id int) (*Inbound, error) {
	resp, _, err := c.call(ctx, func() (*apiResponse, int, error) {
		return c.get(ctx, c.url(fmt.Sprintf("/panel/api/inbounds/get/%d", id)))
	})
	if err != nil {
		return nil, fmt.Errorf("xui inbound %d: %w", id, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("xui inbound %d: %s", id, resp.Msg)
	}
	var in Inbound
	if err := json.Unmarshal(resp.Obj, &in); err != nil {
		return nil, fmt.Errorf("xui inbound %d: %w", id, err)
	}
	return &in, nil
}

// Clients разбирает settings инбаунда, где лежит список клиентов
func (c *Client) Clients(ctx context.Context, inboundID int) ([]ClientSettings, error) {
	in, err := c.Inbound(ctx, inboundID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Settings) == "" {
		return nil, nil
	}
	var settings struct {
		Clients []ClientSettings `json:"clients"`
	}
	if err := json.Unmarshal([]byte(in.Settings), &settings); err != nil {
		return nil, fmt.Errorf("xui inbound %d settings: %w", inboundID, err)
	}
	return settings.Clients, nil
}

func clientForm(inboundID int, cs ClientSettings) (url.Values, error) {
	settings, err := json.Marshal(map[string][]ClientSettings{"clients": {cs}})
	if err != nil {
		return nil, err
	}
	return url.Values{
		"id":       {fmt.Sprint(inboundID)},
		"settings": {string(settings)},
	}, nil
}

// addClientEndpoints: разные версии 3x-ui держат addClient по разным путям
var addClientEndpoints = []string{
	"/panel/api/inbounds/addClient",
	"/panel/inbound/addClient",
	"/xui/inbound/addClient",
}

// AddClient пробует известные пути по очереди, пока панель не ответит success
func (c *Client) AddClient(ctx context.Context, inboundID int, cs ClientSettings) error {
	form, err := clientForm(inboundID, cs)
	if err != nil {
		return err
	}
	var lastErr error
	for _, endpoint := range addClientEndpoints {
		resp, status, err := c.call(ctx, func() (*apiResponse, int, error) {
			return c.post(ctx, c.url(endpoint), form)
		})
		if ctx.Err() != nil {
			return fmt.Errorf("xui addClient: %w", ctx.Err())
		}
		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusOK && resp.Success:
			logger.Info("xui client created",
				zap.String("endpoint", endpoint), zap.Int("inbound_id", inboundID), zap.String("email", cs.Email))
			return nil
		default:
			lastErr = fmt.Errorf("status %d: %s", status, resp.Msg)
		}
		logger.Debug("xui addClient endpoint failed", zap.String("endpoint", endpoint), zap.Error(lastErr))
	}
	return fmt.Errorf("xui addClient: all endpoints failed, last error: %w", lastErr)
}

func (c *Client) UpdateClient(ctx context.Context, inboundID int, cs ClientSettings) error {
	form, err := clientForm(inboundID, cs)
	if err != nil {
		return err
	}
	resp, status, err := c.call(ctx, func() (*apiResponse, int, error) {
		return c.post(ctx, c.url("/panel/api/inbounds/updateClient/"+url.PathEscape(cs.ID)), form)
	})
	if err != nil {
		return fmt.Errorf("xui updateClient: %w", err)
	}
	if status != http.StatusOK || !resp.Success {
		return fmt.Errorf("xui updateClient: status %d: %s", status, resp.Msg)
	}
	return nil
}

func (c *Client) ResetClientTraffic(ctx context.Context, inboundID int, email string) error {
	endpoint := c.url(fmt.Sprintf("/panel/api/inbounds/%d/resetClientTraffic/%s", inboundID, url.PathEscape(email)))
	resp, status, err := c.call(ctx, func() (*apiResponse, int, error) {
		return c.post(ctx, endpoint, nil)
	})
	if err != nil {
		return fmt.Errorf("xui resetClientTraffic: %w", err)
	}
	if status != http.StatusOK || !resp.Success {
		return fmt.Errorf("xui resetClientTraffic: status %d: %s", status, resp.Msg)
	}
	return nil
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
