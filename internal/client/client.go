// Package client is a Go client for a running devbrowser server.
package client

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

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/devbrowser/internal/bus"
	"github.com/roelfdiedericks/devbrowser/internal/engine"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
	"github.com/roelfdiedericks/devbrowser/internal/metrics"
	"github.com/roelfdiedericks/devbrowser/internal/readable"
)

// DefaultURL is where a locally started server listens.
const DefaultURL = "http://localhost:9222"

// Client talks to one server.
type Client struct {
	baseURL string
	client  *http.Client
}

// PageInfo is one entry of List.
type PageInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Info is the server's GET / answer.
type Info struct {
	WSEndpoint string   `json:"wsEndpoint"`
	Pages      []string `json:"pages"`
}

// Error is a non-2xx answer from the server.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Connect verifies the server answers at serverURL and returns a client.
// An empty serverURL means DefaultURL.
func Connect(ctx context.Context, serverURL string) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		client:  &http.Client{},
	}
	if _, err := c.Info(ctx); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("server not responding: %d", apiErr.StatusCode)
		}
		return nil, fmt.Errorf("server not responding: %w", err)
	}
	L_debug("client: connected", "url", c.baseURL)
	return c, nil
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// do sends body (if any) as JSON and decodes the answer into out (if any).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := fmt.Sprintf("request failed: %d", resp.StatusCode)
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Info returns the CDP endpoint and page names.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.do(ctx, http.MethodGet, "/", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// List returns every page with its current URL.
func (c *Client) List(ctx context.Context) ([]PageInfo, error) {
	var resp struct {
		Pages []PageInfo `json:"pages"`
	}
	if err := c.do(ctx, http.MethodGet, "/pages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pages, nil
}

// Page gets or creates the named page.
func (c *Client) Page(ctx context.Context, name string) (*Page, error) {
	var resp struct {
		Name     string `json:"name"`
		TargetID string `json:"targetId"`
	}
	if err := c.do(ctx, http.MethodPost, "/pages", map[string]string{"name": name}, &resp); err != nil {
		return nil, err
	}
	return &Page{Name: name, TargetID: resp.TargetID, c: c}, nil
}

// PageHandle returns a handle on the named page without creating it.
// Operations on a page that does not exist fail with a not-found Error.
func (c *Client) PageHandle(name string) *Page {
	return &Page{Name: name, c: c}
}

// Close closes the named page.
func (c *Client) Close(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, pagePath(name, ""), nil, nil)
}

// Shutdown asks the server to stop. It returns before the server is gone.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// Metrics returns the server's metric snapshot, keyed by path. Data
// fields decode as generic JSON values.
func (c *Client) Metrics(ctx context.Context) (map[string]*metrics.MetricSnapshot, error) {
	var resp struct {
		Metrics map[string]*metrics.MetricSnapshot `json:"metrics"`
	}
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Metrics, nil
}

// Events streams server events until ctx ends or the server goes away,
// then closes the channel. An empty topic means every topic.
func (c *Client) Events(ctx context.Context, topic string) (<-chan bus.Event, error) {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if topic != "" {
		u.RawQuery = url.Values{"topic": {topic}}.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}

	out := make(chan bus.Event)
	go func() {
		defer close(out)
		defer conn.Close()

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		for {
			var e bus.Event
			if err := conn.ReadJSON(&e); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					L_debug("client: event stream ended", "error", err)
				}
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func pagePath(name, op string) string {
	p := "/pages/" + url.PathEscape(name)
	if op != "" {
		p += "/" + op
	}
	return p
}

// Page is a handle on one named page. It holds no server state; if the
// page is closed server-side its methods return a not-found Error.
type Page struct {
	Name     string
	TargetID string
	c        *Client
}

// GotoResult is the page after navigation.
type GotoResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Goto navigates. An empty wait means the server default.
func (p *Page) Goto(ctx context.Context, rawURL string, wait engine.WaitUntil) (*GotoResult, error) {
	req := struct {
		URL       string `json:"url"`
		WaitUntil string `json:"waitUntil,omitempty"`
	}{rawURL, string(wait)}
	var res GotoResult
	if err := p.c.do(ctx, http.MethodPost, pagePath(p.Name, "goto"), req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Evaluate runs script in the page and decodes its result into out.
// out may be nil to discard the result.
func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := p.c.do(ctx, http.MethodPost, pagePath(p.Name, "evaluate"), map[string]string{"script": script}, &resp); err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// Screenshot captures the page. An empty path lets the server pick one
// in its scratch directory. The file path is returned.
func (p *Page) Screenshot(ctx context.Context, path string, fullPage bool) (string, error) {
	req := struct {
		Path     string `json:"path,omitempty"`
		FullPage bool   `json:"fullPage,omitempty"`
	}{path, fullPage}
	var resp struct {
		Path string `json:"path"`
	}
	if err := p.c.do(ctx, http.MethodPost, pagePath(p.Name, "screenshot"), req, &resp); err != nil {
		return "", err
	}
	return resp.Path, nil
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.c.do(ctx, http.MethodPost, pagePath(p.Name, "click"), map[string]string{"selector": selector}, nil)
}

// Type types text into the first element matching selector.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	return p.c.do(ctx, http.MethodPost, pagePath(p.Name, "type"), map[string]string{"selector": selector, "text": text}, nil)
}

// Content returns the page's serialized HTML.
func (p *Page) Content(ctx context.Context) (string, error) {
	var resp struct {
		Content string `json:"content"`
	}
	if err := p.c.do(ctx, http.MethodGet, pagePath(p.Name, "content"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Snapshot returns the page's accessibility tree.
func (p *Page) Snapshot(ctx context.Context) (*engine.AXNode, error) {
	var resp struct {
		Snapshot *engine.AXNode `json:"snapshot"`
	}
	if err := p.c.do(ctx, http.MethodGet, pagePath(p.Name, "snapshot"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshot, nil
}

// Text returns the page's readable text.
func (p *Page) Text(ctx context.Context, format readable.Format) (*readable.Result, error) {
	path := pagePath(p.Name, "text")
	if format != "" {
		path += "?format=" + url.QueryEscape(string(format))
	}
	var res readable.Result
	if err := p.c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// URL returns the page's current URL from the page list, or about:blank
// if the page is not listed.
func (p *Page) URL(ctx context.Context) (string, error) {
	pages, err := p.c.List(ctx)
	if err != nil {
		return "", err
	}
	for _, info := range pages {
		if info.Name == p.Name {
			return info.URL, nil
		}
	}
	return "about:blank", nil
}
