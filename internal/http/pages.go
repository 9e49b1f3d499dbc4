package http

import (
	"context"

	"github.com/roelfdiedericks/devbrowser/internal/engine"
	"github.com/roelfdiedericks/devbrowser/internal/lifecycle"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
	"github.com/roelfdiedericks/devbrowser/internal/metrics"
	"github.com/roelfdiedericks/devbrowser/internal/readable"
	"github.com/roelfdiedericks/devbrowser/internal/session"
)

type successBody struct {
	Success bool `json:"success"`
}

var okBody = successBody{Success: true}

// session resolves the {name} path parameter without touching the engine.
func (rt *Router) session(c *call) (*session.Session, error) {
	return rt.opts.Sessions.Get(c.params["name"])
}

// GET /
func (rt *Router) handleInfo(ctx context.Context, c *call) (any, error) {
	return struct {
		WSEndpoint string   `json:"wsEndpoint"`
		Pages      []string `json:"pages"`
	}{rt.opts.Engine.Endpoint(), rt.opts.Sessions.Names()}, nil
}

// GET /pages
func (rt *Router) handleList(ctx context.Context, c *call) (any, error) {
	return struct {
		Pages []session.Info `json:"pages"`
	}{rt.opts.Sessions.List()}, nil
}

// POST /pages
func (rt *Router) handleCreate(ctx context.Context, c *call) (any, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, badRequest("name is required")
	}

	s, _, err := rt.opts.Sessions.GetOrCreate(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return struct {
		Name       string `json:"name"`
		URL        string `json:"url"`
		WSEndpoint string `json:"wsEndpoint"`
		TargetID   string `json:"targetId"`
	}{s.Name, s.URL(), rt.opts.Engine.Endpoint(), s.Page().ID()}, nil
}

// DELETE /pages/{name}
func (rt *Router) handleClose(ctx context.Context, c *call) (any, error) {
	if err := rt.opts.Sessions.Remove(c.params["name"]); err != nil {
		return nil, err
	}
	return okBody, nil
}

// POST /pages/{name}/goto
func (rt *Router) handleGoto(ctx context.Context, c *call) (any, error) {
	s, err := rt.session(c)
	if err != nil {
		return nil, err
	}
	var req struct {
		URL       string `json:"url"`
		WaitUntil string `json:"waitUntil"`
	}
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, badRequest("url is required")
	}
	wait, err := engine.ParseWaitUntil(req.WaitUntil)
	if err != nil {
		return nil, badRequest("%s", err.Error())
	}

	if err := s.Page().Navigate(ctx, req.URL, wait, rt.opts.NavigationTimeout); err != nil {
		return nil, err
	}
	title, err := s.Page().Title(ctx)
	if err != nil {
		return nil, err
	}
	L_debug("http: navigated", "name", s.Name, "url", req.URL, "waitUntil", wait)
	return struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}{s.URL(), title}, nil
}

// POST /pages/{name}/evaluate
func (rt *Router) handleEvaluate(ctx context.Context, c *call) (any, error) {
	s, err := rt.session(c)
	if err != nil {
		return nil, err
	}
	var req struct {
		Script string `json:"script"`
	}
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	if req.Script == "" {
		return nil, badRequest("script is required")
	}

	result, err := s.Page().Evaluate(ctx, req.Script)
	if err != nil {
		return nil, err
	}
	return struct {
		Result any `json:"result"`
	}{result}, nil
}

// POST /pages/{name}/screenshot
func (rt *Router) handleScreenshot(ctx context.Context, c *call) (any, error) {
	s, err := rt.session(c)
	if err != nil {
		return nil, err
	}
	var req struct {
		Path     string `json:"path"`
		FullPage bool   `json:"fullPage"`
	}
	if err := c.decode(&req); err != nil {
		return nil, err
	}

	path := req.Path
	if path == "" {
		path = rt.opts.Scratch.ScreenshotPath(s.Name, rt.opts.Now())
	}
	if err := s.Page().Screenshot(ctx, path, req.FullPage); err != nil {
		return nil, err
	}
	return struct {
		Path string `json:"path"`
	}{path}, nil
}

// POST /pages/{name}/click
func (rt *Router) handleClick(ctx context.Context, c *call) (any, error) {
	s, err := rt.session(c)
	if err != nil {
		return nil, err
	}
	var req struct {
		Selector string `json:"selector"`
	}
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	if req.Selector == "" {
		return nil, badRequest("selector is required")
	}

	if err := s.Page().Click(ctx, req.Selector); err != nil {
		return nil, err
	}
	return okBody, nil
}

// POST /pages/{name}/type
func (rt *Router) handleType(ctx context.Context, c *call) (any, error) {
	s, err := rt.session(c)
	if err != nil {
		return nil, err
	}
	var req struct {
		Selector string  `json:"selector"`
		Text     *string `json:"text"`
	}
	if err := c.decode(&req); err != nil {
		return nil, err
	}
	if req.Selector == "" {
		return nil, badRequest("selector is required")
	}
	if req.Text == nil {
		return nil, badRequest("text is required")
	}

	if err := s.Page().Type(ctx, req.Selector, *req.Text); err != nil {
		return nil, err
	}
	return okBody, nil
}

// GET /pages/{name}/content
func (rt *Router) handleContent(ctx context.Context, c *call) (any, error) {
	s, err := rt.session(c)
	if err != nil {
		return nil, err
	}
	html, err := s.Page().Content(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		Content string `json:"content"`
	}{html}, nil
}

// GET /pages/{name}/snapshot
func (rt *Router) handleSnapshot(ctx context.Context, c *call) (any, error) {
	s, err := rt.session(c)
	if err != nil {
		return nil, err
	}
	snap, err := s.Page().Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		Snapshot *engine.AXNode `json:"snapshot"`
	}{snap}, nil
}

// GET /pages/{name}/text?format=text|markdown
func (rt *Router) handleText(ctx context.Context, c *call) (any, error) {
	s, err := rt.session(c)
	if err != nil {
		return nil, err
	}
	format, err := readable.ParseFormat(c.query.Get("format"))
	if err != nil {
		return nil, badRequest("%s", err.Error())
	}

	html, err := s.Page().Content(ctx)
	if err != nil {
		return nil, err
	}
	return readable.Extract(html, s.URL(), format)
}

// POST /shutdown
func (rt *Router) handleShutdown(ctx context.Context, c *call) (any, error) {
	L_info("http: shutdown requested", "request", requestID(ctx))
	rt.opts.Shutdown.RequestShutdown(lifecycle.TriggerRequest, "POST /shutdown")
	return okBody, nil
}

// GET /metrics
func (rt *Router) handleMetrics(ctx context.Context, c *call) (any, error) {
	return map[string]any{"metrics": metrics.GetInstance().GetSnapshot()}, nil
}
