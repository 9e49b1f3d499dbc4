package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roelfdiedericks/devbrowser/internal/client"
	"github.com/roelfdiedericks/devbrowser/internal/engine"
	"github.com/roelfdiedericks/devbrowser/internal/metrics"
	"github.com/roelfdiedericks/devbrowser/internal/readable"
)

// Remote is embedded by commands that talk to a running server.
type Remote struct {
	Server  string        `help:"Server URL." default:"${default_url}" env:"DEVBROWSER_URL"`
	Timeout time.Duration `help:"Request timeout (0 = none)." default:"0s"`
}

func (r *Remote) connect(g *Globals) (*client.Client, context.Context, context.CancelFunc, error) {
	g.initLogging()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if r.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, r.Timeout)
		prev := cancel
		cancel = func() { stop(); prev() }
	}
	c, err := client.Connect(ctx, r.Server)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PagesCmd lists pages.
type PagesCmd struct {
	Remote
	JSON bool `help:"Print JSON."`
}

func (c *PagesCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	pages, err := cl.List(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(os.Stdout, pages)
	}
	if len(pages) == 0 {
		fmt.Println(dimStyle.Render("no pages"))
		return nil
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-24s %s", "NAME", "URL")))
	for _, p := range pages {
		fmt.Printf("%-24s %s\n", p.Name, p.URL)
	}
	return nil
}

// OpenCmd gets or creates a page.
type OpenCmd struct {
	Remote
	Name string `arg:"" help:"Page name."`
	URL  string `arg:"" optional:"" help:"Navigate here after opening."`
}

func (c *OpenCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	page, err := cl.Page(ctx, c.Name)
	if err != nil {
		return err
	}
	if c.URL != "" {
		if _, err := page.Goto(ctx, c.URL, ""); err != nil {
			return err
		}
	}
	u, err := page.URL(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s\n", page.Name, page.TargetID, u)
	return nil
}

// CloseCmd closes a page.
type CloseCmd struct {
	Remote
	Name string `arg:"" help:"Page name."`
}

func (c *CloseCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()
	return cl.Close(ctx, c.Name)
}

// GotoCmd navigates a page, creating it if needed.
type GotoCmd struct {
	Remote
	Name string `arg:"" help:"Page name."`
	URL  string `arg:"" help:"URL to load."`
	Wait string `help:"Load state to wait for: load, domcontentloaded, networkidle0, networkidle2."`
}

func (c *GotoCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	page, err := cl.Page(ctx, c.Name)
	if err != nil {
		return err
	}
	res, err := page.Goto(ctx, c.URL, engine.WaitUntil(c.Wait))
	if err != nil {
		return err
	}
	fmt.Printf("%s\n%s\n", res.URL, res.Title)
	return nil
}

// EvalCmd evaluates a script and prints its JSON result.
type EvalCmd struct {
	Remote
	Name   string `arg:"" help:"Page name."`
	Script string `arg:"" help:"JavaScript expression, or - to read stdin."`
}

func (c *EvalCmd) Run(g *Globals) error {
	script := c.Script
	if script == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
		script = string(data)
	}

	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	var result json.RawMessage
	if err := cl.PageHandle(c.Name).Evaluate(ctx, script, &result); err != nil {
		return err
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return printJSON(os.Stdout, result)
}

// ScreenshotCmd captures a page.
type ScreenshotCmd struct {
	Remote
	Name     string `arg:"" help:"Page name."`
	Path     string `arg:"" optional:"" type:"path" help:"Output file (default: a file in the server's scratch dir)."`
	FullPage bool   `help:"Capture the whole scrollable page." name:"full-page"`
}

func (c *ScreenshotCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	path, err := cl.PageHandle(c.Name).Screenshot(ctx, c.Path, c.FullPage)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

// TextCmd prints a page's readable text.
type TextCmd struct {
	Remote
	Name     string `arg:"" help:"Page name."`
	Markdown bool   `help:"Whole page as markdown instead of the main article text." short:"m"`
}

func (c *TextCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	format := readable.FormatText
	if c.Markdown {
		format = readable.FormatMarkdown
	}
	res, err := cl.PageHandle(c.Name).Text(ctx, format)
	if err != nil {
		return err
	}
	if res.Title != "" {
		fmt.Println(headerStyle.Render(res.Title))
		fmt.Println()
	}
	fmt.Println(res.Text)
	return nil
}

// EventsCmd prints server events as JSON lines until interrupted.
type EventsCmd struct {
	Remote
	Topic string `help:"Only this topic (page.created, page.closed, lifecycle.changed)."`
}

func (c *EventsCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	events, err := cl.Events(ctx, c.Topic)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// MetricsCmd prints the server's metrics.
type MetricsCmd struct {
	Remote
	JSON bool `help:"Print JSON."`
}

func (c *MetricsCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	snap, err := cl.Metrics(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(os.Stdout, snap)
	}
	return printMetrics(os.Stdout, snap)
}

func printMetrics(w io.Writer, snap map[string]*metrics.MetricSnapshot) error {
	if len(snap) == 0 {
		_, err := fmt.Fprintln(w, dimStyle.Render("no metrics"))
		return err
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-44s %-12s %-8s %s", "METRIC", "TYPE", "HEALTH", "DATA")))
	for _, key := range metrics.Paths(snap) {
		s := snap[key]
		data, err := json.Marshal(s.Data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-44s %-12s %-8s %s\n", key, s.Type, s.Health, data)
	}
	return nil
}

// ShutdownCmd stops the server.
type ShutdownCmd struct {
	Remote
}

func (c *ShutdownCmd) Run(g *Globals) error {
	cl, ctx, cancel, err := c.connect(g)
	if err != nil {
		return err
	}
	defer cancel()

	if err := cl.Shutdown(ctx); err != nil {
		return err
	}
	fmt.Println("shutting down")
	return nil
}
