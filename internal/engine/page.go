package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	. "github.com/roelfdiedericks/devbrowser/internal/metrics"
	"github.com/roelfdiedericks/devbrowser/internal/paths"
)

type rodPage struct {
	page   *rod.Page
	closed chan struct{}
	once   sync.Once
}

var _ Page = (*rodPage)(nil)

func newRodPage(p *rod.Page) *rodPage {
	return &rodPage{page: p, closed: make(chan struct{})}
}

func (p *rodPage) markClosed() {
	p.once.Do(func() { close(p.closed) })
}

func (p *rodPage) alive() error {
	select {
	case <-p.closed:
		return ErrPageClosed
	default:
		return nil
	}
}

func (p *rodPage) ID() string {
	return string(p.page.TargetID)
}

func (p *rodPage) Closed() <-chan struct{} {
	return p.closed
}

func (p *rodPage) URL() (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	info, err := p.page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	res, err := p.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func lifecycleEvent(w WaitUntil) proto.PageLifecycleEventName {
	switch w {
	case WaitLoad:
		return proto.PageLifecycleEventNameLoad
	case WaitNetworkIdle0:
		return proto.PageLifecycleEventNameNetworkIdle
	case WaitNetworkIdle2:
		return proto.PageLifecycleEventNameNetworkAlmostIdle
	default:
		return proto.PageLifecycleEventNameDOMContentLoaded
	}
}

func (p *rodPage) Navigate(ctx context.Context, url string, wait WaitUntil, timeout time.Duration) error {
	if err := p.alive(); err != nil {
		return err
	}

	tp := p.page.Context(ctx).Timeout(timeout)
	defer tp.CancelTimeout()
	defer MetricSince("engine", "navigate:"+string(wait), time.Now())

	timedOut := func() bool {
		return errors.Is(tp.GetContext().Err(), context.DeadlineExceeded)
	}
	timeoutErr := fmt.Errorf("navigation timeout of %d ms exceeded", timeout.Milliseconds())

	waitFn := tp.WaitNavigation(lifecycleEvent(wait))
	if err := tp.Navigate(url); err != nil {
		if timedOut() {
			return timeoutErr
		}
		return err
	}
	waitFn()
	if timedOut() {
		return timeoutErr
	}
	return tp.GetContext().Err()
}

func (p *rodPage) Evaluate(ctx context.Context, script string) (any, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}

	res, err := proto.RuntimeEvaluate{
		Expression:    script,
		ReturnByValue: true,
		AwaitPromise:  true,
		UserGesture:   true,
	}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, err
	}
	if d := res.ExceptionDetails; d != nil {
		msg := d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			msg = d.Exception.Description
		}
		return nil, errors.New(msg)
	}
	if res.Result == nil {
		return nil, nil
	}
	return res.Result.Value.Val(), nil
}

func (p *rodPage) Screenshot(ctx context.Context, path string, fullPage bool) error {
	if err := p.alive(); err != nil {
		return err
	}

	data, err := p.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return err
	}
	if mt := mimetype.Detect(data); !mt.Is("image/png") {
		return fmt.Errorf("screenshot is %s, expected image/png", mt.String())
	}

	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	return nil
}

// element finds selector without retrying, so a missing element fails fast.
func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	el, err := p.page.Context(ctx).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		var nf *rod.ElementNotFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("no element found for selector: %s", selector)
		}
		return nil, err
	}
	return el.Sleeper(rod.DefaultSleeper), nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodPage) Content(ctx context.Context) (string, error) {
	if err := p.alive(); err != nil {
		return "", err
	}
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Snapshot(ctx context.Context) (*AXNode, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	res, err := proto.AccessibilityGetFullAXTree{}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, err
	}

	raw := make([]rawAXNode, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		raw = append(raw, rawFromProto(n))
	}
	return buildAXTree(raw), nil
}

func (p *rodPage) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
	}
	err := p.page.Close()
	p.markClosed()
	return err
}
