package browser

import (
	"context"
	"errors"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/connect-e2e/internal/action"
	"github.com/kuitang/connect-e2e/internal/errs"
)

// Page adapts a playwright page to action.Page. Every call derives its
// playwright timeout from the deadline in ctx.
type Page struct {
	page playwright.Page
}

var _ action.Page = (*Page)(nil)

// WrapPage adapts p.
func WrapPage(p playwright.Page) *Page {
	return &Page{page: p}
}

// Playwright returns the underlying page.
func (p *Page) Playwright() playwright.Page { return p.page }

// Close closes the page.
func (p *Page) Close() error { return p.page.Close() }

// timeoutError marks a playwright timeout as a deadline error so callers can
// classify it with errors.Is(err, context.DeadlineExceeded).
type timeoutError struct{ err error }

func (e *timeoutError) Error() string { return e.err.Error() }
func (e *timeoutError) Unwrap() error { return e.err }
func (e *timeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

func wrapErr(err error) error {
	if err != nil && errors.Is(err, playwright.ErrTimeout) {
		return &timeoutError{err: err}
	}
	return err
}

// timeoutMS converts the ctx deadline to playwright milliseconds.
func timeoutMS(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return playwright.Float(float64(DefaultTimeout.Milliseconds()))
	}
	return playwright.Float(float64(max(time.Until(deadline).Milliseconds(), 1)))
}

func (p *Page) locator(selector string) playwright.Locator {
	return p.page.Locator(selector).First()
}

func (p *Page) Goto(ctx context.Context, url string) (action.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   timeoutMS(ctx),
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	if resp == nil {
		return nil, nil
	}
	return &Response{resp: resp}, nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr(p.locator(selector).Click(playwright.LocatorClickOptions{Timeout: timeoutMS(ctx)}))
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr(p.locator(selector).Fill(value, playwright.LocatorFillOptions{Timeout: timeoutMS(ctx)}))
}

func (p *Page) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr(p.locator(selector).PressSequentially(text, playwright.LocatorPressSequentiallyOptions{
		Delay:   playwright.Float(float64(delay.Milliseconds())),
		Timeout: timeoutMS(ctx),
	}))
}

func waitState(s action.State) *playwright.WaitForSelectorState {
	switch s {
	case action.StateAttached:
		return playwright.WaitForSelectorStateAttached
	case action.StateHidden:
		return playwright.WaitForSelectorStateHidden
	case action.StateDetached:
		return playwright.WaitForSelectorStateDetached
	default:
		return playwright.WaitForSelectorStateVisible
	}
}

func (p *Page) WaitForSelector(ctx context.Context, selector string, state action.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapErr(p.locator(selector).WaitFor(playwright.LocatorWaitForOptions{
		State:   waitState(state),
		Timeout: timeoutMS(ctx),
	}))
}

func (p *Page) WaitForResponse(ctx context.Context, match action.ResponseMatcher, trigger func(context.Context) error) (action.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	predicate := func(r playwright.Response) bool {
		return match(&Response{resp: r})
	}
	cb := func() error {
		if trigger == nil {
			return nil
		}
		return trigger(ctx)
	}
	resp, err := p.page.ExpectResponse(predicate, cb, playwright.PageExpectResponseOptions{Timeout: timeoutMS(ctx)})
	if err != nil {
		return nil, wrapErr(err)
	}
	return &Response{resp: resp}, nil
}

func (p *Page) WaitForURL(ctx context.Context, pattern action.URLPattern) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var target any
	switch {
	case pattern.IsGlob():
		target = pattern.GlobString()
	case pattern.Regexp() != nil:
		target = pattern.Regexp()
	default:
		return errs.New(errs.InvalidArgument, "url pattern is required")
	}
	return wrapErr(p.page.WaitForURL(target, playwright.PageWaitForURLOptions{Timeout: timeoutMS(ctx)}))
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.Title()
}

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.locator(selector).IsVisible()
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Timeout:  timeoutMS(ctx),
	})
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.page.Content()
}

func (p *Page) URL() string { return p.page.URL() }

// Response adapts a playwright response to action.Response.
type Response struct {
	resp playwright.Response
}

func (r *Response) URL() string                { return r.resp.URL() }
func (r *Response) Status() int                { return r.resp.Status() }
func (r *Response) StatusText() string         { return r.resp.StatusText() }
func (r *Response) Headers() map[string]string { return r.resp.Headers() }
func (r *Response) Body() ([]byte, error)      { return r.resp.Body() }
