// Package browser launches playwright browsers, hands out credentialed or
// storage-state contexts, and adapts playwright pages to action.Page.
package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/obs"
)

const (
	// DefaultTimeout applies to playwright calls made without a deadline.
	DefaultTimeout = 5 * time.Second

	viewportWidth  = 1280
	viewportHeight = 720
)

// Options selects and configures the browser.
type Options struct {
	Headless bool
	Browser  string // chromium, firefox or webkit
	SlowMo   time.Duration
}

// Runtime owns one playwright driver and one browser.
type Runtime struct {
	pw      *playwright.Playwright
	browser playwright.Browser
}

// Launch starts playwright and the configured browser.
func Launch(ctx context.Context, opts Options) (*Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "start playwright", err)
	}

	var bt playwright.BrowserType
	switch strings.ToLower(opts.Browser) {
	case "", "chromium":
		bt = pw.Chromium
	case "firefox":
		bt = pw.Firefox
	case "webkit":
		bt = pw.WebKit
	default:
		_ = pw.Stop()
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown browser %q", opts.Browser))
	}

	launch := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(opts.Headless)}
	if opts.SlowMo > 0 {
		launch.SlowMo = playwright.Float(float64(opts.SlowMo.Milliseconds()))
	}
	b, err := bt.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return nil, errs.Wrap(errs.Unavailable, "launch "+bt.Name(), err)
	}

	obs.From(ctx).Info("browser_launched", "browser", bt.Name(), "version", b.Version(), "headless", opts.Headless)
	return &Runtime{pw: pw, browser: b}, nil
}

// Browser returns the launched browser.
func (r *Runtime) Browser() playwright.Browser { return r.browser }

// Close closes the browser and stops the driver.
func (r *Runtime) Close() error {
	var firstErr error
	if r.browser != nil {
		firstErr = r.browser.Close()
	}
	if r.pw != nil {
		if err := r.pw.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func contextOptions() playwright.BrowserNewContextOptions {
	return playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: viewportWidth, Height: viewportHeight},
	}
}

// NewPage opens a page in bc with the default timeouts applied.
func NewPage(bc playwright.BrowserContext) (*Page, error) {
	p, err := bc.NewPage()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "open page", err)
	}
	ms := float64(DefaultTimeout.Milliseconds())
	p.SetDefaultTimeout(ms)
	p.SetDefaultNavigationTimeout(ms)
	return WrapPage(p), nil
}
