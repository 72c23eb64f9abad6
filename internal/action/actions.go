package action

import (
	"context"
	"fmt"
	"time"

	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/logutil"
)

// Kind names a typed action; each kind has its own default policy.
type Kind string

const (
	KindNavigate     Kind = "navigate"
	KindClick        Kind = "click"
	KindFill         Kind = "fill"
	KindType         Kind = "type"
	KindWaitSelector Kind = "wait-selector"
	KindWaitResponse Kind = "wait-response"
	KindWaitURL      Kind = "wait-url"
)

// Kinds lists every action kind.
var Kinds = []Kind{KindNavigate, KindClick, KindFill, KindType, KindWaitSelector, KindWaitResponse, KindWaitURL}

const (
	// DefaultTypeDelay is the pause between key presses in Type.
	DefaultTypeDelay = 100 * time.Millisecond
	// responseWaitTimeout is the per-attempt floor for response waits.
	responseWaitTimeout = 30 * time.Second
	// maxResponseEvidenceBytes bounds the body attached for a non-OK response.
	maxResponseEvidenceBytes = 64 * 1024
)

// ErrBadResponse marks a response whose status is outside the accepted range.
var ErrBadResponse = errs.New(errs.Unavailable, "unexpected response status")

// ResponseError reports a missing or non-OK response.
type ResponseError struct {
	URL        string
	Status     int // 0 when no response arrived
	StatusText string
}

func (e *ResponseError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("no response for %s", e.URL)
	}
	return fmt.Sprintf("unexpected response %d %s from %s", e.Status, e.StatusText, e.URL)
}

func (e *ResponseError) Unwrap() error { return ErrBadResponse }

// Defaults holds the policy for each action kind.
type Defaults map[Kind]Policy

// DefaultDefaults derives per-kind policies from DefaultPolicy.
func DefaultDefaults() Defaults {
	return DefaultsFrom(DefaultPolicy)
}

// DefaultsFrom uses base for every kind, except that response waits get at
// least a 30s timeout.
func DefaultsFrom(base Policy) Defaults {
	d := make(Defaults, len(Kinds))
	for _, k := range Kinds {
		d[k] = base
	}
	if base.Timeout < responseWaitTimeout {
		d[KindWaitResponse] = base.With(Timeout(responseWaitTimeout))
	}
	return d
}

// For returns the policy for k, falling back to DefaultPolicy.
func (d Defaults) For(k Kind) Policy {
	if p, ok := d[k]; ok {
		return p
	}
	return DefaultPolicy
}

// Actions binds an executor to one page and reporter.
type Actions struct {
	ex       *Executor
	page     Page
	rep      Reporter
	defaults Defaults
}

// NewActions binds ex to page and rep. A nil defaults map means
// DefaultDefaults.
func NewActions(ex *Executor, page Page, rep Reporter, defaults Defaults) *Actions {
	if ex == nil {
		ex = defaultExecutor
	}
	if rep == nil {
		rep = Discard
	}
	if defaults == nil {
		defaults = DefaultDefaults()
	}
	return &Actions{ex: ex, page: page, rep: rep, defaults: defaults}
}

// Page returns the bound page.
func (a *Actions) Page() Page { return a.page }

// Reporter returns the bound reporter.
func (a *Actions) Reporter() Reporter { return a.rep }

func (a *Actions) policy(k Kind, opts []Option) Policy {
	return a.defaults.For(k).With(opts...)
}

// Navigate loads url and waits for DOMContentLoaded. A missing response or a
// status outside 200-399 fails the attempt.
func (a *Actions) Navigate(ctx context.Context, url string, opts ...Option) (Response, error) {
	return Do(ctx, a.ex, "navigate-"+url, a.page, a.rep, a.policy(KindNavigate, opts), func(ctx context.Context) (Response, error) {
		resp, err := a.page.Goto(ctx, url)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return nil, &ResponseError{URL: url}
		}
		if s := resp.Status(); s < 200 || s > 399 {
			return nil, &ResponseError{URL: resp.URL(), Status: s, StatusText: resp.StatusText()}
		}
		return resp, nil
	})
}

// Click clicks the element matched by selector.
func (a *Actions) Click(ctx context.Context, selector string, opts ...Option) error {
	return a.ex.Run(ctx, "click-"+selector, a.page, a.rep, a.policy(KindClick, opts), func(ctx context.Context) error {
		if err := a.page.Click(ctx, selector); err != nil {
			return fmt.Errorf("click %s: %w", selector, err)
		}
		return nil
	})
}

// Fill sets the value of the input matched by selector. The value is never
// logged.
func (a *Actions) Fill(ctx context.Context, selector, value string, opts ...Option) error {
	return a.ex.Run(ctx, "fill-"+selector, a.page, a.rep, a.policy(KindFill, opts), func(ctx context.Context) error {
		if err := a.page.Fill(ctx, selector, value); err != nil {
			return fmt.Errorf("fill %s: %w", selector, err)
		}
		return nil
	})
}

// Type focuses selector by clicking it, then types text one key at a time
// with delay between keys (DefaultTypeDelay when delay <= 0).
func (a *Actions) Type(ctx context.Context, selector, text string, delay time.Duration, opts ...Option) error {
	if delay <= 0 {
		delay = DefaultTypeDelay
	}
	return a.ex.Run(ctx, "type-"+selector, a.page, a.rep, a.policy(KindType, opts), func(ctx context.Context) error {
		if err := a.page.Click(ctx, selector); err != nil {
			return fmt.Errorf("focus %s: %w", selector, err)
		}
		if err := a.page.Type(ctx, selector, text, delay); err != nil {
			return fmt.Errorf("type %s: %w", selector, err)
		}
		return nil
	})
}

// WaitForSelector waits until selector reaches state.
func (a *Actions) WaitForSelector(ctx context.Context, selector string, state State, opts ...Option) error {
	if state == "" {
		state = StateVisible
	}
	return a.ex.Run(ctx, "wait-selector-"+selector, a.page, a.rep, a.policy(KindWaitSelector, opts), func(ctx context.Context) error {
		if err := a.page.WaitForSelector(ctx, selector, state); err != nil {
			return fmt.Errorf("wait for %s to be %s: %w", selector, state, err)
		}
		return nil
	})
}

// WaitForResponse waits for a response accepted by match, running trigger
// once the wait is armed. A matched status outside 200-299 attaches the
// response body and fails the attempt.
func (a *Actions) WaitForResponse(ctx context.Context, match ResponseMatcher, trigger func(context.Context) error, opts ...Option) (Response, error) {
	if match == nil {
		return nil, errs.New(errs.InvalidArgument, "response matcher is required")
	}
	return Do(ctx, a.ex, "wait-response", a.page, a.rep, a.policy(KindWaitResponse, opts), func(ctx context.Context) (Response, error) {
		resp, err := a.page.WaitForResponse(ctx, match, trigger)
		if err != nil {
			return nil, err
		}
		if s := resp.Status(); s < 200 || s > 299 {
			a.attachResponse(ctx, resp)
			return nil, &ResponseError{URL: resp.URL(), Status: s, StatusText: resp.StatusText()}
		}
		return resp, nil
	})
}

func (a *Actions) attachResponse(ctx context.Context, resp Response) {
	headers := resp.Headers()
	body := "[Could not read body]"
	if raw, err := resp.Body(); err == nil {
		body = logutil.Body(headers["content-type"], raw, maxResponseEvidenceBytes)
	}
	a.ex.logger(ctx).Warn("response_not_ok",
		"url", resp.URL(),
		"status", resp.Status(),
		"headers", logutil.Headers(headers),
	)
	name := fmt.Sprintf("Response %d %s", resp.Status(), resp.StatusText())
	a.rep.Attach(name, Attachment{Body: []byte(body), ContentType: ContentTypeText})
}

// WaitForURL waits until the page URL matches pattern.
func (a *Actions) WaitForURL(ctx context.Context, pattern URLPattern, opts ...Option) error {
	if pattern.Regexp() == nil {
		return errs.New(errs.InvalidArgument, "url pattern is required")
	}
	return a.ex.Run(ctx, "wait-url", a.page, a.rep, a.policy(KindWaitURL, opts), func(ctx context.Context) error {
		if err := a.page.WaitForURL(ctx, pattern); err != nil {
			return fmt.Errorf("wait for url %s: %w", pattern, err)
		}
		return nil
	})
}
