package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// fakeClock advances only when the executor sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *fakeClock) Elapsed(since time.Time) time.Duration {
	return c.Now().Sub(since)
}

// recorder is an in-package Reporter.
type recorder struct {
	mu    sync.Mutex
	names []string
	items map[string]Attachment
}

func (r *recorder) Attach(name string, a Attachment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[string]Attachment)
	}
	r.names = append(r.names, name)
	r.items[name] = a
}

func (r *recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *recorder) Get(name string) (Attachment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[name]
	return a, ok
}

func (r *recorder) CountPrefix(prefix string) int {
	n := 0
	for _, name := range r.Names() {
		if strings.HasPrefix(name, prefix) {
			n++
		}
	}
	return n
}

type fakeResponse struct {
	url        string
	status     int
	statusText string
	headers    map[string]string
	body       []byte
	bodyErr    error
}

func (r *fakeResponse) URL() string                { return r.url }
func (r *fakeResponse) Status() int                { return r.status }
func (r *fakeResponse) StatusText() string         { return r.statusText }
func (r *fakeResponse) Headers() map[string]string { return r.headers }
func (r *fakeResponse) Body() ([]byte, error)      { return r.body, r.bodyErr }

var errNotActionable = errors.New("element is not actionable")

// fakePage scripts page behaviour through optional hooks. Unset hooks succeed.
type fakePage struct {
	mu    sync.Mutex
	calls []string

	url  string
	html string

	gotoFn         func(n int, url string) (Response, error)
	clickFn        func(n int, selector string) error
	fillFn         func(n int, selector, value string) error
	typeFn         func(n int, selector, text string, delay time.Duration) error
	waitSelectorFn func(n int, selector string, state State) error
	waitResponseFn func(n int) (Response, error)
	waitURLFn      func(n int, pattern URLPattern) error
	titleFn        func(n int) (string, error)

	screenshotErr error
	contentErr    error
	deadlines     []time.Duration
}

func (p *fakePage) record(ctx context.Context, call string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		p.deadlines = append(p.deadlines, time.Until(deadline))
	}
	p.calls = append(p.calls, call)
	n := 0
	for _, c := range p.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (p *fakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) CallCount(call string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (p *fakePage) Goto(ctx context.Context, url string) (Response, error) {
	n := p.record(ctx, "goto")
	if p.gotoFn != nil {
		return p.gotoFn(n, url)
	}
	p.url = url
	return &fakeResponse{url: url, status: 200, statusText: "OK"}, nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	n := p.record(ctx, "click")
	if p.clickFn != nil {
		return p.clickFn(n, selector)
	}
	return nil
}

func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	n := p.record(ctx, "fill")
	if p.fillFn != nil {
		return p.fillFn(n, selector, value)
	}
	return nil
}

func (p *fakePage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	n := p.record(ctx, "type")
	if p.typeFn != nil {
		return p.typeFn(n, selector, text, delay)
	}
	return nil
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector string, state State) error {
	n := p.record(ctx, "wait-selector")
	if p.waitSelectorFn != nil {
		return p.waitSelectorFn(n, selector, state)
	}
	return nil
}

func (p *fakePage) WaitForResponse(ctx context.Context, match ResponseMatcher, trigger func(context.Context) error) (Response, error) {
	n := p.record(ctx, "wait-response")
	if trigger != nil {
		if err := trigger(ctx); err != nil {
			return nil, err
		}
	}
	if p.waitResponseFn != nil {
		resp, err := p.waitResponseFn(n)
		if err != nil {
			return nil, err
		}
		if !match(resp) {
			return nil, context.DeadlineExceeded
		}
		return resp, nil
	}
	return &fakeResponse{url: "https://app.test/api", status: 200, statusText: "OK"}, nil
}

func (p *fakePage) WaitForURL(ctx context.Context, pattern URLPattern) error {
	n := p.record(ctx, "wait-url")
	if p.waitURLFn != nil {
		return p.waitURLFn(n, pattern)
	}
	if !pattern.Match(p.url) {
		return context.DeadlineExceeded
	}
	return nil
}

func (p *fakePage) Title(ctx context.Context) (string, error) {
	n := p.record(ctx, "title")
	if p.titleFn != nil {
		return p.titleFn(n)
	}
	return "", nil
}

func (p *fakePage) IsVisible(ctx context.Context, selector string) (bool, error) {
	p.record(ctx, "is-visible")
	return true, nil
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	p.record(ctx, "screenshot")
	if p.screenshotErr != nil {
		return nil, p.screenshotErr
	}
	return []byte("\x89PNG fake"), nil
}

func (p *fakePage) Content(ctx context.Context) (string, error) {
	p.record(ctx, "content")
	if p.contentErr != nil {
		return "", p.contentErr
	}
	if p.html == "" {
		return "<html><body><h1>Fake</h1></body></html>", nil
	}
	return p.html, nil
}

func (p *fakePage) URL() string { return p.url }

type testEnv struct {
	clock *fakeClock
	rep   *recorder
	logs  *bytes.Buffer
	ex    *Executor
}

func newTestEnv() *testEnv {
	clock := newFakeClock()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{w: logs}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &testEnv{
		clock: clock,
		rep:   &recorder{},
		logs:  logs,
		ex:    NewExecutor(WithClock(clock.Now), WithSleep(clock.Sleep), WithLogger(logger)),
	}
}

// logLines returns decoded log records with the given message.
func (e *testEnv) logLines(msg string) []map[string]any {
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(e.logs.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
