package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/connect-e2e/internal/action"
	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/report"
)

const testTitle = "Spikerz | #1 Social Media Protection Service"

type stubResponse struct {
	url    string
	status int
}

func (r stubResponse) URL() string                { return r.url }
func (r stubResponse) Status() int                { return r.status }
func (r stubResponse) StatusText() string         { return "" }
func (r stubResponse) Headers() map[string]string { return nil }
func (r stubResponse) Body() ([]byte, error)      { return nil, nil }

// scriptedPage answers from fixed state: visible selectors, the responses the
// network produced, and the title.
type scriptedPage struct {
	mu        sync.Mutex
	url       string
	title     string
	visible   map[string]bool
	responses []stubResponse
	clicks    []string
	fills     map[string]string
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{
		title: testTitle,
		visible: map[string]bool{
			connectedHeading: true,
		},
		responses: []stubResponse{
			{url: "https://accounts.test" + consentResponse + "=abc", status: 200},
			{url: "https://app.test/" + alertsResponse + "=42", status: 200},
		},
		fills: map[string]string{},
	}
}

func (p *scriptedPage) Goto(_ context.Context, url string) (action.Response, error) {
	p.url = url
	return stubResponse{url: url, status: 200}, nil
}

func (p *scriptedPage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *scriptedPage) Fill(_ context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills[selector] = value
	return nil
}

func (p *scriptedPage) Type(context.Context, string, string, time.Duration) error { return nil }

func (p *scriptedPage) WaitForSelector(_ context.Context, selector string, state action.State) error {
	if selector == passwordInput+", "+challengeCSS || selector == selectAllText {
		return nil
	}
	return context.DeadlineExceeded
}

func (p *scriptedPage) WaitForResponse(_ context.Context, match action.ResponseMatcher, _ func(context.Context) error) (action.Response, error) {
	for _, r := range p.responses {
		if match(r) {
			return r, nil
		}
	}
	return nil, context.DeadlineExceeded
}

func (p *scriptedPage) WaitForURL(context.Context, action.URLPattern) error { return nil }

func (p *scriptedPage) Title(context.Context) (string, error) { return p.title, nil }

func (p *scriptedPage) IsVisible(_ context.Context, selector string) (bool, error) {
	return p.visible[selector], nil
}

func (p *scriptedPage) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }
func (p *scriptedPage) Content(context.Context) (string, error)    { return "<html></html>", nil }
func (p *scriptedPage) URL() string                                { return p.url }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func newTestActions(page action.Page) (*action.Actions, *report.Memory) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ex := action.NewExecutor(action.WithClock(clock.Now), action.WithSleep(clock.Sleep))
	rep := report.NewMemory()
	return action.NewActions(ex, page, rep, action.DefaultDefaults()), rep
}

func testTarget() Target {
	return Target{BaseURL: "https://app.test/", Title: testTitle, GmailUser: "someone@example.com", GmailPassword: "pw"}
}

func screenshotLabels(rep *report.Memory) []string {
	var out []string
	for _, e := range rep.All() {
		if e.ContentType == action.ContentTypePNG && !strings.HasPrefix(e.Name, "Final ") {
			out = append(out, e.Name)
		}
	}
	return out
}

func TestConnectYouTube_HappyPath(t *testing.T) {
	t.Parallel()

	page := newScriptedPage()
	a, rep := newTestActions(page)

	require.NoError(t, ConnectYouTube(context.Background(), a, testTarget()))

	require.Equal(t, "https://app.test/social-connect", page.url)
	require.Equal(t, []string{youtubeCardImage, googleLoginButton, nextButton, nextButton, selectAllCheckbox, continueButton}, page.clicks)
	require.Equal(t, map[string]string{emailInput: "someone@example.com", passwordInput: "pw"}, page.fills)
	require.Equal(t, []string{LabelLogin, LabelConnect, LabelGoogle, LabelConnected}, screenshotLabels(rep))
	require.Empty(t, rep.Find("Final "))
}

func TestHome(t *testing.T) {
	t.Parallel()

	page := newScriptedPage()
	a, rep := newTestActions(page)

	require.NoError(t, Home(context.Background(), a, testTarget()))
	require.Equal(t, []string{LabelLogin}, screenshotLabels(rep))
}

func TestHome_WrongTitleFails(t *testing.T) {
	t.Parallel()

	page := newScriptedPage()
	page.title = "Sign in"
	a, _ := newTestActions(page)

	err := Home(context.Background(), a, testTarget())
	require.ErrorIs(t, err, action.ErrTitleMismatch)
	require.False(t, IsSkip(err))
}

func TestLogin_ChallengeBecomesSkip(t *testing.T) {
	t.Parallel()

	page := newScriptedPage()
	page.visible[challengeCSS] = true
	a, rep := newTestActions(page)

	err := NewGoogleOAuth(NewBase(a, nil)).Login(context.Background(), "someone@example.com", "pw")

	require.ErrorIs(t, err, ErrChallenge)
	require.True(t, IsSkip(err))
	require.Equal(t, errs.Aborted, errs.CodeOf(err))
	require.Len(t, rep.Find("Challenge detected"), 1)
	require.NotContains(t, page.fills, passwordInput)
}

func TestAcceptPermissions_TimeoutPrefersChallenge(t *testing.T) {
	t.Parallel()

	page := newScriptedPage()
	page.responses = nil
	page.visible[`text=/unusual activity|verify it.s you/i`] = true
	a, _ := newTestActions(page)

	err := NewGoogleOAuth(NewBase(a, nil)).AcceptPermissions(context.Background())
	require.ErrorIs(t, err, ErrChallenge)
}

func TestIsYouTubeConnected_AlertsNeverOK(t *testing.T) {
	t.Parallel()

	page := newScriptedPage()
	page.responses = []stubResponse{{url: "https://app.test/" + alertsResponse + "=42", status: 500}}
	a, rep := newTestActions(page)

	connected, err := NewSocialConnect(NewBase(a, nil), "https://app.test", testTitle).IsYouTubeConnected(context.Background())
	require.False(t, connected)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, rep.Find("wait-response-attempt-"), action.DefaultPolicy.MaxAttempts)
	require.Len(t, rep.Find("Final wait-response failure"), 1)
}

func TestConnectYouTube_HeadingMissing(t *testing.T) {
	t.Parallel()

	page := newScriptedPage()
	page.visible[connectedHeading] = false
	a, rep := newTestActions(page)

	err := ConnectYouTube(context.Background(), a, testTarget())
	require.ErrorIs(t, err, ErrNotConnected)
	require.NotContains(t, screenshotLabels(rep), LabelConnected)
}

func TestBase_CloseContextAndTitle(t *testing.T) {
	t.Parallel()

	page := newScriptedPage()
	a, _ := newTestActions(page)
	closed := 0
	b := NewBase(a, func() error { closed++; return nil })

	title, err := b.Title(context.Background())
	require.NoError(t, err)
	require.Equal(t, testTitle, title)
	require.NoError(t, b.Goto(context.Background(), "https://app.test/x"))
	require.Equal(t, "https://app.test/x", page.url)
	require.NoError(t, b.CloseContext())
	require.Equal(t, 1, closed)
	require.NoError(t, NewBase(a, nil).CloseContext())
}

func TestIsSkip(t *testing.T) {
	t.Parallel()

	require.True(t, IsSkip(errors.Join(errors.New("x"), ErrChallenge)))
	require.False(t, IsSkip(errors.New("x")))
	require.False(t, IsSkip(nil))
}
