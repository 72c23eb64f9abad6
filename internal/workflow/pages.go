// Package workflow sequences actions into the social-connect and Google
// OAuth flows.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/kuitang/connect-e2e/internal/action"
	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/obs"
	"github.com/kuitang/connect-e2e/internal/urlutil"
)

const (
	youtubeCardImage  = `nz-card:has-text("Youtube Soon!") >> role=img`
	googleLoginButton = `app-google-and-youtube-login >> role=button`
	connectedHeading  = `role=heading[name="Connect with Youtube"]`
	alertsResponse    = "mocks/alerts-instagram.json?accountId"

	emailInput        = `input[type="email"]`
	passwordInput     = `input[type="password"]`
	nextButton        = `button:has-text("Next")`
	consentResponse   = "/AccountsSignInUi/data/batchexecute?rpcids"
	selectAllText     = "text=Select all"
	selectAllCheckbox = `role=checkbox[name="Select all"]`
	continueButton    = `role=button[name="Continue"]`

	oauthResponseTimeout = 30 * time.Second
)

// challengeCSS matches CAPTCHA widgets; it can be unioned with other CSS.
const challengeCSS = `#captchaimg, iframe[title*="reCAPTCHA"], [data-challenge]`

var challengeSelectors = []string{
	challengeCSS,
	`text=/unusual activity|verify it.s you/i`,
}

// ErrChallenge is returned when the identity provider asks for a CAPTCHA or
// an unusual-activity check. Tests turn it into a skip.
var ErrChallenge = errs.New(errs.Aborted, "sign-in challenge detected")

// Base holds what every page object shares.
type Base struct {
	actions      *action.Actions
	closeContext func() error
}

// NewBase wraps a. closeContext may be nil.
func NewBase(a *action.Actions, closeContext func() error) Base {
	return Base{actions: a, closeContext: closeContext}
}

// Actions returns the underlying actions.
func (b Base) Actions() *action.Actions { return b.actions }

// Title returns the current page title.
func (b Base) Title(ctx context.Context) (string, error) {
	return b.actions.Page().Title(ctx)
}

// Goto navigates with the navigate policy.
func (b Base) Goto(ctx context.Context, url string) error {
	_, err := b.actions.Navigate(ctx, url)
	return err
}

// CloseContext closes the browsing context the page belongs to.
func (b Base) CloseContext() error {
	if b.closeContext == nil {
		return nil
	}
	return b.closeContext()
}

// DetectChallenge returns ErrChallenge when a challenge marker is visible.
func (b Base) DetectChallenge(ctx context.Context) error {
	page := b.actions.Page()
	for _, sel := range challengeSelectors {
		visible, err := page.IsVisible(ctx, sel)
		if err != nil || !visible {
			continue
		}
		obs.From(ctx).Warn("challenge_detected", "selector", sel, "url", page.URL())
		if shot, err := page.Screenshot(ctx); err == nil {
			b.actions.Reporter().Attach("Challenge detected", action.Attachment{Body: shot, ContentType: action.ContentTypePNG})
		}
		return fmt.Errorf("%w at %s", ErrChallenge, page.URL())
	}
	return nil
}

// orChallenge prefers a visible challenge over err.
func (b Base) orChallenge(ctx context.Context, err error) error {
	if cerr := b.DetectChallenge(ctx); cerr != nil {
		return cerr
	}
	return err
}

// SocialConnect is the application's social-connect page.
type SocialConnect struct {
	Base
	baseURL string
	title   string
}

// NewSocialConnect returns the page object for baseURL.
func NewSocialConnect(b Base, baseURL, title string) *SocialConnect {
	return &SocialConnect{Base: b, baseURL: baseURL, title: title}
}

// URL returns the social-connect page URL.
func (s *SocialConnect) URL() string {
	return urlutil.Join(s.baseURL, "/social-connect")
}

// Open loads the page, asserts the title and attaches a screenshot.
func (s *SocialConnect) Open(ctx context.Context, label string) error {
	return s.actions.LoginToApp(ctx, s.URL(), s.title, label)
}

// ConnectYouTube opens the YouTube card and starts the Google login.
func (s *SocialConnect) ConnectYouTube(ctx context.Context) error {
	if err := s.actions.Click(ctx, youtubeCardImage); err != nil {
		return err
	}
	return s.actions.Click(ctx, googleLoginButton)
}

// IsYouTubeConnected waits for the connected account's alerts to load and
// reports whether the connected heading is shown.
func (s *SocialConnect) IsYouTubeConnected(ctx context.Context) (bool, error) {
	match := action.AllOf(action.URLContains(alertsResponse), action.StatusIs(200))
	if _, err := s.actions.WaitForResponse(ctx, match, nil, action.Timeout(oauthResponseTimeout)); err != nil {
		return false, err
	}
	return s.actions.Page().IsVisible(ctx, connectedHeading)
}

// GoogleOAuth is the Google sign-in and consent flow.
type GoogleOAuth struct {
	Base
}

// NewGoogleOAuth returns the page object.
func NewGoogleOAuth(b Base) *GoogleOAuth {
	return &GoogleOAuth{Base: b}
}

// Login signs in with email and password. A challenge shown instead of the
// next step yields ErrChallenge.
func (g *GoogleOAuth) Login(ctx context.Context, email, password string) error {
	if err := g.actions.Fill(ctx, emailInput, email); err != nil {
		return g.orChallenge(ctx, err)
	}
	if err := g.actions.Click(ctx, nextButton); err != nil {
		return err
	}
	if err := g.actions.WaitForSelector(ctx, passwordInput+", "+challengeCSS, action.StateVisible); err != nil {
		return g.orChallenge(ctx, err)
	}
	if err := g.DetectChallenge(ctx); err != nil {
		return err
	}
	if err := g.actions.Fill(ctx, passwordInput, password); err != nil {
		return err
	}
	if err := g.actions.Click(ctx, nextButton); err != nil {
		return err
	}
	return g.DetectChallenge(ctx)
}

// AcceptPermissions waits for the consent screen, selects every scope and
// continues.
func (g *GoogleOAuth) AcceptPermissions(ctx context.Context) error {
	match := action.AllOf(action.URLContains(consentResponse), action.StatusIs(200))
	if _, err := g.actions.WaitForResponse(ctx, match, nil, action.Timeout(oauthResponseTimeout)); err != nil {
		return g.orChallenge(ctx, err)
	}
	if err := g.actions.WaitForSelector(ctx, selectAllText, action.StateVisible); err != nil {
		return err
	}
	if err := g.actions.Click(ctx, selectAllCheckbox); err != nil {
		return err
	}
	return g.actions.Click(ctx, continueButton)
}
