package workflow

import (
	"context"
	"errors"

	"github.com/kuitang/connect-e2e/internal/action"
	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/obs"
)

// Target is the application and accounts a flow runs against.
type Target struct {
	BaseURL       string
	Title         string
	GmailUser     string
	GmailPassword string
}

// Step names and screenshot labels shared by the runner and browser tests.
const (
	StepLogin      = "Login to application"
	StepConnect    = "Trigger YouTube connect modal"
	StepGoogle     = "Google OAuth login"
	StepPermission = "Grant permissions and verify YouTube connection"

	LabelLogin     = "Social Connect Page login"
	LabelConnect   = "Clicked Connect YouTube"
	LabelGoogle    = "Google Login"
	LabelConnected = "YouTube Connected"
)

// ErrNotConnected is returned when the flow finishes without the connected
// heading.
var ErrNotConnected = errs.New(errs.FailedPrecondition, "youtube account not shown as connected")

// IsSkip reports whether err should skip rather than fail a test.
func IsSkip(err error) bool {
	return errors.Is(err, ErrChallenge)
}

func step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx = obs.WithStep(ctx, name)
	obs.From(ctx).Info("step_started")
	if err := fn(ctx); err != nil {
		obs.From(ctx).Warn("step_failed", "error", err.Error(), "error_code", string(errs.CodeOf(err)))
		return err
	}
	obs.From(ctx).Info("step_passed")
	return nil
}

// Home opens the social-connect page and checks the title.
func Home(ctx context.Context, a *action.Actions, t Target) error {
	social := NewSocialConnect(NewBase(a, nil), t.BaseURL, t.Title)
	return step(ctx, StepLogin, func(ctx context.Context) error {
		return social.Open(ctx, LabelLogin)
	})
}

// ConnectYouTube runs the full connect-YouTube-via-Google flow.
func ConnectYouTube(ctx context.Context, a *action.Actions, t Target) error {
	base := NewBase(a, nil)
	social := NewSocialConnect(base, t.BaseURL, t.Title)
	google := NewGoogleOAuth(base)

	if err := step(ctx, StepLogin, func(ctx context.Context) error {
		return social.Open(ctx, LabelLogin)
	}); err != nil {
		return err
	}

	if err := step(ctx, StepConnect, func(ctx context.Context) error {
		if err := social.ConnectYouTube(ctx); err != nil {
			return err
		}
		return a.AttachScreenshot(ctx, LabelConnect)
	}); err != nil {
		return err
	}

	if err := step(ctx, StepGoogle, func(ctx context.Context) error {
		if err := google.Login(ctx, t.GmailUser, t.GmailPassword); err != nil {
			return err
		}
		return a.AttachScreenshot(ctx, LabelGoogle)
	}); err != nil {
		return err
	}

	return step(ctx, StepPermission, func(ctx context.Context) error {
		if err := google.AcceptPermissions(ctx); err != nil {
			return err
		}
		connected, err := social.IsYouTubeConnected(ctx)
		if err != nil {
			return err
		}
		if !connected {
			return ErrNotConnected
		}
		return a.AttachScreenshot(ctx, LabelConnected)
	})
}
