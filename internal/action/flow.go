package action

import (
	"context"
	"fmt"
	"time"

	"github.com/kuitang/connect-e2e/internal/errs"
)

const titlePollInterval = 100 * time.Millisecond

// ErrTitleMismatch marks a page whose title never reached the expected value.
var ErrTitleMismatch = errs.New(errs.FailedPrecondition, "page title mismatch")

// TitleMismatchError reports the last title seen.
type TitleMismatchError struct {
	Want string
	Got  string
}

func (e *TitleMismatchError) Error() string {
	return fmt.Sprintf("expected page title %q, got %q", e.Want, e.Got)
}

func (e *TitleMismatchError) Unwrap() error { return ErrTitleMismatch }

// LoginToApp navigates to url, asserts the title and attaches a screenshot
// labelled label.
func (a *Actions) LoginToApp(ctx context.Context, url, wantTitle, label string) error {
	if _, err := a.Navigate(ctx, url); err != nil {
		return err
	}
	if err := a.ExpectTitle(ctx, wantTitle); err != nil {
		return err
	}
	return a.AttachScreenshot(ctx, label)
}

// ExpectTitle polls the page title until it equals want or the navigate
// timeout passes.
func (a *Actions) ExpectTitle(ctx context.Context, want string) error {
	deadline := a.ex.now().Add(a.defaults.For(KindNavigate).Timeout)
	var got string
	for {
		title, err := a.page.Title(ctx)
		if err == nil {
			got = title
			if title == want {
				return nil
			}
		}
		if !a.ex.now().Before(deadline) {
			break
		}
		if err := a.ex.sleep(ctx, titlePollInterval); err != nil {
			break
		}
	}
	mismatch := &TitleMismatchError{Want: want, Got: got}
	a.ex.logger(ctx).Error("title_mismatch", "want", want, "got", got, "url", a.page.URL())
	return mismatch
}

// AttachScreenshot captures the page and attaches it as label.
func (a *Actions) AttachScreenshot(ctx context.Context, label string) error {
	shot, err := a.page.Screenshot(ctx)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "screenshot "+label, err)
	}
	a.rep.Attach(label, Attachment{Body: shot, ContentType: ContentTypePNG})
	return nil
}
