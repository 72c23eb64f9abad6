// Package browser runs the social-connect flows in a real browser against the
// in-process fixture application. All browser test files use BrowserTestEnv
// via SetupBrowserTestEnv(t).
package browser

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/connect-e2e/internal/action"
	harness "github.com/kuitang/connect-e2e/internal/browser"
	"github.com/kuitang/connect-e2e/internal/demoapp"
	"github.com/kuitang/connect-e2e/internal/logutil"
	"github.com/kuitang/connect-e2e/internal/obs"
	"github.com/kuitang/connect-e2e/internal/report"
	"github.com/kuitang/connect-e2e/internal/workflow"
)

const (
	// Never introduce a larger per-call timeout anywhere in tests/browser. The
	// OAuth response waits carry their own longer policy.
	browserMaxTimeoutMS = 5000

	fixtureFetchDelay = 600 * time.Millisecond
)

var browserFixtureMu sync.Mutex
var browserSharedFixture *BrowserTestEnv

// BrowserTestEnv is the shared fixture application plus one browser.
type BrowserTestEnv struct {
	App     *demoapp.App
	BaseURL string
	TempDir string

	pw        *playwright.Playwright
	browser   playwright.Browser
	browserMu sync.Mutex
}

// SetupBrowserTestEnv returns the shared environment with fault injection
// cleared. Browser tests are skipped in -short mode.
func SetupBrowserTestEnv(t *testing.T) *BrowserTestEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("browser tests skipped in -short mode")
	}

	env := getOrCreateSharedBrowserTestEnv(t)
	resetSharedBrowserTestEnvState(env)
	env.InitBrowser(t)
	return env
}

func getOrCreateSharedBrowserTestEnv(t *testing.T) *BrowserTestEnv {
	t.Helper()

	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()

	if browserSharedFixture != nil {
		return browserSharedFixture
	}

	tempDir, err := os.MkdirTemp("", "connect-e2e-browser-*")
	if err != nil {
		t.Fatalf("Failed to create shared browser fixture temp dir: %v", err)
	}

	cfg := demoapp.DefaultConfig()
	cfg.FetchDelay = fixtureFetchDelay
	app, err := demoapp.Start(context.Background(), cfg)
	if err != nil {
		_ = os.RemoveAll(tempDir)
		t.Fatalf("Failed to start fixture application: %v", err)
	}

	browserSharedFixture = &BrowserTestEnv{App: app, BaseURL: app.URL(), TempDir: tempDir}
	return browserSharedFixture
}

func resetSharedBrowserTestEnvState(env *BrowserTestEnv) {
	env.App.ShowCaptcha(false)
	for _, path := range []string{demoapp.PathAlerts, demoapp.PathBatchExecute, demoapp.PathSocialConnect} {
		env.App.FailNext(path, 0, 0)
	}
}

func cleanupSharedBrowserTestEnv() {
	browserFixtureMu.Lock()
	defer browserFixtureMu.Unlock()

	if browserSharedFixture == nil {
		return
	}
	if browserSharedFixture.browser != nil {
		_ = browserSharedFixture.browser.Close()
	}
	if browserSharedFixture.pw != nil {
		_ = browserSharedFixture.pw.Stop()
	}
	if browserSharedFixture.App != nil {
		_ = browserSharedFixture.App.Close()
	}
	if browserSharedFixture.TempDir != "" {
		_ = os.RemoveAll(browserSharedFixture.TempDir)
	}
	browserSharedFixture = nil
}

// InitBrowser starts playwright and Chromium once, skipping the test when
// either is unavailable.
func (env *BrowserTestEnv) InitBrowser(t *testing.T) {
	t.Helper()

	env.browserMu.Lock()
	defer env.browserMu.Unlock()

	if env.browser != nil {
		return
	}

	pw, err := playwright.Run()
	if err != nil {
		t.Skip("Playwright not available:", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(os.Getenv("HEADLESS") != "false"),
	})
	if err != nil {
		_ = pw.Stop()
		t.Skip("Could not launch browser:", err)
	}
	env.pw = pw
	env.browser = browser
}

// Sessions returns a credentialed-context provider closed with the test.
func (env *BrowserTestEnv) Sessions(t *testing.T) *harness.Sessions {
	t.Helper()
	s := harness.NewSessions(env.browser)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SessionStore returns a storage-state store in the test's temp dir.
func (env *BrowserTestEnv) SessionStore(t *testing.T) *harness.SessionStore {
	t.Helper()
	return harness.NewSessionStore(env.browser, filepath.Join(t.TempDir(), "auth.json"))
}

// NewPage opens a page in a context logged in with the fixture's basic
// credentials.
func (env *BrowserTestEnv) NewPage(t *testing.T) *harness.Page {
	t.Helper()

	cfg := env.App.Config()
	bc, err := env.Sessions(t).ContextWithCredentials(cfg.Username, cfg.Password)
	if err != nil {
		t.Fatalf("could not create browser context: %v", err)
	}
	page, err := harness.NewPage(bc)
	if err != nil {
		t.Fatalf("could not create page: %v", err)
	}
	return page
}

// Target returns the flow target for the fixture.
func (env *BrowserTestEnv) Target() workflow.Target {
	cfg := env.App.Config()
	return workflow.Target{
		BaseURL:       env.BaseURL,
		Title:         cfg.Title,
		GmailUser:     cfg.GmailUser,
		GmailPassword: cfg.GmailPassword,
	}
}

// NewActions wires page to an executor whose attachments go to memory, the
// test log and the test's artifact dir.
func NewActions(t *testing.T, page action.Page) (*action.Actions, *report.Memory) {
	t.Helper()

	mem := report.NewMemory()
	sinks := []action.Reporter{mem, report.Logf(t)}
	if dir, err := report.NewDir(filepath.Join(t.TempDir(), "artifacts")); err == nil {
		sinks = append(sinks, dir)
	}
	ex := action.NewExecutor(action.WithLogger(obs.Pkg("browser_test")))
	return action.NewActions(ex, page, report.Multi(sinks...), action.DefaultDefaults()), mem
}

// RunContext tags ctx with the test name for log correlation.
func RunContext(t *testing.T) context.Context {
	t.Helper()
	return obs.WithTest(obs.WithRun(context.Background(), obs.NewRunID()), t.Name())
}

// WaitForSelector waits for selector to be visible and logs the page state
// before failing.
func WaitForSelector(t *testing.T, page playwright.Page, selector string) playwright.Locator {
	t.Helper()

	first := page.Locator(selector).First()
	err := first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(browserMaxTimeoutMS),
	})
	if err != nil {
		title, _ := page.Title()
		content, _ := page.Content()
		t.Logf("Current URL: %s", page.URL())
		t.Logf("Current title: %s", title)
		t.Logf("Content preview: %s", logutil.PagePreview(content, 500))
		t.Fatalf("Failed to wait for selector %s: %v", selector, err)
	}
	return first
}
