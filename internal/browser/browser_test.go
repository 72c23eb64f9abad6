package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/connect-e2e/internal/action"
	"github.com/kuitang/connect-e2e/internal/errs"
)

// fakePWPage overrides only what NewPage and SessionStore touch.
type fakePWPage struct {
	playwright.Page
	visited []string
}

func (p *fakePWPage) SetDefaultTimeout(float64)           {}
func (p *fakePWPage) SetDefaultNavigationTimeout(float64) {}

func (p *fakePWPage) Goto(url string, _ ...playwright.PageGotoOptions) (playwright.Response, error) {
	p.visited = append(p.visited, url)
	return nil, nil
}

type fakeContext struct {
	playwright.BrowserContext
	opts   playwright.BrowserNewContextOptions
	closed int
	page   *fakePWPage
}

func (c *fakeContext) Close(...playwright.BrowserContextCloseOptions) error {
	c.closed++
	return nil
}

func (c *fakeContext) NewPage() (playwright.Page, error) {
	return c.page, nil
}

func (c *fakeContext) StorageState(path ...string) (*playwright.StorageState, error) {
	if len(path) > 0 {
		if err := os.WriteFile(path[0], []byte(`{"cookies":[],"origins":[]}`), 0o600); err != nil {
			return nil, err
		}
	}
	return &playwright.StorageState{}, nil
}

type fakeFactory struct {
	created []*fakeContext
	err     error
}

func (f *fakeFactory) NewContext(options ...playwright.BrowserNewContextOptions) (playwright.BrowserContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeContext{page: &fakePWPage{}}
	if len(options) > 0 {
		c.opts = options[0]
	}
	f.created = append(f.created, c)
	return c, nil
}

func TestSessions_ReusesContextForSameCredentials(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	s := NewSessionsWithFactory(f.NewContext)
	require.False(t, s.HasActiveContext())

	first, err := s.ContextWithCredentials("alice", "pw")
	require.NoError(t, err)
	again, err := s.ContextWithCredentials("alice", "pw")
	require.NoError(t, err)

	require.Same(t, first.(*fakeContext), again.(*fakeContext))
	require.Len(t, f.created, 1)
	require.Same(t, first.(*fakeContext), s.Context().(*fakeContext))
	require.Equal(t, "alice", f.created[0].opts.HttpCredentials.Username)
	require.Equal(t, "pw", f.created[0].opts.HttpCredentials.Password)
	require.True(t, s.HasActiveContext())
}

func TestSessions_NewCredentialsCloseOldContext(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	s := NewSessionsWithFactory(f.NewContext)

	_, err := s.ContextWithCredentials("alice", "pw")
	require.NoError(t, err)
	_, err = s.ContextWithCredentials("alice", "other")
	require.NoError(t, err)

	require.Len(t, f.created, 2)
	require.Equal(t, 1, f.created[0].closed)
	require.Zero(t, f.created[1].closed)

	require.NoError(t, s.Close())
	require.Equal(t, 1, f.created[1].closed)
	require.False(t, s.HasActiveContext())
	require.NoError(t, s.Close())
}

func TestSessions_FactoryError(t *testing.T) {
	t.Parallel()

	s := NewSessionsWithFactory((&fakeFactory{err: errors.New("browser closed")}).NewContext)
	_, err := s.ContextWithCredentials("a", "b")
	require.ErrorContains(t, err, "browser closed")
	require.False(t, s.HasActiveContext())
}

func TestSessionStore_SaveThenReuse(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	path := filepath.Join(t.TempDir(), "state", "auth.json")
	store := NewSessionStoreWithFactory(f.NewContext, path)
	require.False(t, store.HasSaved())

	ctx := context.Background()
	_, _, err := store.UseSaved(ctx, "https://app.test/")
	require.NoError(t, err)
	require.Nil(t, f.created[0].opts.StorageStatePath)

	_, _, err = store.LoginAndSave(ctx, "https://app.test/", "alice", "pw")
	require.NoError(t, err)
	require.True(t, store.HasSaved())
	require.Equal(t, "alice", f.created[1].opts.HttpCredentials.Username)
	require.Equal(t, []string{"https://app.test/"}, f.created[1].page.visited)

	_, _, err = store.UseSaved(ctx, "https://app.test/social-connect")
	require.NoError(t, err)
	require.NotNil(t, f.created[2].opts.StorageStatePath)
	require.Equal(t, store.Path(), *f.created[2].opts.StorageStatePath)
	require.Nil(t, f.created[2].opts.HttpCredentials)
}

func TestPage_WaitForURLRejectsEmptyPattern(t *testing.T) {
	t.Parallel()

	err := (&Page{}).WaitForURL(context.Background(), action.URLPattern{})
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestTimeoutMS(t *testing.T) {
	t.Parallel()

	require.Equal(t, float64(DefaultTimeout.Milliseconds()), *timeoutMS(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ms := *timeoutMS(ctx)
	require.Greater(t, ms, 1000.0)
	require.LessOrEqual(t, ms, 2000.0)

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	require.Equal(t, 1.0, *timeoutMS(expired))
}

func TestWrapErr_TimeoutIsDeadline(t *testing.T) {
	t.Parallel()

	err := wrapErr(fmt.Errorf("locator.click: %w", playwright.ErrTimeout))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, playwright.ErrTimeout)

	other := errors.New("strict mode violation")
	require.Same(t, other, wrapErr(other))
	require.NoError(t, wrapErr(nil))
}

func TestWaitState(t *testing.T) {
	t.Parallel()

	require.Equal(t, playwright.WaitForSelectorStateVisible, waitState(action.StateVisible))
	require.Equal(t, playwright.WaitForSelectorStateVisible, waitState(""))
	require.Equal(t, playwright.WaitForSelectorStateAttached, waitState(action.StateAttached))
	require.Equal(t, playwright.WaitForSelectorStateHidden, waitState(action.StateHidden))
	require.Equal(t, playwright.WaitForSelectorStateDetached, waitState(action.StateDetached))
}
