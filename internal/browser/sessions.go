package browser

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/obs"
)

// ContextFactory creates browser contexts; playwright.Browser.NewContext
// satisfies it.
type ContextFactory func(options ...playwright.BrowserNewContextOptions) (playwright.BrowserContext, error)

// Sessions keeps one HTTP-basic-auth context and reuses it while the
// credentials stay the same.
type Sessions struct {
	newContext ContextFactory

	mu       sync.Mutex
	current  playwright.BrowserContext
	user     string
	password string
}

// NewSessions returns a Sessions backed by b.
func NewSessions(b playwright.Browser) *Sessions {
	return NewSessionsWithFactory(b.NewContext)
}

// NewSessionsWithFactory returns a Sessions backed by an arbitrary factory.
func NewSessionsWithFactory(f ContextFactory) *Sessions {
	return &Sessions{newContext: f}
}

// ContextWithCredentials returns the cached context when user and password
// match the previous call. Otherwise the old context is closed and a new one
// is created with the credentials.
func (s *Sessions) ContextWithCredentials(user, password string) (playwright.BrowserContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.user == user && s.password == password {
		return s.current, nil
	}
	if s.current != nil {
		if err := s.current.Close(); err != nil {
			obs.Pkg("browser").Warn("context_close_failed", "error", err.Error())
		}
		s.current = nil
	}

	opts := contextOptions()
	opts.HttpCredentials = &playwright.HttpCredentials{Username: user, Password: password}
	bc, err := s.newContext(opts)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "create credentialed context", err)
	}
	s.current, s.user, s.password = bc, user, password
	return bc, nil
}

// Context returns the active context, or nil.
func (s *Sessions) Context() playwright.BrowserContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// HasActiveContext reports whether a context is open.
func (s *Sessions) HasActiveContext() bool {
	return s.Context() != nil
}

// Close closes the active context, if any.
func (s *Sessions) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current, s.user, s.password = nil, "", ""
	return err
}

// SessionStore saves a logged-in context's storage state to a file and
// restores later contexts from it.
type SessionStore struct {
	newContext ContextFactory
	path       string
}

// NewSessionStore stores state at path, resolved to an absolute path.
func NewSessionStore(b playwright.Browser, path string) *SessionStore {
	return NewSessionStoreWithFactory(b.NewContext, path)
}

// NewSessionStoreWithFactory is NewSessionStore with an arbitrary factory.
func NewSessionStoreWithFactory(f ContextFactory, path string) *SessionStore {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &SessionStore{newContext: f, path: path}
}

// Path returns the storage-state file.
func (s *SessionStore) Path() string { return s.path }

// HasSaved reports whether a storage-state file exists.
func (s *SessionStore) HasSaved() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// LoginAndSave opens a credentialed context, visits url so the application
// sets its session, and writes the storage state. The caller owns the
// returned context and page.
func (s *SessionStore) LoginAndSave(ctx context.Context, url, user, password string) (playwright.BrowserContext, *Page, error) {
	opts := contextOptions()
	opts.HttpCredentials = &playwright.HttpCredentials{Username: user, Password: password}
	bc, err := s.newContext(opts)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Unavailable, "create credentialed context", err)
	}

	page, err := s.open(ctx, bc, url)
	if err != nil {
		_ = bc.Close()
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		_ = bc.Close()
		return nil, nil, errs.Wrap(errs.Internal, "create session dir", err)
	}
	if _, err := bc.StorageState(s.path); err != nil {
		_ = bc.Close()
		return nil, nil, errs.Wrap(errs.Internal, "save storage state", err)
	}
	obs.From(ctx).Info("session_saved", "path", s.path)
	return bc, page, nil
}

// UseSaved opens a context from the saved storage state, or a fresh context
// when none was saved, and visits url.
func (s *SessionStore) UseSaved(ctx context.Context, url string) (playwright.BrowserContext, *Page, error) {
	opts := contextOptions()
	_, statErr := os.Stat(s.path)
	switch {
	case statErr == nil:
		opts.StorageStatePath = playwright.String(s.path)
	case errors.Is(statErr, fs.ErrNotExist):
		obs.From(ctx).Info("session_missing", "path", s.path)
	default:
		return nil, nil, errs.Wrap(errs.Internal, "stat session file", statErr)
	}

	bc, err := s.newContext(opts)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Unavailable, "create context from storage", err)
	}
	page, err := s.open(ctx, bc, url)
	if err != nil {
		_ = bc.Close()
		return nil, nil, err
	}
	return bc, page, nil
}

func (s *SessionStore) open(ctx context.Context, bc playwright.BrowserContext, url string) (*Page, error) {
	page, err := NewPage(bc)
	if err != nil {
		return nil, err
	}
	if _, err := page.Goto(ctx, url); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "open "+url, err)
	}
	return page, nil
}
