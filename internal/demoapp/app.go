// Package demoapp is an in-process stand-in for the application under test and
// the Google sign-in it delegates to. It serves the social-connect page behind
// HTTP basic auth, a fake Google sign-in and consent flow, and finishes the
// OAuth dance against a real mockoidc provider so browser tests run without
// network access.
package demoapp

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/oauth2-proxy/mockoidc"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/obs"
	"github.com/kuitang/connect-e2e/internal/ratelimit"
	"github.com/kuitang/connect-e2e/internal/urlutil"
)

// Paths served by the fixture.
const (
	PathSocialConnect = "/social-connect"
	PathOAuthStart    = "/oauth/youtube/start"
	PathOAuthCallback = "/oauth/youtube/callback"
	PathGoogleSignIn  = "/google/signin"
	PathGooglePass    = "/google/password"
	PathGoogleConsent = "/google/consent"
	PathBatchExecute  = "/AccountsSignInUi/data/batchexecute"
	PathAlerts        = "/mocks/alerts-instagram.json"
)

const (
	defaultTitle      = "Spikerz | #1 Social Media Protection Service"
	defaultFetchDelay = 400 * time.Millisecond
	sessionTTL        = time.Hour
)

// Config configures the fixture. Zero values get test-friendly defaults.
type Config struct {
	Title         string
	Username      string
	Password      string
	GmailUser     string
	GmailPassword string

	// FetchDelay is how long pages wait after load before firing the
	// background requests the harness waits on.
	FetchDelay time.Duration

	// Consent pacing for the batchexecute endpoint; RPS 0 disables it.
	ConsentRPS   float64
	ConsentBurst int

	// BcryptCost defaults to bcrypt.MinCost.
	BcryptCost int
}

// DefaultConfig returns the credentials the browser tests use.
func DefaultConfig() Config {
	return Config{
		Title:         defaultTitle,
		Username:      "demo",
		Password:      "demo-password",
		GmailUser:     "connect.e2e@example.com",
		GmailPassword: "gmail-password",
		FetchDelay:    defaultFetchDelay,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Title == "" {
		c.Title = d.Title
	}
	if c.Username == "" {
		c.Username = d.Username
	}
	if c.Password == "" {
		c.Password = d.Password
	}
	if c.GmailUser == "" {
		c.GmailUser = d.GmailUser
	}
	if c.GmailPassword == "" {
		c.GmailPassword = d.GmailPassword
	}
	if c.FetchDelay <= 0 {
		c.FetchDelay = d.FetchDelay
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.MinCost
	}
	return c
}

type fault struct {
	remaining int
	status    int
}

// App is a running fixture.
type App struct {
	cfg    Config
	server *http.Server
	ln     net.Listener
	url    string

	passHash  []byte
	gmailHash []byte
	sessions  *sessionStore

	oidc     *mockoidc.MockOIDC
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
	pacer    *ratelimit.Pacer

	mu             sync.Mutex
	faults         map[string]*fault
	captcha        bool
	pendingByState map[string]pendingAuth
	hits           map[string]int
}

// Start listens on a loopback port, starts the mock identity provider and
// serves the fixture until Close.
func Start(ctx context.Context, cfg Config) (*App, error) {
	cfg = cfg.withDefaults()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "listen", err)
	}
	a, err := newApp(ctx, cfg, "http://"+ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	a.ln = ln
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Pkg("demoapp").Error("server_stopped", "error", err.Error())
		}
	}()
	obs.Pkg("demoapp").Info("demoapp_started", "url", a.url, "issuer", a.oidc.Issuer())
	return a, nil
}

func newApp(ctx context.Context, cfg Config, baseURL string) (*App, error) {
	passHash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), cfg.BcryptCost)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "hash password", err)
	}
	gmailHash, err := bcrypt.GenerateFromPassword([]byte(cfg.GmailPassword), cfg.BcryptCost)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "hash gmail password", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.Wrap(errs.Internal, "session key", err)
	}
	sessions, err := newSessionStore(key, sessionTTL)
	if err != nil {
		return nil, err
	}

	m, err := mockoidc.Run()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "start mock oidc", err)
	}
	provider, err := oidc.NewProvider(ctx, m.Issuer())
	if err != nil {
		_ = m.Shutdown()
		return nil, errs.Wrap(errs.Unavailable, "oidc discovery", err)
	}

	a := &App{
		cfg:       cfg,
		url:       urlutil.Join(baseURL, ""),
		passHash:  passHash,
		gmailHash: gmailHash,
		sessions:  sessions,
		oidc:      m,
		verifier:  provider.Verifier(&oidc.Config{ClientID: m.ClientID}),
		oauth: &oauth2.Config{
			ClientID:     m.ClientID,
			ClientSecret: m.ClientSecret,
			RedirectURL:  urlutil.Join(baseURL, PathOAuthCallback),
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		faults:         make(map[string]*fault),
		pendingByState: make(map[string]pendingAuth),
		hits:           make(map[string]int),
	}
	if cfg.ConsentRPS > 0 {
		a.pacer = ratelimit.NewPacer(ratelimit.Config{RPS: cfg.ConsentRPS, Burst: max(cfg.ConsentBurst, 1)})
	}
	return a, nil
}

// URL returns the fixture's base URL.
func (a *App) URL() string { return a.url }

// Issuer returns the mock identity provider's issuer URL.
func (a *App) Issuer() string { return a.oidc.Issuer() }

// Config returns the effective configuration.
func (a *App) Config() Config { return a.cfg }

// Close stops the fixture and the mock identity provider.
func (a *App) Close() error {
	var errList []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errList = append(errList, a.server.Shutdown(ctx))
	}
	if a.pacer != nil {
		a.pacer.Stop()
	}
	errList = append(errList, a.oidc.Shutdown())
	return errors.Join(errList...)
}

// FailNext makes the next n requests to path answer with status.
func (a *App) FailNext(path string, n, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 {
		delete(a.faults, path)
		return
	}
	a.faults[path] = &fault{remaining: n, status: status}
}

// ShowCaptcha makes the sign-in page answer the email step with a CAPTCHA.
func (a *App) ShowCaptcha(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.captcha = on
}

// Hits returns how many requests reached path, injected failures included.
func (a *App) Hits(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits[path]
}

func (a *App) captchaOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.captcha
}

// takeFault counts the hit and returns the injected status, or 0.
func (a *App) takeFault(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hits[path]++
	f, ok := a.faults[path]
	if !ok {
		return 0
	}
	f.remaining--
	if f.remaining <= 0 {
		delete(a.faults, path)
	}
	return f.status
}

// Handler returns the fixture's routes wrapped in logging middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /{$}", a.requireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, PathSocialConnect, http.StatusFound)
	})))
	mux.Handle("GET "+PathSocialConnect, a.requireSession(http.HandlerFunc(a.handleSocialConnect)))
	mux.Handle("GET "+PathOAuthStart, a.requireSession(http.HandlerFunc(a.handleOAuthStart)))
	mux.Handle("GET "+PathOAuthCallback, a.requireSession(http.HandlerFunc(a.handleOAuthCallback)))
	mux.Handle("GET "+PathAlerts, a.requireSession(http.HandlerFunc(a.handleAlerts)))

	mux.HandleFunc("GET "+PathGoogleSignIn, a.handleSignInPage)
	mux.HandleFunc("POST "+PathGoogleSignIn, a.handleSignInEmail)
	mux.HandleFunc("POST "+PathGooglePass, a.handleSignInPassword)
	mux.HandleFunc("GET "+PathGoogleConsent, a.handleConsentPage)
	mux.HandleFunc("POST "+PathGoogleConsent, a.handleConsentSubmit)

	batch := http.Handler(http.HandlerFunc(a.handleBatchExecute))
	if a.pacer != nil {
		batch = ratelimit.Middleware(a.pacer, func(r *http.Request) string { return r.URL.Path })(batch)
	}
	mux.Handle("POST "+PathBatchExecute, batch)

	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("demoapp", a.faultMiddleware(mux)))
}

func (a *App) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := a.takeFault(r.URL.Path); status != 0 {
			obs.From(r.Context()).Info("fault_injected", "path", r.URL.Path, "status", status)
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError renders err with the status its code maps to.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(errs.CodeOf(err))
	if status >= http.StatusInternalServerError {
		obs.From(r.Context()).Error("request_failed", "path", r.URL.Path, "error", err.Error())
	}
	http.Error(w, errs.MessageOf(err), status)
}
