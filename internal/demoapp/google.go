package demoapp

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/oauth2-proxy/mockoidc"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/obs"
)

// batchRPCIDs is the query the consent page sends to the batchexecute endpoint.
const batchRPCIDs = "V1ur5d"

var (
	errUnknownState     = errs.New(errs.InvalidArgument, "unknown or expired oauth state")
	errMissingRPC       = errs.New(errs.InvalidArgument, "missing rpcids")
	errUnknownAccount   = errs.New(errs.NotFound, "unknown account")
	errIdentityMismatch = errs.New(errs.FailedPrecondition, "signed-in identity does not match consent")
)

// pendingAuth tracks one connect attempt from the start redirect to the
// callback.
type pendingAuth struct {
	sessionID string
	email     string
	verified  bool
}

func (a *App) pending(state string) (pendingAuth, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pendingByState[state]
	return p, ok
}

func (a *App) setPending(state string, p pendingAuth) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingByState[state] = p
}

func (a *App) dropPending(state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pendingByState, state)
}

func (a *App) fetchDelayMS() int64 {
	return a.cfg.FetchDelay.Milliseconds()
}

func (a *App) renderOrFail(w http.ResponseWriter, r *http.Request, name string, data pageData) {
	if data.Title == "" {
		data.Title = "Sign in - Google Accounts"
	}
	if err := render(w, name, data); err != nil {
		writeError(w, r, errs.Wrap(errs.Internal, "render page", err))
	}
}

func (a *App) handleSocialConnect(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	data := pageData{
		Title:        a.cfg.Title,
		StartURL:     PathOAuthStart,
		FetchDelayMS: a.fetchDelayMS(),
	}
	if sess != nil && sess.accountID != "" {
		data.Connected = true
		data.Email = sess.email
		data.AlertsURL = PathAlerts + "?accountId=" + url.QueryEscape(sess.accountID)
	}
	a.renderOrFail(w, r, "social", data)
}

func (a *App) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	a.setPending(state, pendingAuth{sessionID: sessionFrom(r).id})
	obs.From(r.Context()).Info("oauth_started", "state", state)
	http.Redirect(w, r, PathGoogleSignIn+"?state="+url.QueryEscape(state), http.StatusFound)
}

func (a *App) handleSignInPage(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if _, ok := a.pending(state); !ok {
		writeError(w, r, errUnknownState)
		return
	}
	a.renderOrFail(w, r, "signin", pageData{State: state, Action: PathGoogleSignIn})
}

func (a *App) handleSignInEmail(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, errs.Wrap(errs.InvalidArgument, "invalid form", err))
		return
	}
	state := r.FormValue("state")
	p, ok := a.pending(state)
	if !ok {
		writeError(w, r, errUnknownState)
		return
	}
	if a.captchaOn() {
		obs.From(r.Context()).Info("captcha_shown", "state", state)
		a.renderOrFail(w, r, "captcha", pageData{State: state, Action: PathGoogleSignIn})
		return
	}

	email := strings.TrimSpace(r.FormValue("identifier"))
	if email == "" {
		a.renderOrFail(w, r, "signin", pageData{State: state, Action: PathGoogleSignIn, Error: "Enter an email or phone number"})
		return
	}
	if !strings.EqualFold(email, a.cfg.GmailUser) {
		a.renderOrFail(w, r, "signin", pageData{State: state, Action: PathGoogleSignIn, Email: email, Error: "Couldn't find your Google Account"})
		return
	}
	p.email = email
	a.setPending(state, p)
	a.renderOrFail(w, r, "password", pageData{State: state, Email: email, Action: PathGooglePass})
}

func (a *App) handleSignInPassword(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, errs.Wrap(errs.InvalidArgument, "invalid form", err))
		return
	}
	state := r.FormValue("state")
	p, ok := a.pending(state)
	if !ok || p.email == "" {
		writeError(w, r, errUnknownState)
		return
	}
	if bcrypt.CompareHashAndPassword(a.gmailHash, []byte(r.FormValue("Passwd"))) != nil {
		a.renderOrFail(w, r, "password", pageData{State: state, Email: p.email, Action: PathGooglePass, Error: "Wrong password. Try again."})
		return
	}
	p.verified = true
	a.setPending(state, p)
	http.Redirect(w, r, PathGoogleConsent+"?state="+url.QueryEscape(state), http.StatusSeeOther)
}

func (a *App) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	p, ok := a.pending(state)
	if !ok || !p.verified {
		writeError(w, r, errUnknownState)
		return
	}
	a.renderOrFail(w, r, "consent", a.consentData(state, p.email, ""))
}

func (a *App) consentData(state, email, errMsg string) pageData {
	return pageData{
		State:        state,
		Email:        email,
		Error:        errMsg,
		Action:       PathGoogleConsent,
		BatchURL:     PathBatchExecute + "?rpcids=" + batchRPCIDs + "&source-path=" + url.QueryEscape(PathGoogleConsent),
		FetchDelayMS: a.fetchDelayMS(),
	}
}

func (a *App) handleConsentSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, errs.Wrap(errs.InvalidArgument, "invalid form", err))
		return
	}
	state := r.FormValue("state")
	p, ok := a.pending(state)
	if !ok || !p.verified {
		writeError(w, r, errUnknownState)
		return
	}
	if r.FormValue("scope") != "all" {
		a.renderOrFail(w, r, "consent", a.consentData(state, p.email, "Select the access Spikerz needs to continue"))
		return
	}

	// Queued users are handed out in order. Two concurrent connects can swap
	// identities; the callback rejects that as a mismatch.
	a.oidc.QueueUser(&mockoidc.MockUser{
		Subject:           uuid.NewString(),
		Email:             p.email,
		EmailVerified:     true,
		PreferredUsername: strings.SplitN(p.email, "@", 2)[0],
	})
	http.Redirect(w, r, a.oauth.AuthCodeURL(state), http.StatusFound)
}

func (a *App) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := r.URL.Query().Get("state")
	p, ok := a.pending(state)
	sess := sessionFrom(r)
	if !ok || sess == nil || p.sessionID != sess.id {
		writeError(w, r, errUnknownState)
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		writeError(w, r, errs.New(errs.FailedPrecondition, "authorization denied: "+e))
		return
	}

	token, err := a.oauth.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		writeError(w, r, errs.Wrap(errs.Unavailable, "code exchange failed", err))
		return
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		writeError(w, r, errs.New(errs.Unavailable, "missing id_token in token response"))
		return
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		writeError(w, r, errs.Wrap(errs.Unavailable, "id_token verification failed", err))
		return
	}
	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		writeError(w, r, errs.Wrap(errs.Internal, "parse id_token claims", err))
		return
	}
	if !strings.EqualFold(claims.Email, p.email) {
		writeError(w, r, errIdentityMismatch)
		return
	}

	accountID := uuid.NewString()
	a.sessions.connect(sess.id, accountID, claims.Email)
	a.dropPending(state)
	obs.From(ctx).Info("youtube_connected", "session_id", sess.id, "account_id", accountID, "sub", claims.Sub)
	http.Redirect(w, r, PathSocialConnect, http.StatusFound)
}

func (a *App) handleBatchExecute(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("rpcids") == "" {
		writeError(w, r, errMissingRPC)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write([]byte(")]}'\n\n[[\"wrb.fr\",\"" + batchRPCIDs + "\",\"[]\",null,null,null,\"generic\"]]\n"))
}

type alertsBody struct {
	AccountID string   `json:"accountId"`
	Platform  string   `json:"platform"`
	Alerts    []string `json:"alerts"`
}

func (a *App) handleAlerts(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	sess := sessionFrom(r)
	if accountID == "" || sess == nil || sess.accountID != accountID {
		writeError(w, r, errUnknownAccount)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(alertsBody{AccountID: accountID, Platform: "youtube", Alerts: []string{}}); err != nil {
		obs.From(r.Context()).Warn("alerts_encode_failed", "error", err.Error())
	}
}
