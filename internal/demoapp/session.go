package demoapp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kuitang/connect-e2e/internal/obs"
)

// SessionCookieName is the fixture's session cookie.
const SessionCookieName = "demo_session"

const sessionIssuer = "connect-e2e-demoapp"

var (
	errNoSession      = errors.New("demoapp: no session")
	errInvalidSession = errors.New("demoapp: invalid session")
)

type session struct {
	id        string
	user      string
	accountID string // set once YouTube is connected
	email     string
}

// sessionStore issues HS256 session cookies and keeps per-session state.
type sessionStore struct {
	key    []byte
	ttl    time.Duration
	signer jose.Signer

	mu   sync.Mutex
	byID map[string]*session
}

func newSessionStore(key []byte, ttl time.Duration) (*sessionStore, error) {
	opts := jose.SignerOptions{}
	opts.WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, &opts)
	if err != nil {
		return nil, fmt.Errorf("demoapp: session signer: %w", err)
	}
	return &sessionStore{key: key, ttl: ttl, signer: signer, byID: make(map[string]*session)}, nil
}

func (s *sessionStore) create(user string, now time.Time) (*session, string, error) {
	sess := &session{id: uuid.NewString(), user: user}
	claims := jwt.Claims{
		Issuer:   sessionIssuer,
		Subject:  sess.id,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.Signed(s.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return nil, "", fmt.Errorf("demoapp: sign session: %w", err)
	}
	s.mu.Lock()
	s.byID[sess.id] = sess
	s.mu.Unlock()
	return sess, token, nil
}

func (s *sessionStore) verify(token string, now time.Time) (*session, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidSession, err)
	}
	var claims jwt.Claims
	if err := parsed.Claims(s.key, &claims); err != nil {
		return nil, fmt.Errorf("%w: signature", errInvalidSession)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: sessionIssuer, Time: now}, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidSession, err)
	}
	return s.get(claims.Subject)
}

func (s *sessionStore) get(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, errNoSession
	}
	cp := *sess
	return &cp, nil
}

func (s *sessionStore) connect(id, accountID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[id]; ok {
		sess.accountID = accountID
		sess.email = email
	}
}

type sessionKey struct{}

func contextWithSession(r *http.Request, sess *session) context.Context {
	return context.WithValue(r.Context(), sessionKey{}, sess)
}

func sessionFrom(r *http.Request) *session {
	sess, _ := r.Context().Value(sessionKey{}).(*session)
	return sess
}

// checkBasic compares credentials against the configured user and bcrypt hash.
func (a *App) checkBasic(r *http.Request) (string, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.cfg.Username)) != 1 {
		return "", false
	}
	if bcrypt.CompareHashAndPassword(a.passHash, []byte(pass)) != nil {
		return "", false
	}
	return user, true
}

// requireSession accepts a valid session cookie or HTTP basic credentials. A
// successful basic login issues the cookie so saved storage state can replay
// it without credentials.
func (a *App) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		if c, err := r.Cookie(SessionCookieName); err == nil {
			if sess, err := a.sessions.verify(c.Value, now); err == nil {
				next.ServeHTTP(w, r.WithContext(contextWithSession(r, sess)))
				return
			}
		}

		user, ok := a.checkBasic(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="demo", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		sess, token, err := a.sessions.create(user, now)
		if err != nil {
			writeError(w, r, err)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Expires:  now.Add(a.sessions.ttl),
		})
		obs.From(r.Context()).Info("session_created", "session_id", sess.id)
		next.ServeHTTP(w, r.WithContext(contextWithSession(r, sess)))
	})
}
