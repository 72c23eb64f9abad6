package action

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// State is the element state a selector wait targets.
type State string

const (
	StateVisible  State = "visible"
	StateAttached State = "attached"
	StateHidden   State = "hidden"
	StateDetached State = "detached"
)

// Response is the subset of an HTTP response the actions inspect.
type Response interface {
	URL() string
	Status() int
	StatusText() string
	Headers() map[string]string
	Body() ([]byte, error)
}

// EvidenceSource is what the executor reads when an action is exhausted.
type EvidenceSource interface {
	Screenshot(ctx context.Context) ([]byte, error)
	Content(ctx context.Context) (string, error)
	URL() string
}

// Page is a live browser page. Implementations bound every blocking call by
// the deadline carried in ctx.
type Page interface {
	EvidenceSource
	// Goto navigates and waits for DOMContentLoaded. The response may be
	// nil when the browser produced none.
	Goto(ctx context.Context, url string) (Response, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	// Type presses each character of text into the focused element.
	Type(ctx context.Context, selector, text string, delay time.Duration) error
	WaitForSelector(ctx context.Context, selector string, state State) error
	// WaitForResponse returns the first response accepted by match. trigger,
	// when non-nil, runs after the wait is armed.
	WaitForResponse(ctx context.Context, match ResponseMatcher, trigger func(context.Context) error) (Response, error)
	WaitForURL(ctx context.Context, pattern URLPattern) error
	Title(ctx context.Context) (string, error)
	IsVisible(ctx context.Context, selector string) (bool, error)
}

// ResponseMatcher selects the response a wait is looking for.
type ResponseMatcher func(Response) bool

// URLContains matches responses whose URL contains substr.
func URLContains(substr string) ResponseMatcher {
	return func(r Response) bool { return strings.Contains(r.URL(), substr) }
}

// URLMatches matches responses whose URL matches re.
func URLMatches(re *regexp.Regexp) ResponseMatcher {
	return func(r Response) bool { return re.MatchString(r.URL()) }
}

// StatusIs matches responses with the given status.
func StatusIs(status int) ResponseMatcher {
	return func(r Response) bool { return r.Status() == status }
}

// AllOf matches when every matcher does.
func AllOf(matchers ...ResponseMatcher) ResponseMatcher {
	return func(r Response) bool {
		for _, m := range matchers {
			if m != nil && !m(r) {
				return false
			}
		}
		return true
	}
}

// URLPattern is a glob or regular expression a page URL is waited on.
type URLPattern struct {
	glob string
	re   *regexp.Regexp
}

// Glob matches URLs with "*" (no slash) and "**" (anything) wildcards.
func Glob(pattern string) URLPattern {
	return URLPattern{glob: pattern, re: globToRegexp(pattern)}
}

// Regexp matches URLs with re.
func Regexp(re *regexp.Regexp) URLPattern {
	return URLPattern{re: re}
}

// IsGlob reports whether the pattern was built with Glob.
func (p URLPattern) IsGlob() bool { return p.glob != "" }

// GlobString returns the glob source, or "" for regexp patterns.
func (p URLPattern) GlobString() string { return p.glob }

// Regexp returns the compiled expression; for globs, the translated one.
func (p URLPattern) Regexp() *regexp.Regexp { return p.re }

// Match reports whether u satisfies the pattern.
func (p URLPattern) Match(u string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(u)
}

func (p URLPattern) String() string {
	if p.glob != "" {
		return p.glob
	}
	if p.re != nil {
		return p.re.String()
	}
	return ""
}

func globToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		if glob[i] != '*' {
			b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
			continue
		}
		if i+1 < len(glob) && glob[i+1] == '*' {
			b.WriteString(".*")
			i++
			continue
		}
		b.WriteString("[^/]*")
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
