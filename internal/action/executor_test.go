package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/obs"
	"github.com/kuitang/connect-e2e/internal/ratelimit"
)

// =============================================================================
// Property: 1 <= attempts <= N, and nothing runs after the first success
// =============================================================================

func testDo_RetryBound(t *rapid.T) {
	env := newTestEnv()
	page := &fakePage{url: "https://app.test/"}
	maxAttempts := rapid.IntRange(1, 8).Draw(t, "maxAttempts")
	// 0 means the operation never succeeds.
	succeedAt := rapid.IntRange(0, maxAttempts+2).Draw(t, "succeedAt")

	calls := 0
	result, err := Do(context.Background(), env.ex, "op", page, env.rep, DefaultPolicy.With(Attempts(maxAttempts)), func(ctx context.Context) (int, error) {
		calls++
		if calls == succeedAt {
			return calls * 10, nil
		}
		return 0, fmt.Errorf("attempt %d failed", calls)
	})

	succeeded := succeedAt >= 1 && succeedAt <= maxAttempts
	if succeeded {
		if err != nil || result != succeedAt*10 {
			t.Fatalf("expected success at %d, got result=%d err=%v", succeedAt, result, err)
		}
		if calls != succeedAt {
			t.Fatalf("ran %d attempts after success at %d", calls, succeedAt)
		}
	} else {
		if err == nil {
			t.Fatal("expected exhaustion error")
		}
		if calls != maxAttempts {
			t.Fatalf("ran %d attempts, want %d", calls, maxAttempts)
		}
	}

	if got := env.rep.CountPrefix("op-attempt-"); got != calls {
		t.Fatalf("%d attempt records for %d attempts", got, calls)
	}
	evidence := env.rep.CountPrefix("Final op failure")
	if succeeded == (evidence == 1) || evidence > 1 {
		t.Fatalf("succeeded=%v but %d evidence screenshots", succeeded, evidence)
	}
	if got := len(env.clock.Sleeps()); got != calls-1 {
		t.Fatalf("%d waits for %d attempts", got, calls)
	}
}

func TestDo_RetryBound(t *testing.T) {
	rapid.Check(t, testDo_RetryBound)
}

func TestDo_ExhaustionReturnsOriginalError(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	page := &fakePage{url: "https://app.test/form", html: "<main><p>Still loading</p></main>"}
	errs3 := []error{errors.New("first"), errors.New("second"), errors.New("third")}

	n := 0
	err := env.ex.Run(context.Background(), "submit", page, env.rep, DefaultPolicy, func(ctx context.Context) error {
		n++
		return errs3[n-1]
	})

	require.True(t, err == errs3[2], "expected the last error by identity, got %v", err)
	require.Equal(t, 1, env.rep.CountPrefix("Final submit failure"))
	require.Equal(t, 1, env.rep.CountPrefix("Final-submit-HTML"))

	shot, ok := env.rep.Get("Final submit failure")
	require.True(t, ok)
	require.Equal(t, ContentTypePNG, shot.ContentType)
	html, ok := env.rep.Get("Final-submit-HTML")
	require.True(t, ok)
	require.Equal(t, ContentTypeHTML, html.ContentType)
	require.Equal(t, "<main><p>Still loading</p></main>", string(html.Body))

	exhausted := env.logLines("action_exhausted")
	require.Len(t, exhausted, 1)
	require.Equal(t, "Still loading", exhausted[0]["page_preview"])
	require.Equal(t, "https://app.test/form", exhausted[0]["url"])
}

func TestDo_SuccessShortCircuits(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	page := &fakePage{}
	want := &fakeResponse{status: 204}

	n := 0
	got, err := Do(context.Background(), env.ex, "fetch", page, env.rep, DefaultPolicy.With(Attempts(5)), func(ctx context.Context) (*fakeResponse, error) {
		n++
		if n == 2 {
			return want, nil
		}
		return nil, errNotActionable
	})

	require.NoError(t, err)
	require.Same(t, want, got)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"fetch-attempt-1-retry", "fetch-attempt-2-success"}, env.rep.Names())
	require.Len(t, env.logLines("action_attempt"), 2)
	require.Empty(t, env.logLines("action_exhausted"))
	require.Zero(t, page.CallCount("screenshot"))
}

func TestDo_InvalidPolicyFailsFast(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{DefaultPolicy.With(Attempts(0)), DefaultPolicy.With(Timeout(0))} {
		env := newTestEnv()
		page := &fakePage{}
		ran := false

		err := env.ex.Run(context.Background(), "noop", page, env.rep, p, func(ctx context.Context) error {
			ran = true
			return nil
		})

		require.ErrorIs(t, err, ErrInvalidPolicy)
		require.False(t, ran)
		require.Empty(t, env.rep.Names())
		require.Empty(t, page.Calls())
		require.Empty(t, env.logs.String())
	}
}

func TestDo_EmptyNameRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	err := env.ex.Run(context.Background(), "  ", nil, env.rep, DefaultPolicy, func(ctx context.Context) error { return nil })
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestDo_AttemptContextCarriesTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	var remaining time.Duration
	err := env.ex.Run(context.Background(), "deadline", nil, env.rep, DefaultPolicy.With(Timeout(2*time.Second)), func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		remaining = time.Until(deadline)
		return nil
	})

	require.NoError(t, err)
	require.Greater(t, remaining, time.Second)
	require.LessOrEqual(t, remaining, 2*time.Second)
}

func TestDo_CancelDuringBackoffStopsWithEvidence(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	page := &fakePage{url: "https://app.test/"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	boom := errors.New("boom")

	n := 0
	err := env.ex.Run(ctx, "flaky", page, env.rep, DefaultPolicy.With(Attempts(5)), func(context.Context) error {
		n++
		cancel()
		return boom
	})

	require.True(t, err == boom)
	require.Equal(t, 1, n)
	require.Equal(t, 1, env.rep.CountPrefix("Final flaky failure"))
	require.Len(t, env.logLines("action_cancelled"), 1)
}

func TestDo_EvidenceIsBestEffort(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	page := &fakePage{screenshotErr: errors.New("target closed")}
	boom := errors.New("boom")

	err := env.ex.Run(context.Background(), "x", page, env.rep, DefaultPolicy.With(Attempts(1)), func(context.Context) error {
		return boom
	})

	require.True(t, err == boom)
	require.Zero(t, env.rep.CountPrefix("Final x failure"))
	require.Equal(t, 1, env.rep.CountPrefix("Final-x-HTML"))
	require.Len(t, env.logLines("evidence_screenshot_failed"), 1)
}

func TestDo_EvidenceHookReceivesBundle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var got []Evidence
	ex := NewExecutor(WithClock(clock.Now), WithSleep(clock.Sleep), WithEvidenceHook(func(_ context.Context, ev Evidence) {
		got = append(got, ev)
	}))
	page := &fakePage{url: "https://app.test/social-connect", html: "<h1>oops</h1>"}
	boom := errors.New("boom")

	err := ex.Run(context.Background(), "click-#go", page, &recorder{}, DefaultPolicy.With(Attempts(2)), func(context.Context) error {
		return boom
	})

	require.True(t, err == boom)
	require.Len(t, got, 1)
	require.Equal(t, "click-#go", got[0].Action)
	require.Equal(t, "https://app.test/social-connect", got[0].URL)
	require.Equal(t, "<h1>oops</h1>", got[0].HTML)
	require.NotEmpty(t, got[0].Screenshot)
	require.True(t, got[0].Err == boom)

	_, err = Do(context.Background(), ex, "fine", page, &recorder{}, DefaultPolicy, func(context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestDo_NilPageSkipsEvidence(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	boom := errors.New("boom")
	err := env.ex.Run(context.Background(), "headless", nil, env.rep, DefaultPolicy.With(Attempts(2)), func(context.Context) error {
		return boom
	})

	require.True(t, err == boom)
	require.Equal(t, []string{"headless-attempt-1-retry", "headless-attempt-2-failure"}, env.rep.Names())
}

func TestDo_AttemptRecordShape(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	_ = env.ex.Run(context.Background(), "shape", nil, env.rep, DefaultPolicy.With(Attempts(1)), func(context.Context) error {
		return errors.New("element #a not visible")
	})

	a, ok := env.rep.Get("shape-attempt-1-failure")
	require.True(t, ok)
	require.Equal(t, ContentTypeJSON, a.ContentType)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(a.Body, &rec))
	assert.Equal(t, "shape", rec["action"])
	assert.Equal(t, float64(1), rec["attempt"])
	assert.Equal(t, "failure", rec["status"])
	assert.Equal(t, "element #a not visible", rec["error"])
	assert.Equal(t, "2026-01-02T03:04:05Z", rec["timestamp"])
	assert.Contains(t, rec, "elapsed_ms")
}

func TestDo_SuccessRecordOmitsError(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	require.NoError(t, env.ex.Run(context.Background(), "ok", nil, env.rep, DefaultPolicy, func(context.Context) error { return nil }))

	a, ok := env.rep.Get("ok-attempt-1-success")
	require.True(t, ok)
	require.NotContains(t, string(a.Body), `"error"`)
}

func TestDo_LogLinesCarryCorrelation(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	ctx := obs.WithCorrelation(context.Background(), obs.Correlation{RunID: "run-1", Test: "home", Step: "login"})
	require.NoError(t, env.ex.Run(ctx, "navigate-x", nil, env.rep, DefaultPolicy, func(context.Context) error { return nil }))

	lines := env.logLines("action_attempt")
	require.Len(t, lines, 1)
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "home", lines[0]["test"])
	assert.Equal(t, "login", lines[0]["step"])
	assert.Equal(t, "navigate-x", lines[0]["action"])
	assert.Equal(t, "success", lines[0]["status"])
}

func TestDo_PacerCancelledBeforeFirstAttempt(t *testing.T) {
	t.Parallel()

	pacer := ratelimit.NewPacer(ratelimit.Config{RPS: 0.001, Burst: 1, IdleTTL: time.Hour})
	defer pacer.Stop()
	clock := newFakeClock()
	ex := NewExecutor(WithPacer(pacer), WithClock(clock.Now), WithSleep(clock.Sleep))
	rep := &recorder{}
	page := &fakePage{url: "https://paced.test/"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := ex.Run(ctx, "paced", page, rep, DefaultPolicy, func(context.Context) error {
		ran = true
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)
	require.Empty(t, rep.Names())
}

func TestDo_ConcurrentInvocationsAreIndependent(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			rep := &recorder{}
			n := 0
			err := env.ex.Run(context.Background(), fmt.Sprintf("job-%d", i), nil, rep, DefaultPolicy, func(context.Context) error {
				n++
				if n < 2 {
					return errNotActionable
				}
				return nil
			})
			if err == nil && len(rep.Names()) != 2 {
				err = fmt.Errorf("job-%d: %d records", i, len(rep.Names()))
			}
			done <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}
