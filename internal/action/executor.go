// Package action runs browser interactions under a bounded retry policy.
// Every attempt is logged and reported; an exhausted action leaves a
// screenshot and the page markup behind before its last error is returned.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/logutil"
	"github.com/kuitang/connect-e2e/internal/obs"
	"github.com/kuitang/connect-e2e/internal/ratelimit"
	"github.com/kuitang/connect-e2e/internal/urlutil"
)

const (
	// evidenceTimeout bounds screenshot and content capture after exhaustion.
	evidenceTimeout = 10 * time.Second
	previewChars    = 300
)

// Executor runs actions. Its fields are set at construction and never
// change, so one Executor can serve concurrent tests.
type Executor struct {
	log   *slog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	pacer *ratelimit.Pacer

	onEvidence func(context.Context, Evidence)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger logs through l instead of the context logger. Correlation
// fields from the context are still added.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithSleep replaces the wait between attempts. fn must return ctx.Err()
// when ctx ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// WithPacer throttles attempt starts per page host.
func WithPacer(p *ratelimit.Pacer) ExecutorOption {
	return func(e *Executor) { e.pacer = p }
}

// WithEvidenceHook calls fn with the evidence bundle of every exhausted
// action, after its attachments were reported. fn must be safe for
// concurrent use when the Executor is shared.
func WithEvidenceHook(fn func(ctx context.Context, ev Evidence)) ExecutorOption {
	return func(e *Executor) { e.onEvidence = fn }
}

// NewExecutor builds an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultExecutor = NewExecutor()

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) logger(ctx context.Context) *slog.Logger {
	if e.log == nil {
		return obs.From(ctx)
	}
	corr := obs.CorrelationFromContext(ctx)
	l := e.log
	if corr.RunID != "" {
		l = l.With("run_id", corr.RunID)
	}
	if corr.Test != "" {
		l = l.With("test", corr.Test)
	}
	if corr.Step != "" {
		l = l.With("step", corr.Step)
	}
	return l
}

// Run is Do for operations without a result.
func (e *Executor) Run(ctx context.Context, name string, page EvidenceSource, rep Reporter, p Policy, op func(ctx context.Context) error) error {
	if op == nil {
		return errs.New(errs.InvalidArgument, "action operation is required")
	}
	_, err := Do(ctx, e, name, page, rep, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do runs op until it succeeds or p.MaxAttempts attempts have failed.
//
// Each attempt gets a context with a p.Timeout deadline; op must honour it.
// A policy that cannot run is rejected before the first attempt. When every
// attempt fails, a screenshot and the page markup are attached to rep and
// the error of the last attempt is returned as is. If ctx ends while waiting
// between attempts, the evidence is captured and the last error returned.
func Do[T any](ctx context.Context, ex *Executor, name string, page EvidenceSource, rep Reporter, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if ex == nil {
		ex = defaultExecutor
	}
	if strings.TrimSpace(name) == "" {
		return zero, errs.New(errs.InvalidArgument, "action name is required")
	}
	if op == nil {
		return zero, errs.New(errs.InvalidArgument, "action operation is required")
	}
	if err := p.Validate(); err != nil {
		return zero, err
	}
	if rep == nil {
		rep = Discard
	}

	log := ex.logger(ctx).With("action", name)
	var lastErr error
	for n := 1; n <= p.MaxAttempts; n++ {
		if n > 1 {
			if err := ex.sleep(ctx, p.DelayBefore(n)); err != nil {
				log.Warn("action_cancelled", "attempt", n, "error", err.Error())
				break
			}
		}
		if err := ex.pacer.Wait(ctx, paceKey(page)); err != nil {
			if lastErr == nil {
				return zero, err
			}
			log.Warn("action_cancelled", "attempt", n, "error", err.Error())
			break
		}

		start := ex.now()
		result, err := runAttempt(ctx, p.Timeout, op)
		rec := Attempt{
			Action:    name,
			Number:    n,
			Timestamp: start,
			Elapsed:   ex.now().Sub(start),
			Err:       err,
		}
		if err == nil {
			rec.Outcome = OutcomeSuccess
			ex.emit(log, rep, rec, p.MaxAttempts)
			return result, nil
		}

		lastErr = err
		rec.Outcome = OutcomeRetry
		if n == p.MaxAttempts {
			rec.Outcome = OutcomeFailure
		}
		ex.emit(log, rep, rec, p.MaxAttempts)
	}

	ev := ex.captureEvidence(ctx, log, name, page, rep, lastErr)
	if ex.onEvidence != nil {
		ex.onEvidence(ctx, ev)
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func (e *Executor) emit(log *slog.Logger, rep Reporter, rec Attempt, maxAttempts int) {
	attrs := []any{
		"attempt", rec.Number,
		"max_attempts", maxAttempts,
		"status", string(rec.Outcome),
		"elapsed_ms", rec.Elapsed.Milliseconds(),
	}
	switch rec.Outcome {
	case OutcomeSuccess:
		log.Info("action_attempt", attrs...)
	case OutcomeRetry:
		log.Warn("action_attempt", append(attrs, "error", logutil.Line(rec.Err.Error(), maxRecordErrorChars))...)
	default:
		log.Error("action_attempt", append(attrs, "error", logutil.Line(rec.Err.Error(), maxRecordErrorChars))...)
	}

	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Warn("attempt_record_encode_failed", "error", err.Error())
		return
	}
	rep.Attach(AttemptAttachmentName(rec.Action, rec.Number, rec.Outcome), Attachment{Body: body, ContentType: ContentTypeJSON})
}

func (e *Executor) captureEvidence(ctx context.Context, log *slog.Logger, name string, page EvidenceSource, rep Reporter, cause error) Evidence {
	ev := Evidence{Action: name, Err: cause}
	if page == nil {
		log.Warn("action_exhausted", "evidence", "none")
		return ev
	}

	evCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evidenceTimeout)
	defer cancel()

	ev.URL = page.URL()
	if shot, err := page.Screenshot(evCtx); err != nil {
		log.Warn("evidence_screenshot_failed", "error", err.Error())
	} else {
		ev.Screenshot = shot
		rep.Attach(ScreenshotAttachmentName(name), Attachment{Body: shot, ContentType: ContentTypePNG})
	}
	if html, err := page.Content(evCtx); err != nil {
		log.Warn("evidence_content_failed", "error", err.Error())
	} else {
		ev.HTML = html
		rep.Attach(HTMLAttachmentName(name), Attachment{Body: []byte(html), ContentType: ContentTypeHTML})
	}

	log.Error("action_exhausted",
		"url", ev.URL,
		"screenshot_bytes", len(ev.Screenshot),
		"page_preview", logutil.PagePreview(ev.HTML, previewChars),
		"error_code", string(errs.CodeOf(cause)),
		"timeout", errors.Is(cause, context.DeadlineExceeded),
	)
	return ev
}

func paceKey(page EvidenceSource) string {
	if page == nil {
		return ""
	}
	return urlutil.Host(page.URL())
}

// AttemptAttachmentName is the reporter name of an attempt record.
func AttemptAttachmentName(action string, n int, outcome Outcome) string {
	return action + "-attempt-" + strconv.Itoa(n) + "-" + string(outcome)
}

// ScreenshotAttachmentName is the reporter name of the exhaustion screenshot.
func ScreenshotAttachmentName(action string) string {
	return "Final " + action + " failure"
}

// HTMLAttachmentName is the reporter name of the exhaustion page markup.
func HTMLAttachmentName(action string) string {
	return "Final-" + action + "-HTML"
}
