// Command connect-e2e runs the social-connect flows against the target
// application outside go test and writes their screenshots, attempt records
// and failure evidence to the artifact directory.
//
// Usage:
//
//	go run ./cmd/connect-e2e --flow=youtube
//	go run ./cmd/connect-e2e --demo --headed
//
// Exit status is 0 when every flow passed or was skipped, 1 when a flow
// failed, and 2 for configuration errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/kuitang/connect-e2e/internal/action"
	"github.com/kuitang/connect-e2e/internal/browser"
	"github.com/kuitang/connect-e2e/internal/config"
	"github.com/kuitang/connect-e2e/internal/demoapp"
	"github.com/kuitang/connect-e2e/internal/errs"
	"github.com/kuitang/connect-e2e/internal/obs"
	"github.com/kuitang/connect-e2e/internal/ratelimit"
	"github.com/kuitang/connect-e2e/internal/report"
	"github.com/kuitang/connect-e2e/internal/s3client"
	"github.com/kuitang/connect-e2e/internal/workflow"
)

const (
	statusPassed  = "passed"
	statusFailed  = "failed"
	statusSkipped = "skipped"
)

type result struct {
	flow   string
	status string
	err    error
	// failedAt is the page URL of the action that exhausted, if any.
	failedAt string
}

func main() {
	obs.Init()
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	flags, err := config.ParseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	cfg.PrintStartupSummary()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runID := obs.NewRunID()
	ctx = obs.WithRun(ctx, runID)
	log := obs.From(ctx).With("pkg", "main")

	target := workflow.Target{
		BaseURL:       cfg.DemoURL,
		Title:         cfg.AppTitle,
		GmailUser:     cfg.GmailUser,
		GmailPassword: cfg.GmailPassword,
	}
	user, password := cfg.Username, cfg.Password

	if cfg.Demo {
		app, err := demoapp.Start(ctx, demoConfig(cfg))
		if err != nil {
			log.Error("demoapp_start_failed", "error", err.Error())
			return 1
		}
		defer app.Close()
		fixture := app.Config()
		target.BaseURL = app.URL()
		target.GmailUser, target.GmailPassword = fixture.GmailUser, fixture.GmailPassword
		user, password = fixture.Username, fixture.Password
	}

	rt, err := browser.Launch(ctx, browser.Options{Headless: cfg.Headless, Browser: cfg.Browser, SlowMo: cfg.SlowMo})
	if err != nil {
		log.Error("browser_launch_failed", "error", err.Error(), "error_code", string(errs.CodeOf(err)))
		return 1
	}
	defer rt.Close()

	var bucket *s3client.Client
	if cfg.UploadsArtifacts() {
		bucket, err = s3client.New(ctx, s3client.Config{
			Endpoint:        cfg.AWSEndpointS3,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			BucketName:      cfg.ArtifactsBucket,
			UsePathStyle:    cfg.AWSEndpointS3 != "",
		})
		if err != nil {
			log.Error("artifact_bucket_failed", "error", err.Error())
			return 1
		}
	}

	pacer := ratelimit.NewPacer(ratelimit.Config{RPS: cfg.ActionRPS, Burst: cfg.ActionBurst})
	defer pacer.Stop()

	evidence := newEvidenceIndex()
	r := &runner{
		runID:    runID,
		cfg:      cfg,
		target:   target,
		user:     user,
		password: password,
		ex:       action.NewExecutor(action.WithPacer(pacer), action.WithEvidenceHook(evidence.record)),
		evidence: evidence,
		defaults: action.DefaultsFrom(cfg.ActionPolicy()),
		sessions: browser.NewSessions(rt.Browser()),
		store:    browser.NewSessionStore(rt.Browser(), cfg.SessionFile),
		bucket:   bucket,
	}
	defer r.sessions.Close()

	var results []result
	if cfg.RunsFlow(config.FlowHome) {
		results = append(results, r.home(ctx))
	}
	if cfg.RunsFlow(config.FlowYouTube) {
		results = append(results, r.youtube(ctx))
	}
	for _, res := range results {
		fmt.Fprintln(out, summaryLine(res))
	}
	return exitCode(results)
}

func demoConfig(cfg *config.Config) demoapp.Config {
	d := demoapp.DefaultConfig()
	d.Title = cfg.AppTitle
	if cfg.Username != "" && cfg.Password != "" {
		d.Username, d.Password = cfg.Username, cfg.Password
	}
	if cfg.GmailUser != "" && cfg.GmailPassword != "" {
		d.GmailUser, d.GmailPassword = cfg.GmailUser, cfg.GmailPassword
	}
	return d
}

type runner struct {
	runID    string
	cfg      *config.Config
	target   workflow.Target
	user     string
	password string
	ex       *action.Executor
	defaults action.Defaults
	sessions *browser.Sessions
	store    *browser.SessionStore
	bucket   *s3client.Client
	evidence *evidenceIndex
}

// evidenceIndex remembers, per flow, the page URL of the last exhausted
// action.
type evidenceIndex struct {
	mu    sync.Mutex
	byKey map[string]string
}

func newEvidenceIndex() *evidenceIndex {
	return &evidenceIndex{byKey: make(map[string]string)}
}

func (x *evidenceIndex) record(ctx context.Context, ev action.Evidence) {
	flow := obs.CorrelationFromContext(ctx).Test
	obs.From(ctx).Info("evidence_indexed", "flow", flow, "action", ev.Action, "url", ev.URL)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byKey[flow] = ev.URL
}

func (x *evidenceIndex) url(flow string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.byKey[flow]
}

func (r *runner) finish(ctx context.Context, flow string, err error) result {
	res := finish(ctx, flow, err)
	if res.status == statusFailed {
		res.failedAt = r.evidence.url(flow)
	}
	return res
}

// reporter fans a flow's attachments out to its artifact directory and, when
// configured, the bucket.
func (r *runner) reporter(ctx context.Context, flow string) action.Reporter {
	var sinks []action.Reporter
	dir, err := report.NewDir(filepath.Join(r.cfg.ArtifactsDir, r.runID, flow))
	if err != nil {
		obs.From(ctx).Warn("artifact_dir_failed", "error", err.Error())
	} else {
		sinks = append(sinks, dir)
	}
	if r.bucket != nil {
		sinks = append(sinks, report.NewBucket(r.bucket, r.runID, flow))
	}
	return report.Multi(sinks...)
}

// home logs in with basic credentials and saves the session for later flows.
func (r *runner) home(ctx context.Context) result {
	ctx = obs.WithTest(ctx, config.FlowHome)
	bc, page, err := r.store.LoginAndSave(ctx, r.target.BaseURL, r.user, r.password)
	if err != nil {
		return r.finish(ctx, config.FlowHome, err)
	}
	defer bc.Close()

	a := action.NewActions(r.ex, page, r.reporter(ctx, config.FlowHome), r.defaults)
	return r.finish(ctx, config.FlowHome, workflow.Home(ctx, a, r.target))
}

// youtube runs in the credentialed context, reused across flows with the
// same credentials.
func (r *runner) youtube(ctx context.Context) result {
	ctx = obs.WithTest(ctx, config.FlowYouTube)
	bc, err := r.sessions.ContextWithCredentials(r.user, r.password)
	if err != nil {
		return r.finish(ctx, config.FlowYouTube, err)
	}
	page, err := browser.NewPage(bc)
	if err != nil {
		return r.finish(ctx, config.FlowYouTube, err)
	}
	defer page.Close()

	a := action.NewActions(r.ex, page, r.reporter(ctx, config.FlowYouTube), r.defaults)
	return r.finish(ctx, config.FlowYouTube, workflow.ConnectYouTube(ctx, a, r.target))
}

func finish(ctx context.Context, flow string, err error) result {
	res := result{flow: flow, status: statusPassed, err: err}
	switch {
	case err == nil:
	case workflow.IsSkip(err):
		res.status = statusSkipped
	default:
		res.status = statusFailed
	}
	obs.From(ctx).Info("flow_finished", "flow", flow, "status", res.status, "category", report.Category(err))
	return res
}

func summaryLine(res result) string {
	switch res.status {
	case statusPassed:
		return fmt.Sprintf("%s\t%s", res.flow, res.status)
	case statusSkipped:
		return fmt.Sprintf("%s\t%s\t%v", res.flow, res.status, res.err)
	default:
		line := fmt.Sprintf("%s\t%s\t%s\t%v", res.flow, res.status, report.Category(res.err), res.err)
		if res.failedAt != "" {
			line += "\t" + res.failedAt
		}
		return line
	}
}

func exitCode(results []result) int {
	for _, res := range results {
		if res.status == statusFailed {
			return 1
		}
	}
	return 0
}
