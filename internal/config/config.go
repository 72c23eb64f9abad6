// Package config loads the harness configuration once at process start from
// CLI flags and environment variables. The resulting *Config is passed by
// reference into workflow constructors; nothing below the runner reads the
// environment directly.
//
// Environment variables carry the target URL, credentials, retry policy and
// artifact storage settings. CLI flags choose the flows and whether to run
// against the in-process fixture application (--demo).
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/connect-e2e/internal/action"
)

const (
	defaultDemoURL  = "https://demo.spikerz.com"
	defaultAppTitle = "Spikerz | #1 Social Media Protection Service"

	FlowHome    = "home"
	FlowYouTube = "youtube"
	FlowAll     = "all"
)

// Config holds all harness configuration.
type Config struct {
	// Target application
	DemoURL  string
	AppTitle string
	Username string // HTTP basic auth user for the target
	Password string

	// Third-party OAuth account
	GmailUser     string
	GmailPassword string

	// Run mode (CLI flags)
	Demo bool   // run against the in-process fixture application (--demo)
	Flow string // home | youtube | all (--flow)

	// Browser
	Headless    bool
	Browser     string // chromium | firefox | webkit
	SlowMo      time.Duration
	SessionFile string // playwright storage state for session reuse

	// Action retry policy
	ActionMaxAttempts int
	ActionTimeout     time.Duration
	ActionRetryDelay  time.Duration
	ActionBackoff     string
	ActionRPS         float64 // per-host attempt pacing; 0 disables
	ActionBurst       int

	// Artifacts
	ArtifactsDir       string
	ArtifactsBucket    string // ARTIFACTS_BUCKET; empty disables upload
	AWSEndpointS3      string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
}

// Flags are the CLI switches understood by the runner.
type Flags struct {
	Demo      bool
	Headed    bool
	Flow      string
	Artifacts string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags parses runner flags from args (without the program name).
func ParseFlags(args []string) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("connect-e2e", flag.ContinueOnError)
	fs.BoolVar(&f.Demo, "demo", false, "Run against the in-process fixture application instead of DEMO_URL")
	fs.BoolVar(&f.Headed, "headed", false, "Show the browser window (overrides HEADLESS)")
	fs.StringVar(&f.Flow, "flow", FlowAll, "Flow to run: home, youtube or all")
	fs.StringVar(&f.Artifacts, "artifacts", "", "Artifact directory (overrides ARTIFACTS_DIR)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// LoadConfig loads configuration from environment variables and CLI flag values.
func LoadConfig(f Flags) (*Config, error) {
	cfg := &Config{}

	cfg.Demo = f.Demo
	cfg.Flow = strings.ToLower(strings.TrimSpace(f.Flow))
	if cfg.Flow == "" {
		cfg.Flow = FlowAll
	}

	// Target
	cfg.DemoURL = strings.TrimRight(getEnvOrDefault("DEMO_URL", defaultDemoURL), "/")
	cfg.AppTitle = getEnvOrDefault("APP_TITLE", defaultAppTitle)
	cfg.Username = os.Getenv("DEMO_USERNAME")
	cfg.Password = os.Getenv("DEMO_PASSWORD")
	cfg.GmailUser = os.Getenv("GMAIL_USER")
	cfg.GmailPassword = os.Getenv("GMAIL_PASSWORD")

	// Browser
	cfg.Headless = parseBoolOrDefault("HEADLESS", true)
	if f.Headed {
		cfg.Headless = false
	}
	cfg.Browser = strings.ToLower(getEnvOrDefault("BROWSER", "chromium"))
	cfg.SlowMo = parseDurationOrDefault("SLOW_MO", 0)
	cfg.SessionFile = getEnvOrDefault("SESSION_FILE", "auth.json")

	// Action policy
	cfg.ActionMaxAttempts = parseIntOrDefault("ACTION_MAX_ATTEMPTS", action.DefaultPolicy.MaxAttempts)
	cfg.ActionTimeout = parseDurationOrDefault("ACTION_TIMEOUT", action.DefaultPolicy.Timeout)
	cfg.ActionRetryDelay = parseDurationOrDefault("ACTION_RETRY_DELAY", action.DefaultPolicy.BaseDelay)
	cfg.ActionBackoff = getEnvOrDefault("ACTION_BACKOFF", string(action.DefaultPolicy.Backoff))
	cfg.ActionRPS = parseFloat64OrDefault("ACTION_RPS", 0)
	cfg.ActionBurst = parseIntOrDefault("ACTION_BURST", 1)

	// Artifacts
	cfg.ArtifactsDir = getEnvOrDefault("ARTIFACTS_DIR", "./artifacts")
	if f.Artifacts != "" {
		cfg.ArtifactsDir = f.Artifacts
	}
	cfg.ArtifactsBucket = strings.TrimSpace(os.Getenv("ARTIFACTS_BUCKET"))
	cfg.AWSEndpointS3 = strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3"))
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", "auto")
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
// Credentials are only required when running against a real target.
func (c *Config) Validate() error {
	var errs []string

	switch c.Flow {
	case FlowHome, FlowYouTube, FlowAll:
	default:
		errs = append(errs, fmt.Sprintf("--flow must be one of home, youtube, all (got %q)", c.Flow))
	}

	switch c.Browser {
	case "chromium", "firefox", "webkit":
	default:
		errs = append(errs, fmt.Sprintf("BROWSER must be chromium, firefox or webkit (got %q)", c.Browser))
	}

	if !c.Demo {
		if c.DemoURL == "" {
			errs = append(errs, "DEMO_URL is required (set env var or use --demo)")
		}
		if c.Username == "" {
			errs = append(errs, "DEMO_USERNAME is required (set env var or use --demo)")
		}
		if c.Password == "" {
			errs = append(errs, "DEMO_PASSWORD is required (set env var or use --demo)")
		}
		if c.RunsFlow(FlowYouTube) {
			if c.GmailUser == "" {
				errs = append(errs, "GMAIL_USER is required for the youtube flow (set env var or use --demo)")
			}
			if c.GmailPassword == "" {
				errs = append(errs, "GMAIL_PASSWORD is required for the youtube flow (set env var or use --demo)")
			}
		}
	}

	// Retry policy must be usable before any action runs.
	if c.ActionMaxAttempts < 1 {
		errs = append(errs, "ACTION_MAX_ATTEMPTS must be at least 1")
	}
	if c.ActionTimeout <= 0 {
		errs = append(errs, "ACTION_TIMEOUT must be positive")
	}
	if c.ActionRetryDelay < 0 {
		errs = append(errs, "ACTION_RETRY_DELAY must not be negative")
	}
	if _, err := action.ParseBackoff(c.ActionBackoff); err != nil {
		errs = append(errs, "ACTION_BACKOFF must be fixed or exponential")
	}
	if c.ActionRPS < 0 {
		errs = append(errs, "ACTION_RPS must not be negative")
	}
	if c.ActionRPS > 0 && c.ActionBurst < 1 {
		errs = append(errs, "ACTION_BURST must be at least 1 when ACTION_RPS is set")
	}

	if c.ArtifactsDir == "" {
		errs = append(errs, "ARTIFACTS_DIR must not be empty")
	}
	if c.ArtifactsBucket != "" {
		if c.AWSAccessKeyID == "" {
			errs = append(errs, "AWS_ACCESS_KEY_ID is required when ARTIFACTS_BUCKET is set")
		}
		if c.AWSSecretAccessKey == "" {
			errs = append(errs, "AWS_SECRET_ACCESS_KEY is required when ARTIFACTS_BUCKET is set")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ActionPolicy returns the default retry policy for browser actions.
func (c *Config) ActionPolicy() action.Policy {
	backoff, err := action.ParseBackoff(c.ActionBackoff)
	if err != nil {
		backoff = action.DefaultPolicy.Backoff
	}
	return action.Policy{
		MaxAttempts: c.ActionMaxAttempts,
		Timeout:     c.ActionTimeout,
		BaseDelay:   c.ActionRetryDelay,
		Backoff:     backoff,
	}
}

// RunsFlow reports whether the configured flow selection includes flow.
func (c *Config) RunsFlow(flow string) bool {
	return c.Flow == FlowAll || c.Flow == flow
}

// UploadsArtifacts reports whether artifacts are also pushed to object storage.
func (c *Config) UploadsArtifacts() bool {
	return c.ArtifactsBucket != ""
}

// PrintStartupSummary prints a human-readable summary of the configuration to stderr.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "connect-e2e starting...")
	if c.Demo {
		fmt.Fprintln(os.Stderr, "  Target:    fixture application (--demo)")
	} else {
		fmt.Fprintf(os.Stderr, "  Target:    %s\n", c.DemoURL)
	}
	fmt.Fprintf(os.Stderr, "  Flow:      %s\n", c.Flow)
	fmt.Fprintf(os.Stderr, "  Browser:   %s (headless=%t)\n", c.Browser, c.Headless)
	fmt.Fprintf(os.Stderr, "  Actions:   %d attempts, %s timeout, %s %s backoff\n",
		c.ActionMaxAttempts, c.ActionTimeout, c.ActionRetryDelay, c.ActionBackoff)
	fmt.Fprintf(os.Stderr, "  Artifacts: %s\n", c.ArtifactsDir)
	if c.UploadsArtifacts() {
		fmt.Fprintf(os.Stderr, "  Upload:    s3://%s\n", c.ArtifactsBucket)
	}
	fmt.Fprintln(os.Stderr, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoadConfig loads configuration and panics if validation fails.
func MustLoadConfig(f Flags) *Config {
	cfg, err := LoadConfig(f)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
