// Package config loads walle's configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the walle service.
type Config struct {
	// Repository under management.
	Repo RepoRef

	// Authentication: either a token or GitHub App credentials.
	GitHubToken          string
	GitHubAppID          int64
	GitHubInstallationID int64
	GitHubAppKeyPath     string

	// Queue behavior.
	IntegrationLabel        string
	TopPriorityLabels       []string
	RequiresAllStatusChecks bool
	StatusChecksTimeout     time.Duration
	StatusChecksGracePeriod time.Duration
	SyncTimeout             time.Duration
	IdleCleanupDelay        time.Duration
	BotUserID               int64 // optional: identity filter for bootstrap comment scanning

	// Persistence (optional).
	DatabaseURL string

	// HTTP surface.
	ListenAddr    string
	WebhookPath   string
	WebhookSecret string

	LogLevel string // "debug", "info", "warn", "error"
}

// RepoRef identifies a repository by owner and name.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepoRef parses an "owner/name" string into a RepoRef.
// Returns false if the format is invalid.
func ParseRepoRef(s string) (RepoRef, bool) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" {
		return RepoRef{}, false
	}
	return RepoRef{Owner: owner, Name: name}, true
}

// Load reads configuration from environment variables, validates required
// fields, and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOrDefault("WALLE_LISTEN_ADDR", ":8080"),
		WebhookPath:      envOrDefault("WALLE_WEBHOOK_PATH", "/webhook"),
		IntegrationLabel: envOrDefault("WALLE_INTEGRATION_LABEL", "Please Merge 🙏"),
	}

	// Required variables
	var missing []string

	repoStr := os.Getenv("WALLE_REPO")
	if repoStr == "" {
		missing = append(missing, "WALLE_REPO")
	} else {
		ref, ok := ParseRepoRef(repoStr)
		if !ok {
			return nil, fmt.Errorf("WALLE_REPO: invalid repo format %q, expected owner/name", repoStr)
		}
		cfg.Repo = ref
	}

	cfg.WebhookSecret = os.Getenv("WALLE_WEBHOOK_SECRET")
	if cfg.WebhookSecret == "" {
		missing = append(missing, "WALLE_WEBHOOK_SECRET")
	}

	// Authentication: token or App credentials.
	cfg.GitHubToken = os.Getenv("WALLE_GITHUB_TOKEN")
	cfg.GitHubAppKeyPath = os.Getenv("WALLE_GITHUB_APP_KEY_PATH")

	var err error
	cfg.GitHubAppID, err = parseInt64OrDefault("WALLE_GITHUB_APP_ID", 0)
	if err != nil {
		return nil, err
	}
	cfg.GitHubInstallationID, err = parseInt64OrDefault("WALLE_GITHUB_APP_INSTALLATION_ID", 0)
	if err != nil {
		return nil, err
	}

	hasApp := cfg.GitHubAppID != 0 && cfg.GitHubInstallationID != 0 && cfg.GitHubAppKeyPath != ""
	if cfg.GitHubToken == "" && !hasApp {
		missing = append(missing, "WALLE_GITHUB_TOKEN (or WALLE_GITHUB_APP_ID + WALLE_GITHUB_APP_INSTALLATION_ID + WALLE_GITHUB_APP_KEY_PATH)")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	// Labels.
	if labels := os.Getenv("WALLE_TOP_PRIORITY_LABELS"); labels != "" {
		for _, l := range strings.Split(labels, ",") {
			l = strings.TrimSpace(l)
			if l != "" {
				cfg.TopPriorityLabels = append(cfg.TopPriorityLabels, l)
			}
		}
	} else {
		cfg.TopPriorityLabels = []string{"Top Priority ⚡️"}
	}

	// Durations with defaults.
	cfg.StatusChecksTimeout, err = parseDurationOrDefault("WALLE_STATUS_CHECKS_TIMEOUT", 90*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg.StatusChecksGracePeriod, err = parseDurationOrDefault("WALLE_STATUS_CHECKS_GRACE_PERIOD", 60*time.Second)
	if err != nil {
		return nil, err
	}

	cfg.SyncTimeout, err = parseDurationOrDefault("WALLE_SYNC_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	cfg.IdleCleanupDelay, err = parseDurationOrDefault("WALLE_IDLE_CLEANUP_DELAY", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	// Booleans and optional identifiers.
	cfg.RequiresAllStatusChecks, err = parseBoolOrDefault("WALLE_REQUIRES_ALL_STATUS_CHECKS", false)
	if err != nil {
		return nil, err
	}

	cfg.BotUserID, err = parseInt64OrDefault("WALLE_BOT_USER_ID", 0)
	if err != nil {
		return nil, err
	}

	cfg.DatabaseURL = os.Getenv("WALLE_DATABASE_URL")

	// Optional: log level
	cfg.LogLevel = envOrDefault("WALLE_LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, fmt.Errorf("WALLE_LOG_LEVEL: invalid value %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	return cfg, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationOrDefault(envKey string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", envKey, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %v", envKey, d)
	}
	return d, nil
}

func parseInt64OrDefault(envKey string, defaultVal int64) (int64, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", envKey, s, err)
	}
	return v, nil
}

func parseBoolOrDefault(envKey string, defaultVal bool) (bool, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", envKey, s, err)
	}
	return v, nil
}
