package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()

	t.Setenv("WALLE_REPO", "jogman/walle")
	t.Setenv("WALLE_WEBHOOK_SECRET", "s3cret")
	t.Setenv("WALLE_GITHUB_TOKEN", "ghp_test")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Repo.Owner != "jogman" || cfg.Repo.Name != "walle" {
		t.Errorf("Repo = %+v", cfg.Repo)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.WebhookPath != "/webhook" {
		t.Errorf("WebhookPath = %q, want /webhook", cfg.WebhookPath)
	}
	if cfg.IntegrationLabel != "Please Merge 🙏" {
		t.Errorf("IntegrationLabel = %q", cfg.IntegrationLabel)
	}
	if len(cfg.TopPriorityLabels) != 1 || cfg.TopPriorityLabels[0] != "Top Priority ⚡️" {
		t.Errorf("TopPriorityLabels = %v", cfg.TopPriorityLabels)
	}
	if cfg.StatusChecksTimeout != 90*time.Minute {
		t.Errorf("StatusChecksTimeout = %v, want 90m", cfg.StatusChecksTimeout)
	}
	if cfg.StatusChecksGracePeriod != 60*time.Second {
		t.Errorf("StatusChecksGracePeriod = %v, want 60s", cfg.StatusChecksGracePeriod)
	}
	if cfg.SyncTimeout != 60*time.Second {
		t.Errorf("SyncTimeout = %v, want 60s", cfg.SyncTimeout)
	}
	if cfg.IdleCleanupDelay != 5*time.Minute {
		t.Errorf("IdleCleanupDelay = %v, want 5m", cfg.IdleCleanupDelay)
	}
	if cfg.RequiresAllStatusChecks {
		t.Error("RequiresAllStatusChecks should default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load()
	if err == nil {
		t.Fatal("Load() succeeded without required variables")
	}
	if !strings.Contains(err.Error(), "WALLE_REPO") {
		t.Errorf("error %q does not mention WALLE_REPO", err)
	}
	if !strings.Contains(err.Error(), "WALLE_WEBHOOK_SECRET") {
		t.Errorf("error %q does not mention WALLE_WEBHOOK_SECRET", err)
	}
}

func TestLoadRequiresAuth(t *testing.T) {
	t.Setenv("WALLE_REPO", "jogman/walle")
	t.Setenv("WALLE_WEBHOOK_SECRET", "s3cret")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() succeeded without any credentials")
	}
	if !strings.Contains(err.Error(), "WALLE_GITHUB_TOKEN") {
		t.Errorf("error %q does not mention the token variable", err)
	}
}

func TestLoadAppCredentials(t *testing.T) {
	t.Setenv("WALLE_REPO", "jogman/walle")
	t.Setenv("WALLE_WEBHOOK_SECRET", "s3cret")
	t.Setenv("WALLE_GITHUB_APP_ID", "123")
	t.Setenv("WALLE_GITHUB_APP_INSTALLATION_ID", "456")
	t.Setenv("WALLE_GITHUB_APP_KEY_PATH", "/etc/walle/key.pem")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.GitHubAppID != 123 || cfg.GitHubInstallationID != 456 {
		t.Errorf("app credentials = %d/%d, want 123/456", cfg.GitHubAppID, cfg.GitHubInstallationID)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WALLE_STATUS_CHECKS_TIMEOUT", "2h")
	t.Setenv("WALLE_TOP_PRIORITY_LABELS", "urgent, hotfix")
	t.Setenv("WALLE_REQUIRES_ALL_STATUS_CHECKS", "true")
	t.Setenv("WALLE_BOT_USER_ID", "99")
	t.Setenv("WALLE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.StatusChecksTimeout != 2*time.Hour {
		t.Errorf("StatusChecksTimeout = %v, want 2h", cfg.StatusChecksTimeout)
	}
	if len(cfg.TopPriorityLabels) != 2 || cfg.TopPriorityLabels[0] != "urgent" || cfg.TopPriorityLabels[1] != "hotfix" {
		t.Errorf("TopPriorityLabels = %v", cfg.TopPriorityLabels)
	}
	if !cfg.RequiresAllStatusChecks {
		t.Error("RequiresAllStatusChecks = false, want true")
	}
	if cfg.BotUserID != 99 {
		t.Errorf("BotUserID = %d, want 99", cfg.BotUserID)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad repo format", "WALLE_REPO", "no-slash"},
		{"bad duration", "WALLE_STATUS_CHECKS_TIMEOUT", "ninety minutes"},
		{"negative duration", "WALLE_SYNC_TIMEOUT", "-10s"},
		{"bad bool", "WALLE_REQUIRES_ALL_STATUS_CHECKS", "yep"},
		{"bad int", "WALLE_BOT_USER_ID", "abc"},
		{"bad log level", "WALLE_LOG_LEVEL", "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Fatalf("Load() succeeded with %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestParseRepoRef(t *testing.T) {
	ref, ok := ParseRepoRef("owner/name")
	if !ok || ref.Owner != "owner" || ref.Name != "name" {
		t.Fatalf("ParseRepoRef = %+v, %t", ref, ok)
	}
	if ref.String() != "owner/name" {
		t.Fatalf("String() = %q", ref.String())
	}

	for _, bad := range []string{"", "owner", "owner/", "/name"} {
		if _, ok := ParseRepoRef(bad); ok {
			t.Errorf("ParseRepoRef(%q) succeeded", bad)
		}
	}
}
