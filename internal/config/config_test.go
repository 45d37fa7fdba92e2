package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.TaskErrorThreshold != 3 {
		t.Fatalf("TaskErrorThreshold = %d, want 3", cfg.TaskErrorThreshold)
	}
	if cfg.TaskDeadlineGrace != 15*time.Second {
		t.Fatalf("TaskDeadlineGrace = %v, want 15s", cfg.TaskDeadlineGrace)
	}
	if cfg.UpstreamTimeout != 15*time.Second || cfg.UpstreamExchangeTimeout != 10*time.Second {
		t.Fatalf("upstream timeouts = %v/%v, want 15s/10s", cfg.UpstreamTimeout, cfg.UpstreamExchangeTimeout)
	}
	if cfg.APIRateLimit != 100 || cfg.APIRateWindow != 15*time.Minute {
		t.Fatalf("rate limit = %d per %v, want 100 per 15m", cfg.APIRateLimit, cfg.APIRateWindow)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Fatalf("AllowedOrigins = %v, want two entries", cfg.AllowedOrigins)
	}
}

func TestLoadPortOverridesDefaultBindAddr(t *testing.T) {
	setCoreEnvEmpty(t)
	setRequiredEnv(t)
	t.Setenv("PORT", "3000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":3000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":3000")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	setCoreEnvEmpty(t)
	setRequiredEnv(t)
	t.Setenv("SERVER_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing secret error")
	}
}

func TestLoadRejectsDashInSubTokens(t *testing.T) {
	setCoreEnvEmpty(t)
	setRequiredEnv(t)
	t.Setenv("CLIENT_ID_SUFFIX", "a-b")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want sub-token error")
	}
}

func TestLoadReadsYAMLFileWithEnvOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "autoshare.yaml")
	body := []byte(`
server_secret: from-file
allowed_origins:
  - https://ui.example.test
client_id_prefix_a: aa
client_id_prefix_b: bb
client_id_suffix: zz
upstream_share_url: http://upstream.test/share
task_error_threshold: 5
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("TASK_ERROR_THRESHOLD", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerSecret != "from-file" {
		t.Fatalf("ServerSecret = %q, want %q", cfg.ServerSecret, "from-file")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ui.example.test" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.TaskErrorThreshold != 4 {
		t.Fatalf("TaskErrorThreshold = %d, want env override 4", cfg.TaskErrorThreshold)
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SERVER_SECRET", "s3cret")
	t.Setenv("ALLOWED_ORIGINS", "https://ui.example.test, http://localhost:5173")
	t.Setenv("CLIENT_ID_PREFIX_A", "aa")
	t.Setenv("CLIENT_ID_PREFIX_B", "bb")
	t.Setenv("CLIENT_ID_SUFFIX", "zz")
	t.Setenv("UPSTREAM_SHARE_URL", "http://upstream.test/share")
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"PORT",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"SERVER_SECRET",
		"ALLOWED_ORIGINS",
		"CLIENT_ID_PREFIX_A",
		"CLIENT_ID_PREFIX_B",
		"CLIENT_ID_SUFFIX",
		"TOKEN_PREFIXES",
		"UPSTREAM_SHARE_URL",
		"UPSTREAM_EXCHANGE_URL",
		"UPSTREAM_TIMEOUT",
		"UPSTREAM_EXCHANGE_TIMEOUT",
		"UPSTREAM_USER_AGENT",
		"TASK_ERROR_THRESHOLD",
		"TASK_DEADLINE_GRACE",
		"TASK_MIN_INTERVAL",
		"TASK_RESTART_DELAY",
		"TASK_LOG_WINDOW",
		"API_RATE_LIMIT",
		"API_RATE_WINDOW",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
