package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the share scheduling service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	ServerSecret   string
	AllowedOrigins []string

	// Sub-tokens wrapping the real client id inside clientIdX:
	// <PrefixA>-<PrefixB>-<client id>-<Suffix>.
	ClientIDPrefixA string
	ClientIDPrefixB string
	ClientIDSuffix  string

	TokenPrefixes []string

	UpstreamShareURL        string
	UpstreamExchangeURL     string
	UpstreamTimeout         time.Duration
	UpstreamExchangeTimeout time.Duration
	UpstreamUserAgent       string

	TaskErrorThreshold int
	TaskDeadlineGrace  time.Duration
	TaskMinInterval    time.Duration
	TaskRestartDelay   time.Duration
	TaskLogWindow      int

	APIRateLimit  int
	APIRateWindow time.Duration

	DatabaseURL string
}

// source resolves a key from the environment first and the optional YAML
// file second.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v, ok := os.LookupEnv(key); ok && trimSpace(v) != "" {
		return v
	}
	return s.file[key]
}

// Load reads the optional APP_CONFIG_FILE and environment variables and
// applies safe defaults. Environment variables win over file values.
func Load() (Config, error) {
	src := source{}
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}
	return load(src)
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("APP_CONFIG_FILE read error: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("APP_CONFIG_FILE parse error: %w", err)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch tv := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(tv))
			for _, p := range tv {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(tv)
		}
	}
	return out, nil
}

func load(src source) (Config, error) {
	cfg := Config{
		BindAddr:         src.envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: src.envOrDefault("APP_METRICS_NAMESPACE", "autoshare"),
		LogLevel:         src.envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        src.envOrDefault("APP_LOG_FORMAT", "console"),
		ServerSecret:     src.trimmed("SERVER_SECRET"),
		AllowedOrigins:   splitList(src.get("ALLOWED_ORIGINS")),
		ClientIDPrefixA:  src.trimmed("CLIENT_ID_PREFIX_A"),
		ClientIDPrefixB:  src.trimmed("CLIENT_ID_PREFIX_B"),
		ClientIDSuffix:   src.trimmed("CLIENT_ID_SUFFIX"),
		TokenPrefixes:    splitList(src.get("TOKEN_PREFIXES")),

		UpstreamShareURL:        src.trimmed("UPSTREAM_SHARE_URL"),
		UpstreamExchangeURL:     src.trimmed("UPSTREAM_EXCHANGE_URL"),
		UpstreamUserAgent:       src.envOrDefault("UPSTREAM_USER_AGENT", "autoshare/1.0"),
		UpstreamTimeout:         15 * time.Second,
		UpstreamExchangeTimeout: 10 * time.Second,

		TaskErrorThreshold: 3,
		TaskDeadlineGrace:  15 * time.Second,
		TaskMinInterval:    time.Second,
		TaskRestartDelay:   time.Second,
		TaskLogWindow:      100,

		APIRateLimit:  100,
		APIRateWindow: 15 * time.Minute,

		DatabaseURL:     src.trimmed("DATABASE_URL"),
		ShutdownTimeout: 15 * time.Second,
	}
	// PORT is what most hosting platforms inject.
	if port := src.trimmed("PORT"); port != "" && src.trimmed("APP_BIND_ADDR") == "" {
		cfg.BindAddr = ":" + port
	}

	var err error
	cfg.ShutdownTimeout, err = src.durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamTimeout, err = src.durationFromEnv("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamExchangeTimeout, err = src.durationFromEnv("UPSTREAM_EXCHANGE_TIMEOUT", cfg.UpstreamExchangeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskErrorThreshold, err = src.intFromEnv("TASK_ERROR_THRESHOLD", cfg.TaskErrorThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskDeadlineGrace, err = src.durationFromEnv("TASK_DEADLINE_GRACE", cfg.TaskDeadlineGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskMinInterval, err = src.durationFromEnv("TASK_MIN_INTERVAL", cfg.TaskMinInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskRestartDelay, err = src.durationFromEnv("TASK_RESTART_DELAY", cfg.TaskRestartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskLogWindow, err = src.intFromEnv("TASK_LOG_WINDOW", cfg.TaskLogWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.APIRateLimit, err = src.intFromEnv("API_RATE_LIMIT", cfg.APIRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.APIRateWindow, err = src.durationFromEnv("API_RATE_WINDOW", cfg.APIRateWindow)
	if err != nil {
		return Config{}, err
	}

	if cfg.ServerSecret == "" {
		return Config{}, fmt.Errorf("SERVER_SECRET is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return Config{}, fmt.Errorf("ALLOWED_ORIGINS must list at least one origin")
	}
	if cfg.ClientIDPrefixA == "" || cfg.ClientIDPrefixB == "" || cfg.ClientIDSuffix == "" {
		return Config{}, fmt.Errorf("CLIENT_ID_PREFIX_A, CLIENT_ID_PREFIX_B and CLIENT_ID_SUFFIX are required")
	}
	for _, tok := range []string{cfg.ClientIDPrefixA, cfg.ClientIDPrefixB, cfg.ClientIDSuffix} {
		if strings.Contains(tok, "-") {
			return Config{}, fmt.Errorf("client id sub-tokens must not contain '-'")
		}
	}
	if cfg.UpstreamShareURL == "" {
		return Config{}, fmt.Errorf("UPSTREAM_SHARE_URL is required")
	}
	if cfg.TaskErrorThreshold <= 0 {
		return Config{}, fmt.Errorf("TASK_ERROR_THRESHOLD must be positive")
	}
	if cfg.TaskMinInterval <= 0 {
		return Config{}, fmt.Errorf("TASK_MIN_INTERVAL must be positive")
	}
	if cfg.TaskDeadlineGrace < 0 || cfg.TaskRestartDelay < 0 {
		return Config{}, fmt.Errorf("TASK_DEADLINE_GRACE and TASK_RESTART_DELAY must be >= 0")
	}
	if cfg.TaskLogWindow <= 0 {
		return Config{}, fmt.Errorf("TASK_LOG_WINDOW must be positive")
	}
	if cfg.APIRateLimit <= 0 || cfg.APIRateWindow <= 0 {
		return Config{}, fmt.Errorf("API_RATE_LIMIT and API_RATE_WINDOW must be positive")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "console", "json":
	default:
		return Config{}, fmt.Errorf("invalid APP_LOG_FORMAT: %q (expected console|json)", cfg.LogFormat)
	}

	return cfg, nil
}

func (s source) envOrDefault(key, fallback string) string {
	v := s.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func (s source) trimmed(key string) string {
	return trimSpace(s.get(key))
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = trimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
