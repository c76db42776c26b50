package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr string
	BaseURL    string
	LogFile    string

	DB struct {
		DSN string
	}

	Google struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
	}

	// TokenSecret seals OAuth tokens at rest.
	TokenSecret string
	// HookToken authenticates the internal hook endpoints.
	HookToken string

	Sync SyncConfig

	PrometheusEnabled bool
	TrustedProxies    []string
}

// SyncConfig tunes the sync engine and scheduler.
type SyncConfig struct {
	LookbackDays      int
	Debounce          time.Duration
	LockRetryBase     time.Duration
	LockRetryMax      time.Duration
	LockRetryAttempts int
	PollEnabled       bool
	PollInterval      time.Duration
	CallTimeout       time.Duration
	PushConcurrency   int
	ProviderRPS       float64
	ManagedCalendar   string
	CalendarTimeZone  string
	ACLRole           string
}

var validACLRoles = map[string]bool{"reader": true, "writer": true, "owner": true}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("prometheus_endpoint_enabled", false)

	v.SetDefault("sync_lookback_days", 30)
	v.SetDefault("sync_debounce_ms", 1500)
	v.SetDefault("sync_lock_retry_base_ms", 500)
	v.SetDefault("sync_lock_retry_max_ms", 30000)
	v.SetDefault("sync_lock_retry_attempts", 8)
	v.SetDefault("sync_poll_enabled", true)
	v.SetDefault("sync_poll_interval", "5m")
	v.SetDefault("sync_call_timeout", "20s")
	v.SetDefault("sync_push_concurrency", 4)
	v.SetDefault("sync_provider_rps", 5)
	v.SetDefault("sync_managed_calendar_name", "Care Plan")
	v.SetDefault("sync_calendar_timezone", "UTC")
	v.SetDefault("sync_acl_role", "writer")
	return v
}

func Load() (*Config, error) {
	v := newViper()
	cfg := &Config{}

	cfg.ListenAddr = v.GetString("listen_addr")
	cfg.BaseURL = v.GetString("base_url")
	cfg.LogFile = strings.TrimSpace(v.GetString("log_file"))
	cfg.DB.DSN = v.GetString("db_dsn")

	if cfg.DB.DSN == "" {
		host := v.GetString("db_host")
		name := v.GetString("db_name")
		user := v.GetString("db_user")
		password := v.GetString("db_password")
		port := v.GetString("db_port")
		sslmode := v.GetString("db_sslmode")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Google.ClientID = v.GetString("google_client_id")
	cfg.Google.ClientSecret = v.GetString("google_client_secret")
	cfg.Google.RedirectURL = v.GetString("google_redirect_url")
	cfg.TokenSecret = v.GetString("token_secret")
	cfg.HookToken = v.GetString("hook_token")
	cfg.PrometheusEnabled = v.GetBool("prometheus_endpoint_enabled")
	cfg.TrustedProxies = splitList(v.GetString("trusted_proxies"))

	cfg.Sync = SyncConfig{
		LookbackDays:      v.GetInt("sync_lookback_days"),
		Debounce:          time.Duration(v.GetInt("sync_debounce_ms")) * time.Millisecond,
		LockRetryBase:     time.Duration(v.GetInt("sync_lock_retry_base_ms")) * time.Millisecond,
		LockRetryMax:      time.Duration(v.GetInt("sync_lock_retry_max_ms")) * time.Millisecond,
		LockRetryAttempts: v.GetInt("sync_lock_retry_attempts"),
		PollEnabled:       v.GetBool("sync_poll_enabled"),
		PollInterval:      v.GetDuration("sync_poll_interval"),
		CallTimeout:       v.GetDuration("sync_call_timeout"),
		PushConcurrency:   v.GetInt("sync_push_concurrency"),
		ProviderRPS:       v.GetFloat64("sync_provider_rps"),
		ManagedCalendar:   strings.TrimSpace(v.GetString("sync_managed_calendar_name")),
		CalendarTimeZone:  strings.TrimSpace(v.GetString("sync_calendar_timezone")),
		ACLRole:           strings.ToLower(strings.TrimSpace(v.GetString("sync_acl_role"))),
	}

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, fmt.Errorf("google oauth configuration is required: client id and secret")
	}
	if cfg.TokenSecret == "" {
		return nil, errors.New("APP_TOKEN_SECRET is required")
	}
	if len(cfg.TokenSecret) < 32 {
		return nil, fmt.Errorf("APP_TOKEN_SECRET must be at least 32 characters long (got %d)", len(cfg.TokenSecret))
	}
	if cfg.HookToken == "" {
		return nil, errors.New("APP_HOOK_TOKEN is required")
	}
	if err := cfg.Sync.validate(); err != nil {
		return nil, err
	}

	if len(cfg.TrustedProxies) == 0 {
		log.Println("WARNING: No APP_TRUSTED_PROXIES configured. calsync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func (s *SyncConfig) validate() error {
	if s.LookbackDays < 0 {
		return fmt.Errorf("APP_SYNC_LOOKBACK_DAYS must not be negative (got %d)", s.LookbackDays)
	}
	if s.Debounce < 0 {
		return errors.New("APP_SYNC_DEBOUNCE_MS must not be negative")
	}
	if s.LockRetryBase <= 0 || s.LockRetryMax < s.LockRetryBase {
		return errors.New("APP_SYNC_LOCK_RETRY_BASE_MS must be positive and not exceed APP_SYNC_LOCK_RETRY_MAX_MS")
	}
	if s.LockRetryAttempts < 1 {
		return errors.New("APP_SYNC_LOCK_RETRY_ATTEMPTS must be at least 1")
	}
	if s.PollEnabled && s.PollInterval < time.Minute {
		return fmt.Errorf("APP_SYNC_POLL_INTERVAL must be at least 1m (got %s)", s.PollInterval)
	}
	if s.CallTimeout <= 0 {
		return errors.New("APP_SYNC_CALL_TIMEOUT must be positive")
	}
	if s.PushConcurrency < 1 {
		s.PushConcurrency = 1
	}
	if s.ProviderRPS <= 0 {
		return errors.New("APP_SYNC_PROVIDER_RPS must be positive")
	}
	if s.ManagedCalendar == "" {
		return errors.New("APP_SYNC_MANAGED_CALENDAR_NAME must not be empty")
	}
	if _, err := time.LoadLocation(s.CalendarTimeZone); err != nil {
		return fmt.Errorf("APP_SYNC_CALENDAR_TIMEZONE: %w", err)
	}
	if !validACLRoles[s.ACLRole] {
		return fmt.Errorf("APP_SYNC_ACL_ROLE must be reader, writer, or owner (got %q)", s.ACLRole)
	}
	return nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var result []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
