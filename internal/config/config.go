// Package config loads the daemon's configuration from an optional YAML
// file plus EVALBOT_-prefixed environment variables, the latter always
// taking precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/evalbot/evalbot/internal/evalerr"
)

// Config is the full set of settings the daemon needs to start.
type Config struct {
	Identifier string
	Password   string
	Service    string

	RelayHost string
	BotHandle string

	UseQueue bool
	Redis    RedisConfig

	AdminDIDs []string

	Sandbox   SandboxConfig
	Ledger    LedgerConfig
	Admission AdmissionConfig

	LogMode        string
	MetricsEnabled bool
	MetricsAddr    string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type SandboxConfig struct {
	TimeoutMS      int
	MaxStackDepth  int
	MaxOutputLines int
	MaxHeapBytes   int64
}

type LedgerConfig struct {
	PerEvalLimit           int
	WindowLimit            int
	WindowSecs             int
	PostBodyLimitBytes     int
	ResponseSizeLimitBytes int
	RequestTimeoutMS       int
}

type AdmissionConfig struct {
	CooldownMS  int
	MaxInFlight int64
}

// Load reads configFile (if non-empty and present) and overlays environment
// variables under the EVALBOT_ prefix, then validates required fields.
// A missing identity or credential is a fatal startup error
// (evalerr.KindConfig), not a recoverable one.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("EVALBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, evalerr.Wrap(evalerr.KindConfig, fmt.Errorf("read config file: %w", err))
			}
		}
	}

	// max_in_flight's default depends on the queue mode (a durable queue can
	// absorb a much deeper backlog than the direct in-process pool), so it
	// can't be a single SetDefault value the way the other defaults are —
	// SetDefault would make IsSet true unconditionally and defeat this check.
	if !v.IsSet("admission.max_in_flight") {
		if v.GetBool("use_queue") {
			v.Set("admission.max_in_flight", 1000)
		} else {
			v.Set("admission.max_in_flight", 100)
		}
	}

	cfg := Config{
		Identifier: v.GetString("identifier"),
		Password:   v.GetString("password"),
		Service:    v.GetString("service"),
		RelayHost:  v.GetString("relay_host"),
		BotHandle:  v.GetString("bot_handle"),
		UseQueue:   v.GetBool("use_queue"),
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		AdminDIDs: v.GetStringSlice("admin_dids"),
		Sandbox: SandboxConfig{
			TimeoutMS:      v.GetInt("sandbox.timeout_ms"),
			MaxStackDepth:  v.GetInt("sandbox.max_stack_depth"),
			MaxOutputLines: v.GetInt("sandbox.max_output_lines"),
			MaxHeapBytes:   v.GetInt64("sandbox.max_heap_bytes"),
		},
		Ledger: LedgerConfig{
			PerEvalLimit:           v.GetInt("ledger.per_eval_limit"),
			WindowLimit:            v.GetInt("ledger.window_limit"),
			WindowSecs:             v.GetInt("ledger.window_secs"),
			PostBodyLimitBytes:     v.GetInt("ledger.post_body_limit_bytes"),
			ResponseSizeLimitBytes: v.GetInt("ledger.response_size_limit_bytes"),
			RequestTimeoutMS:       v.GetInt("ledger.request_timeout_ms"),
		},
		Admission: AdmissionConfig{
			CooldownMS:  v.GetInt("admission.cooldown_ms"),
			MaxInFlight: v.GetInt64("admission.max_in_flight"),
		},
		LogMode:        v.GetString("log_mode"),
		MetricsEnabled: v.GetBool("metrics_enabled"),
		MetricsAddr:    v.GetString("metrics_addr"),
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "https://bsky.social")
	v.SetDefault("relay_host", "bsky.network")
	v.SetDefault("use_queue", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("sandbox.timeout_ms", 5000)
	v.SetDefault("sandbox.max_stack_depth", 512)
	v.SetDefault("sandbox.max_output_lines", 50)
	v.SetDefault("sandbox.max_heap_bytes", 64<<20)
	v.SetDefault("ledger.per_eval_limit", 5)
	v.SetDefault("ledger.window_limit", 25)
	v.SetDefault("ledger.window_secs", 60)
	v.SetDefault("ledger.post_body_limit_bytes", 150_000)
	v.SetDefault("ledger.response_size_limit_bytes", 150_000)
	v.SetDefault("ledger.request_timeout_ms", 5000)
	v.SetDefault("admission.cooldown_ms", 5000)
	// admission.max_in_flight is intentionally not defaulted here; see the
	// mode-dependent check in Load.
	v.SetDefault("log_mode", "production")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_addr", ":9090")
}

func validate(cfg Config) error {
	if cfg.Identifier == "" {
		return evalerr.New(evalerr.KindConfig, "identifier is required (EVALBOT_IDENTIFIER)")
	}
	if cfg.Password == "" {
		return evalerr.New(evalerr.KindConfig, "password is required (EVALBOT_PASSWORD)")
	}
	if cfg.BotHandle == "" {
		return evalerr.New(evalerr.KindConfig, "bot_handle is required (EVALBOT_BOT_HANDLE)")
	}
	if cfg.UseQueue && cfg.Redis.Host == "" {
		return evalerr.New(evalerr.KindConfig, "redis.host is required when use_queue is true")
	}
	return nil
}
