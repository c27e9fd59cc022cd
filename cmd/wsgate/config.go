package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/gobwas/wsgate"
	"github.com/gobwas/wsgate/reactor"
)

type config struct {
	Addr           string
	AdminAddr      string
	LogLevel       zerolog.Level
	MaxHeaderSize  int
	MaxMessageSize int64
	WriteTimeout   time.Duration
	ReadBufferSize int
	Subprotocols   []string
	AllowedOrigins []string
}

type fileConfig struct {
	Addr           string   `toml:"addr"`
	AdminAddr      string   `toml:"admin_addr"`
	LogLevel       string   `toml:"log_level"`
	MaxHeaderSize  int      `toml:"max_header_size"`
	MaxMessageSize int64    `toml:"max_message_size"`
	WriteTimeout   string   `toml:"write_timeout"`
	ReadBufferSize int      `toml:"read_buffer_size"`
	Subprotocols   []string `toml:"subprotocols"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

func defaultConfig() config {
	rc := reactor.DefaultConfig()
	return config{
		Addr:           rc.Addr,
		LogLevel:       zerolog.InfoLevel,
		MaxHeaderSize:  wsgate.DefaultMaxHeaderSize,
		MaxMessageSize: wsgate.DefaultMaxMessageSize,
		WriteTimeout:   rc.WriteTimeout,
		ReadBufferSize: rc.ReadBufferSize,
		Subprotocols:   []string{"echo", "chat"},
	}
}

// envConfig holds overrides read from WSGATE_* environment variables. They
// take precedence over the file.
type envConfig struct {
	Addr      string `envconfig:"addr"`
	AdminAddr string `envconfig:"admin_addr"`
	LogLevel  string `envconfig:"log_level"`
}

const envPrefix = "wsgate"

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return config{}, err
		}
	}
	if err := loadConfigEnv(&cfg); err != nil {
		return config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("log_level") {
		lvl, err := parseLevel(raw.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("max_header_size") {
		cfg.MaxHeaderSize = raw.MaxHeaderSize
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return fmt.Errorf("parse write_timeout: %w", err)
		}
		cfg.WriteTimeout = d
	}
	if meta.IsDefined("read_buffer_size") {
		cfg.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("subprotocols") {
		cfg.Subprotocols = normalizeList(raw.Subprotocols)
	}
	if meta.IsDefined("allowed_origins") {
		cfg.AllowedOrigins = normalizeList(raw.AllowedOrigins)
	}
	return nil
}

func loadConfigEnv(cfg *config) error {
	var env envConfig
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if v := strings.TrimSpace(env.Addr); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(env.AdminAddr); v != "" {
		cfg.AdminAddr = v
	}
	if env.LogLevel != "" {
		lvl, err := parseLevel(env.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	return nil
}

func parseLevel(s string) (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return lvl, fmt.Errorf("parse log_level: %w", err)
	}
	return lvl, nil
}

func validateConfig(cfg config) error {
	if cfg.Addr == "" {
		return fmt.Errorf("config missing addr")
	}
	if cfg.MaxHeaderSize <= 0 {
		return fmt.Errorf("max_header_size must be positive")
	}
	if cfg.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	if cfg.ReadBufferSize <= 0 {
		return fmt.Errorf("read_buffer_size must be positive")
	}
	if cfg.WriteTimeout < 0 {
		return fmt.Errorf("write_timeout must not be negative")
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// originChecker returns nil if any origin is allowed.
func originChecker(allowed []string) func(string) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
