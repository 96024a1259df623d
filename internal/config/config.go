package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/scriptd/internal/logger"
)

// EnvPrefix namespaces environment overrides: SCRIPTD_SERVER_LISTEN sets
// server.listen.
const EnvPrefix = "SCRIPTD"

// Config is the daemon configuration, read from an optional TOML file and
// the environment.
type Config struct {
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	Runner  RunnerConfig  `toml:"runner" mapstructure:"runner"`
	Stream  StreamConfig  `toml:"stream" mapstructure:"stream"`
	Persist PersistConfig `toml:"persist" mapstructure:"persist"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	Listen          string        `toml:"listen" mapstructure:"listen"`
	BasePath        string        `toml:"base_path" mapstructure:"base_path"`
	WSPath          string        `toml:"ws_path" mapstructure:"ws_path"`
	CORSOrigins     []string      `toml:"cors_origins" mapstructure:"cors_origins"`
	PingInterval    time.Duration `toml:"ping_interval" mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `toml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS/WSS on the API listener. Explicit cert/key files
// win; otherwise Dir holds tls.crt and tls.key, generated when AutoGenerate
// is set and they are missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type RunnerConfig struct {
	Shell       string        `toml:"shell" mapstructure:"shell"`
	WorkDir     string        `toml:"workdir" mapstructure:"workdir"`
	TempDir     string        `toml:"temp_dir" mapstructure:"temp_dir"`
	UseOSEnv    bool          `toml:"use_os_env" mapstructure:"use_os_env"`
	Env         []string      `toml:"env" mapstructure:"env"`
	EnvFiles    []string      `toml:"env_files" mapstructure:"env_files"`
	WaitDelay   time.Duration `toml:"wait_delay" mapstructure:"wait_delay"`
	StopTimeout time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	CaptureDir  string        `toml:"capture_dir" mapstructure:"capture_dir"`
}

type StreamConfig struct {
	SubscriberBuffer int           `toml:"subscriber_buffer" mapstructure:"subscriber_buffer"`
	Retention        time.Duration `toml:"retention" mapstructure:"retention"`
}

type PersistConfig struct {
	RetryInitial    time.Duration `toml:"retry_initial" mapstructure:"retry_initial"`
	RetryMaxElapsed time.Duration `toml:"retry_max_elapsed" mapstructure:"retry_max_elapsed"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"` // empty serves /metrics on the API listener
}

type HistoryConfig struct {
	Sinks   []string      `toml:"sinks" mapstructure:"sinks"` // DSNs, see history/factory
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("store.dsn", "sqlite://scriptd.db")

	v.SetDefault("runner.shell", "bash")
	v.SetDefault("runner.workdir", "")
	v.SetDefault("runner.temp_dir", "")
	v.SetDefault("runner.use_os_env", false)
	v.SetDefault("runner.env", []string{})
	v.SetDefault("runner.env_files", []string{})
	v.SetDefault("runner.wait_delay", 2*time.Second)
	v.SetDefault("runner.stop_timeout", 5*time.Second)
	v.SetDefault("runner.capture_dir", "")

	v.SetDefault("stream.subscriber_buffer", 256)
	v.SetDefault("stream.retention", 30*time.Second)

	v.SetDefault("persist.retry_initial", 200*time.Millisecond)
	v.SetDefault("persist.retry_max_elapsed", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.timeout", 5*time.Second)
}

// Load reads path (optional, TOML) and applies SCRIPTD_* overrides.
// DATABASE_URL is honoured for store.dsn when neither the file nor
// SCRIPTD_STORE_DSN sets it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if _, ok := os.LookupEnv(EnvPrefix + "_STORE_DSN"); !ok && !v.InConfig("store.dsn") {
		if url := os.Getenv("DATABASE_URL"); url != "" {
			v.Set("store.dsn", url)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the daemon cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Stream.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("stream.subscriber_buffer must be positive, got %d", c.Stream.SubscriberBuffer))
	}
	for name, d := range map[string]time.Duration{
		"stream.retention":          c.Stream.Retention,
		"persist.retry_initial":     c.Persist.RetryInitial,
		"persist.retry_max_elapsed": c.Persist.RetryMaxElapsed,
		"server.ping_interval":      c.Server.PingInterval,
		"server.write_timeout":      c.Server.WriteTimeout,
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, errors.New("server.tls needs cert_file/key_file or dir"))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json, color", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Logger converts the log section for logger.New.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:  l.Level,
		Format: l.Format,
		File:   l.File,
		Rotation: logger.Rotation{
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// Capture returns the per-execution output archive settings, sharing the
// daemon log rotation.
func (c *Config) Capture() logger.Capture {
	return logger.Capture{Dir: c.Runner.CaptureDir, Rotation: c.Log.Logger().Rotation}
}

// Environment merges runner.env_files in order, then runner.env on top.
// Values keep ${VAR} references; the runner expands them per execution.
func (r RunnerConfig) Environment() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range r.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range r.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
