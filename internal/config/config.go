package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/loykin/enginectl/internal/env"
	"github.com/loykin/enginectl/internal/logger"
	"github.com/loykin/enginectl/internal/readiness"
	"github.com/loykin/enginectl/internal/resolver"
	"github.com/loykin/enginectl/internal/supervisor"
)

// EnvPrefix is the prefix of environment variables overriding file keys,
// e.g. ENGINECTL_ENGINE_DEFAULT_PORT.
const EnvPrefix = "ENGINECTL"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env       []string        `toml:"env" mapstructure:"env"`
	EnvFiles  []string        `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv  bool            `toml:"use_os_env" mapstructure:"use_os_env"`
	Engine    EngineConfig    `toml:"engine" mapstructure:"engine"`
	Readiness ReadinessConfig `toml:"readiness" mapstructure:"readiness"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
}

type EngineConfig struct {
	Name          string               `toml:"name" mapstructure:"name"`
	Host          string               `toml:"host" mapstructure:"host"`
	DefaultPort   int                  `toml:"default_port" mapstructure:"default_port"`
	WorkDir       string               `toml:"work_dir" mapstructure:"work_dir"`
	Args          []string             `toml:"args" mapstructure:"args"`
	Env           []string             `toml:"env" mapstructure:"env"`
	PathPrepend   []string             `toml:"path_prepend" mapstructure:"path_prepend"`
	PIDFile       string               `toml:"pid_file" mapstructure:"pid_file"`
	ReuseExisting bool                 `toml:"reuse_existing" mapstructure:"reuse_existing"`
	Autostart     bool                 `toml:"autostart" mapstructure:"autostart"`
	Candidates    []resolver.Candidate `toml:"candidates" mapstructure:"candidates"`
}

type ReadinessConfig struct {
	MaxAttempts    int           `toml:"max_attempts" mapstructure:"max_attempts"`
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	Path           string        `toml:"path" mapstructure:"path"`
	OnTimeout      string        `toml:"on_timeout" mapstructure:"on_timeout"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

// Config is a loaded, validated configuration. Relative paths are already
// resolved against the directory of the file.
type Config struct {
	FileConfig
	// Path is the absolute path of the file, empty when running on defaults.
	Path string

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("engine.name", "engine")
	v.SetDefault("engine.host", "127.0.0.1")
	v.SetDefault("engine.default_port", int(supervisor.DefaultPort))
	v.SetDefault("engine.work_dir", "")
	v.SetDefault("engine.path_prepend", DefaultPathPrepend(runtime.GOOS))
	v.SetDefault("engine.pid_file", "")
	v.SetDefault("engine.reuse_existing", true)
	v.SetDefault("engine.autostart", false)
	v.SetDefault("readiness.max_attempts", readiness.DefaultMaxAttempts)
	v.SetDefault("readiness.interval", readiness.DefaultInterval)
	v.SetDefault("readiness.request_timeout", readiness.DefaultRequestTimeout)
	v.SetDefault("readiness.path", "/")
	v.SetDefault("readiness.on_timeout", string(supervisor.OnTimeoutLeave))
	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.dir", "")
	v.SetDefault("server.listen", "127.0.0.1:8790")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9790")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
}

// DefaultPathPrepend lists directories where helper tools such as ffmpeg
// are commonly installed but missing from a GUI-launched PATH.
func DefaultPathPrepend(goos string) []string {
	switch goos {
	case "windows":
		return []string{`C:\ffmpeg\bin`, `C:\Program Files\FFmpeg\bin`, `C:\Program Files (x86)\FFmpeg\bin`}
	case "darwin":
		return []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin"}
	default:
		return []string{"/usr/local/bin", "/usr/bin"}
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the TOML file at path. An empty path yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	v := newViper()
	abs := ""
	if path != "" {
		var err error
		if abs, err = filepath.Abs(path); err != nil {
			return nil, err
		}
		v.SetConfigFile(abs)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", abs, err)
		}
	}
	return decode(v, abs)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	base := ""
	if path != "" {
		base = filepath.Dir(path)
	} else if wd, err := os.Getwd(); err == nil {
		base = wd
	}
	fc.normalize(base)
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &Config{FileConfig: fc, Path: path, v: v}, nil
}

// normalize expands $VAR references and anchors relative paths at base.
func (fc *FileConfig) normalize(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || base == "" {
			return p
		}
		return filepath.Join(base, p)
	}
	e := &fc.Engine
	e.WorkDir = abs(os.ExpandEnv(e.WorkDir))
	e.PIDFile = abs(os.ExpandEnv(e.PIDFile))
	for i, c := range e.Candidates {
		c.Command = os.ExpandEnv(c.Command)
		if strings.ContainsAny(c.Command, `/\`) {
			c.Command = abs(c.Command)
		}
		e.Candidates[i] = c
	}
	for i, d := range e.PathPrepend {
		e.PathPrepend[i] = os.ExpandEnv(d)
	}
	for i, f := range fc.EnvFiles {
		fc.EnvFiles[i] = abs(os.ExpandEnv(f))
	}
	fc.Log.Dir = abs(os.ExpandEnv(fc.Log.Dir))
	fc.Log.Stdout = abs(os.ExpandEnv(fc.Log.Stdout))
	fc.Log.Stderr = abs(os.ExpandEnv(fc.Log.Stderr))
	fc.History.DSN = sqliteDSN(fc.History.DSN, abs)
	if fc.Server.BasePath != "" && !strings.HasPrefix(fc.Server.BasePath, "/") {
		fc.Server.BasePath = "/" + fc.Server.BasePath
	}
	fc.Server.BasePath = strings.TrimSuffix(fc.Server.BasePath, "/")
}

// sqliteDSN anchors relative sqlite file paths; other DSNs are untouched.
func sqliteDSN(dsn string, abs func(string) string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return dsn
	case strings.HasPrefix(strings.ToLower(dsn), "sqlite://"):
		p := dsn[len("sqlite://"):]
		if p == ":memory:" || strings.HasPrefix(p, "file:") {
			return dsn
		}
		return "sqlite://" + abs(p)
	case !strings.Contains(dsn, "://"):
		return abs(dsn)
	}
	return dsn
}

// Validate reports the first invalid key.
func (fc *FileConfig) Validate() error {
	e := fc.Engine
	if e.DefaultPort < 0 || e.DefaultPort > 65535 {
		return fmt.Errorf("engine.default_port: %d out of range", e.DefaultPort)
	}
	for i, c := range e.Candidates {
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("engine.candidates[%d]: command is empty", i)
		}
	}
	if e.WorkDir != "" {
		fi, err := os.Stat(e.WorkDir)
		if err != nil {
			return fmt.Errorf("engine.work_dir: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("engine.work_dir: %s is not a directory", e.WorkDir)
		}
	}
	r := fc.Readiness
	if r.MaxAttempts < 0 {
		return fmt.Errorf("readiness.max_attempts: must not be negative")
	}
	if r.Interval < 0 || r.RequestTimeout < 0 {
		return fmt.Errorf("readiness: durations must not be negative")
	}
	switch supervisor.TimeoutPolicy(r.OnTimeout) {
	case supervisor.OnTimeoutLeave, supervisor.OnTimeoutKill:
	default:
		return fmt.Errorf("readiness.on_timeout: %q is not one of leave, kill", r.OnTimeout)
	}
	switch logger.Level(strings.ToLower(fc.Log.Level)) {
	case logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, "warning", logger.LevelError:
	default:
		return fmt.Errorf("log.level: unknown level %q", fc.Log.Level)
	}
	switch logger.Format(strings.ToLower(fc.Log.Format)) {
	case logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("log.format: unknown format %q", fc.Log.Format)
	}
	if fc.Metrics.Enabled && fc.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen: required when metrics are enabled")
	}
	if fc.History.Enabled && fc.History.DSN == "" {
		return fmt.Errorf("history.dsn: required when history is enabled")
	}
	return nil
}

// Logger maps the [log] table onto the logger configuration.
func (c *Config) Logger() logger.Config {
	l := c.Log
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(strings.ToLower(l.Level)),
			Format:     logger.Format(strings.ToLower(l.Format)),
			Color:      l.Color,
			TimeStamps: l.Timestamps,
		},
		File: logger.FileConfig{
			Dir:        l.Dir,
			StdoutPath: l.Stdout,
			StderrPath: l.Stderr,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

// GlobalEnv composes the environment shared by every spawn.
// Precedence: OS env (when use_os_env), then env_files in order, then env.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.Isolated()
	if c.UseOSEnv {
		e = env.New()
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env_files: %w", err)
		}
		e = e.WithAll(pairs)
	}
	return e.WithAll(c.Env), nil
}

// SupervisorOptions builds the options of the engine supervisor.
func (c *Config) SupervisorOptions() (supervisor.Options, error) {
	e := c.Engine
	if len(e.Candidates) == 0 {
		return supervisor.Options{}, fmt.Errorf("engine.candidates: at least one launch candidate is required")
	}
	genv, err := c.GlobalEnv()
	if err != nil {
		return supervisor.Options{}, err
	}
	return supervisor.Options{
		Name:          e.Name,
		Host:          e.Host,
		DefaultPort:   uint16(e.DefaultPort),
		Candidates:    e.Candidates,
		Args:          e.Args,
		WorkDir:       e.WorkDir,
		Env:           e.Env,
		GlobalEnv:     genv,
		PathPrepend:   e.PathPrepend,
		PIDFile:       e.PIDFile,
		ReuseExisting: e.ReuseExisting,
		Readiness: readiness.Config{
			MaxAttempts:    c.Readiness.MaxAttempts,
			Interval:       c.Readiness.Interval,
			RequestTimeout: c.Readiness.RequestTimeout,
		},
		ReadinessPath: c.Readiness.Path,
		OnTimeout:     supervisor.TimeoutPolicy(c.Readiness.OnTimeout),
		ChildLogs:     c.Logger(),
	}, nil
}

// Watch calls onChange with the reloaded configuration whenever the file
// changes. Invalid edits are logged and ignored. Without a file it is a no-op.
func (c *Config) Watch(log *slog.Logger, onChange func(*Config)) {
	if c.Path == "" || c.v == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	c.v.OnConfigChange(func(ev fsnotify.Event) {
		next, err := decode(c.v, c.Path)
		if err != nil {
			log.Warn("ignoring invalid config change", "file", ev.Name, "error", err)
			return
		}
		log.Info("config reloaded", "file", ev.Name, "op", ev.Op.String())
		onChange(next)
	})
	c.v.WatchConfig()
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
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
