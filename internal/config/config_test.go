package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/enginectl/internal/env"
	"github.com/loykin/enginectl/internal/supervisor"
)

func writeConfig(t *testing.T, dir, data string) string {
	t.Helper()
	p := filepath.Join(dir, "enginectl.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "backend"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENGINE_HOME", "/opt/engine")
	p := writeConfig(t, dir, `
env = ["PYTHONUNBUFFERED=1"]

[engine]
name = "whisper"
default_port = 7861
work_dir = "backend"
args = ["serve", "--port", "{port}"]
env = ["GRADIO_ANALYTICS_ENABLED=False"]
path_prepend = ["$ENGINE_HOME/bin"]
pid_file = "run/engine.pid"
reuse_existing = false
autostart = true

  [[engine.candidates]]
  command = "bin/whisper-gui-core"
  [[engine.candidates]]
  command = "$ENGINE_HOME/python"
  args = ["main.py"]
  [[engine.candidates]]
  command = "python3"
  args = ["main.py"]
  probe = ["--version"]

[readiness]
max_attempts = 5
interval = "100ms"
request_timeout = "1s"
path = "/healthz"
on_timeout = "kill"

[log]
level = "debug"
format = "json"
dir = "logs"

[history]
enabled = true
dsn = "sqlite://run/history.db"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e := cfg.Engine
	if e.Name != "whisper" || e.DefaultPort != 7861 || e.Host != "127.0.0.1" || !e.Autostart || e.ReuseExisting {
		t.Fatalf("unexpected engine: %+v", e)
	}
	if e.WorkDir != filepath.Join(dir, "backend") || e.PIDFile != filepath.Join(dir, "run", "engine.pid") {
		t.Fatalf("paths not anchored: %q %q", e.WorkDir, e.PIDFile)
	}
	if len(e.Candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(e.Candidates))
	}
	if e.Candidates[0].Command != filepath.Join(dir, "bin", "whisper-gui-core") {
		t.Fatalf("relative candidate not anchored: %q", e.Candidates[0].Command)
	}
	if e.Candidates[1].Command != "/opt/engine/python" || e.Candidates[1].Args[0] != "main.py" {
		t.Fatalf("candidate not expanded: %+v", e.Candidates[1])
	}
	if e.Candidates[2].Command != "python3" || e.Candidates[2].Probe[0] != "--version" {
		t.Fatalf("bare candidate changed: %+v", e.Candidates[2])
	}
	if e.PathPrepend[0] != "/opt/engine/bin" {
		t.Fatalf("path_prepend not expanded: %v", e.PathPrepend)
	}
	if cfg.Readiness.Interval != 100*time.Millisecond || cfg.Readiness.RequestTimeout != time.Second {
		t.Fatalf("durations: %+v", cfg.Readiness)
	}
	if cfg.Log.Dir != filepath.Join(dir, "logs") {
		t.Fatalf("log dir not anchored: %q", cfg.Log.Dir)
	}
	if cfg.History.DSN != "sqlite://"+filepath.Join(dir, "run", "history.db") {
		t.Fatalf("history dsn not anchored: %q", cfg.History.DSN)
	}

	opts, err := cfg.SupervisorOptions()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.DefaultPort != 7861 || opts.OnTimeout != supervisor.OnTimeoutKill || opts.ReadinessPath != "/healthz" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.Readiness.MaxAttempts != 5 || opts.ChildLogs.File.Dir != cfg.Log.Dir {
		t.Fatalf("unexpected readiness/logs: %+v", opts)
	}
	if len(opts.Args) != 3 || opts.Args[2] != "{port}" {
		t.Fatalf("args: %v", opts.Args)
	}
	if v, ok := env.Lookup(opts.GlobalEnv.Merge(nil), "PYTHONUNBUFFERED"); !ok || v != "1" {
		t.Fatalf("global env missing PYTHONUNBUFFERED: %q", v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Engine.DefaultPort != int(supervisor.DefaultPort) {
		t.Fatalf("default port: %d", cfg.Engine.DefaultPort)
	}
	if !cfg.Engine.ReuseExisting || cfg.Engine.Autostart {
		t.Fatalf("unexpected flags: %+v", cfg.Engine)
	}
	if cfg.Readiness.MaxAttempts != 30 || cfg.Readiness.Interval != 300*time.Millisecond {
		t.Fatalf("readiness defaults: %+v", cfg.Readiness)
	}
	if cfg.Readiness.OnTimeout != "leave" || cfg.Server.BasePath != "/api" || cfg.Server.Listen == "" {
		t.Fatalf("defaults: %+v %+v", cfg.Readiness, cfg.Server)
	}
	if len(cfg.Engine.PathPrepend) == 0 {
		t.Fatalf("expected platform path_prepend defaults")
	}
	if _, err := cfg.SupervisorOptions(); err == nil || !strings.Contains(err.Error(), "engine.candidates") {
		t.Fatalf("expected missing candidates error, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `
[engine]
default_port = 7860
[server]
listen = "127.0.0.1:1000"
`)
	t.Setenv("ENGINECTL_ENGINE_DEFAULT_PORT", "9000")
	t.Setenv("ENGINECTL_SERVER_LISTEN", "127.0.0.1:2000")
	t.Setenv("ENGINECTL_LOG_LEVEL", "warn")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.DefaultPort != 9000 || cfg.Server.Listen != "127.0.0.1:2000" || cfg.Log.Level != "warn" {
		t.Fatalf("env overrides not applied: %+v %+v %+v", cfg.Engine, cfg.Server, cfg.Log)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name string
		toml string
		want string
	}{
		{"port range", "[engine]\ndefault_port = 70000\n", "engine.default_port"},
		{"empty candidate", "[[engine.candidates]]\ncommand = \"\"\n", "engine.candidates[0]"},
		{"policy", "[readiness]\non_timeout = \"retry\"\n", "readiness.on_timeout"},
		{"level", "[log]\nlevel = \"loud\"\n", "log.level"},
		{"format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"history dsn", "[history]\nenabled = true\n", "history.dsn"},
		{"work dir", "[engine]\nwork_dir = \"missing\"\n", "engine.work_dir"},
		{"negative attempts", "[readiness]\nmax_attempts = -1\n", "readiness.max_attempts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := writeConfig(t, t.TempDir(), tc.toml)
			_, err := Load(p)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error naming %q, got %v", tc.want, err)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestGlobalEnv_Precedence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OS_ONLY", "osv")
	t.Setenv("TOP", "from-os")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FILE_ONLY=fv\n#comment\nTOP=from-file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	p := writeConfig(t, dir, `
use_os_env = true
env_files = [".env"]
env = ["TOP=tv"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g, err := cfg.GlobalEnv()
	if err != nil {
		t.Fatalf("global env: %v", err)
	}
	merged := g.Merge(nil)
	for k, want := range map[string]string{"OS_ONLY": "osv", "FILE_ONLY": "fv", "TOP": "tv"} {
		if got, _ := env.Lookup(merged, k); got != want {
			t.Fatalf("%s=%q want %q", k, got, want)
		}
	}
}

func TestGlobalEnv_Isolated(t *testing.T) {
	t.Setenv("OS_ONLY", "osv")
	p := writeConfig(t, t.TempDir(), "use_os_env = false\nenv = [\"A=1\"]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g, err := cfg.GlobalEnv()
	if err != nil {
		t.Fatalf("global env: %v", err)
	}
	merged := g.Merge(nil)
	if _, ok := env.Lookup(merged, "OS_ONLY"); ok {
		t.Fatalf("OS env leaked into isolated env: %v", merged)
	}
	if v, _ := env.Lookup(merged, "A"); v != "1" {
		t.Fatalf("A=%q", v)
	}
}

func TestGlobalEnv_MissingFile(t *testing.T) {
	p := writeConfig(t, t.TempDir(), "env_files = [\"nope.env\"]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cfg.GlobalEnv(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\n\nB = two\nnoequals\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if v, _ := env.Lookup(pairs, "A"); v != "1" {
		t.Fatalf("A=%q", v)
	}
	if v, _ := env.Lookup(pairs, "B"); v != "two" {
		t.Fatalf("B=%q", v)
	}
	if len(pairs) != 2 {
		t.Fatalf("unexpected pairs: %v", pairs)
	}
	if _, err := LoadEnvFile("/definitely/not/exist.env"); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestSqliteDSN(t *testing.T) {
	abs := func(p string) string { return filepath.Join("/base", p) }
	cases := map[string]string{
		"":                         "",
		"sqlite://:memory:":        "sqlite://:memory:",
		"sqlite://h.db":            "sqlite://" + filepath.Join("/base", "h.db"),
		"run/h.db":                 filepath.Join("/base", "run", "h.db"),
		"postgres://u@h/db":        "postgres://u@h/db",
		"clickhouse://h:9000?t=x":  "clickhouse://h:9000?t=x",
		"sqlite://file:x?mode=rwc": "sqlite://file:x?mode=rwc",
	}
	for in, want := range cases {
		if got := sqliteDSN(in, abs); got != want {
			t.Fatalf("sqliteDSN(%q)=%q want %q", in, got, want)
		}
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem notifications in -short mode")
	}
	dir := t.TempDir()
	p := writeConfig(t, dir, "[log]\nlevel = \"info\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var level atomic.Value
	cfg.Watch(nil, func(next *Config) { level.Store(next.Log.Level) })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(p, []byte("[log]\nlevel = \"debug\"\n"), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
		if v, _ := level.Load().(string); v == "debug" {
			return
		}
	}
	t.Fatalf("config change not observed")
}
