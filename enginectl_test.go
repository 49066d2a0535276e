package enginectl

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/enginectl/internal/enginetest"
	"github.com/loykin/enginectl/internal/history/sqlite"
)

func TestMain(m *testing.M) {
	enginetest.Main()
	os.Exit(m.Run())
}

func writeFakeConfig(t *testing.T, dir string) string {
	t.Helper()
	exe, _ := enginetest.Command(enginetest.ModeServe)
	data := `
[engine]
name = "fake"
default_port = 0
reuse_existing = false
pid_file = "run/engine.pid"
env = ["` + enginetest.EnvMode + `=` + enginetest.ModeServe + `"]

  [[engine.candidates]]
  command = '` + filepath.Join(dir, "missing-sidecar") + `'
  [[engine.candidates]]
  command = '` + exe + `'

[readiness]
interval = "50ms"

[history]
enabled = true
dsn = "sqlite://run/history.db"
`
	p := filepath.Join(dir, "enginectl.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestFacadeFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(writeFakeConfig(t, dir))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec, err := NewHistoryRecorder(log, cfg.History.DSN)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	bus := NewBus()
	svc, err := NewFromConfig(cfg, WithLogger(log), WithPublisher(bus), WithHistory(rec))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	sub := bus.Subscribe(256)
	defer sub.Close()

	info, err := svc.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.Port == 0 || !strings.HasPrefix(info.URL, "http://127.0.0.1:") {
		t.Fatalf("unexpected info: %+v", info)
	}
	if _, err := os.Stat(filepath.Join(dir, "run", "engine.pid")); err != nil {
		t.Fatalf("pid file: %v", err)
	}
	if g := StatusGreeting(svc)(); len(g) != 1 {
		t.Fatalf("expected a greeting while running, got %v", g)
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, ok := svc.Query(); ok {
		t.Fatalf("expected empty registry after shutdown")
	}
	if g := StatusGreeting(svc)(); len(g) != 0 {
		t.Fatalf("expected no greeting after shutdown, got %v", g)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close history: %v", err)
	}

	sink, err := sqlite.New(strings.TrimPrefix(cfg.History.DSN, "sqlite://"))
	if err != nil {
		t.Fatalf("reopen history: %v", err)
	}
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(context.Background(), "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n < 2 {
		t.Fatalf("expected start and stop rows, got %d", n)
	}

	select {
	case ev := <-sub.C:
		if ev.Topic == "" {
			t.Fatalf("empty event")
		}
	default:
		t.Fatalf("expected events on the bus")
	}
}

func TestFacadeRouterAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc := New(Options{Candidates: []Candidate{{Command: filepath.Join(t.TempDir(), "nothing")}}})
	srv := httptest.NewServer(NewRouter(svc, nil, "/api").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/start", "application/json", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(string(body), "resolution_failure") {
		t.Fatalf("expected resolution failure, got %d %s", resp.StatusCode, body)
	}

	ms := httptest.NewServer(NewMetricsServer("").Handler)
	defer ms.Close()
	resp, err = http.Get(ms.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestKindOf(t *testing.T) {
	svc := New(Options{})
	err := svc.Stop(context.Background())
	if KindOf(err) != "not_running" {
		t.Fatalf("kind %q", KindOf(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown of idle service: %v", err)
	}
}
