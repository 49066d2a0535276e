// Package enginectl supervises a single local HTTP engine process: it picks a
// port, launches the engine, waits until it answers and publishes where it can
// be reached. The types here are aliases of the internal packages so the
// daemon and embedding programs share one API.
package enginectl

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/enginectl/internal/config"
	"github.com/loykin/enginectl/internal/events"
	"github.com/loykin/enginectl/internal/history"
	"github.com/loykin/enginectl/internal/history/factory"
	"github.com/loykin/enginectl/internal/metrics"
	"github.com/loykin/enginectl/internal/readiness"
	"github.com/loykin/enginectl/internal/registry"
	"github.com/loykin/enginectl/internal/resolver"
	"github.com/loykin/enginectl/internal/server"
	"github.com/loykin/enginectl/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Service = supervisor.Service

type Options = supervisor.Options

type Option = supervisor.Option

type ServerInfo = registry.ServerInfo

type Candidate = resolver.Candidate

type ReadinessConfig = readiness.Config

type Progress = readiness.Progress

type Config = config.Config

type Error = supervisor.Error

type Kind = supervisor.Kind

type Event = events.Event

type Bus = events.Bus

type Hub = events.Hub

type Router = server.Router

type HistoryRecorder = history.Recorder

var (
	ErrNotRunning = supervisor.ErrNotRunning
	ErrAborted    = supervisor.ErrAborted
)

var (
	WithLogger     = supervisor.WithLogger
	WithResolver   = supervisor.WithResolver
	WithPublisher  = supervisor.WithPublisher
	WithHistory    = supervisor.WithHistory
	WithHTTPClient = supervisor.WithHTTPClient
)

// KindOf returns the failure class of an error returned by a Service.
func KindOf(err error) Kind { return supervisor.KindOf(err) }

func New(opts Options, o ...Option) *Service { return supervisor.New(opts, o...) }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewFromConfig builds a Service from a loaded configuration.
func NewFromConfig(c *Config, o ...Option) (*Service, error) {
	opts, err := c.SupervisorOptions()
	if err != nil {
		return nil, err
	}
	return supervisor.New(opts, o...), nil
}

func NewBus() *Bus { return events.NewBus() }

func NewHub(bus *Bus, log *slog.Logger) *Hub { return events.NewHub(bus, log) }

// StatusGreeting returns a Hub greeting that tells new clients whether the
// engine is already up.
func StatusGreeting(svc *Service) func() []Event {
	return func() []Event {
		info, ok := svc.Query()
		if !ok {
			return nil
		}
		return []Event{{
			Topic: events.TopicStatus,
			Data:  events.StatusData{Status: events.StatusStarted, Port: info.Port, URL: info.URL},
			Time:  time.Now().UTC(),
		}}
	}
}

// NewRouter exposes svc over the HTTP control API. hub may be nil.
func NewRouter(svc *Service, hub *Hub, basePath string) *Router {
	if hub == nil {
		return server.NewRouter(svc, nil, basePath)
	}
	return server.NewRouter(svc, hub, basePath)
}

// NewHTTPServer returns a server for the control API; the caller runs it.
func NewHTTPServer(addr string, r *Router) *http.Server { return server.NewServer(addr, r) }

// NewHistoryRecorder opens the sink named by dsn (sqlite, postgres or
// clickhouse) and returns a recorder delivering to it.
func NewHistoryRecorder(log *slog.Logger, dsn string) (*HistoryRecorder, error) {
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return history.NewRecorder(log, sink), nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns a server exposing /metrics from the default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
