package supervisor

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/enginectl/internal/env"
	"github.com/loykin/enginectl/internal/events"
	"github.com/loykin/enginectl/internal/history"
	"github.com/loykin/enginectl/internal/logger"
	"github.com/loykin/enginectl/internal/port"
	"github.com/loykin/enginectl/internal/readiness"
	"github.com/loykin/enginectl/internal/resolver"
)

// TimeoutPolicy decides what happens to a child that never became ready.
type TimeoutPolicy string

const (
	// OnTimeoutLeave keeps the child running so its output can be inspected.
	OnTimeoutLeave TimeoutPolicy = "leave"
	// OnTimeoutKill terminates the child.
	OnTimeoutKill TimeoutPolicy = "kill"
)

// DefaultPort is the port the engine has always been reachable on.
const DefaultPort uint16 = 7860

// DefaultArgs tell a Gradio style engine where to listen. {host} and {port}
// are substituted at spawn time.
var DefaultArgs = []string{"--server.name", "{host}", "--server.port", "{port}"}

// Options describe the engine and how to supervise it.
type Options struct {
	Name string
	Host string
	// DefaultPort is preferred when free; 0 always picks an ephemeral port.
	DefaultPort uint16
	Candidates  []resolver.Candidate
	Args        []string
	WorkDir     string
	// Env holds per-engine "K=V" entries applied over GlobalEnv.
	Env         []string
	GlobalEnv   *env.Env
	PathPrepend []string
	PIDFile     string
	// ReuseExisting adopts a compatible engine already answering on
	// Host:DefaultPort instead of spawning.
	ReuseExisting bool

	Readiness     readiness.Config
	ReadinessPath string
	OnTimeout     TimeoutPolicy

	// ChildLogs enables per-stream rotating files for the child's output.
	ChildLogs logger.Config
	// RelayGrace is how long output may drain after the child exited.
	RelayGrace time.Duration
	// ReapTimeout bounds the wait for a killed child to be reaped.
	ReapTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "engine"
	}
	if o.Host == "" {
		o.Host = port.Loopback
	}
	if o.Args == nil {
		o.Args = DefaultArgs
	}
	if o.ReadinessPath == "" {
		o.ReadinessPath = "/"
	}
	if o.OnTimeout == "" {
		o.OnTimeout = OnTimeoutLeave
	}
	if o.RelayGrace <= 0 {
		o.RelayGrace = 2 * time.Second
	}
	return o
}

// Option customises collaborators of a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithResolver replaces the filesystem/PATH based resolver.
func WithResolver(r resolver.Resolver) Option {
	return func(s *Service) {
		if r != nil {
			s.resolver = r
		}
	}
}

// WithPublisher sets where progress, log and status events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithHistory records lifecycle events.
func WithHistory(r *history.Recorder) Option {
	return func(s *Service) { s.history = r }
}

// WithHTTPClient sets the client used for readiness probes.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}
