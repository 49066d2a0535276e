// Package supervisor starts, tracks and stops the engine: it allocates a
// port, resolves and spawns the child, relays its output, waits for it to
// answer over HTTP and publishes where it can be reached.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/enginectl/internal/env"
	"github.com/loykin/enginectl/internal/events"
	"github.com/loykin/enginectl/internal/history"
	"github.com/loykin/enginectl/internal/logrelay"
	"github.com/loykin/enginectl/internal/metrics"
	"github.com/loykin/enginectl/internal/port"
	"github.com/loykin/enginectl/internal/process"
	"github.com/loykin/enginectl/internal/readiness"
	"github.com/loykin/enginectl/internal/registry"
	"github.com/loykin/enginectl/internal/resolver"
)

// Service supervises a single engine. It is safe for concurrent use.
type Service struct {
	opts       Options
	log        *slog.Logger
	lifecycle  *slog.Logger // per-engine JSON lifecycle file, nil without a log dir
	resolver   resolver.Resolver
	pub        events.Publisher
	history    *history.Recorder
	httpClient *http.Client

	procs    *process.Supervisor
	prober   *readiness.Prober
	relay    *logrelay.Relay
	registry *registry.Registry

	startMu sync.Mutex // serializes Start

	mu     sync.Mutex
	run    *run               // child spawned by the last start, ready or not
	cancel context.CancelFunc // cancels the in-flight start
}

// run is everything known about one spawned child.
type run struct {
	id      string
	name    string
	child   *process.Child
	session *logrelay.Session
	info    registry.ServerInfo
	target  resolver.Target
}

func (r *run) record() history.Record {
	h := r.child.Handle()
	return history.Record{
		RunID:     r.id,
		Name:      r.name,
		PID:       h.PID,
		Port:      r.info.Port,
		URL:       r.info.URL,
		Command:   r.target.String(),
		StartedAt: h.StartedAt,
	}
}

func New(opts Options, options ...Option) *Service {
	s := &Service{
		opts:     opts.withDefaults(),
		log:      slog.Default(),
		pub:      events.Discard,
		registry: registry.New(),
	}
	for _, o := range options {
		o(s)
	}
	if s.resolver == nil {
		s.resolver = resolver.Default{ExtraDirs: s.opts.PathPrepend}
	}
	s.log = s.log.With("engine", s.opts.Name)
	s.lifecycle = s.opts.ChildLogs.NewProcessLogger(s.opts.Name)

	s.procs = process.NewSupervisor(s.log)
	if s.opts.ReapTimeout > 0 {
		s.procs.ReapTimeout = s.opts.ReapTimeout
	}
	s.procs.ExitHook = s.onExit

	s.prober = readiness.New(s.opts.Readiness, s.httpClient, s.log)
	s.prober.OnAttempt = func(_ int, ok bool) { metrics.IncReadinessAttempt(ok) }

	s.relay = logrelay.New(logrelay.Options{
		Logger: s.log,
		Files:  s.opts.ChildLogs,
		Publish: func(l logrelay.Line) {
			s.pub.Publish(events.TopicLog, l)
		},
		OnLine: func(st logrelay.Stream) { metrics.IncLogLine(string(st)) },
	})
	return s
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// Query returns the published endpoint. It never waits for a start.
func (s *Service) Query() (registry.ServerInfo, bool) {
	return s.registry.Get()
}

// Start returns the endpoint of a healthy engine, spawning one if needed.
// Concurrent callers are serialized; the later ones observe the engine the
// first one started.
func (s *Service) Start(ctx context.Context) (registry.ServerInfo, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	// Abort must reach the reuse checks too, not only the launch.
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	if info, ok := s.reuse(ctx); ok {
		metrics.IncStart(metrics.StartReused)
		return info, nil
	}

	began := time.Now()
	info, err := s.launch(ctx)
	if err != nil {
		metrics.IncStart(metrics.StartFailed)
		s.pub.Publish(events.TopicStatus, events.StatusData{Status: events.StatusFailed, Error: err.Error()})
		return registry.ServerInfo{}, err
	}
	metrics.IncStart(metrics.StartSpawned)
	metrics.ObserveStartDuration(time.Since(began).Seconds())
	return info, nil
}

// reuse finds an engine that can serve without spawning: the registered
// one, a child left running by a start that timed out, or a compatible
// server already listening on the default endpoint.
func (s *Service) reuse(ctx context.Context) (registry.ServerInfo, bool) {
	if info, ok := s.registry.Get(); ok {
		if s.prober.Check(ctx, s.probeURL(info.URL)) {
			return info, true
		}
		if ctx.Err() != nil {
			return registry.ServerInfo{}, false
		}
		s.log.Warn("registered engine is not responding, restarting", "url", info.URL)
		s.registry.Clear()
		metrics.SetRunning(false)
	}

	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r != nil {
		if r.child.Alive() && s.prober.Check(ctx, s.probeURL(r.info.URL)) {
			s.log.Info("engine from an earlier start is ready now", "url", r.info.URL, "pid", r.child.Handle().PID)
			s.publishReady(r)
			return r.info, true
		}
		if ctx.Err() != nil {
			return registry.ServerInfo{}, false
		}
		if err := s.procs.Terminate(r.child.Handle()); err != nil && !errors.Is(err, process.ErrNotFound) {
			s.log.Warn("terminate stale engine failed", "pid", r.child.Handle().PID, "error", err)
		}
	}

	if s.opts.ReuseExisting && s.opts.DefaultPort != 0 && ctx.Err() == nil {
		url := baseURL(s.opts.Host, s.opts.DefaultPort)
		if s.prober.Check(ctx, s.probeURL(url)) {
			s.log.Info("found existing engine", "url", url)
			info := registry.ServerInfo{URL: url, Port: s.opts.DefaultPort, Status: registry.StatusRunning}
			s.registry.Set(info)
			metrics.SetRunning(true)
			s.pub.Publish(events.TopicStatus, events.StatusData{Status: events.StatusStarted, Port: info.Port, URL: info.URL})
			return info, true
		}
	}
	return registry.ServerInfo{}, false
}

func (s *Service) launch(ctx context.Context) (registry.ServerInfo, error) {
	if err := ctx.Err(); err != nil {
		return registry.ServerInfo{}, newError(KindAborted, "start", fmt.Errorf("%w: %w", ErrAborted, err))
	}
	p, err := port.AllocateOn(s.opts.Host, s.opts.DefaultPort)
	if err != nil {
		return registry.ServerInfo{}, newError(KindPortUnavailable, "allocate port", err)
	}
	if port.Fallback(s.opts.DefaultPort, p) {
		s.log.Debug("preferred port in use, using a free one", "preferred", s.opts.DefaultPort, "port", p)
		metrics.IncPortFallback()
	}

	target, err := s.resolver.Resolve(ctx, s.opts.Candidates)
	if err != nil {
		if ctx.Err() != nil {
			return registry.ServerInfo{}, newError(KindAborted, "resolve", fmt.Errorf("%w: %w", ErrAborted, ctx.Err()))
		}
		return registry.ServerInfo{}, newError(KindResolution, "resolve", err)
	}
	s.log.Info("launching engine", "command", target.String(), "port", p)
	s.progress(readiness.Progress{Percent: 5, Message: "Launching " + filepath.Base(target.Path)})

	spec := process.Spec{
		Name:    s.opts.Name,
		Path:    target.Path,
		Args:    append(append([]string(nil), target.Args...), s.expandArgs(p)...),
		WorkDir: s.opts.WorkDir,
		Env:     s.environ(),
		PIDFile: s.opts.PIDFile,
	}
	child, err := s.procs.Spawn(spec)
	if err != nil {
		return registry.ServerInfo{}, newError(KindSpawn, "spawn", err)
	}

	url := baseURL(s.opts.Host, p)
	r := &run{
		id:     uuid.NewString(),
		name:   s.opts.Name,
		child:  child,
		info:   registry.ServerInfo{URL: url, Port: p, Status: registry.StatusRunning},
		target: target,
	}
	r.session = s.relay.Attach(context.Background(), s.opts.Name, child.Stdout(), child.Stderr())
	child.OnExit(func() {
		r.session.Stop(s.opts.RelayGrace)
		if err := r.session.Wait(); err != nil {
			s.log.Debug("log relay ended with error", "error", err)
		}
	})
	s.mu.Lock()
	s.run = r
	s.mu.Unlock()
	spec = child.Spec()
	s.lifecycleLog("spawned", r, "path", spec.Path, "args", spec.Args, "work_dir", spec.WorkDir)
	s.pub.Publish(events.TopicStatus, events.StatusData{Status: events.StatusStarting, PID: child.Handle().PID, Port: p, URL: url})

	if err := s.awaitReady(ctx, r); err != nil {
		rec := r.record()
		rec.Error = err.Error()
		s.history.Record(history.EventStartFailed, rec)
		s.lifecycleLog("start failed", r, "kind", string(KindOf(err)), "error", err.Error())
		return registry.ServerInfo{}, err
	}
	s.publishReady(r)
	return r.info, nil
}

// awaitReady polls the child until it answers. Polling ends early when the
// child exits or the start is aborted.
func (s *Service) awaitReady(ctx context.Context, r *run) error {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.child.Done():
			cancel()
		case <-pctx.Done():
		}
	}()

	err := s.prober.AwaitReady(pctx, s.probeURL(r.info.URL), s.progress)
	if err == nil {
		return nil
	}
	switch {
	case r.child.StopRequested():
		return newError(KindAborted, "await readiness", fmt.Errorf("%w: engine stopped during start", ErrAborted))
	case !r.child.Alive():
		return newError(KindSpawn, "await readiness", fmt.Errorf("engine exited before it became ready: %v", exitReason(r.child)))
	case errors.Is(err, readiness.ErrAborted):
		s.terminate(r)
		return newError(KindAborted, "await readiness", fmt.Errorf("%w: %w", ErrAborted, err))
	case errors.Is(err, readiness.ErrTimeout):
		if s.opts.OnTimeout == OnTimeoutKill {
			s.terminate(r)
		} else {
			s.log.Warn("engine did not become ready; leaving it running", "pid", r.child.Handle().PID, "url", r.info.URL)
		}
		return newError(KindReadinessTimeout, "await readiness", err)
	default:
		return newError(KindSpawn, "await readiness", err)
	}
}

func (s *Service) publishReady(r *run) {
	s.registry.Set(r.info)
	metrics.SetRunning(true)
	rec := r.record()
	s.history.Record(history.EventStart, rec)
	s.pub.Publish(events.TopicStatus, events.StatusData{
		Status: events.StatusStarted,
		PID:    r.child.Handle().PID,
		Port:   r.info.Port,
		URL:    r.info.URL,
	})
	s.lifecycleLog("ready", r, "url", r.info.URL)
	s.log.Info("engine ready", "url", r.info.URL, "pid", r.child.Handle().PID, "run_id", r.id)
}

// terminate kills the child of r without reporting "not found" races.
func (s *Service) terminate(r *run) {
	if err := s.procs.Terminate(r.child.Handle()); err != nil && !errors.Is(err, process.ErrNotFound) {
		s.log.Error("terminate engine failed", "pid", r.child.Handle().PID, "error", err)
	}
}

// Stop force-kills the tracked engine and waits until it is reaped and its
// output relay has finished.
func (s *Service) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, ok := s.procs.Current()
	if !ok {
		metrics.IncStop("not_running")
		return newError(KindNotRunning, "stop", ErrNotRunning)
	}
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()

	s.log.Info("stopping engine", "pid", h.PID)
	if err := s.procs.Terminate(h); err != nil {
		if errors.Is(err, process.ErrNotFound) {
			metrics.IncStop("not_running")
			return newError(KindNotRunning, "stop", ErrNotRunning)
		}
		metrics.IncStop("error")
		return newError(KindTermination, "stop", err)
	}
	s.registry.Clear()
	metrics.SetRunning(false)
	metrics.IncStop("ok")

	status := events.StatusData{Status: events.StatusStopped, PID: h.PID}
	if r != nil && r.child.Handle().Generation == h.Generation {
		rec := r.record()
		s.history.Record(history.EventStop, rec)
		s.lifecycleLog("stopped", r)
		status.Port, status.URL = r.info.Port, r.info.URL
	}
	s.pub.Publish(events.TopicStatus, status)
	s.log.Info("engine stopped", "pid", h.PID)
	return nil
}

// Abort cancels an in-flight Start; the child it spawned is terminated.
// It reports whether a start was in progress.
func (s *Service) Abort() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	s.log.Info("aborting engine start")
	cancel()
	return true
}

// Shutdown is the host-exit hook: it aborts a pending start and stops the
// engine. Not running is not an error here.
func (s *Service) Shutdown(ctx context.Context) error {
	s.Abort()
	// a start being aborted finishes its own cleanup first
	s.startMu.Lock()
	defer s.startMu.Unlock()
	err := s.Stop(ctx)
	defer s.history.Flush()
	if KindOf(err) == KindNotRunning {
		return nil
	}
	return err
}

// Recover kills an engine left behind by a previous host that died without
// stopping it. It is a no-op without a pid file.
func (s *Service) Recover() error {
	if s.opts.PIDFile == "" {
		return nil
	}
	rec, killed, err := process.RecoverOrphan(s.opts.PIDFile)
	if err != nil {
		return newError(KindTermination, "recover", err)
	}
	if killed {
		s.log.Warn("killed orphaned engine", "pid", rec.PID, "path", rec.Path, "started_at", rec.StartedAt)
		s.history.Record(history.EventExit, history.Record{
			Name:      s.opts.Name,
			PID:       rec.PID,
			Command:   rec.Path,
			StartedAt: rec.StartedAt,
			Error:     "orphan killed on recovery",
		})
	}
	return nil
}

// onExit runs on the process waiter after the child was reaped.
func (s *Service) onExit(c *process.Child) {
	s.mu.Lock()
	r := s.run
	if r == nil || r.child != c {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.mu.Unlock()

	requested := c.StopRequested()
	metrics.IncExit(requested)
	if requested {
		return
	}
	if s.registry.ClearIf(r.info.Port) {
		metrics.SetRunning(false)
	}
	reason := exitReason(c)
	s.log.Warn("engine exited", "pid", c.Handle().PID, "reason", reason)
	rec := r.record()
	rec.Error = reason
	s.history.Record(history.EventExit, rec)
	s.lifecycleLog("exited", r, "reason", reason)
	s.pub.Publish(events.TopicStatus, events.StatusData{
		Status: events.StatusExited,
		PID:    c.Handle().PID,
		Port:   r.info.Port,
		URL:    r.info.URL,
		Error:  reason,
	})
}

func (s *Service) lifecycleLog(msg string, r *run, attrs ...any) {
	if s.lifecycle == nil {
		return
	}
	base := []any{"run_id", r.id, "pid", r.child.Handle().PID, "port", r.info.Port}
	s.lifecycle.Info(msg, append(base, attrs...)...)
}

func (s *Service) progress(p readiness.Progress) {
	s.pub.Publish(events.TopicProgress, p)
}

func (s *Service) probeURL(base string) string {
	path := s.opts.ReadinessPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func (s *Service) expandArgs(p uint16) []string {
	rep := strings.NewReplacer("{host}", s.opts.Host, "{port}", strconv.Itoa(int(p)))
	out := make([]string, len(s.opts.Args))
	for i, a := range s.opts.Args {
		out[i] = rep.Replace(a)
	}
	return out
}

func (s *Service) environ() []string {
	base := s.opts.GlobalEnv
	if base == nil {
		base = env.New()
	}
	return env.PrependPath(base.Merge(s.opts.Env), s.opts.PathPrepend)
}

func baseURL(host string, p uint16) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(int(p)))
}

func exitReason(c *process.Child) string {
	if err := c.ExitErr(); err != nil {
		return err.Error()
	}
	return "exit status 0"
}
