package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Spec describes the child to launch. Path must already be resolved.
type Spec struct {
	Name    string
	Path    string
	Args    []string
	WorkDir string
	Env     []string // full environment; nil inherits the supervisor's
	PIDFile string
}

// Handle identifies one spawned child. Generation increases with every
// successful spawn, so a stale handle never matches a newer child even if
// the OS reuses the pid.
type Handle struct {
	PID        int
	Generation uint64
	StartedAt  time.Time
}

// Child is a running (or exited) engine process.
type Child struct {
	handle Handle
	spec   Spec
	cmd    *exec.Cmd

	stdout *os.File
	stderr *os.File

	done     chan struct{} // closed once the OS has reaped the process
	finished chan struct{} // closed after exit hooks ran

	mu       sync.Mutex
	exitErr  error
	cleanups []func()

	stopRequested atomic.Bool
}

func (c *Child) Handle() Handle { return c.handle }
func (c *Child) Spec() Spec     { return c.spec }

// Stdout and Stderr are the read ends of the child's output pipes. They
// reach EOF when the child (and anything it forked into its group) exits.
func (c *Child) Stdout() io.ReadCloser { return c.stdout }
func (c *Child) Stderr() io.ReadCloser { return c.stderr }

func (c *Child) Done() <-chan struct{} { return c.done }

func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// ExitErr is the result of waiting on the child; nil while it runs or when
// it exited with status 0.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// StopRequested reports whether the exit was caused by Terminate.
func (c *Child) StopRequested() bool { return c.stopRequested.Load() }

// OnExit registers fn to run once after the child was reaped and before the
// supervisor's exit hook. Registered after exit, fn runs immediately.
func (c *Child) OnExit(fn func()) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		fn()
		return
	default:
	}
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
}

func (c *Child) markExited(err error) []func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitErr = err
	close(c.done)
	fns := c.cleanups
	c.cleanups = nil
	return fns
}

// Supervisor spawns at most one child at a time and terminates it on request.
type Supervisor struct {
	log *slog.Logger

	// ExitHook, when set, runs after every child exit, including those
	// caused by Terminate (see Child.StopRequested).
	ExitHook func(c *Child)
	// ReapTimeout bounds how long Terminate waits for the exit to be observed.
	ReapTimeout time.Duration

	mu       sync.Mutex
	current  *Child
	spawning bool
	gen      uint64
}

const defaultReapTimeout = 5 * time.Second

func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log, ReapTimeout: defaultReapTimeout}
}

// Spawn launches spec with piped stdout and stderr. It refuses while a live
// child is tracked.
func (s *Supervisor) Spawn(spec Spec) (*Child, error) {
	if spec.Path == "" {
		return nil, ErrNoCommand
	}
	if spec.WorkDir != "" {
		fi, err := os.Stat(spec.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorkDir, err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrWorkDir, spec.WorkDir)
		}
	}

	s.mu.Lock()
	if s.spawning || (s.current != nil && s.current.Alive()) {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.spawning = true
	s.mu.Unlock()

	c, err := s.start(spec)

	s.mu.Lock()
	s.spawning = false
	if err == nil {
		s.gen++
		c.handle.Generation = s.gen
		s.current = c
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if spec.PIDFile != "" {
		rec := Record{
			PID:       c.handle.PID,
			Name:      spec.Name,
			Path:      spec.Path,
			Args:      spec.Args,
			StartUnix: startUnix(c.handle.PID),
			StartedAt: c.handle.StartedAt,
		}
		if err := WritePIDFile(spec.PIDFile, rec); err != nil {
			s.log.Warn("write pid file failed", "path", spec.PIDFile, "error", err)
		}
	}
	s.log.Info("process started", "name", spec.Name, "pid", c.handle.PID, "generation", c.handle.Generation)
	go s.wait(c)
	return c, nil
}

func (s *Supervisor) start(spec Spec) (*Child, error) {
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}

	// #nosec G204 -- the command comes from the operator's config
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureSysProcAttr(cmd)

	err = cmd.Start()
	// the child holds its own copies of the write ends
	_ = outW.Close()
	_ = errW.Close()
	if err != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	return &Child{
		handle:   Handle{PID: cmd.Process.Pid, StartedAt: time.Now()},
		spec:     spec,
		cmd:      cmd,
		stdout:   outR,
		stderr:   errR,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

func (s *Supervisor) wait(c *Child) {
	err := c.cmd.Wait()
	cleanups := c.markExited(err)

	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()

	if err := RemovePIDFile(c.spec.PIDFile); err != nil {
		s.log.Warn("remove pid file failed", "path", c.spec.PIDFile, "error", err)
	}
	if c.StopRequested() {
		s.log.Info("process stopped", "name", c.spec.Name, "pid", c.handle.PID)
	} else {
		s.log.Warn("process exited", "name", c.spec.Name, "pid", c.handle.PID, "error", err)
	}
	for _, fn := range cleanups {
		fn()
	}
	if s.ExitHook != nil {
		s.ExitHook(c)
	}
	close(c.finished)
}

// Current returns the handle of the tracked child if it is still alive.
func (s *Supervisor) Current() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.current.Alive() {
		return Handle{}, false
	}
	return s.current.handle, true
}

// Terminate force-kills the child identified by h and waits for it to be
// reaped. Only the first caller for a given handle performs the kill; later
// callers get ErrNotFound. A child that already exited counts as terminated.
func (s *Supervisor) Terminate(h Handle) error {
	s.mu.Lock()
	c := s.current
	if c == nil || c.handle.Generation != h.Generation {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.current = nil
	c.stopRequested.Store(true)
	s.mu.Unlock()

	if err := forceKill(c.handle.PID); err != nil && !isGone(err) {
		s.mu.Lock()
		if s.current == nil && c.Alive() {
			s.current = c
		}
		s.mu.Unlock()
		c.stopRequested.Store(false)
		return &KillError{PID: c.handle.PID, Err: err}
	}

	timeout := s.ReapTimeout
	if timeout <= 0 {
		timeout = defaultReapTimeout
	}
	select {
	case <-c.finished:
	case <-time.After(timeout):
		s.log.Warn("process not reaped after kill", "pid", c.handle.PID, "timeout", timeout)
	}
	return nil
}

// TerminateCurrent terminates whatever child is tracked.
func (s *Supervisor) TerminateCurrent() error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return ErrNotFound
	}
	return s.Terminate(c.handle)
}

func isGone(err error) bool { return err == errProcessGone }
