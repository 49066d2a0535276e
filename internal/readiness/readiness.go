package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Defaults mirror what the desktop shell has always used: ~9s of polling.
const (
	DefaultMaxAttempts    = 30
	DefaultInterval       = 300 * time.Millisecond
	DefaultRequestTimeout = 2 * time.Second

	floorPercent = 10
	capPercent   = 95
	stepPercent  = 3
)

var (
	ErrTimeout = errors.New("readiness timeout")
	ErrAborted = errors.New("readiness aborted")
)

// TimeoutError is returned when every attempt failed.
type TimeoutError struct {
	URL      string
	Attempts int
	Last     error // last transport error or bad status, may be nil
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("server failed to start or is not responding at %s after %d attempts", e.URL, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Last }

// Progress is reported once per attempt.
type Progress struct {
	Percent uint   `json:"percent"`
	Message string `json:"message"`
}

type Config struct {
	MaxAttempts    int
	Interval       time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Prober polls an HTTP endpoint until it answers with a 2xx status.
type Prober struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	// OnAttempt, when set, observes every finished attempt (used for metrics).
	OnAttempt func(attempt int, ok bool)
}

// New returns a Prober. A nil client gets a dedicated one without keep-alives
// so probes never reuse a connection to a previous engine instance.
func New(cfg Config, client *http.Client, log *slog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{cfg: cfg.withDefaults(), client: client, log: log}
}

func (p *Prober) Config() Config { return p.cfg }

// PercentFor returns the progress shown after failed attempt n (1-based).
func PercentFor(attempt int) uint {
	v := floorPercent + stepPercent*attempt
	if v < floorPercent {
		v = floorPercent
	}
	if v > capPercent {
		v = capPercent
	}
	return uint(v)
}

// Check performs a single probe.
func (p *Prober) Check(ctx context.Context, url string) bool {
	return p.probe(ctx, url) == nil
}

// AwaitReady polls url at a fixed interval. One request is in flight at a time.
// report may be nil.
func (p *Prober) AwaitReady(ctx context.Context, url string, report func(Progress)) error {
	if report == nil {
		report = func(Progress) {}
	}
	var last error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
		last = p.probe(ctx, url)
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, last == nil)
		}
		if last == nil {
			p.log.Info("engine is responding", "url", url, "attempt", attempt)
			report(Progress{Percent: 100, Message: "Engine ready"})
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		if attempt%10 == 0 {
			p.log.Info("still waiting for engine startup", "url", url, "attempt", attempt, "error", last)
		} else {
			p.log.Debug("engine not ready", "url", url, "attempt", attempt, "error", last)
		}
		report(Progress{Percent: PercentFor(attempt), Message: "Starting engine..."})
		if attempt == p.cfg.MaxAttempts {
			break
		}
		t := time.NewTimer(p.cfg.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
	}
	return &TimeoutError{URL: url, Attempts: p.cfg.MaxAttempts, Last: last}
}

func (p *Prober) probe(ctx context.Context, url string) error {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
