package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

const defaultSendTimeout = 5 * time.Second

// Recorder delivers events to its sinks in the background so a slow
// database never delays a start or stop. A nil *Recorder discards events.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), log: log, timeout: defaultSendTimeout}
}

// Record stamps and dispatches an event to every sink.
func (r *Recorder) Record(t EventType, rec Record) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	evt := Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	for _, s := range r.sinks {
		r.wg.Add(1)
		go func(s Sink) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := s.Send(ctx, evt); err != nil {
				r.log.Warn("history send failed", "event", evt.Type, "run_id", rec.RunID, "error", err)
			}
		}(s)
	}
}

// Flush waits for in-flight sends.
func (r *Recorder) Flush() {
	if r != nil {
		r.wg.Wait()
	}
}

// Close flushes and closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.Flush()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
