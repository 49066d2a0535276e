// Package logrelay forwards the engine's stdout and stderr line by line to
// the diagnostic logger, optional rotating files and an event sink.
package logrelay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vawter.tech/stopper"

	"github.com/loykin/enginectl/internal/logger"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one newline-delimited chunk of child output.
type Line struct {
	Stream Stream `json:"stream"`
	Text   string `json:"line"`
}

// MaxLine caps a single line; longer output is split into several lines.
const MaxLine = 1 << 20

// Options configure a Relay. All fields are optional.
type Options struct {
	Logger  *slog.Logger
	Files   logger.Config // File.Dir or explicit paths enable per-stream files
	Publish func(Line)
	// OnLine is called once per line, e.g. for metrics.
	OnLine func(Stream)
}

type Relay struct {
	opts Options
}

func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{opts: opts}
}

// Session is the pair of readers attached to one child.
type Session struct {
	sctx    *stopper.Context
	readers []io.Closer
	wg      sync.WaitGroup
	done    chan struct{}
	counts  [2]atomic.Uint64
}

// Attach starts one reader per non-nil stream. It never blocks on the child.
func (r *Relay) Attach(ctx context.Context, name string, stdout, stderr io.ReadCloser) *Session {
	s := &Session{sctx: stopper.WithContext(ctx), done: make(chan struct{})}
	log := r.opts.Logger.With("engine", name)

	outW, errW, err := r.opts.Files.ProcessWriters(name)
	if err != nil {
		log.Warn("child log files unavailable", "error", err)
		outW, errW = nil, nil
	}
	for _, w := range []io.WriteCloser{outW, errW} {
		if w != nil {
			s.sctx.Defer(func() { _ = w.Close() })
		}
	}

	s.start(stdout, Stdout, outW, log, r.opts)
	s.start(stderr, Stderr, errW, log, r.opts)
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	return s
}

func (s *Session) start(rc io.ReadCloser, stream Stream, file io.Writer, log *slog.Logger, opts Options) {
	if rc == nil {
		return
	}
	s.readers = append(s.readers, rc)
	idx := 0
	if stream == Stderr {
		idx = 1
	}
	s.wg.Add(1)
	s.sctx.Go(func(sctx *stopper.Context) error {
		defer s.wg.Done()
		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 64*1024), MaxLine)
		sc.Split(splitLines)
		for sc.Scan() {
			text := strings.ToValidUTF8(sc.Text(), "\uFFFD")
			s.counts[idx].Add(1)
			log.Info("engine output", "stream", stream, "line", text)
			if file != nil {
				_, _ = io.WriteString(file, text+"\n")
			}
			if opts.OnLine != nil {
				opts.OnLine(stream)
			}
			if opts.Publish != nil {
				opts.Publish(Line{Stream: stream, Text: text})
			}
		}
		err := sc.Err()
		if err == nil || sctx.IsStopping() || errors.Is(err, os.ErrClosed) {
			return nil
		}
		log.Debug("log reader ended", "stream", stream, "error", err)
		return nil
	})
}

// splitLines is bufio.ScanLines that emits a MaxLine chunk instead of
// failing with ErrTooLong.
func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if len(data) >= MaxLine {
		return MaxLine, data[:MaxLine], nil
	}
	if atEOF {
		return len(data), bytes.TrimSuffix(data, []byte{'\r'}), nil
	}
	return 0, nil, nil
}

// Done is closed once both readers reached EOF or were closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Lines returns how many lines each stream relayed so far.
func (s *Session) Lines() (stdout, stderr uint64) {
	return s.counts[0].Load(), s.counts[1].Load()
}

// Stop lets the readers drain for up to grace, then closes the pipes so any
// reader still blocked (a grandchild may hold the write end) returns.
func (s *Session) Stop(grace time.Duration) {
	if grace > 0 {
		select {
		case <-s.done:
		case <-time.After(grace):
		}
	}
	s.sctx.Stop(grace)
	select {
	case <-s.done:
	default:
		for _, rc := range s.readers {
			_ = rc.Close()
		}
	}
}

// Wait blocks until the readers exited and the log files are closed.
func (s *Session) Wait() error {
	<-s.done
	for _, rc := range s.readers {
		_ = rc.Close()
	}
	s.sctx.Stop(0)
	return s.sctx.Wait()
}
