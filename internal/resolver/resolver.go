package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ErrNotFound means none of the candidates is launchable.
var ErrNotFound = errors.New("no launch target found")

// Candidate is one way to launch the engine, tried in order.
// Command is either a path (contains a separator) that must exist and be
// executable, or a bare command looked up on PATH. Args are placed before the
// engine arguments (typically a script path for an interpreter). When Probe is
// set the command is run with it and must exit 0, e.g. ["--version"].
type Candidate struct {
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	Probe   []string `json:"probe" mapstructure:"probe"`
}

func (c Candidate) isPath() bool {
	return strings.ContainsAny(c.Command, `/\`) || filepath.IsAbs(c.Command)
}

// Target is a resolved launch command.
type Target struct {
	Path  string
	Args  []string
	Index int // position of the winning candidate
}

func (t Target) String() string {
	if len(t.Args) == 0 {
		return t.Path
	}
	return t.Path + " " + strings.Join(t.Args, " ")
}

// Resolver picks the first launchable candidate.
type Resolver interface {
	Resolve(ctx context.Context, cands []Candidate) (Target, error)
}

// NotFoundError lists every candidate and why it was rejected.
type NotFoundError struct {
	Tried []string
}

func (e *NotFoundError) Error() string {
	if len(e.Tried) == 0 {
		return ErrNotFound.Error() + ": no candidates configured"
	}
	return ErrNotFound.Error() + ": " + strings.Join(e.Tried, "; ")
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Default checks the filesystem and PATH. ExtraDirs are searched before PATH
// for bare commands. The zero value is usable.
type Default struct {
	ExtraDirs    []string
	ProbeTimeout time.Duration
}

const defaultProbeTimeout = 5 * time.Second

func (d Default) Resolve(ctx context.Context, cands []Candidate) (Target, error) {
	tried := make([]string, 0, len(cands))
	for i, c := range cands {
		cmd := strings.TrimSpace(c.Command)
		if cmd == "" {
			tried = append(tried, fmt.Sprintf("#%d: empty command", i))
			continue
		}
		path, err := d.locate(Candidate{Command: cmd})
		if err != nil {
			tried = append(tried, fmt.Sprintf("%s: %v", cmd, err))
			continue
		}
		if len(c.Probe) > 0 {
			if err := d.probe(ctx, path, c.Probe); err != nil {
				tried = append(tried, fmt.Sprintf("%s: probe failed: %v", cmd, err))
				continue
			}
		}
		return Target{Path: path, Args: append([]string(nil), c.Args...), Index: i}, nil
	}
	if err := ctx.Err(); err != nil {
		return Target{}, err
	}
	return Target{}, &NotFoundError{Tried: tried}
}

func (d Default) locate(c Candidate) (string, error) {
	if c.isPath() {
		if err := checkExecutable(c.Command); err != nil {
			return "", err
		}
		return filepath.Clean(c.Command), nil
	}
	// same precedence as the child's PATH, which has ExtraDirs prepended
	for _, dir := range d.ExtraDirs {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, c.Command)
		if runtime.GOOS == "windows" && filepath.Ext(p) == "" {
			p += ".exe"
		}
		if checkExecutable(p) == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath(c.Command); err == nil {
		return p, nil
	}
	return "", errors.New("not found on PATH")
}

func (d Default) probe(ctx context.Context, path string, args []string) error {
	timeout := d.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// #nosec G204 -- candidates come from the operator's config
	cmd := exec.CommandContext(pctx, path, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run()
}

func checkExecutable(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("does not exist")
		}
		return err
	}
	if fi.IsDir() {
		return errors.New("is a directory")
	}
	if runtime.GOOS != "windows" && fi.Mode().Perm()&0o111 == 0 {
		return errors.New("not executable")
	}
	return nil
}

// Static always returns the same target; useful when the launch command is
// known up front.
type Static Target

func (s Static) Resolve(context.Context, []Candidate) (Target, error) {
	if s.Path == "" {
		return Target{}, &NotFoundError{}
	}
	return Target(s), nil
}
