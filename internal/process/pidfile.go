package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2/maybe"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Record is what a pid file describes: the pid on the first line followed by
// this metadata as JSON. StartUnix guards against pid reuse.
type Record struct {
	PID       int       `json:"-"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Args      []string  `json:"args,omitempty"`
	StartUnix int64     `json:"start_unix"`
	StartedAt time.Time `json:"started_at"`
}

// WritePIDFile atomically replaces path with rec.
func WritePIDFile(path string, rec Record) error {
	if rec.PID <= 0 {
		return fmt.Errorf("pid file %s: invalid pid %d", path, rec.PID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data := strconv.Itoa(rec.PID) + "\n" + string(meta) + "\n"
	return maybe.WriteFile(path, []byte(data), 0o644)
}

// ReadPIDFile parses a file written by WritePIDFile. Files holding only a pid
// are accepted; their metadata is left zero.
func ReadPIDFile(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return Record{}, fmt.Errorf("pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return Record{}, fmt.Errorf("pid file %s: invalid pid %d", path, pid)
	}
	var rec Record
	if rest = strings.TrimSpace(rest); rest != "" {
		if err := json.Unmarshal([]byte(rest), &rec); err != nil {
			rec = Record{}
		}
	}
	rec.PID = pid
	return rec, nil
}

// RemovePIDFile deletes path, ignoring a missing file.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether the recorded process still runs. When a start time
// was recorded it must match the running pid within a second.
func (r Record) Alive() bool {
	if !pidAlive(r.PID) {
		return false
	}
	if r.StartUnix == 0 {
		return true
	}
	cur := startUnix(r.PID)
	if cur == 0 {
		return true
	}
	d := cur - r.StartUnix
	return d >= -1 && d <= 1
}

// startUnix prefers the native lookup and falls back to gopsutil.
func startUnix(pid int) int64 {
	if s := getProcStartUnix(pid); s > 0 {
		return s
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// RecoverOrphan kills the process recorded in path if it is still running,
// which happens when a previous supervisor died without stopping its child.
// The pid file is removed in every case except a failed kill.
func RecoverOrphan(path string) (Record, bool, error) {
	rec, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		_ = RemovePIDFile(path)
		return Record{}, false, err
	}
	if !rec.Alive() {
		return rec, false, RemovePIDFile(path)
	}
	if err := forceKill(rec.PID); err != nil && !errors.Is(err, errProcessGone) {
		return rec, false, &KillError{PID: rec.PID, Err: err}
	}
	return rec, true, RemovePIDFile(path)
}
