package env

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the engine process.
type Env struct {
	Var      Var  // global variables (K->V)
	env      Var  // cached base from OS environment
	isolated bool // do not inherit the OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// Isolated returns an Env that does not inherit the OS environment.
func Isolated() *Env {
	return &Env{Var: make(Var), env: make(Var), isolated: true}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	if e.isolated {
		return
	}
	e.env = parse(os.Environ())
}

// WithSet returns a copy of e with K=V applied; e is left untouched.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), env: e.env, isolated: e.isolated}
	for kk, vv := range e.Var {
		cp.Var[kk] = vv
	}
	if k != "" {
		cp.Var[k] = v
	}
	return cp
}

// WithAll applies a list of "K=V" entries, later entries win.
func (e *Env) WithAll(kvs []string) *Env {
	cp := e.WithSet("", "")
	for k, v := range parse(kvs) {
		cp.Var[k] = v
	}
	return cp
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then global e.Var overrides, then perProc
// ("K=V") overrides. ${VAR} references are expanded once against the
// composed map. Output is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return toList(expanded)
}

// PrependPath puts dirs in front of the PATH entry of kvs, skipping dirs that
// are already listed. Helper tools such as ffmpeg are often installed in
// locations a GUI-launched host does not have on its PATH.
func PrependPath(kvs []string, dirs []string) []string {
	if len(dirs) == 0 {
		return kvs
	}
	key := pathKey(kvs)
	m := parse(kvs)
	current := filepath.SplitList(m[key])
	seen := make(map[string]bool, len(current))
	for _, p := range current {
		seen[p] = true
	}
	var head []string
	for _, d := range dirs {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		head = append(head, d)
	}
	if len(head) == 0 {
		return kvs
	}
	m[key] = strings.Join(append(head, current...), string(os.PathListSeparator))
	return toList(m)
}

// Lookup returns the value of k in a "K=V" list.
func Lookup(kvs []string, k string) (string, bool) {
	v, ok := parse(kvs)[k]
	return v, ok
}

// pathKey keeps the spelling already present; Windows environments use "Path".
func pathKey(kvs []string) string {
	if runtime.GOOS == "windows" {
		for k := range parse(kvs) {
			if strings.EqualFold(k, "PATH") {
				return k
			}
		}
	}
	return "PATH"
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" { // skip malformed entries with empty key
				continue
			}
			m[k] = kv[i+1:]
		}
	}
	return m
}

func toList(m Var) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
