package registry

import "sync"

// Status of a published engine endpoint.
type Status string

const StatusRunning Status = "running"

// ServerInfo is the snapshot published after a successful start.
type ServerInfo struct {
	URL    string `json:"url"`
	Port   uint16 `json:"port"`
	Status Status `json:"status"`
}

// Registry holds the last known ServerInfo. The zero value is empty and ready to use.
type Registry struct {
	mu   sync.RWMutex
	info ServerInfo
	set  bool
}

func New() *Registry { return &Registry{} }

// Get returns a copy of the current info; ok is false when nothing is started.
func (r *Registry) Get() (ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info, r.set
}

func (r *Registry) Set(info ServerInfo) {
	r.mu.Lock()
	r.info = info
	r.set = true
	r.mu.Unlock()
}

func (r *Registry) Clear() {
	r.mu.Lock()
	r.info = ServerInfo{}
	r.set = false
	r.mu.Unlock()
}

// ClearIf clears the registry only when it still describes port. It reports
// whether anything was cleared. Exit cleanup uses it so that a late exit
// notification cannot wipe the info of a newer run.
func (r *Registry) ClearIf(port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.set || r.info.Port != port {
		return false
	}
	r.info = ServerInfo{}
	r.set = false
	return true
}
