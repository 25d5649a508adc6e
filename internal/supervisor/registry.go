package supervisor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fleet/internal/bus"
	"github.com/ChuLiYu/fleet/pkg/types"
)

// Registry records the live process of every role. Mutations happen on the
// supervisor loop; reads are safe from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.ProcessKey]*slot
}

type slot struct {
	entry  types.ProcessEntry
	handle bus.Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.ProcessKey]*slot)}
}

// Register stores the process now serving key. A respawn increments the
// reboot counter of the previous entry; any other registration starts it at 0.
func (r *Registry) Register(key types.ProcessKey, port int, h bus.Handle, pid int, respawn bool) types.ProcessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	if prev, ok := r.entries[key]; ok && respawn {
		count = prev.entry.RebootCount + 1
	}

	handleID := ""
	if h != nil {
		handleID = h.ID()
	}
	s := &slot{
		entry: types.ProcessEntry{
			Key:         key,
			Port:        port,
			RebootCount: count,
			HandleID:    handleID,
			PID:         pid,
			Alive:       true,
			StartedAt:   time.Now(),
		},
		handle: h,
	}
	r.entries[key] = s
	return s.entry
}

// UpdatePort changes the advertised port of a live entry.
func (r *Registry) UpdatePort(key types.ProcessKey, port int) (types.ProcessEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key]
	if !ok || !s.entry.Alive {
		return types.ProcessEntry{}, false
	}
	s.entry.Port = port
	return s.entry, true
}

// MarkExited flags the entry as down. The entry and its counter are kept.
func (r *Registry) MarkExited(key types.ProcessKey, at time.Time) (types.ProcessEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key]
	if !ok {
		return types.ProcessEntry{}, false
	}
	s.entry.Alive = false
	s.entry.ExitedAt = &at
	s.handle = nil
	return s.entry, true
}

// ResetReboots zeroes the reboot counter.
func (r *Registry) ResetReboots(key types.ProcessKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.entries[key]; ok {
		s.entry.RebootCount = 0
	}
}

// Remove drops the entry for key.
func (r *Registry) Remove(key types.ProcessKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Get returns the entry for key.
func (r *Registry) Get(key types.ProcessKey) (types.ProcessEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[key]
	if !ok {
		return types.ProcessEntry{}, false
	}
	return s.entry, true
}

// List returns every entry in role start order, then by instance.
func (r *Registry) List() []types.ProcessEntry {
	r.mu.RLock()
	out := make([]types.ProcessEntry, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, s.entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Role != b.Role {
			return roleOrder(a.Role) < roleOrder(b.Role)
		}
		return a.Instance < b.Instance
	})
	return out
}

// Live returns the entries that currently have a process.
func (r *Registry) Live() []types.ProcessEntry {
	all := r.List()
	live := all[:0]
	for _, e := range all {
		if e.Alive {
			live = append(live, e)
		}
	}
	return live
}

// Broadcast sends msg to every live process except the one serving from.
func (r *Registry) Broadcast(log *slog.Logger, from types.ProcessKey, msg bus.Message) int {
	r.mu.RLock()
	targets := make([]bus.Handle, 0, len(r.entries))
	for key, s := range r.entries {
		if key == from || !s.entry.Alive || s.handle == nil {
			continue
		}
		targets = append(targets, s.handle)
	}
	r.mu.RUnlock()

	for _, h := range targets {
		bus.Send(log, h, msg)
	}
	return len(targets)
}

func roleOrder(role types.Role) int {
	for i, r := range types.Roles {
		if r == role {
			return i
		}
	}
	return len(types.Roles)
}
