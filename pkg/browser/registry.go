package browser

import (
	"sort"
	"sync"
)

// Registry tracks every session a run starts so shutdown can tell which
// remote sessions are still live. One registry exists per run.
type Registry struct {
	metrics *Metrics

	mu       sync.Mutex
	pending  map[*Session]struct{}
	sessions map[string]*Session
	started  map[string]struct{}
	ended    map[string]struct{}
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		metrics:  metrics,
		pending:  make(map[*Session]struct{}),
		sessions: make(map[string]*Session),
		started:  make(map[string]struct{}),
		ended:    make(map[string]struct{}),
	}
}

// Metrics returns the counters the registry records into.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Begin creates a STARTING session for alias.
func (r *Registry) Begin(alias string) *Session {
	s := &Session{alias: alias, registry: r, state: StateStarting}
	r.mu.Lock()
	r.pending[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *Registry) markStarted(s *Session) {
	id := s.ID()
	r.mu.Lock()
	delete(r.pending, s)
	r.sessions[id] = s
	r.started[id] = struct{}{}
	r.mu.Unlock()
	r.metrics.RecordSessionStarted(id, s.alias)
}

func (r *Registry) markEnded(id string, s *Session) {
	r.mu.Lock()
	if _, done := r.ended[id]; done {
		r.mu.Unlock()
		return
	}
	r.ended[id] = struct{}{}
	r.mu.Unlock()
	r.metrics.RecordSessionEnded(id, s.alias)
}

func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	delete(r.pending, s)
	r.mu.Unlock()
}

// MarkKilled records that the grid force-terminated the given sessions.
func (r *Registry) MarkKilled(ids []string) {
	for _, id := range ids {
		r.mu.Lock()
		s := r.sessions[id]
		r.mu.Unlock()
		if s != nil && s.markKilled() {
			r.metrics.RecordSessionKilled(id, s.alias)
		}
	}
}

// Live returns the ids of sessions that started but have not ended, sorted.
func (r *Registry) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.started))
	for id := range r.started {
		if _, done := r.ended[id]; !done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Started returns every session id that reached ACTIVE, sorted.
func (r *Registry) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.started))
	for id := range r.started {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Starting returns how many sessions are still waiting on the grid.
func (r *Registry) Starting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// AllEnded reports whether every started session has ended and none are
// still being acquired.
func (r *Registry) AllEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 0 && len(r.ended) >= len(r.started)
}

// Sessions returns snapshots of all started sessions ordered by id.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
