// Package routingstore implements the Routing Store: a per-session table
// with a two-phase strong/weak reference lifetime, as required by the
// spec. It is grounded on the teacher's internal/jobmanager.JobManager
// (one mutex, several maps keyed by id) but the weak side of the table
// uses the standard library's weak package (Go 1.24+, weak.Pointer[T])
// rather than a hand-rolled reference count — that's the direct,
// idiomatic realization of "consumers upgrade a weak reference on
// demand" the spec calls for.
package routingstore

import (
	"log/slog"
	"sync"
	"weak"

	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// Store holds, for every session that has ever had routing data
// installed, a strong reference (held only during setup) and a weak
// reference (held for the router's long-lived consumer threads).
type Store struct {
	mu     sync.Mutex
	strong map[model.SessionID]*model.RoutingData
	weak   map[model.SessionID]weak.Pointer[model.RoutingData]
	log    *slog.Logger
}

// New creates an empty store.
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		strong: make(map[model.SessionID]*model.RoutingData),
		weak:   make(map[model.SessionID]weak.Pointer[model.RoutingData]),
		log:    log,
	}
}

// Add inserts routing data into both the strong and weak tables.
func (s *Store) Add(id model.SessionID, data *model.RoutingData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strong[id] = data
	s.weak[id] = weak.Make(data)
}

// Release drops the strong reference once install has completed. The
// weak reference remains, keeping the routing data reachable only through
// whoever else still holds a pointer to it (typically a live endpoint
// goroutine that upgraded the weak ref earlier).
func (s *Store) Release(id model.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strong, id)
}

// Delete drops both references. If the weak reference can still be
// upgraded (a consumer is mid-send with it), that's logged but not
// treated as an error — the consumer's copy remains valid until it
// finishes and lets go of it; only new lookups are affected.
func (s *Store) Delete(id model.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.weak[id]; ok {
		if w.Value() != nil {
			s.log.Warn("routing data deleted while still referenced", "session", id)
		}
	}
	delete(s.strong, id)
	delete(s.weak, id)
}

// Lookup upgrades the weak reference for a session, returning nil if it
// has expired (or was never added, or was deleted).
func (s *Store) Lookup(id model.SessionID) *model.RoutingData {
	s.mu.Lock()
	w, ok := s.weak[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Value()
}

// FindNodeInfo scans every still-live session's node map for the first
// hit on nodeID, used when a node connects and no session-specific
// context is available yet to resolve its host/port.
func (s *Store) FindNodeInfo(nodeID model.NodeID) (model.NodeRoutingInfo, bool) {
	s.mu.Lock()
	weakRefs := make([]weak.Pointer[model.RoutingData], 0, len(s.weak))
	for _, w := range s.weak {
		weakRefs = append(weakRefs, w)
	}
	s.mu.Unlock()

	for _, w := range weakRefs {
		data := w.Value()
		if data == nil {
			continue
		}
		if info, ok := data.Node(nodeID); ok {
			return info, true
		}
	}
	return model.NodeRoutingInfo{}, false
}
