// Package session implements the Session Manager: the per-session
// Free/Busy/Defunct state machine, the create/modify/signal/delete
// public contract, and the apply-config algorithm that diffs a
// computation set and drives the Computation Supervisor. Grounded on
// the teacher's internal/jobmanager.JobManager for its state-machine
// shape (one struct per tracked entity, a mutex guarding its status
// field, typed sentinel errors for illegal transitions) and on
// original_source/lib/session/Session.h for the exact states and the
// condition-variable-gated Busy transition.
package session

import (
	"sync"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/computation"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// errBusy and errDefunct are returned by enterBusy when a session
// cannot accept a new operation.
type stateError struct{ msg string }

func (e *stateError) Error() string { return e.msg }

var (
	errBusy    = &stateError{"session has an operation in flight"}
	errDefunct = &stateError{"session is defunct"}
)

// Session is one node-local session: its state machine, its locally
// resident computations, and its optional expiration timer.
type Session struct {
	ID        model.SessionID
	NodeID    model.NodeID
	EntryNode bool

	mu           sync.Mutex
	cond         *sync.Cond
	state        model.SessionState
	lastActivity time.Time
	deleteReason string

	comps map[model.CompID]*computation.Supervisor

	expiryMu     sync.Mutex
	expiryTimer  *time.Timer
	expiryCancel chan struct{}
}

func newSession(id model.SessionID, nodeID model.NodeID, entryNode bool) *Session {
	s := &Session{
		ID:           id,
		NodeID:       nodeID,
		EntryNode:    entryNode,
		state:        model.SessionFree,
		lastActivity: time.Now(),
		deleteReason: model.NotDeletedReason,
		comps:        make(map[model.CompID]*computation.Supervisor),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enterBusy transitions Free -> Busy, or fails with errBusy/errDefunct.
func (s *Session) enterBusy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case model.SessionDefunct:
		return errDefunct
	case model.SessionBusy:
		return errBusy
	}
	s.state = model.SessionBusy
	return nil
}

// leaveBusy transitions out of Busy to next (Free or Defunct) and wakes
// anyone waiting in waitUntilIdle.
func (s *Session) leaveBusy(next model.SessionState) {
	s.mu.Lock()
	s.state = next
	s.lastActivity = time.Now()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// waitUntilIdle blocks until the session leaves Busy or the deadline
// elapses, whichever comes first. Used by ShutdownAll to bound how long
// it waits for an in-flight operation before moving on.
func (s *Session) waitUntilIdle(deadline time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.state == model.SessionBusy {
			s.cond.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(deadline):
		return false
	}
}

// State returns the current state under lock.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setDeleteReason(reason string) {
	s.mu.Lock()
	s.deleteReason = reason
	s.mu.Unlock()
}

// Snapshot is the externally observable per-session status returned by
// the HTTP surface's status endpoints.
type Snapshot struct {
	ID           model.SessionID
	State        model.SessionState
	LastActivity time.Time
	DeleteReason string
	Computations map[model.CompID]computation.Status
}

// performance returns the current rolling heartbeat rollup for every
// locally resident computation, keyed by computation id.
func (s *Session) performance() map[model.CompID]model.PerformanceStats {
	s.mu.Lock()
	comps := make(map[model.CompID]*computation.Supervisor, len(s.comps))
	for id, sup := range s.comps {
		comps[id] = sup
	}
	s.mu.Unlock()

	out := make(map[model.CompID]model.PerformanceStats, len(comps))
	for id, sup := range comps {
		out[id] = sup.PerformanceStats()
	}
	return out
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	comps := make(map[model.CompID]*computation.Supervisor, len(s.comps))
	for id, sup := range s.comps {
		comps[id] = sup
	}
	snap := Snapshot{
		ID:           s.ID,
		State:        s.state,
		LastActivity: s.lastActivity,
		DeleteReason: s.deleteReason,
		Computations: make(map[model.CompID]computation.Status, len(comps)),
	}
	s.mu.Unlock()

	for id, sup := range comps {
		snap.Computations[id] = sup.Status()
	}
	return snap
}

// armExpiry starts (or restarts) the session's expiration deadline,
// replacing any pending one; a later call arms a new deadline even after
// clearExpiry. Only the entry node's session arms one, per the spec ("if this node is the entry node, arm an
// expiration deadline").
func (s *Session) armExpiry(d time.Duration, onExpire func()) {
	s.expiryMu.Lock()
	defer s.expiryMu.Unlock()
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	s.expiryTimer = time.AfterFunc(d, onExpire)
}

// clearExpiry cancels the pending expiration deadline; called on client
// connect and on delete.
func (s *Session) clearExpiry() {
	s.expiryMu.Lock()
	defer s.expiryMu.Unlock()
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
}
