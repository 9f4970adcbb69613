package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/compute-node-agent/internal/agenterr"
	"github.com/ChuLiYu/compute-node-agent/internal/computation"
	"github.com/ChuLiYu/compute-node-agent/internal/metrics"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

// RouterPort is the narrow slice of the Router that the Session Manager
// talks to over the Session<->Router control channel. The router
// package supplies the concrete implementation; defining the interface
// here (the consumer) keeps this package free of any import on the
// router's connection/listener machinery.
type RouterPort interface {
	InstallRouting(session model.SessionID, data *model.RoutingData) error
	ReleaseRouting(session model.SessionID) error
	SendControl(comp model.CompID, control string, payload []byte) error
	UpdateAddresser(session model.SessionID, addresser model.ClientAddresser) error
	SignalEngineReady(session model.SessionID, payload []byte) error
	Kick(session model.SessionID, reason string) error
}

// EventSink is how the Session Manager reports lifecycle events to the
// Event Pipeline without importing it directly.
type EventSink interface {
	ComputationReady(session model.SessionID, comp model.CompID)
	ComputationTerminated(session model.SessionID, comp model.CompID, reason string)
	SessionOperationFailed(session model.SessionID, message string)
	SessionExpired(session model.SessionID)
	SessionClientDisconnected(session model.SessionID)
}

const (
	defunctDrainDeadline = 30 * time.Second
	shutdownOpDeadline   = 30 * time.Second
	shutdownExitDeadline = 30 * time.Second
	forceKillDeadline    = 5 * time.Second
)

// Manager is the Session Manager: the index of every session this node
// has ever hosted (including Defunct ones, retained forever so late
// references resolve deterministically) plus the public contract that
// drives them.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[model.SessionID]*Session
	compDefs   map[model.SessionID]map[model.CompID]model.ComputationDefinition
	placements map[model.SessionID]map[string]model.ComputationPlacement
	compIdx    map[model.CompID]compEntry

	router  RouterPort
	events  EventSink
	log     *slog.Logger
	tempDir string
	metrics *metrics.Collector

	clientConnTimeout time.Duration
	shuttingDown      atomic.Bool
}

// compEntry is the reverse index from a computation id back to the
// session that owns it and the supervisor tracking it, used to route
// the Router's asynchronous notifications (computationReady, forwarded
// heartbeats) without threading a session id through every call.
type compEntry struct {
	session model.SessionID
	sup     *computation.Supervisor
}

// New creates a Session Manager. clientConnTimeout is the expiration
// deadline armed on the entry node's session at create time.
func New(router RouterPort, events EventSink, tempDir string, clientConnTimeout time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions:          make(map[model.SessionID]*Session),
		compDefs:          make(map[model.SessionID]map[model.CompID]model.ComputationDefinition),
		placements:        make(map[model.SessionID]map[string]model.ComputationPlacement),
		compIdx:           make(map[model.CompID]compEntry),
		router:            router,
		events:            events,
		log:               log,
		tempDir:           tempDir,
		clientConnTimeout: clientConnTimeout,
	}
}

// Create installs routing synchronously, then launches the node-local
// computations asynchronously. The returned map is name -> placement
// for every computation the Coordinator described, whether or not it
// lives on this node.
func (m *Manager) Create(cfg model.SessionConfig) (map[string]model.ComputationPlacement, error) {
	if m.shuttingDown.Load() {
		return nil, agenterr.NewConflict("node is shutting down")
	}

	m.mu.Lock()
	if _, exists := m.sessions[cfg.SessionID]; exists {
		m.mu.Unlock()
		return nil, agenterr.NewConflict("session already exists")
	}
	entryNode := cfg.ThisNodeID == cfg.EntryNodeID
	sess := newSession(cfg.SessionID, cfg.ThisNodeID, entryNode)
	m.sessions[cfg.SessionID] = sess
	m.mu.Unlock()

	if err := sess.enterBusy(); err != nil {
		return nil, agenterr.Wrap(agenterr.Conflict, "session busy", err)
	}

	routingData := model.NewRoutingData(cfg.SessionID, cfg.EntryNodeID)
	for id, info := range cfg.Nodes {
		routingData.AddNode(id, info)
	}
	if entryNode {
		routingData.SetAddresser(model.NewMessageFilterAddresser(cfg.SessionID, cfg.MessageFilter, cfg.CompPlacement))
	}
	if err := m.router.InstallRouting(cfg.SessionID, routingData); err != nil {
		sess.leaveBusy(model.SessionFree)
		m.removeSession(cfg.SessionID)
		return nil, agenterr.Wrap(agenterr.Transient, "router install failed", err)
	}

	if entryNode {
		m.armExpiry(sess)
	}

	local := cfg.LocalComputations()
	m.mu.Lock()
	m.compDefs[cfg.SessionID] = local
	m.placements[cfg.SessionID] = cfg.CompPlacement
	m.mu.Unlock()

	go m.applyConfig(sess, cfg, local, nil, model.SessionFree)

	m.reportActiveSessions()
	return responseFromPlacement(cfg), nil
}

// reportActiveSessions sets the active-sessions gauge to the count of
// sessions not yet Defunct. Defunct sessions are retained forever for
// late lookups, so they're excluded here despite never leaving the
// sessions map.
func (m *Manager) reportActiveSessions() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	n := 0
	for _, sess := range m.sessions {
		if sess.State() != model.SessionDefunct {
			n++
		}
	}
	m.mu.RUnlock()
	m.metrics.SetActiveSessions(n)
}

// Modify diffs the current local computation set against the new
// definition, tearing down removed computations before spawning added
// ones.
func (m *Manager) Modify(cfg model.SessionConfig) (map[string]model.ComputationPlacement, error) {
	sess := m.lookup(cfg.SessionID)
	if sess == nil {
		return nil, agenterr.NewNotFound("unknown session")
	}
	if err := sess.enterBusy(); err != nil {
		if err == errDefunct {
			return nil, agenterr.NewNotFound("session is defunct")
		}
		return nil, agenterr.Wrap(agenterr.Conflict, "session busy", err)
	}

	desired := cfg.LocalComputations()

	m.mu.Lock()
	current := m.compDefs[cfg.SessionID]
	added := make(map[model.CompID]model.ComputationDefinition)
	defunct := make(map[model.CompID]model.ComputationDefinition)
	for id, def := range desired {
		if _, ok := current[id]; !ok {
			added[id] = def
		}
	}
	for id, def := range current {
		if _, ok := desired[id]; !ok {
			defunct[id] = def
		}
	}
	m.compDefs[cfg.SessionID] = desired
	m.placements[cfg.SessionID] = cfg.CompPlacement
	m.mu.Unlock()

	go m.applyConfig(sess, cfg, added, defunct, model.SessionFree)

	return responseFromPlacement(cfg), nil
}

// applyConfig runs the create/modify async worker: drain defunct
// computations (bounded), then spawn added ones, then leave Busy.
// Any failure emits sessionOperationFailed and still leaves Busy so the
// session accepts further operations, per the failure semantics.
func (m *Manager) applyConfig(sess *Session, cfg model.SessionConfig, added, defunct map[model.CompID]model.ComputationDefinition, doneState model.SessionState) {
	defer sess.leaveBusy(doneState)

	if len(defunct) > 0 {
		if !m.drainDefunct(sess, defunct) {
			m.events.SessionOperationFailed(sess.ID, "timed out waiting for defunct computations to exit")
			return
		}
	}

	ipcBase := m.tempDir
	sess.mu.Lock()
	for id := range defunct {
		delete(sess.comps, id)
	}
	sess.mu.Unlock()

	for id, def := range added {
		spec, err := buildSpawnSpec(cfg, id, def, ipcSocketPath(ipcBase, id), m.tempDir)
		if err != nil {
			m.events.SessionOperationFailed(sess.ID, err.Error())
			return
		}
		sup := computation.New(spec, &supervisorObserver{mgr: m, session: sess.ID}, m.log)
		sess.mu.Lock()
		sess.comps[id] = sup
		sess.mu.Unlock()
		m.indexComp(id, sess.ID, sup)

		if err := sup.Start(); err != nil {
			m.events.SessionOperationFailed(sess.ID, err.Error())
			return
		}
	}
}

func (m *Manager) drainDefunct(sess *Session, defunct map[model.CompID]model.ComputationDefinition) bool {
	sess.mu.Lock()
	sups := make([]*computation.Supervisor, 0, len(defunct))
	for id := range defunct {
		if sup, ok := sess.comps[id]; ok {
			sups = append(sups, sup)
		}
	}
	sess.mu.Unlock()

	for _, sup := range sups {
		sup.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), defunctDrainDeadline)
	ok := true
	for _, sup := range sups {
		if !sup.WaitUntilExit(ctx) {
			ok = false
		}
	}
	cancel()
	if ok {
		return true
	}

	m.log.Warn("computation ignored polite stop, sending SIGKILL", "session", sess.ID)
	return m.forceKillAndWait(sups)
}

// forceKillAndWait sends SIGKILL to every supervisor still running after
// its polite-stop deadline elapsed, then gives it a bounded window to
// actually exit. A supervisor that already exited from the earlier
// SIGTERM returns immediately from WaitUntilExit here, so this is safe
// to call across the whole batch regardless of which ones needed it.
func (m *Manager) forceKillAndWait(sups []*computation.Supervisor) bool {
	for _, sup := range sups {
		sup.Kill()
	}
	ctx, cancel := context.WithTimeout(context.Background(), forceKillDeadline)
	defer cancel()
	ok := true
	for _, sup := range sups {
		if !sup.WaitUntilExit(ctx) {
			ok = false
		}
	}
	return ok
}

// Signal implements the polymorphic "run"/"engineReady"/... dispatch.
func (m *Manager) Signal(sessionID model.SessionID, data map[string]any) error {
	sess := m.lookup(sessionID)
	if sess == nil {
		return agenterr.NewNotFound("unknown session")
	}
	sess.touch()

	status := model.Get(data, "status", "")
	switch status {
	case "run":
		autoSuspend := model.Get(data, "autoSuspend", false)
		sess.mu.Lock()
		type target struct {
			id  model.CompID
			sup *computation.Supervisor
		}
		targets := make([]target, 0, len(sess.comps))
		for id, sup := range sess.comps {
			targets = append(targets, target{id, sup})
		}
		sess.mu.Unlock()
		for _, t := range targets {
			control := t.sup.Signal(autoSuspend)
			if err := m.router.SendControl(t.id, control, nil); err != nil {
				m.log.Error("failed to deliver control message", "session", sessionID, "comp", t.id, "err", err)
			}
		}
		if routing, ok := data["routing"].(map[string]any); ok {
			filter, _ := routing["messageFilter"].(map[string]any)
			m.mu.RLock()
			placement := m.placements[sessionID]
			m.mu.RUnlock()
			addresser := model.NewMessageFilterAddresser(sessionID, filter, placement)
			if err := m.router.UpdateAddresser(sessionID, addresser); err != nil {
				m.log.Error("failed to update client addresser", "session", sessionID, "err", err)
			}
		}
		return nil
	case "engineReady":
		return m.router.SignalEngineReady(sessionID, nil)
	default:
		m.log.Warn("unknown session signal status", "session", sessionID, "status", status)
		return nil
	}
}

// Delete tears down every local computation and asks the router to
// release routing and kick the remote client. Idempotent against an
// already-Defunct session.
func (m *Manager) Delete(sessionID model.SessionID, reason string) error {
	sess := m.lookup(sessionID)
	if sess == nil {
		return agenterr.NewNotFound("unknown session")
	}
	if sess.State() == model.SessionDefunct {
		return nil
	}
	if err := sess.enterBusy(); err != nil {
		return agenterr.Wrap(agenterr.Conflict, "session busy", err)
	}
	sess.setDeleteReason(reason)
	sess.clearExpiry()

	go func() {
		defer func() {
			sess.leaveBusy(model.SessionDefunct)
			m.reportActiveSessions()
		}()

		sess.mu.Lock()
		sups := make([]*computation.Supervisor, 0, len(sess.comps))
		for _, sup := range sess.comps {
			sups = append(sups, sup)
		}
		sess.mu.Unlock()
		for _, sup := range sups {
			sup.Shutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), defunctDrainDeadline)
		ok := true
		for _, sup := range sups {
			if !sup.WaitUntilExit(ctx) {
				ok = false
			}
		}
		cancel()
		if !ok {
			m.log.Warn("computation ignored polite stop, sending SIGKILL", "session", sessionID)
			m.forceKillAndWait(sups)
		}

		if err := m.router.ReleaseRouting(sessionID); err != nil {
			m.log.Error("failed to release routing on delete", "session", sessionID, "err", err)
		}
		if err := m.router.Kick(sessionID, reason); err != nil {
			m.log.Error("failed to kick client on delete", "session", sessionID, "err", err)
		}
	}()

	return nil
}

// ShutdownAll synchronously and sequentially deletes every session,
// bounding each one's wait so a single stuck session can't hang the
// whole shutdown indefinitely.
func (m *Manager) ShutdownAll(reason string) {
	m.shuttingDown.Store(true)

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		if sess.State() == model.SessionDefunct {
			continue
		}
		if !sess.waitUntilIdle(shutdownOpDeadline) {
			m.log.Warn("session still busy after shutdown deadline, deleting anyway", "session", sess.ID)
		}
		if err := m.Delete(sess.ID, reason); err != nil {
			m.log.Error("shutdown delete failed", "session", sess.ID, "err", err)
			continue
		}
		sess.waitUntilIdle(shutdownExitDeadline)
	}
}

// Snapshot returns the observable status of one session.
func (m *Manager) Snapshot(sessionID model.SessionID) (Snapshot, bool) {
	sess := m.lookup(sessionID)
	if sess == nil {
		return Snapshot{}, false
	}
	return sess.snapshot(), true
}

// Performance returns the rolling heartbeat rollup of every locally
// resident computation in a session, for the HTTP surface's performance
// endpoint.
func (m *Manager) Performance(sessionID model.SessionID) (map[model.CompID]model.PerformanceStats, bool) {
	sess := m.lookup(sessionID)
	if sess == nil {
		return nil, false
	}
	return sess.performance(), true
}

// SessionIDs returns every session id this node has ever hosted.
func (m *Manager) SessionIDs() []model.SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]model.SessionID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) lookup(id model.SessionID) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) removeSession(id model.SessionID) {
	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.compDefs, id)
	delete(m.placements, id)
	for comp, entry := range m.compIdx {
		if entry.session == id {
			delete(m.compIdx, comp)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) indexComp(comp model.CompID, session model.SessionID, sup *computation.Supervisor) {
	m.mu.Lock()
	m.compIdx[comp] = compEntry{session: session, sup: sup}
	n := len(m.compIdx)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetRunningComputations(n)
	}
}

func (m *Manager) deindexComp(comp model.CompID) {
	m.mu.Lock()
	delete(m.compIdx, comp)
	n := len(m.compIdx)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetRunningComputations(n)
	}
}

func (m *Manager) lookupComp(comp model.CompID) (compEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.compIdx[comp]
	return entry, ok
}

// HandleComputationReady is invoked by the Router's control connection
// when a computation's EXECUTOR endpoint registers, the "on its
// registration, computationReady fires" signal from the spec.
func (m *Manager) HandleComputationReady(comp model.CompID) {
	entry, ok := m.lookupComp(comp)
	if !ok {
		m.log.Warn("computationReady for untracked computation", "comp", comp)
		return
	}
	m.events.ComputationReady(entry.session, comp)
}

// HandleHeartbeat is invoked by the Router's control connection for
// every heartbeat forwarded from a local computation's IPC endpoint; it
// folds the sample into that computation's running statistics.
func (m *Manager) HandleHeartbeat(comp model.CompID, sample model.HeartbeatSample) {
	entry, ok := m.lookupComp(comp)
	if !ok {
		return
	}
	entry.sup.ObserveHeartbeat(sample)
}

// SetMetrics installs the Prometheus collector the manager reports
// session and computation lifecycle counts to. Nil (the default)
// disables reporting.
func (m *Manager) SetMetrics(c *metrics.Collector) { m.metrics = c }

// ClearExpiry cancels a session's pending expiration deadline. Wired to
// the Router's client-connect hook, since "the deadline is cleared on
// client connect" is the one place outside this package's own calls
// that needs to reach in and do it.
func (m *Manager) ClearExpiry(sessionID model.SessionID) {
	sess := m.lookup(sessionID)
	if sess == nil {
		return
	}
	sess.clearExpiry()
}

func (m *Manager) armExpiry(sess *Session) {
	sess.armExpiry(m.clientConnTimeout, func() {
		m.events.SessionExpired(sess.ID)
	})
}

func responseFromPlacement(cfg model.SessionConfig) map[string]model.ComputationPlacement {
	out := make(map[string]model.ComputationPlacement, len(cfg.CompPlacement))
	for name, placement := range cfg.CompPlacement {
		out[name] = placement
	}
	return out
}

func ipcSocketPath(tempDir string, comp model.CompID) string {
	return fmt.Sprintf("%s/comp-%s.sock", tempDir, comp)
}

// supervisorObserver adapts computation.Observer callbacks into the
// Manager's event/session bookkeeping.
type supervisorObserver struct {
	mgr     *Manager
	session model.SessionID
}

func (o *supervisorObserver) OnSpawn(comp model.CompID) {
	o.mgr.log.Info("computation spawned", "session", o.session, "comp", comp)
	if o.mgr.metrics != nil {
		o.mgr.metrics.ComputationSpawned()
	}
}

func (o *supervisorObserver) OnTerminate(comp model.CompID, status computation.Status) {
	o.mgr.deindexComp(comp)
	if o.mgr.metrics != nil {
		o.mgr.metrics.ComputationExited()
	}
	reason := status.StoppedReason
	if reason == "" {
		reason = status.ExitType.String()
	}
	o.mgr.events.ComputationTerminated(o.session, comp, reason)
}

func (o *supervisorObserver) OnHeartbeat(comp model.CompID, sample model.HeartbeatSample) {
	// Rolled into the supervisor's own PerformanceStats, which the HTTP
	// surface's performance endpoint reads; nothing further to do here.
}
