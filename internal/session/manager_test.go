package session

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

type fakeRouter struct {
	installed  map[model.SessionID]*model.RoutingData
	released   []model.SessionID
	kicked     []model.SessionID
	installErr error
	addressers map[model.SessionID]model.ClientAddresser
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{installed: make(map[model.SessionID]*model.RoutingData)}
}

func (f *fakeRouter) InstallRouting(session model.SessionID, data *model.RoutingData) error {
	if f.installErr != nil {
		return f.installErr
	}
	f.installed[session] = data
	return nil
}
func (f *fakeRouter) ReleaseRouting(session model.SessionID) error {
	f.released = append(f.released, session)
	return nil
}
func (f *fakeRouter) SendControl(comp model.CompID, control string, payload []byte) error { return nil }
func (f *fakeRouter) UpdateAddresser(session model.SessionID, addresser model.ClientAddresser) error {
	if f.addressers == nil {
		f.addressers = make(map[model.SessionID]model.ClientAddresser)
	}
	f.addressers[session] = addresser
	return nil
}
func (f *fakeRouter) SignalEngineReady(session model.SessionID, payload []byte) error { return nil }
func (f *fakeRouter) Kick(session model.SessionID, reason string) error {
	f.kicked = append(f.kicked, session)
	return nil
}

type fakeEvents struct {
	terminated []model.CompID
	failed     []string
	expired    []model.SessionID
}

func (f *fakeEvents) ComputationReady(session model.SessionID, comp model.CompID) {}
func (f *fakeEvents) ComputationTerminated(session model.SessionID, comp model.CompID, reason string) {
	f.terminated = append(f.terminated, comp)
}
func (f *fakeEvents) SessionOperationFailed(session model.SessionID, message string) {
	f.failed = append(f.failed, message)
}
func (f *fakeEvents) SessionExpired(session model.SessionID)              { f.expired = append(f.expired, session) }
func (f *fakeEvents) SessionClientDisconnected(session model.SessionID)   {}

func testConfig(sessionID model.SessionID, thisNode, entryNode model.NodeID) model.SessionConfig {
	return model.SessionConfig{
		SessionID:   sessionID,
		ThisNodeID:  thisNode,
		EntryNodeID: entryNode,
		Nodes: map[model.NodeID]model.NodeRoutingInfo{
			thisNode: {Hostname: "node-a", Port: 9000},
		},
		Computations:  map[model.CompID]model.ComputationDefinition{},
		CompPlacement: map[string]model.ComputationPlacement{},
	}
}

func TestCreateInstallsRoutingAndReturnsImmediately(t *testing.T) {
	router := newFakeRouter()
	events := &fakeEvents{}
	mgr := New(router, events, os.TempDir(), 5*time.Second, nil)

	node := model.NewID()
	cfg := testConfig(model.NewID(), node, node)

	resp, err := mgr.Create(cfg)
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Contains(t, router.installed, cfg.SessionID)

	snap, ok := mgr.Snapshot(cfg.SessionID)
	require.True(t, ok)
	// Create holds the session Busy until its async apply finishes.
	assert.Eventually(t, func() bool {
		snap, _ = mgr.Snapshot(cfg.SessionID)
		return snap.State == model.SessionFree
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateDuplicateSessionConflicts(t *testing.T) {
	router := newFakeRouter()
	mgr := New(router, &fakeEvents{}, os.TempDir(), time.Second, nil)
	node := model.NewID()
	cfg := testConfig(model.NewID(), node, node)

	_, err := mgr.Create(cfg)
	require.NoError(t, err)

	_, err = mgr.Create(cfg)
	assert.Error(t, err)
}

func TestModifyUnknownSessionNotFound(t *testing.T) {
	mgr := New(newFakeRouter(), &fakeEvents{}, os.TempDir(), time.Second, nil)
	cfg := testConfig(model.NewID(), model.NewID(), model.NewID())
	_, err := mgr.Modify(cfg)
	assert.Error(t, err)
}

func TestDeleteUnknownSessionNotFound(t *testing.T) {
	mgr := New(newFakeRouter(), &fakeEvents{}, os.TempDir(), time.Second, nil)
	err := mgr.Delete(model.NewID(), "gone")
	assert.Error(t, err)
}

func TestDeleteTransitionsToDefunctAndKicks(t *testing.T) {
	router := newFakeRouter()
	mgr := New(router, &fakeEvents{}, os.TempDir(), time.Second, nil)
	node := model.NewID()
	cfg := testConfig(model.NewID(), node, node)

	_, err := mgr.Create(cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, ok := mgr.Snapshot(cfg.SessionID)
		return ok && snap.State == model.SessionFree
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Delete(cfg.SessionID, "client requested"))

	require.Eventually(t, func() bool {
		snap, ok := mgr.Snapshot(cfg.SessionID)
		return ok && snap.State == model.SessionDefunct
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, router.kicked, cfg.SessionID)
	assert.Contains(t, router.released, cfg.SessionID)
}

func TestDeleteIsIdempotentOnDefunct(t *testing.T) {
	router := newFakeRouter()
	mgr := New(router, &fakeEvents{}, os.TempDir(), time.Second, nil)
	node := model.NewID()
	cfg := testConfig(model.NewID(), node, node)

	_, err := mgr.Create(cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, ok := mgr.Snapshot(cfg.SessionID)
		return ok && snap.State == model.SessionFree
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, mgr.Delete(cfg.SessionID, "first"))

	require.Eventually(t, func() bool {
		snap, ok := mgr.Snapshot(cfg.SessionID)
		return ok && snap.State == model.SessionDefunct
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, mgr.Delete(cfg.SessionID, "second"))
}

func TestSignalUnknownStatusLogsAndSucceeds(t *testing.T) {
	router := newFakeRouter()
	mgr := New(router, &fakeEvents{}, os.TempDir(), time.Second, nil)
	node := model.NewID()
	cfg := testConfig(model.NewID(), node, node)

	_, err := mgr.Create(cfg)
	require.NoError(t, err)

	err = mgr.Signal(cfg.SessionID, map[string]any{"status": "somethingElse"})
	assert.NoError(t, err)
}

func TestSignalRunWithRoutingInstallsRealAddresser(t *testing.T) {
	router := newFakeRouter()
	mgr := New(router, &fakeEvents{}, os.TempDir(), time.Second, nil)
	node := model.NewID()
	sessionID := model.NewID()
	compID := model.NewID()

	cfg := testConfig(sessionID, node, node)
	cfg.CompPlacement = map[string]model.ComputationPlacement{
		"comp1": {CompID: compID, NodeID: node},
	}
	_, err := mgr.Create(cfg)
	require.NoError(t, err)

	// The "routing" field arrives as a JSON document decoded off the wire,
	// never a Go-native model.ClientAddresser value — round-trip through
	// encoding/json here so the test exercises the same decode shape the
	// HTTP surface produces.
	body := []byte(`{
		"status": "run",
		"routing": {
			"messageFilter": {
				"(client)": {"comp1": "*"}
			}
		}
	}`)
	var data map[string]any
	require.NoError(t, json.Unmarshal(body, &data))

	err = mgr.Signal(sessionID, data)
	require.NoError(t, err)

	addresser, ok := router.addressers[sessionID]
	require.True(t, ok)
	require.NotNil(t, addresser)

	addrs := addresser.Route("anyMessage", 0, nil)
	require.Len(t, addrs, 1)
	assert.Equal(t, compID, *addrs[0].Comp)
	assert.Equal(t, node, *addrs[0].Node)
}

func TestSignalEngineReadyForwardsToRouter(t *testing.T) {
	router := newFakeRouter()
	mgr := New(router, &fakeEvents{}, os.TempDir(), time.Second, nil)
	node := model.NewID()
	cfg := testConfig(model.NewID(), node, node)

	_, err := mgr.Create(cfg)
	require.NoError(t, err)

	err = mgr.Signal(cfg.SessionID, map[string]any{"status": "engineReady"})
	assert.NoError(t, err)
}

func TestEntryNodeSessionExpiresWithoutClientConnect(t *testing.T) {
	router := newFakeRouter()
	events := &fakeEvents{}
	mgr := New(router, events, os.TempDir(), 20*time.Millisecond, nil)
	node := model.NewID()
	cfg := testConfig(model.NewID(), node, node)

	_, err := mgr.Create(cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(events.expired) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, cfg.SessionID, events.expired[0])
}

func TestClearExpiryCancelsPendingExpiration(t *testing.T) {
	router := newFakeRouter()
	events := &fakeEvents{}
	mgr := New(router, events, os.TempDir(), 20*time.Millisecond, nil)
	node := model.NewID()
	cfg := testConfig(model.NewID(), node, node)

	_, err := mgr.Create(cfg)
	require.NoError(t, err)

	mgr.ClearExpiry(cfg.SessionID)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, events.expired)
}

func TestShutdownAllDeletesEverySession(t *testing.T) {
	router := newFakeRouter()
	mgr := New(router, &fakeEvents{}, os.TempDir(), time.Second, nil)
	node := model.NewID()

	cfg1 := testConfig(model.NewID(), node, node)
	cfg2 := testConfig(model.NewID(), node, node)
	_, err := mgr.Create(cfg1)
	require.NoError(t, err)
	_, err = mgr.Create(cfg2)
	require.NoError(t, err)

	mgr.ShutdownAll("node shutting down")

	for _, id := range []model.SessionID{cfg1.SessionID, cfg2.SessionID} {
		snap, ok := mgr.Snapshot(id)
		require.True(t, ok)
		assert.Equal(t, model.SessionDefunct, snap.State)
	}
}
