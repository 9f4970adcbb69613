package routingstore

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

func TestAddLookupRelease(t *testing.T) {
	store := New(nil)
	session := model.NewID()
	node := model.NewID()

	data := model.NewRoutingData(session, node)
	store.Add(session, data)

	got := store.Lookup(session)
	require.NotNil(t, got)
	assert.Equal(t, session, got.SessionID)

	store.Release(session)
	// weak reference still resolves while the caller holds `data`.
	got = store.Lookup(session)
	require.NotNil(t, got)
}

func TestDeleteClearsBothTables(t *testing.T) {
	store := New(nil)
	session := model.NewID()
	data := model.NewRoutingData(session, model.NewID())
	store.Add(session, data)
	store.Delete(session)

	assert.Nil(t, store.Lookup(session))
}

func TestRoundTripIdempotence(t *testing.T) {
	store := New(nil)
	session := model.NewID()
	data := model.NewRoutingData(session, model.NewID())

	store.Add(session, data)
	store.Release(session)
	store.Delete(session)
	assert.Nil(t, store.Lookup(session))

	store.Add(session, data)
	got := store.Lookup(session)
	require.NotNil(t, got)
	assert.Equal(t, session, got.SessionID)
}

func TestFindNodeInfo(t *testing.T) {
	store := New(nil)
	session := model.NewID()
	node := model.NewID()
	data := model.NewRoutingData(session, node)
	data.AddNode(node, model.NodeRoutingInfo{Hostname: "render01", Port: 9000})
	store.Add(session, data)

	info, ok := store.FindNodeInfo(node)
	require.True(t, ok)
	assert.Equal(t, "render01", info.Hostname)

	_, ok = store.FindNodeInfo(model.NewID())
	assert.False(t, ok)

	runtime.KeepAlive(data)
}

func TestLookupExpiredAfterGC(t *testing.T) {
	store := New(nil)
	session := model.NewID()
	func() {
		data := model.NewRoutingData(session, model.NewID())
		store.Add(session, data)
		store.Release(session)
	}()

	// Nothing outside the store holds a strong reference to `data` past
	// the closure above, so weak.Pointer does not pin it against
	// collection. Force enough GC cycles to actually exercise that: a
	// single runtime.GC() call has, on occasion, not been enough to
	// finalize the value in a single pass.
	for i := 0; i < 5; i++ {
		runtime.GC()
	}
	assert.Nil(t, store.Lookup(session), "weak reference should not survive GC once its strong reference is gone; callers that need it to survive must cache their own strong reference, see internal/router.endpoint.routing")
}
