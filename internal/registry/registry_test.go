package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/compute-node-agent/internal/wire"
	"github.com/ChuLiYu/compute-node-agent/pkg/model"
)

type fakeEndpoint struct {
	kind model.PeerKind
}

func (f *fakeEndpoint) Kind() model.PeerKind { return f.kind }

func TestTrackClientRejectsDuplicate(t *testing.T) {
	r := New()
	session := model.NewID()
	ep1 := &fakeEndpoint{kind: model.PeerClient}
	ep2 := &fakeEndpoint{kind: model.PeerClient}

	require.NoError(t, r.TrackClient(session, ep1))
	err := r.TrackClient(session, ep2)
	assert.ErrorIs(t, err, ErrDuplicatePeer)
}

func TestTrackControlSingleton(t *testing.T) {
	r := New()
	require.NoError(t, r.TrackControl(&fakeEndpoint{kind: model.PeerService}))
	err := r.TrackControl(&fakeEndpoint{kind: model.PeerService})
	assert.ErrorIs(t, err, ErrDuplicatePeer)
}

func TestDestroyReportsKindAndRemoves(t *testing.T) {
	r := New()
	session := model.NewID()
	ep := &fakeEndpoint{kind: model.PeerClient}
	require.NoError(t, r.TrackClient(session, ep))

	kind, id, ok := r.Destroy(ep)
	require.True(t, ok)
	assert.Equal(t, model.PeerClient, kind)
	assert.Equal(t, session, model.SessionID(id))

	_, found := r.Client(session)
	assert.False(t, found)
}

func TestDestroyUnknownEndpoint(t *testing.T) {
	r := New()
	_, _, ok := r.Destroy(&fakeEndpoint{kind: model.PeerNode})
	assert.False(t, ok)
}

func TestStashDrainOrderPreserved(t *testing.T) {
	r := New()
	session := model.NewID()
	e1 := wire.Envelope{RoutingName: "first"}
	e2 := wire.Envelope{RoutingName: "second"}
	r.Stash(session, e1)
	r.Stash(session, e2)

	drained := r.DrainStash(session)
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].RoutingName)
	assert.Equal(t, "second", drained[1].RoutingName)

	// draining clears it
	assert.Empty(t, r.DrainStash(session))
}

func TestClearStashDiscards(t *testing.T) {
	r := New()
	session := model.NewID()
	r.Stash(session, wire.Envelope{})
	r.ClearStash(session)
	assert.Empty(t, r.DrainStash(session))
}
