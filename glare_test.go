package callmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlareExistingCallAlwaysConcedes(t *testing.T) {
	// The concession does not depend on how the colliding ids compare; an
	// inbound offer with a lower id must still win against our attempt.
	for _, name := range []string{"lower-incoming-id", "higher-incoming-id"} {
		t.Run(name, func(t *testing.T) {
			h := newTestHarness(t, nil)
			existing := h.startOutgoing(t, "bob", []DeviceID{2})

			incoming := existing - 1
			if name == "higher-incoming-id" {
				incoming = existing + 1
			}
			require.NoError(t, h.mgr.ReceivedOffer("bob", "ctx", incoming, basicOffer(2)))
			// Our normal hangup and the busy rejection settle in turn.
			require.NoError(t, h.mgr.MessageSent(existing))
			require.NoError(t, h.mgr.MessageSent(existing))
			require.NoError(t, h.mgr.MessageSent(incoming))
			h.sync(t)

			assert.True(t, h.obs.hasEvent(existing, EventEndedRemoteGlare))
			assert.True(t, h.obs.hasEvent(incoming, EventEndedReceivedOfferWhileActive))
			assert.Contains(t, h.obs.concludedList(), existing)
			assert.Contains(t, h.obs.concludedList(), incoming)

			hangups := h.obs.hangupList()
			require.NotEmpty(t, hangups)
			assert.Equal(t, existing, hangups[0].callID)
			assert.Equal(t, HangupNormal, hangups[0].hangup.Type)
			assert.Equal(t, []CallID{incoming}, h.obs.busyList())

			// The offer does not become a call; both sides redial.
			assert.Equal(t, 0, h.mgr.CallCount())
		})
	}
}

func TestGlareIdenticalIDsEndBothCalls(t *testing.T) {
	h := newTestHarness(t, nil)
	existing := h.startOutgoing(t, "bob", []DeviceID{2})

	require.NoError(t, h.mgr.ReceivedOffer("bob", "ctx", existing, basicOffer(2)))
	// Our hangup and the busy rejection settle in turn.
	require.NoError(t, h.mgr.MessageSent(existing))
	require.NoError(t, h.mgr.MessageSent(existing))
	h.sync(t)

	assert.True(t, h.obs.hasEvent(existing, EventEndedRemoteGlare))
	assert.True(t, h.obs.hasEvent(existing, EventEndedReceivedOfferWhileActive))
	assert.Equal(t, []CallID{existing}, h.obs.busyList())
	assert.Equal(t, []CallID{existing}, h.obs.concludedList())
	assert.Equal(t, 0, h.mgr.CallCount())
}

func TestGlareSymmetry(t *testing.T) {
	// Two managers dial each other simultaneously. Both apply the same
	// concession rule, so each side ends its own attempt with a glare event,
	// busies the inbound offer, and neither call survives.
	a := newTestHarness(t, nil)
	b := newTestHarness(t, nil)

	callA := a.startOutgoing(t, "peer-b", []DeviceID{1})
	callB := b.startOutgoing(t, "peer-a", []DeviceID{1})

	// Cross-deliver the two offers and settle each side's hangup and busy.
	require.NoError(t, a.mgr.ReceivedOffer("peer-b", "ctx", callB, basicOffer(1)))
	require.NoError(t, b.mgr.ReceivedOffer("peer-a", "ctx", callA, basicOffer(1)))
	for _, pair := range []struct {
		h    *testHarness
		own  CallID
		sent CallID
	}{{a, callA, callB}, {b, callB, callA}} {
		require.NoError(t, pair.h.mgr.MessageSent(pair.own))
		require.NoError(t, pair.h.mgr.MessageSent(pair.own))
		require.NoError(t, pair.h.mgr.MessageSent(pair.sent))
		pair.h.sync(t)
	}

	assert.True(t, a.obs.hasEvent(callA, EventEndedRemoteGlare))
	assert.True(t, b.obs.hasEvent(callB, EventEndedRemoteGlare))
	assert.Equal(t, []CallID{callB}, a.obs.busyList())
	assert.Equal(t, []CallID{callA}, b.obs.busyList())

	_, okA := a.mgr.ActiveCallID()
	_, okB := b.mgr.ActiveCallID()
	assert.False(t, okA)
	assert.False(t, okB)
	assert.Equal(t, 0, a.mgr.CallCount())
	assert.Equal(t, 0, b.mgr.CallCount())
}

func TestOfferFromNonActiveDeviceWhileEngagedGetsBusy(t *testing.T) {
	h := newTestHarness(t, nil)

	// Engaged with bob's device 2.
	existing := h.connectOutgoing(t, "bob", 2)

	// Bob's device 7 dials us; that is not glare, just a busy rejection.
	incoming := existing + 1
	require.NoError(t, h.mgr.ReceivedOffer("bob", "ctx", incoming, basicOffer(7)))
	require.NoError(t, h.mgr.MessageSent(incoming))
	h.sync(t)

	assert.Equal(t, []CallID{incoming}, h.obs.busyList())
	assert.Contains(t, h.obs.concludedList(), incoming)
	assert.False(t, h.obs.hasEvent(existing, EventEndedRemoteGlare))

	info, ok := h.mgr.CallInfo(existing)
	require.True(t, ok)
	assert.Equal(t, StateConnected, info.State)
}
