package callmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutBusyDevicesAggregate(t *testing.T) {
	h := newTestHarness(t, nil)
	callID := h.startOutgoing(t, "bob", []DeviceID{1, 2})

	// Device 1 is busy; device 2 has not responded, so the call goes on.
	require.NoError(t, h.mgr.ReceivedBusy(callID, ReceivedBusy{SenderDeviceID: 1}))
	require.NoError(t, h.mgr.MessageSent(callID))
	h.sync(t)

	hangups := h.obs.hangupList()
	require.Len(t, hangups, 1)
	assert.False(t, hangups[0].broadcast)
	assert.Equal(t, DeviceID(1), hangups[0].device)
	assert.Equal(t, HangupBusy, hangups[0].hangup.Type)
	assert.False(t, h.obs.hasEvent(callID, EventEndedRemoteBusy))

	// Device 2 answers and starts ringing.
	require.NoError(t, h.mgr.ReceivedAnswer(callID, ReceivedAnswer{
		Answer:         Answer{SDP: testAnswerSDP},
		SenderDeviceID: 2,
	}))
	h.sync(t)
	assert.True(t, h.obs.hasEvent(callID, EventRingingRemote))

	// Device 2 turns out busy too; nothing is ringing or pending anymore.
	require.NoError(t, h.mgr.ReceivedBusy(callID, ReceivedBusy{SenderDeviceID: 2}))
	require.NoError(t, h.mgr.MessageSent(callID))
	h.sync(t)

	assert.True(t, h.obs.hasEvent(callID, EventEndedRemoteBusy))
	assert.Contains(t, h.obs.concludedList(), callID)
}

func TestFanOutEndOnFirstBusy(t *testing.T) {
	h := newTestHarness(t, func(cfg *Config[string]) {
		cfg.EndOnFirstBusy = true
	})
	callID := h.startOutgoing(t, "bob", []DeviceID{1, 2})

	require.NoError(t, h.mgr.ReceivedBusy(callID, ReceivedBusy{SenderDeviceID: 1}))
	require.NoError(t, h.mgr.MessageSent(callID))
	h.sync(t)

	assert.True(t, h.obs.hasEvent(callID, EventEndedRemoteBusy))
	hangups := h.obs.hangupList()
	require.Len(t, hangups, 1)
	assert.True(t, hangups[0].broadcast)
	assert.Equal(t, HangupBusy, hangups[0].hangup.Type)
	assert.Contains(t, h.obs.concludedList(), callID)
}

func TestFanOutBusyInDiscoveryModeEndsCall(t *testing.T) {
	h := newTestHarness(t, nil)
	// No device list from the application: devices are discovered from
	// whoever responds, so a busy with nothing ringing ends the call.
	callID := h.startOutgoing(t, "bob", nil)

	require.NoError(t, h.mgr.ReceivedBusy(callID, ReceivedBusy{SenderDeviceID: 3}))
	require.NoError(t, h.mgr.MessageSent(callID))
	h.sync(t)

	assert.True(t, h.obs.hasEvent(callID, EventEndedRemoteBusy))
	assert.Contains(t, h.obs.concludedList(), callID)
}

func TestFanOutAcceptCollapsesRing(t *testing.T) {
	h := newTestHarness(t, nil)
	callID := h.startOutgoing(t, "bob", []DeviceID{1, 2, 3})

	require.NoError(t, h.mgr.ReceivedAnswer(callID, ReceivedAnswer{
		Answer:         Answer{SDP: testAnswerSDP},
		SenderDeviceID: 1,
	}))
	require.NoError(t, h.mgr.ReceivedAnswer(callID, ReceivedAnswer{
		Answer:         Answer{SDP: testAnswerSDP},
		SenderDeviceID: 2,
	}))
	h.sync(t)

	info, ok := h.mgr.CallInfo(callID)
	require.True(t, ok)
	assert.ElementsMatch(t, []DeviceID{1, 2}, info.RingingDevices)
	// Only the first answer is negotiated with.
	assert.Equal(t, DeviceID(1), info.ActiveDevice)

	h.mgr.AcceptedViaMedia(callID, 1)
	h.sync(t)

	hangups := h.obs.hangupList()
	require.Len(t, hangups, 1)
	assert.True(t, hangups[0].broadcast)
	assert.Equal(t, Hangup{Type: HangupAccepted, DeviceID: 1}, hangups[0].hangup)

	info, ok = h.mgr.CallInfo(callID)
	require.True(t, ok)
	assert.Equal(t, StateConnected, info.State)
	assert.Empty(t, info.RingingDevices)
}

func TestFanOutLateAnswerAfterConnectIgnored(t *testing.T) {
	h := newTestHarness(t, nil)
	callID := h.connectOutgoing(t, "bob", 2)

	require.NoError(t, h.mgr.ReceivedAnswer(callID, ReceivedAnswer{
		Answer:         Answer{SDP: testAnswerSDP},
		SenderDeviceID: 3,
	}))
	h.sync(t)

	info, ok := h.mgr.CallInfo(callID)
	require.True(t, ok)
	assert.Equal(t, StateConnected, info.State)
	assert.Equal(t, DeviceID(2), info.ActiveDevice)
}

func TestFanOutDuplicateAnswerFromSameDevice(t *testing.T) {
	h := newTestHarness(t, nil)
	callID := h.startOutgoing(t, "bob", []DeviceID{1})

	for i := 0; i < 2; i++ {
		require.NoError(t, h.mgr.ReceivedAnswer(callID, ReceivedAnswer{
			Answer:         Answer{SDP: testAnswerSDP},
			SenderDeviceID: 1,
		}))
	}
	h.sync(t)

	ringing := 0
	for _, e := range h.obs.eventList() {
		if e.event == EventRingingRemote {
			ringing++
		}
	}
	assert.Equal(t, 1, ringing)
}

func TestFanOutAnswerFromUnlistedDeviceIgnored(t *testing.T) {
	h := newTestHarness(t, nil)
	callID := h.startOutgoing(t, "bob", []DeviceID{1, 2})

	require.NoError(t, h.mgr.ReceivedAnswer(callID, ReceivedAnswer{
		Answer:         Answer{SDP: testAnswerSDP},
		SenderDeviceID: 9,
	}))
	h.sync(t)

	assert.False(t, h.obs.hasEvent(callID, EventRingingRemote))
	info, ok := h.mgr.CallInfo(callID)
	require.True(t, ok)
	assert.Equal(t, StateSendingOffer, info.State)
}
