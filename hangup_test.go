package callmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHangupTypeFromValue(t *testing.T) {
	for v := int32(0); v <= 4; v++ {
		ht, err := HangupTypeFromValue(v)
		require.NoError(t, err)
		assert.Equal(t, v, int32(ht))
	}

	_, err := HangupTypeFromValue(5)
	assert.ErrorIs(t, err, ErrInvalidHangupType)
	_, err = HangupTypeFromValue(-1)
	assert.ErrorIs(t, err, ErrInvalidHangupType)
}

func TestHangupTypeString(t *testing.T) {
	assert.Equal(t, "Normal", HangupNormal.String())
	assert.Equal(t, "Accepted", HangupAccepted.String())
	assert.Equal(t, "Declined", HangupDeclined.String())
	assert.Equal(t, "Busy", HangupBusy.String())
	assert.Equal(t, "NeedPermission", HangupNeedPermission.String())
}

func TestHangupString(t *testing.T) {
	assert.Equal(t, "Normal", Hangup{Type: HangupNormal}.String())
	assert.Equal(t, "Accepted/3", Hangup{Type: HangupAccepted, DeviceID: 3}.String())
}

func TestHangupEventMapping(t *testing.T) {
	const localDevice DeviceID = 2

	cases := []struct {
		hangup Hangup
		event  Event
		raised bool
	}{
		{Hangup{Type: HangupNormal}, EventEndedRemoteHangup, true},
		{Hangup{Type: HangupAccepted, DeviceID: 5}, EventEndedRemoteHangupAccepted, true},
		{Hangup{Type: HangupAccepted, DeviceID: localDevice}, 0, false},
		{Hangup{Type: HangupDeclined, DeviceID: 5}, EventEndedRemoteHangupDeclined, true},
		{Hangup{Type: HangupBusy, DeviceID: 5}, EventEndedRemoteHangupBusy, true},
		{Hangup{Type: HangupNeedPermission, DeviceID: 5}, EventEndedRemoteHangupNeedPermission, true},
	}
	for _, tc := range cases {
		event, raised := tc.hangup.event(localDevice)
		assert.Equal(t, tc.raised, raised, "hangup %s", tc.hangup)
		if raised {
			assert.Equal(t, tc.event, event, "hangup %s", tc.hangup)
		}
	}
}

func TestEventIsEnded(t *testing.T) {
	assert.False(t, EventRingingLocal.IsEnded())
	assert.False(t, EventReconnecting.IsEnded())
	assert.True(t, EventEndedLocalHangup.IsEnded())
	assert.True(t, EventEndedIgnoredNonMultiRingCaller.IsEnded())
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "RingingRemote", EventRingingRemote.String())
	assert.Equal(t, "EndedRemoteGlare", EventEndedRemoteGlare.String())
}
