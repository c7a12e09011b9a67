package callmgr

import "fmt"

// HangupType classifies a hangup signaling message. The numeric values are
// part of the wire vocabulary and must not be reordered.
type HangupType int32

const (
	// HangupNormal ends the call from this device.
	HangupNormal HangupType = 0
	// HangupAccepted tells a still-ringing device that another device of the
	// same user accepted the call.
	HangupAccepted HangupType = 1
	// HangupDeclined tells a still-ringing device that another device declined.
	HangupDeclined HangupType = 2
	// HangupBusy tells a still-ringing device that another device was busy.
	HangupBusy HangupType = 3
	// HangupNeedPermission indicates permission is required before the call
	// can be completed.
	HangupNeedPermission HangupType = 4
)

// HangupTypeFromValue recovers a HangupType from its wire value.
func HangupTypeFromValue(v int32) (HangupType, error) {
	if v < int32(HangupNormal) || v > int32(HangupNeedPermission) {
		return HangupNormal, fmt.Errorf("%w: %d", ErrInvalidHangupType, v)
	}
	return HangupType(v), nil
}

// String returns a human-readable hangup type name.
func (t HangupType) String() string {
	switch t {
	case HangupNormal:
		return "Normal"
	case HangupAccepted:
		return "Accepted"
	case HangupDeclined:
		return "Declined"
	case HangupBusy:
		return "Busy"
	case HangupNeedPermission:
		return "NeedPermission"
	default:
		return "Unknown"
	}
}

// Hangup is the payload of a hangup signaling message. DeviceID names the
// device the hangup is about (the one that accepted, declined, or was busy);
// it is ignored for HangupNormal. Carrying the device lets a recipient tell
// "this device accepted" apart from "some other device accepted".
type Hangup struct {
	Type     HangupType
	DeviceID DeviceID
}

// String formats the hangup the way it appears in signaling logs.
func (h Hangup) String() string {
	if h.Type == HangupNormal {
		return h.Type.String()
	}
	return fmt.Sprintf("%s/%d", h.Type, h.DeviceID)
}

// event maps a received hangup to the lifecycle event it raises. The ok
// result is false when the hangup carries no event for this device, such as
// the accepted-elsewhere broadcast echoed back to the winning device.
func (h Hangup) event(localDevice DeviceID) (Event, bool) {
	switch h.Type {
	case HangupNormal:
		return EventEndedRemoteHangup, true
	case HangupAccepted:
		if h.DeviceID == localDevice {
			return 0, false
		}
		return EventEndedRemoteHangupAccepted, true
	case HangupDeclined:
		return EventEndedRemoteHangupDeclined, true
	case HangupBusy:
		return EventEndedRemoteHangupBusy, true
	case HangupNeedPermission:
		return EventEndedRemoteHangupNeedPermission, true
	default:
		return EventEndedRemoteHangup, true
	}
}
