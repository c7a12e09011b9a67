package callmgr

// DeviceID identifies one physical endpoint belonging to a remote identity.
type DeviceID uint32

// CallMediaType indicates what media a call was placed with.
type CallMediaType uint32

const (
	// CallMediaTypeAudio is an audio-only call.
	CallMediaTypeAudio CallMediaType = iota
	// CallMediaTypeVideo is an audio call that starts with video enabled.
	CallMediaTypeVideo
)

// String returns a human-readable media type name.
func (t CallMediaType) String() string {
	switch t {
	case CallMediaTypeAudio:
		return "audio"
	case CallMediaTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// CallDirection indicates which side of the call this instance is on.
type CallDirection uint32

const (
	// CallDirectionIncoming is a call received from a remote offer.
	CallDirectionIncoming CallDirection = iota
	// CallDirectionOutgoing is a call placed locally.
	CallDirectionOutgoing
)

// String returns a human-readable direction name.
func (d CallDirection) String() string {
	switch d {
	case CallDirectionIncoming:
		return "incoming"
	case CallDirectionOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Per-call lifecycle states. The graph is monotonic: no transition re-enters
// an earlier non-terminal state, and StateTerminated is absorbing. The only
// lateral movement is Connected <-> Reconnecting during an ICE outage.
const (
	StateIdle          = "idle"
	StateSendingOffer  = "sending-offer"
	StateReceivedOffer = "received-offer"
	StateRingingLocal  = "ringing-local"
	StateRingingRemote = "ringing-remote"
	StateAccepting     = "accepting"
	StateConnected     = "connected"
	StateReconnecting  = "reconnecting"
	StateTerminating   = "terminating"
	StateTerminated    = "terminated"
)

// Event enumerates every lifecycle notification delivered to the application
// through Observer.OnEvent.
type Event uint32

const (
	// EventRingingLocal indicates an incoming call is ringing on this device.
	EventRingingLocal Event = iota
	// EventRingingRemote indicates at least one remote device answered the
	// offer and is ringing.
	EventRingingRemote
	// EventConnectedLocal indicates this device accepted and is connected.
	EventConnectedLocal
	// EventConnectedRemote indicates a remote device accepted the call.
	EventConnectedRemote
	// EventReconnecting indicates the media path dropped and is recovering.
	EventReconnecting
	// EventReconnected indicates the media path recovered.
	EventReconnected
	// EventEndedLocalHangup indicates the local user hung up.
	EventEndedLocalHangup
	// EventEndedRemoteHangup indicates the remote side hung up normally.
	EventEndedRemoteHangup
	// EventEndedRemoteHangupAccepted indicates another device of ours won the
	// multi-ring; the call succeeded elsewhere rather than failed.
	EventEndedRemoteHangupAccepted
	// EventEndedRemoteHangupDeclined indicates another device declined.
	EventEndedRemoteHangupDeclined
	// EventEndedRemoteHangupBusy indicates another device was busy.
	EventEndedRemoteHangupBusy
	// EventEndedRemoteHangupNeedPermission indicates the remote needs
	// permission before the call can proceed.
	EventEndedRemoteHangupNeedPermission
	// EventEndedRemoteBusy indicates every rung remote device reported busy.
	EventEndedRemoteBusy
	// EventEndedRemoteGlare indicates our outgoing attempt conceded to a
	// simultaneous inbound offer from the same remote.
	EventEndedRemoteGlare
	// EventEndedSignalingFailure indicates a signaling send failed.
	EventEndedSignalingFailure
	// EventEndedConnectionFailure indicates the media path failed to connect.
	EventEndedConnectionFailure
	// EventEndedInternalFailure indicates an internal error ended the call.
	EventEndedInternalFailure
	// EventEndedTimeout indicates call setup exceeded the configured timeout.
	EventEndedTimeout
	// EventEndedAppDroppedCall indicates the application dropped the call
	// without signaling the remote.
	EventEndedAppDroppedCall
	// EventEndedReceivedOfferExpired indicates an offer was too old to act on.
	EventEndedReceivedOfferExpired
	// EventEndedReceivedOfferWhileActive indicates an offer collided with an
	// existing call for the same remote (glare), distinct from ordinary busy.
	EventEndedReceivedOfferWhileActive
	// EventEndedIgnoredNonMultiRingCaller indicates a linked device ignored an
	// offer from a caller that cannot ring multiple devices.
	EventEndedIgnoredNonMultiRingCaller
)

var eventNames = map[Event]string{
	EventRingingLocal:                    "RingingLocal",
	EventRingingRemote:                   "RingingRemote",
	EventConnectedLocal:                  "ConnectedLocal",
	EventConnectedRemote:                 "ConnectedRemote",
	EventReconnecting:                    "Reconnecting",
	EventReconnected:                     "Reconnected",
	EventEndedLocalHangup:                "EndedLocalHangup",
	EventEndedRemoteHangup:               "EndedRemoteHangup",
	EventEndedRemoteHangupAccepted:       "EndedRemoteHangupAccepted",
	EventEndedRemoteHangupDeclined:       "EndedRemoteHangupDeclined",
	EventEndedRemoteHangupBusy:           "EndedRemoteHangupBusy",
	EventEndedRemoteHangupNeedPermission: "EndedRemoteHangupNeedPermission",
	EventEndedRemoteBusy:                 "EndedRemoteBusy",
	EventEndedRemoteGlare:                "EndedRemoteGlare",
	EventEndedSignalingFailure:           "EndedSignalingFailure",
	EventEndedConnectionFailure:          "EndedConnectionFailure",
	EventEndedInternalFailure:            "EndedInternalFailure",
	EventEndedTimeout:                    "EndedTimeout",
	EventEndedAppDroppedCall:             "EndedAppDroppedCall",
	EventEndedReceivedOfferExpired:       "EndedReceivedOfferExpired",
	EventEndedReceivedOfferWhileActive:   "EndedReceivedOfferWhileActive",
	EventEndedIgnoredNonMultiRingCaller:  "EndedIgnoredNonMultiRingCaller",
}

// String returns the event name used in logs and metrics labels.
func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "Unknown"
}

// IsEnded reports whether the event is a terminal lifecycle event.
func (e Event) IsEnded() bool {
	switch e {
	case EventRingingLocal, EventRingingRemote, EventConnectedLocal,
		EventConnectedRemote, EventReconnecting, EventReconnected:
		return false
	default:
		return true
	}
}
