package callmgr

import "time"

// ICEServer describes one STUN or TURN server for candidate gathering.
type ICEServer struct {
	URLs     []string
	Username string
	Password string
}

// ICEConfig is the application-gathered transport configuration handed to
// Proceed once the call may use the network.
type ICEConfig struct {
	Servers []ICEServer

	// EnableVideoOnStart starts local video capture as soon as the media
	// engine is created, for calls placed or answered as video calls.
	EnableVideoOnStart bool
}

// ConnectionStats is a snapshot of media transport health, passed through
// from the media engine.
type ConnectionStats struct {
	RoundTripTime   time.Duration
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
}

// MediaEngine is the media transport collaborator: it owns ICE gathering and
// connectivity, DTLS/SRTP keying, codec negotiation, and RTP transport. The
// core invokes it and reacts to its completions; it never implements any of
// it.
//
// Methods must not block on network activity. Long-running work completes
// through the Manager's completion API (OfferReady, AnswerReady,
// LocalICECandidate, ICEConnected, ICEDisconnected, ICEFailed,
// AcceptedViaMedia, MediaFailure), which may be called from any thread.
type MediaEngine interface {
	// CreateOffer begins offer creation and candidate gathering for an
	// outgoing call. Completes via OfferReady or MediaFailure.
	CreateOffer(callID CallID, mediaType CallMediaType, ice ICEConfig) error

	// CreateAnswer begins answer creation for an incoming call whose remote
	// description is remoteSDP. Completes via AnswerReady or MediaFailure.
	CreateAnswer(callID CallID, remoteSDP string, mediaType CallMediaType, ice ICEConfig) error

	// SetRemoteDescription applies the answer a remote device produced.
	SetRemoteDescription(callID CallID, sdp string) error

	// AddICECandidates applies remote candidates from one device.
	AddICECandidates(callID CallID, device DeviceID, candidates []ICECandidate) error

	// SendAccepted tells the caller, over the established media path, that
	// this callee device accepted. The caller surfaces it back through
	// AcceptedViaMedia.
	SendAccepted(callID CallID) error

	// SetOutgoingMedia enables or disables outgoing media for the call.
	SetOutgoingMedia(callID CallID, enabled bool) error

	// Statistics returns current transport statistics for the call.
	Statistics(callID CallID) (ConnectionStats, error)

	// Close releases every media resource held for the call. Invoked during
	// teardown; late completions for the call id are discarded by the core.
	Close(callID CallID) error
}
