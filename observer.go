package callmgr

// Observer receives everything the core asks of the application: signaling
// messages to deliver over the application-owned transport, and lifecycle
// events to surface in the UI.
//
// Callbacks are delivered from a dedicated notify goroutine in the order the
// state machine produced them. Implementations may call back into the
// Manager. A callback that panics is recovered at the dispatch boundary and
// reported to the Runtime fault sink; it never corrupts call state.
//
// After a ShouldSend* callback the application must eventually report
// MessageSent or MessageSendFailure for that call id; the next queued
// signaling message is not released until it does.
type Observer[Peer, Ctx any] interface {
	// ShouldStartCall announces a new call. For outgoing calls the
	// application gathers its ICE configuration and invokes Proceed; for
	// incoming calls it additionally decides whether to present the call.
	ShouldStartCall(remote Peer, callCtx Ctx, callID CallID, direction CallDirection, mediaType CallMediaType)

	// ShouldSendOffer asks the application to deliver an offer. Offers are
	// broadcast to every device of the remote.
	ShouldSendOffer(remote Peer, callID CallID, offer Offer)

	// ShouldSendAnswer asks the application to deliver an answer to the
	// offering device only.
	ShouldSendAnswer(remote Peer, callID CallID, device DeviceID, answer Answer)

	// ShouldSendIceCandidates asks the application to deliver a candidate
	// batch. Broadcast is true on the caller side; otherwise the batch goes
	// to device only.
	ShouldSendIceCandidates(remote Peer, callID CallID, broadcast bool, device DeviceID, candidates []ICECandidate)

	// ShouldSendHangup asks the application to deliver a hangup. Broadcast
	// is true unless the hangup targets one specific device.
	ShouldSendHangup(remote Peer, callID CallID, broadcast bool, device DeviceID, hangup Hangup)

	// ShouldSendBusy asks the application to reject an offer from device.
	ShouldSendBusy(remote Peer, callID CallID, device DeviceID)

	// OnEvent reports a lifecycle transition for a call.
	OnEvent(remote Peer, callCtx Ctx, callID CallID, event Event)

	// OnCallConcluded reports that the core is completely done with a call:
	// all state is released and the call context is handed back for
	// disposal. This fires exactly once per call id the application learned
	// about, including rejected offers.
	OnCallConcluded(remote Peer, callCtx Ctx, callID CallID)
}
