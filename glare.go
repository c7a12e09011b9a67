package callmgr

import (
	"github.com/sirupsen/logrus"
)

// resolveOfferCollision handles an inbound offer arriving while a call for
// the same remote is already live. Both sides run the same deterministic
// rule: each side's own attempt concedes to the inbound offer, and the
// inbound offer is answered with busy so the offering side's fan-out
// settles. No tie-breaking token is needed; after one exchange neither
// colliding call survives and both applications can redial cleanly.
func (m *Manager[Peer, Ctx]) resolveOfferCollision(existing *Call[Peer, Ctx], remote Peer, callCtx Ctx, callID CallID, offer ReceivedOffer) {
	log := m.log.WithFields(logrus.Fields{
		"function":         "resolveOfferCollision",
		"call_id":          callID,
		"existing_call_id": existing.id,
		"sender_device":    offer.SenderDeviceID,
	})

	// An offer from a device the existing call did not settle on is not
	// glare at all: another of the remote's devices dialed while we are
	// engaged. Reject it and keep the existing call.
	if existing.hasActiveDevice && existing.activeDevice != offer.SenderDeviceID {
		log.Info("Offer from non-active device while engaged, sending busy")
		m.queueBusy(remote, callCtx, callID, offer.SenderDeviceID)
		m.queueRejectedConclude(remote, callCtx, callID)
		return
	}

	if !m.cfg.ComparePeers(existing.remote, remote) {
		// Same routing key, different logical peer. Treat as an ordinary
		// busy rejection.
		log.Info("Offer for aliased peer while engaged, sending busy")
		m.queueBusy(remote, callCtx, callID, offer.SenderDeviceID)
		m.queueRejectedConclude(remote, callCtx, callID)
		return
	}

	// True glare: both sides dialed each other. Our attempt always loses,
	// their offer always gets busy. The remote runs the same rule against
	// our offer, so neither call survives the collision.
	m.rt.metrics.glareTotal.Inc()
	log.Info("Glare detected")

	m.post(callID, func() { m.obs.OnEvent(remote, callCtx, callID, EventEndedReceivedOfferWhileActive) })
	m.terminateCall(existing, &Hangup{Type: HangupNormal}, EventEndedRemoteGlare)
	m.queueBusy(remote, callCtx, callID, offer.SenderDeviceID)
	if callID != existing.id {
		m.queueRejectedConclude(remote, callCtx, callID)
	}
	// When the offer carries our own call id, the busy above is counted
	// against that call, so its conclusion waits for the busy to settle and
	// OnCallConcluded fires exactly once.
}
