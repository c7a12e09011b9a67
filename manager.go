package callmgr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// messageKind classifies outbound signaling messages in the send queue.
type messageKind uint8

const (
	msgOffer messageKind = iota
	msgAnswer
	msgIce
	msgHangup
	msgBusy
	msgConclude
)

// String returns the queue item name used in logs and metrics labels.
func (k messageKind) String() string {
	switch k {
	case msgOffer:
		return "offer"
	case msgAnswer:
		return "answer"
	case msgIce:
		return "ice"
	case msgHangup:
		return "hangup"
	case msgBusy:
		return "busy"
	case msgConclude:
		return "conclude"
	default:
		return "unknown"
	}
}

// messageItem is one entry in the signaling send queue. dispatch runs on the
// signaling goroutine and returns true when the message is now in flight and
// the queue must wait for MessageSent or MessageSendFailure before releasing
// the next item.
type messageItem struct {
	callID   CallID
	kind     messageKind
	dispatch func() bool
}

// command is one marshaled public operation. result is nil for
// fire-and-forget completions.
type command struct {
	op     string
	fn     func() error
	result chan error
}

// earlyIceBuffer parks ICE candidates that arrived before their call exists.
// Network delivery does not guarantee offer-before-ice ordering.
type earlyIceBuffer struct {
	candidates []ICECandidate
	arrived    time.Time
}

const maxEarlyIceCandidates = 128

// Manager is the public entry point of the call control plane. It routes
// application commands and inbound signaling to per-call state machines,
// owns the connection table, and drives the outbound signaling queue.
//
// All state transitions execute on a single signaling goroutine; public
// methods are safe to call from any thread, including while the referenced
// call is being torn down concurrently.
type Manager[Peer, Ctx any] struct {
	rt    *Runtime
	cfg   *Config[Peer]
	obs   Observer[Peer, Ctx]
	media MediaEngine
	log   *logrus.Logger

	mu      sync.Mutex
	running bool
	cmds    chan *command
	done    chan struct{}
	wg      sync.WaitGroup
	notify  *notifier

	// State below is owned by the signaling goroutine.
	table          *connectionTable[Peer, Ctx]
	activeCallID   CallID
	msgQueue       []*messageItem
	inFlight       bool
	lastSentKind   messageKind
	lastSentCallID CallID
	earlyIce       map[CallID]*earlyIceBuffer
}

// NewManager creates a Manager wired to the application observer and the
// media engine collaborator. The Runtime must be initialized first.
func NewManager[Peer, Ctx any](rt *Runtime, cfg *Config[Peer], obs Observer[Peer, Ctx], media MediaEngine) (*Manager[Peer, Ctx], error) {
	if rt == nil || !rt.ready() {
		return nil, ErrRuntimeNotInitialized
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		return nil, errors.New("observer is required")
	}
	if media == nil {
		return nil, errors.New("media engine is required")
	}
	return &Manager[Peer, Ctx]{
		rt:       rt,
		cfg:      cfg,
		obs:      obs,
		media:    media,
		log:      rt.log,
		table:    newConnectionTable[Peer, Ctx](cfg.PeerKey),
		earlyIce: make(map[CallID]*earlyIceBuffer),
	}, nil
}

// Start launches the signaling and notify goroutines.
func (m *Manager[Peer, Ctx]) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrManagerAlreadyRunning
	}
	m.cmds = make(chan *command, 256)
	m.done = make(chan struct{})
	m.notify = newNotifier()
	m.running = true

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.runLoop()
	}()
	go func() {
		defer m.wg.Done()
		m.notify.run()
	}()

	m.log.WithField("function", "Manager.Start").Debug("Call manager started")
	return nil
}

// Stop tears down every live call without notifying per call, abandons
// unsettled sends, and stops both goroutines. Queued observer callbacks are
// drained before Stop returns.
func (m *Manager[Peer, Ctx]) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	m.mu.Unlock()

	_ = m.enqueue("Stop", func() error {
		m.resetLocked()
		return nil
	})

	// Only one of several racing Stop calls may close the channels.
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	m.running = false
	done, notify := m.done, m.notify
	m.mu.Unlock()
	close(done)
	notify.close()
	m.wg.Wait()

	m.log.WithField("function", "Manager.Stop").Debug("Call manager stopped")
	return nil
}

// Synchronize blocks until every operation enqueued before the call has been
// applied and every observer callback it produced has been delivered. Used
// by tests to reach quiescence.
func (m *Manager[Peer, Ctx]) Synchronize() error {
	// Two rounds settle cascades where a processed command enqueued an
	// asynchronous follow-up.
	for i := 0; i < 2; i++ {
		if err := m.enqueue("Synchronize", func() error { return nil }); err != nil {
			return err
		}
		ch := make(chan struct{})
		m.notify.post(func() { close(ch) })
		<-ch
	}
	return nil
}

// enqueue marshals fn onto the signaling goroutine and waits for its result.
func (m *Manager[Peer, Ctx]) enqueue(op string, fn func() error) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrManagerNotRunning
	}
	cmds, done := m.cmds, m.done
	m.mu.Unlock()

	cmd := &command{op: op, fn: fn, result: make(chan error, 1)}
	select {
	case cmds <- cmd:
	case <-done:
		return ErrManagerNotRunning
	}
	select {
	case err := <-cmd.result:
		return err
	case <-done:
		return ErrManagerNotRunning
	}
}

// enqueueAsync marshals fn without waiting. Used for collaborator
// completions, which may legally race manager startup and shutdown.
func (m *Manager[Peer, Ctx]) enqueueAsync(op string, fn func() error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.log.WithField("function", op).Debug("Dropping completion while not running")
		return
	}
	cmds, done := m.cmds, m.done
	m.mu.Unlock()

	cmd := &command{op: op, fn: fn}
	select {
	case cmds <- cmd:
	case <-done:
		m.log.WithField("function", op).Debug("Dropping completion after shutdown")
	}
}

func (m *Manager[Peer, Ctx]) runLoop() {
	for {
		select {
		case cmd := <-m.cmds:
			err := cmd.fn()
			if cmd.result != nil {
				cmd.result <- err
			} else if err != nil {
				m.log.WithFields(logrus.Fields{
					"function": cmd.op,
					"error":    err,
				}).Warn("Asynchronous operation failed")
			}
		case <-m.done:
			return
		}
	}
}

// post hands an observer callback to the notify goroutine with panic
// isolation: a fault in application code is reported out-of-band and never
// unwinds through call state.
func (m *Manager[Peer, Ctx]) post(callID CallID, fn func()) {
	m.notify.post(func() {
		defer func() {
			if r := recover(); r != nil {
				m.rt.fault(callID, fmt.Errorf("application callback panic: %v", r))
			}
		}()
		fn()
	})
}

func (m *Manager[Peer, Ctx]) postEvent(call *Call[Peer, Ctx], event Event) {
	remote, callCtx, callID := call.remote, call.callCtx, call.id
	m.log.WithFields(logrus.Fields{
		"function": "postEvent",
		"call_id":  callID,
		"event":    event,
	}).Debug("Raising call event")
	m.post(callID, func() { m.obs.OnEvent(remote, callCtx, callID, event) })
}

// ---------------------------------------------------------------------------
// Public API: application commands
// ---------------------------------------------------------------------------

// PlaceCall starts an outgoing call to remote. It fails with
// ErrCallAlreadyInProgress while any live call for that remote exists. The
// returned CallID identifies the call in every later operation.
func (m *Manager[Peer, Ctx]) PlaceCall(remote Peer, callCtx Ctx, mediaType CallMediaType, localDevice DeviceID) (CallID, error) {
	if mediaType != CallMediaTypeAudio && mediaType != CallMediaTypeVideo {
		return 0, ErrInvalidMediaType
	}
	callID := NewCallID()
	err := m.enqueue("PlaceCall", func() error {
		return m.handlePlaceCall(callID, remote, callCtx, mediaType, localDevice)
	})
	if err != nil {
		return 0, err
	}
	return callID, nil
}

// Proceed resumes a call once the application has gathered its ICE
// configuration. For outgoing calls remoteDevices lists the callee devices
// to ring; an empty list rings whichever devices answer. Proceed on a call
// already torn down by a race is a safe no-op.
func (m *Manager[Peer, Ctx]) Proceed(callID CallID, ice ICEConfig, remoteDevices []DeviceID) error {
	return m.enqueue("Proceed", func() error {
		return m.handleProceed(callID, ice, remoteDevices)
	})
}

// AcceptCall accepts an incoming call ringing on this device.
func (m *Manager[Peer, Ctx]) AcceptCall(callID CallID) error {
	return m.enqueue("AcceptCall", func() error {
		return m.handleAcceptCall(callID)
	})
}

// Hangup ends the current call, if any. Hanging up a call that is already
// terminated, or hanging up with no call at all, is a no-op.
func (m *Manager[Peer, Ctx]) Hangup() error {
	return m.enqueue("Hangup", func() error {
		if m.activeCallID == 0 {
			return nil
		}
		call, ok := m.table.lookupID(m.activeCallID)
		if !ok {
			return nil
		}
		m.terminateCall(call, &Hangup{Type: HangupNormal}, EventEndedLocalHangup)
		return nil
	})
}

// DropCall ends a call without signaling the remote, for flows where the
// application already dismissed it out-of-band. Unknown ids are no-ops.
func (m *Manager[Peer, Ctx]) DropCall(callID CallID) error {
	return m.enqueue("DropCall", func() error {
		call, ok := m.table.lookupID(callID)
		if !ok {
			return nil
		}
		m.terminateCall(call, nil, EventEndedAppDroppedCall)
		return nil
	})
}

// Reset terminates every call and clears all state without notifying the
// application per call.
func (m *Manager[Peer, Ctx]) Reset() error {
	return m.enqueue("Reset", func() error {
		m.resetLocked()
		return nil
	})
}

// ---------------------------------------------------------------------------
// Public API: inbound signaling
// ---------------------------------------------------------------------------

// ReceivedOffer delivers an inbound offer. Offers older than
// Config.MaxMessageAge, and offers from legacy callers arriving on linked
// devices, are rejected before any call state is created.
func (m *Manager[Peer, Ctx]) ReceivedOffer(remote Peer, callCtx Ctx, callID CallID, offer ReceivedOffer) error {
	return m.enqueue("ReceivedOffer", func() error {
		return m.handleReceivedOffer(remote, callCtx, callID, offer)
	})
}

// ReceivedAnswer delivers an inbound answer, routed by call id. Answers for
// unknown or concluded calls are no-ops.
func (m *Manager[Peer, Ctx]) ReceivedAnswer(callID CallID, answer ReceivedAnswer) error {
	return m.enqueue("ReceivedAnswer", func() error {
		return m.handleReceivedAnswer(callID, answer)
	})
}

// ReceivedIce delivers inbound ICE candidates. Candidates that arrive before
// their call exists are buffered for Config.IceBufferWindow and replayed
// when the call is created.
func (m *Manager[Peer, Ctx]) ReceivedIce(callID CallID, ice ReceivedIce) error {
	return m.enqueue("ReceivedIce", func() error {
		return m.handleReceivedIce(callID, ice)
	})
}

// ReceivedHangup delivers an inbound hangup of any type. Unknown ids are
// no-ops; they are the normal tail of teardown races.
func (m *Manager[Peer, Ctx]) ReceivedHangup(callID CallID, hangup ReceivedHangup) error {
	return m.enqueue("ReceivedHangup", func() error {
		return m.handleReceivedHangup(callID, hangup)
	})
}

// ReceivedBusy delivers an inbound busy rejection from one remote device.
func (m *Manager[Peer, Ctx]) ReceivedBusy(callID CallID, busy ReceivedBusy) error {
	return m.enqueue("ReceivedBusy", func() error {
		return m.handleReceivedBusy(callID, busy)
	})
}

// MessageSent reports that the signaling message most recently requested for
// callID was delivered. The next queued message is released. Duplicate
// reports are no-ops.
func (m *Manager[Peer, Ctx]) MessageSent(callID CallID) error {
	return m.enqueue("MessageSent", func() error {
		m.settleInFlight("sent")
		m.flushIceForAll()
		m.sendNextMessage()
		return nil
	})
}

// MessageSendFailure reports that the signaling message most recently
// requested for callID could not be delivered. The owning call ends with
// EventEndedSignalingFailure, and a normal hangup is still attempted on the
// assumption the failed message may have partially reached some devices.
func (m *Manager[Peer, Ctx]) MessageSendFailure(callID CallID) error {
	return m.enqueue("MessageSendFailure", func() error {
		return m.handleMessageSendFailure(callID)
	})
}

// ---------------------------------------------------------------------------
// Public API: media engine completions (fire-and-forget, any thread)
// ---------------------------------------------------------------------------

// OfferReady completes MediaEngine.CreateOffer with the local offer SDP.
func (m *Manager[Peer, Ctx]) OfferReady(callID CallID, sdp string) {
	m.enqueueAsync("OfferReady", func() error {
		return m.handleOfferReady(callID, sdp)
	})
}

// AnswerReady completes MediaEngine.CreateAnswer with the local answer SDP.
func (m *Manager[Peer, Ctx]) AnswerReady(callID CallID, sdp string) {
	m.enqueueAsync("AnswerReady", func() error {
		return m.handleAnswerReady(callID, sdp)
	})
}

// LocalICECandidate reports one gathered local candidate. Candidates are
// coalesced into batched signaling sends.
func (m *Manager[Peer, Ctx]) LocalICECandidate(callID CallID, candidate ICECandidate) {
	m.enqueueAsync("LocalICECandidate", func() error {
		call, ok := m.table.lookupID(callID)
		if !ok || call.terminating() {
			return nil
		}
		call.localIce = append(call.localIce, candidate)
		m.maybeQueueIce(call)
		return nil
	})
}

// AcceptedViaMedia reports, on the caller side, that the callee device
// accepted the call over the established media path. This collapses the
// multi-ring: every other device receives Hangup/Accepted.
func (m *Manager[Peer, Ctx]) AcceptedViaMedia(callID CallID, device DeviceID) {
	m.enqueueAsync("AcceptedViaMedia", func() error {
		return m.handleAcceptedViaMedia(callID, device)
	})
}

// ICEConnected reports the media path established or recovered.
func (m *Manager[Peer, Ctx]) ICEConnected(callID CallID) {
	m.enqueueAsync("ICEConnected", func() error {
		call, ok := m.table.lookupID(callID)
		if !ok || call.state() != StateReconnecting {
			return nil
		}
		if err := call.step(fsmReconnected); err != nil {
			return err
		}
		m.postEvent(call, EventReconnected)
		return nil
	})
}

// ICEDisconnected reports a media path outage on a connected call.
func (m *Manager[Peer, Ctx]) ICEDisconnected(callID CallID) {
	m.enqueueAsync("ICEDisconnected", func() error {
		call, ok := m.table.lookupID(callID)
		if !ok || call.state() != StateConnected {
			return nil
		}
		if err := call.step(fsmReconnecting); err != nil {
			return err
		}
		m.postEvent(call, EventReconnecting)
		return nil
	})
}

// ICEFailed reports that the media path cannot be established or recovered.
func (m *Manager[Peer, Ctx]) ICEFailed(callID CallID) {
	m.enqueueAsync("ICEFailed", func() error {
		call, ok := m.table.lookupID(callID)
		if !ok || call.terminating() {
			return nil
		}
		m.terminateCall(call, &Hangup{Type: HangupNormal}, EventEndedConnectionFailure)
		return nil
	})
}

// MediaFailure reports an internal media engine error for a call.
func (m *Manager[Peer, Ctx]) MediaFailure(callID CallID, cause error) {
	m.enqueueAsync("MediaFailure", func() error {
		call, ok := m.table.lookupID(callID)
		if !ok || call.terminating() {
			return nil
		}
		m.internalFailure(call, cause)
		return nil
	})
}

// ---------------------------------------------------------------------------
// Public API: introspection
// ---------------------------------------------------------------------------

// ActiveCallID returns the id of the current call, if one is live.
func (m *Manager[Peer, Ctx]) ActiveCallID() (CallID, bool) {
	var id CallID
	err := m.enqueue("ActiveCallID", func() error {
		id = m.activeCallID
		return nil
	})
	return id, err == nil && id != 0
}

// CallInfo returns a snapshot of a live call.
func (m *Manager[Peer, Ctx]) CallInfo(callID CallID) (CallInfo, bool) {
	var info CallInfo
	found := false
	err := m.enqueue("CallInfo", func() error {
		if call, ok := m.table.lookupID(callID); ok {
			info = call.info()
			found = true
		}
		return nil
	})
	return info, err == nil && found
}

// CallCount returns the number of live calls.
func (m *Manager[Peer, Ctx]) CallCount() int {
	count := 0
	_ = m.enqueue("CallCount", func() error {
		count = m.table.size()
		return nil
	})
	return count
}

// CurrentCallStatistics returns media transport statistics for a live call.
func (m *Manager[Peer, Ctx]) CurrentCallStatistics(callID CallID) (ConnectionStats, error) {
	var stats ConnectionStats
	err := m.enqueue("CurrentCallStatistics", func() error {
		if _, ok := m.table.lookupID(callID); !ok {
			return ErrUnknownCallID
		}
		var statsErr error
		stats, statsErr = m.media.Statistics(callID)
		return statsErr
	})
	return stats, err
}

// ---------------------------------------------------------------------------
// Handlers (signaling goroutine only)
// ---------------------------------------------------------------------------

func (m *Manager[Peer, Ctx]) handlePlaceCall(callID CallID, remote Peer, callCtx Ctx, mediaType CallMediaType, localDevice DeviceID) error {
	if _, exists := m.table.lookupPeer(remote); exists {
		return ErrCallAlreadyInProgress
	}

	call := newCall(callID, remote, callCtx, CallDirectionOutgoing, mediaType, localDevice)
	if err := m.table.insert(call); err != nil {
		return err
	}
	if err := call.step(fsmStartOutgoing); err != nil {
		return err
	}
	m.activeCallID = callID
	m.armSetupTimer(call)
	m.rt.metrics.callStarted(CallDirectionOutgoing)

	m.log.WithFields(logrus.Fields{
		"function":   "handlePlaceCall",
		"call_id":    callID,
		"media_type": mediaType,
	}).Info("Outgoing call created")

	m.post(callID, func() {
		m.obs.ShouldStartCall(remote, callCtx, callID, CallDirectionOutgoing, mediaType)
	})
	return nil
}

func (m *Manager[Peer, Ctx]) handleProceed(callID CallID, ice ICEConfig, remoteDevices []DeviceID) error {
	call, ok := m.table.lookupID(callID)
	if !ok || call.terminating() {
		// The call raced teardown; callers cannot synchronize against that.
		m.log.WithFields(logrus.Fields{
			"function": "handleProceed",
			"call_id":  callID,
		}).Debug("Proceed for concluded call ignored")
		return nil
	}

	switch call.direction {
	case CallDirectionOutgoing:
		if call.state() != StateSendingOffer {
			return nil
		}
		call.setKnownDevices(remoteDevices)
		if err := m.media.CreateOffer(callID, call.mediaType, ice); err != nil {
			m.internalFailure(call, err)
		}
	case CallDirectionIncoming:
		if call.state() != StateReceivedOffer {
			return nil
		}
		offer, bufferedIce := call.takePendingOffer()
		if offer == nil {
			return nil
		}
		if err := m.media.CreateAnswer(callID, offer.Offer.SDP, call.mediaType, ice); err != nil {
			m.internalFailure(call, err)
			return nil
		}
		if len(bufferedIce) > 0 {
			if err := m.media.AddICECandidates(callID, offer.SenderDeviceID, bufferedIce); err != nil {
				m.log.WithFields(logrus.Fields{
					"function": "handleProceed",
					"call_id":  callID,
					"error":    err,
				}).Warn("Replaying buffered ICE candidates failed")
			}
		}
	}
	return nil
}

func (m *Manager[Peer, Ctx]) handleReceivedOffer(remote Peer, callCtx Ctx, callID CallID, offer ReceivedOffer) error {
	m.log.WithFields(logrus.Fields{
		"function":      "handleReceivedOffer",
		"call_id":       callID,
		"sender_device": offer.SenderDeviceID,
		"age":           offer.Age,
	}).Debug("Received offer")

	if offer.Age > m.cfg.MaxMessageAge {
		// Reject before any state is created: no resources for stale offers.
		m.post(callID, func() { m.obs.OnEvent(remote, callCtx, callID, EventEndedReceivedOfferExpired) })
		m.post(callID, func() { m.obs.OnCallConcluded(remote, callCtx, callID) })
		return nil
	}

	if !offer.SenderSupportsMultiRing && !offer.ReceiverIsPrimary {
		m.post(callID, func() { m.obs.OnEvent(remote, callCtx, callID, EventEndedIgnoredNonMultiRingCaller) })
		m.post(callID, func() { m.obs.OnCallConcluded(remote, callCtx, callID) })
		return nil
	}

	if m.cfg.ValidateSDP {
		if err := ValidateSessionDescription(offer.Offer.SDP); err != nil {
			return err
		}
	}

	if byID, dup := m.table.lookupID(callID); dup {
		if byID.direction == CallDirectionOutgoing && !byID.terminating() {
			// An offer carrying the id of our own outgoing call is a glare
			// tie, not a retransmission.
			m.resolveOfferCollision(byID, remote, callCtx, callID, offer)
			return nil
		}
		m.log.WithFields(logrus.Fields{
			"function": "handleReceivedOffer",
			"call_id":  callID,
		}).Warn("Duplicate offer ignored")
		return nil
	}

	if existing, ok := m.table.lookupPeer(remote); ok {
		if existing.terminating() {
			// The previous call still holds the remote's slot while its
			// sends drain; reject the new offer without glare semantics.
			m.queueBusy(remote, callCtx, callID, offer.SenderDeviceID)
			m.queueRejectedConclude(remote, callCtx, callID)
			return nil
		}
		m.resolveOfferCollision(existing, remote, callCtx, callID, offer)
		return nil
	}

	if m.table.size() > 0 {
		// Engaged with a different remote: reject with busy, leave the
		// existing call untouched.
		m.queueBusy(remote, callCtx, callID, offer.SenderDeviceID)
		m.queueRejectedConclude(remote, callCtx, callID)
		return nil
	}

	call := newCall(callID, remote, callCtx, CallDirectionIncoming, offer.Offer.MediaType, offer.ReceiverDeviceID)
	offerCopy := offer
	call.pendingOffer = &offerCopy
	call.setActiveDevice(offer.SenderDeviceID)
	if err := m.table.insert(call); err != nil {
		return err
	}
	if err := call.step(fsmStartIncoming); err != nil {
		return err
	}
	m.activeCallID = callID
	m.replayEarlyIce(call)
	m.armSetupTimer(call)
	m.rt.metrics.callStarted(CallDirectionIncoming)

	m.log.WithFields(logrus.Fields{
		"function":      "handleReceivedOffer",
		"call_id":       callID,
		"sender_device": offer.SenderDeviceID,
		"media_type":    offer.Offer.MediaType,
	}).Info("Incoming call created")

	m.post(callID, func() {
		m.obs.ShouldStartCall(remote, callCtx, callID, CallDirectionIncoming, offer.Offer.MediaType)
	})
	return nil
}

func (m *Manager[Peer, Ctx]) handleReceivedAnswer(callID CallID, answer ReceivedAnswer) error {
	call, ok := m.table.lookupID(callID)
	if !ok || call.terminating() || call.direction != CallDirectionOutgoing {
		m.log.WithFields(logrus.Fields{
			"function": "handleReceivedAnswer",
			"call_id":  callID,
		}).Debug("Answer without live outgoing call ignored")
		return nil
	}
	if call.connected() {
		// A slower device answered after acceptance; the Hangup/Accepted
		// broadcast already retired it.
		return nil
	}
	if m.cfg.ValidateSDP {
		if err := ValidateSessionDescription(answer.Answer.SDP); err != nil {
			return err
		}
	}

	first, accepted := call.noteAnswer(answer.SenderDeviceID)
	if !accepted {
		return nil
	}
	if first {
		if err := m.media.SetRemoteDescription(callID, answer.Answer.SDP); err != nil {
			m.internalFailure(call, err)
			return nil
		}
		call.setActiveDevice(answer.SenderDeviceID)
		if err := call.step(fsmRingRemote); err != nil {
			return err
		}
		m.postEvent(call, EventRingingRemote)
	}
	return nil
}

func (m *Manager[Peer, Ctx]) handleReceivedIce(callID CallID, ice ReceivedIce) error {
	call, ok := m.table.lookupID(callID)
	if !ok {
		m.bufferEarlyIce(callID, ice.Candidates)
		return nil
	}
	if call.terminating() {
		return nil
	}
	if call.pendingOffer != nil {
		call.pendingIce = append(call.pendingIce, ice.Candidates...)
		return nil
	}
	if err := m.media.AddICECandidates(callID, ice.SenderDeviceID, ice.Candidates); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "handleReceivedIce",
			"call_id":  callID,
			"error":    err,
		}).Warn("Applying remote ICE candidates failed")
	}
	return nil
}

func (m *Manager[Peer, Ctx]) handleReceivedHangup(callID CallID, hangup ReceivedHangup) error {
	call, ok := m.table.lookupID(callID)
	if !ok {
		// Teardown race or hangup beating the offer: drop any buffered ICE.
		delete(m.earlyIce, callID)
		return nil
	}
	if call.terminating() {
		return nil
	}

	event, raise := hangup.Hangup.event(call.localDevice)
	if !raise {
		// Accepted-elsewhere broadcast echoed to the winning device.
		return nil
	}
	m.log.WithFields(logrus.Fields{
		"function":      "handleReceivedHangup",
		"call_id":       callID,
		"hangup":        hangup.Hangup,
		"sender_device": hangup.SenderDeviceID,
	}).Info("Remote hangup")
	m.terminateCall(call, nil, event)
	return nil
}

func (m *Manager[Peer, Ctx]) handleReceivedBusy(callID CallID, busy ReceivedBusy) error {
	call, ok := m.table.lookupID(callID)
	if !ok || call.terminating() || call.direction != CallDirectionOutgoing {
		return nil
	}
	if call.connected() {
		// A loser device reported busy after acceptance; nothing to do.
		return nil
	}
	device := busy.SenderDeviceID

	if m.cfg.EndOnFirstBusy {
		call.devices[device] = deviceBusy
		m.queueHangup(call, Hangup{Type: HangupBusy, DeviceID: device}, true, 0)
		m.terminateCall(call, nil, EventEndedRemoteBusy)
		return nil
	}

	over := call.noteBusy(device)
	// The busy device alone learns it lost to itself; devices still ringing
	// are unaffected.
	m.queueHangup(call, Hangup{Type: HangupBusy, DeviceID: device}, false, device)
	if over {
		m.terminateCall(call, nil, EventEndedRemoteBusy)
	}
	return nil
}

func (m *Manager[Peer, Ctx]) handleMessageSendFailure(callID CallID) error {
	failedIce := m.inFlight && m.lastSentKind == msgIce && m.lastSentCallID == callID

	if call, ok := m.table.lookupID(callID); ok && !call.terminating() {
		if call.connected() && failedIce {
			// Candidate refresh failures on an established call are not
			// fatal; the media path is already up.
			m.log.WithFields(logrus.Fields{
				"function": "handleMessageSendFailure",
				"call_id":  callID,
			}).Debug("Ignoring ICE send failure on connected call")
		} else {
			m.terminateCall(call, &Hangup{Type: HangupNormal}, EventEndedSignalingFailure)
		}
	}

	m.settleInFlight("failed")
	m.sendNextMessage()
	return nil
}

func (m *Manager[Peer, Ctx]) handleOfferReady(callID CallID, sdp string) error {
	call, ok := m.table.lookupID(callID)
	if !ok || call.terminating() || call.direction != CallDirectionOutgoing {
		return nil
	}
	if call.state() != StateSendingOffer || call.didSendOffer {
		return nil
	}
	call.didSendOffer = true
	remote := call.remote
	offer := Offer{MediaType: call.mediaType, SDP: sdp}
	m.queueMessage(&messageItem{
		callID: callID,
		kind:   msgOffer,
		dispatch: func() bool {
			m.post(callID, func() { m.obs.ShouldSendOffer(remote, callID, offer) })
			return true
		},
	})
	m.maybeQueueIce(call)
	return nil
}

func (m *Manager[Peer, Ctx]) handleAnswerReady(callID CallID, sdp string) error {
	call, ok := m.table.lookupID(callID)
	if !ok || call.terminating() || call.direction != CallDirectionIncoming {
		return nil
	}
	if call.state() != StateReceivedOffer {
		return nil
	}
	remote, device := call.remote, call.activeDevice
	answer := Answer{SDP: sdp}
	m.queueMessage(&messageItem{
		callID: callID,
		kind:   msgAnswer,
		dispatch: func() bool {
			m.post(callID, func() { m.obs.ShouldSendAnswer(remote, callID, device, answer) })
			return true
		},
	})
	if err := call.step(fsmRingLocal); err != nil {
		return err
	}
	m.postEvent(call, EventRingingLocal)
	m.maybeQueueIce(call)
	return nil
}

func (m *Manager[Peer, Ctx]) handleAcceptCall(callID CallID) error {
	call, ok := m.table.lookupID(callID)
	if !ok {
		return ErrUnknownCallID
	}
	if call.direction != CallDirectionIncoming || call.state() != StateRingingLocal {
		return ErrCallNotRinging
	}
	if err := call.step(fsmAccept); err != nil {
		return err
	}
	if err := m.media.SendAccepted(callID); err != nil {
		m.internalFailure(call, err)
		return nil
	}
	if err := m.media.SetOutgoingMedia(callID, true); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "handleAcceptCall",
			"call_id":  callID,
			"error":    err,
		}).Warn("Enabling outgoing media failed")
	}
	if err := call.step(fsmConnect); err != nil {
		return err
	}
	call.stopSetupTimer()
	m.log.WithFields(logrus.Fields{
		"function": "handleAcceptCall",
		"call_id":  callID,
	}).Info("Call accepted locally")
	m.postEvent(call, EventConnectedLocal)
	return nil
}

func (m *Manager[Peer, Ctx]) handleAcceptedViaMedia(callID CallID, device DeviceID) error {
	call, ok := m.table.lookupID(callID)
	if !ok || call.terminating() || call.direction != CallDirectionOutgoing || call.connected() {
		return nil
	}
	if call.state() == StateSendingOffer {
		// Acceptance can beat the answer when signaling is slow; promote the
		// device first so the transition stays legal.
		call.noteAnswer(device)
		call.setActiveDevice(device)
		if err := call.step(fsmRingRemote); err != nil {
			return err
		}
	}
	if err := call.step(fsmAccept); err != nil {
		return err
	}
	if err := call.step(fsmConnect); err != nil {
		return err
	}
	call.collapse(device)
	call.stopSetupTimer()
	if err := m.media.SetOutgoingMedia(callID, true); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "handleAcceptedViaMedia",
			"call_id":  callID,
			"error":    err,
		}).Warn("Enabling outgoing media failed")
	}
	m.queueHangup(call, Hangup{Type: HangupAccepted, DeviceID: device}, true, 0)
	m.log.WithFields(logrus.Fields{
		"function": "handleAcceptedViaMedia",
		"call_id":  callID,
		"device":   device,
	}).Info("Call accepted remotely")
	m.postEvent(call, EventConnectedRemote)
	return nil
}

// ---------------------------------------------------------------------------
// Termination and conclusion
// ---------------------------------------------------------------------------

// internalFailure ends a call after an internal error, reporting the cause
// out-of-band so it is never unwound through calling code.
func (m *Manager[Peer, Ctx]) internalFailure(call *Call[Peer, Ctx], cause error) {
	m.log.WithFields(logrus.Fields{
		"function": "internalFailure",
		"call_id":  call.id,
		"error":    cause,
	}).Error("Internal call failure")
	m.rt.fault(call.id, cause)
	m.terminateCall(call, &Hangup{Type: HangupNormal}, EventEndedInternalFailure)
}

// terminateCall moves a call to Terminating, releases its media, queues the
// outbound hangup if one is wanted, raises the terminal event, and arranges
// conclusion once every queued send for the call settles. Calling it on a
// call already terminating is a no-op, which is what makes local and remote
// teardown safe to race.
func (m *Manager[Peer, Ctx]) terminateCall(call *Call[Peer, Ctx], hangup *Hangup, event Event) {
	if call.terminating() {
		return
	}
	if err := call.step(fsmTerminate); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "terminateCall",
			"call_id":  call.id,
			"error":    err,
		}).Error("Terminate transition failed")
		return
	}
	call.stopSetupTimer()
	call.noteEnd(event)

	if err := m.media.Close(call.id); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "terminateCall",
			"call_id":  call.id,
			"error":    err,
		}).Warn("Closing media session failed")
	}

	m.trimQueuedMessages(call)
	if hangup != nil && call.shouldSendHangup() {
		m.queueHangup(call, *hangup, true, 0)
	}
	m.postEvent(call, event)

	call.concludePending = true
	m.maybeConclude(call)
}

// maybeConclude removes the call once termination began and every queued
// signaling message for it has settled or been abandoned.
func (m *Manager[Peer, Ctx]) maybeConclude(call *Call[Peer, Ctx]) {
	if !call.concludePending || call.concluded || call.outstanding > 0 {
		return
	}
	call.concluded = true
	if err := call.step(fsmConclude); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "maybeConclude",
			"call_id":  call.id,
			"error":    err,
		}).Error("Conclude transition failed")
	}
	m.table.remove(call.id)
	delete(m.earlyIce, call.id)
	if m.activeCallID == call.id {
		m.activeCallID = 0
	}
	m.rt.metrics.callEnded(call.endEvent)

	remote, callCtx, callID := call.remote, call.callCtx, call.id
	m.log.WithFields(logrus.Fields{
		"function": "maybeConclude",
		"call_id":  callID,
		"event":    call.endEvent,
	}).Info("Call concluded")
	m.post(callID, func() { m.obs.OnCallConcluded(remote, callCtx, callID) })
}

// resetLocked tears down everything without per-call notifications.
func (m *Manager[Peer, Ctx]) resetLocked() {
	for _, call := range m.table.all() {
		call.stopSetupTimer()
		_ = m.media.Close(call.id)
		m.table.remove(call.id)
		m.rt.metrics.callEnded(EventEndedAppDroppedCall)
	}
	for _, item := range m.msgQueue {
		m.rt.metrics.messageResult(item.kind, "trimmed")
	}
	m.msgQueue = nil
	m.inFlight = false
	m.activeCallID = 0
	m.earlyIce = make(map[CallID]*earlyIceBuffer)
	m.log.WithField("function", "resetLocked").Info("Call manager reset")
}

// ---------------------------------------------------------------------------
// Signaling send queue
// ---------------------------------------------------------------------------

// queueMessage appends an outbound message and releases it when the queue is
// free. Messages are paced: at most one is in flight, so sends happen with
// the cadence the application can actually deliver them.
func (m *Manager[Peer, Ctx]) queueMessage(item *messageItem) {
	if call, ok := m.table.lookupID(item.callID); ok {
		call.outstanding++
	}
	m.msgQueue = append(m.msgQueue, item)
	m.sendNextMessage()
}

func (m *Manager[Peer, Ctx]) sendNextMessage() {
	for !m.inFlight && len(m.msgQueue) > 0 {
		item := m.msgQueue[0]
		m.msgQueue = m.msgQueue[1:]
		if item.dispatch() {
			m.inFlight = true
			m.lastSentKind = item.kind
			m.lastSentCallID = item.callID
		} else {
			// Non-transport item (conclusion marker or drained batch); it
			// settles immediately.
			m.settleOutstanding(item.callID)
		}
	}
}

// settleInFlight resolves the message currently awaiting a delivery report.
func (m *Manager[Peer, Ctx]) settleInFlight(result string) {
	if !m.inFlight {
		return
	}
	m.inFlight = false
	m.rt.metrics.messageResult(m.lastSentKind, result)
	m.settleOutstanding(m.lastSentCallID)
}

// trimQueuedMessages drops queued-but-unsent setup messages for a dead call:
// after the application was told the call ended, no offer, answer, or
// candidate batch for it may still go out. The in-flight message, if any,
// settles through its delivery report as usual.
func (m *Manager[Peer, Ctx]) trimQueuedMessages(call *Call[Peer, Ctx]) {
	kept := m.msgQueue[:0]
	for _, item := range m.msgQueue {
		if item.callID == call.id && (item.kind == msgOffer || item.kind == msgAnswer || item.kind == msgIce) {
			m.rt.metrics.messageResult(item.kind, "trimmed")
			if call.outstanding > 0 {
				call.outstanding--
			}
			continue
		}
		kept = append(kept, item)
	}
	m.msgQueue = kept
	call.localIce = nil
	call.iceSendQueued = false
}

func (m *Manager[Peer, Ctx]) settleOutstanding(callID CallID) {
	if call, ok := m.table.lookupID(callID); ok && call.outstanding > 0 {
		call.outstanding--
		m.maybeConclude(call)
	}
}

func (m *Manager[Peer, Ctx]) queueHangup(call *Call[Peer, Ctx], hangup Hangup, broadcast bool, device DeviceID) {
	remote, callID := call.remote, call.id
	m.queueMessage(&messageItem{
		callID: callID,
		kind:   msgHangup,
		dispatch: func() bool {
			m.post(callID, func() { m.obs.ShouldSendHangup(remote, callID, broadcast, device, hangup) })
			return true
		},
	})
}

// queueBusy rejects an offer that never became a call.
func (m *Manager[Peer, Ctx]) queueBusy(remote Peer, callCtx Ctx, callID CallID, device DeviceID) {
	m.queueMessage(&messageItem{
		callID: callID,
		kind:   msgBusy,
		dispatch: func() bool {
			m.post(callID, func() { m.obs.ShouldSendBusy(remote, callID, device) })
			return true
		},
	})
}

// queueRejectedConclude tells the application we are completely done with a
// rejected offer, ordered behind the busy that answers it.
func (m *Manager[Peer, Ctx]) queueRejectedConclude(remote Peer, callCtx Ctx, callID CallID) {
	m.queueMessage(&messageItem{
		callID: callID,
		kind:   msgConclude,
		dispatch: func() bool {
			m.post(callID, func() { m.obs.OnCallConcluded(remote, callCtx, callID) })
			return false
		},
	})
}

// maybeQueueIce queues one coalesced candidate batch when the call is far
// enough along for candidates to be actionable and no batch is already
// waiting. The batch drains whatever has accumulated at dispatch time.
func (m *Manager[Peer, Ctx]) maybeQueueIce(call *Call[Peer, Ctx]) {
	if call.iceSendQueued || len(call.localIce) == 0 || call.terminating() {
		return
	}
	ready := false
	switch call.direction {
	case CallDirectionOutgoing:
		ready = call.didSendOffer
	case CallDirectionIncoming:
		switch call.state() {
		case StateRingingLocal, StateAccepting, StateConnected, StateReconnecting:
			ready = true
		}
	}
	if !ready {
		return
	}
	call.iceSendQueued = true
	callID := call.id
	m.queueMessage(&messageItem{
		callID: callID,
		kind:   msgIce,
		dispatch: func() bool {
			c, ok := m.table.lookupID(callID)
			if !ok || len(c.localIce) == 0 {
				if ok {
					c.iceSendQueued = false
				}
				return false
			}
			batch := c.localIce
			c.localIce = nil
			c.iceSendQueued = false
			remote := c.remote
			broadcast := c.direction == CallDirectionOutgoing
			device := c.activeDevice
			m.post(callID, func() {
				m.obs.ShouldSendIceCandidates(remote, callID, broadcast, device, batch)
			})
			return true
		},
	})
}

// flushIceForAll re-arms candidate batches that accumulated while the queue
// was busy.
func (m *Manager[Peer, Ctx]) flushIceForAll() {
	for _, call := range m.table.all() {
		m.maybeQueueIce(call)
	}
}

// ---------------------------------------------------------------------------
// Early ICE buffering and timers
// ---------------------------------------------------------------------------

func (m *Manager[Peer, Ctx]) bufferEarlyIce(callID CallID, candidates []ICECandidate) {
	now := m.cfg.TimeProvider.Now()
	m.pruneEarlyIce(now)
	buf, ok := m.earlyIce[callID]
	if !ok {
		buf = &earlyIceBuffer{arrived: now}
		m.earlyIce[callID] = buf
	}
	room := maxEarlyIceCandidates - len(buf.candidates)
	if room <= 0 {
		return
	}
	if len(candidates) > room {
		candidates = candidates[:room]
	}
	buf.candidates = append(buf.candidates, candidates...)
}

func (m *Manager[Peer, Ctx]) replayEarlyIce(call *Call[Peer, Ctx]) {
	buf, ok := m.earlyIce[call.id]
	if !ok {
		return
	}
	delete(m.earlyIce, call.id)
	if m.cfg.TimeProvider.Now().Sub(buf.arrived) > m.cfg.IceBufferWindow {
		return
	}
	call.pendingIce = append(call.pendingIce, buf.candidates...)
}

func (m *Manager[Peer, Ctx]) pruneEarlyIce(now time.Time) {
	for callID, buf := range m.earlyIce {
		if now.Sub(buf.arrived) > m.cfg.IceBufferWindow {
			delete(m.earlyIce, callID)
		}
	}
}

func (m *Manager[Peer, Ctx]) armSetupTimer(call *Call[Peer, Ctx]) {
	callID := call.id
	call.setupTimer = m.cfg.TimeProvider.AfterFunc(m.cfg.CallSetupTimeout, func() {
		m.enqueueAsync("setupTimeout", func() error {
			c, ok := m.table.lookupID(callID)
			if !ok || c.terminating() || c.connected() {
				return nil
			}
			m.log.WithFields(logrus.Fields{
				"function": "setupTimeout",
				"call_id":  callID,
			}).Info("Call setup timed out")
			m.terminateCall(c, &Hangup{Type: HangupNormal}, EventEndedTimeout)
			return nil
		})
	})
}

// notifier is the unbounded queue feeding the notify goroutine. Posting
// never blocks, so the signaling goroutine cannot deadlock against an
// observer that re-enters the public API.
type notifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) post(fn func()) {
	n.mu.Lock()
	if !n.closed {
		n.queue = append(n.queue, fn)
		n.cond.Signal()
	}
	n.mu.Unlock()
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
}
