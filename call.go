package callmgr

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// State machine event names. The event table below is the single source of
// truth for legal transitions; an event fired from the wrong state surfaces
// as ErrInvalidTransition instead of corrupting the call.
const (
	fsmStartOutgoing = "start-outgoing"
	fsmStartIncoming = "start-incoming"
	fsmRingLocal     = "ring-local"
	fsmRingRemote    = "ring-remote"
	fsmAccept        = "accept"
	fsmConnect       = "connect"
	fsmReconnecting  = "reconnecting"
	fsmReconnected   = "reconnected"
	fsmTerminate     = "terminate"
	fsmConclude      = "conclude"
)

// deviceRingState tracks one remote device inside a multi-ring fan-out.
type deviceRingState uint8

const (
	devicePending deviceRingState = iota // offer delivered, no response yet
	deviceRinging                        // device answered and is ringing
	deviceBusy                           // device rejected with busy
)

// Call is one live call instance: the unit the connection table owns from
// creation until conclusion. A multi-ring call is a single Call whose device
// map tracks every rung remote device.
//
// All fields are owned by the manager's signaling goroutine.
type Call[Peer, Ctx any] struct {
	id          CallID
	remote      Peer
	callCtx     Ctx
	direction   CallDirection
	mediaType   CallMediaType
	localDevice DeviceID

	machine *fsm.FSM

	// Incoming: the offer and early remote candidates parked until the
	// application calls Proceed.
	pendingOffer *ReceivedOffer
	pendingIce   []ICECandidate

	// The remote device this call settled on: the offerer for incoming
	// calls, the first answering device for outgoing calls.
	activeDevice    DeviceID
	hasActiveDevice bool

	// Outgoing fan-out bookkeeping.
	devices      map[DeviceID]deviceRingState
	devicesKnown bool // Proceed supplied an explicit device list
	didSendOffer bool

	// Local candidate batching: candidates accumulate here and drain into
	// one coalesced signaling message when the queue frees up.
	localIce      []ICECandidate
	iceSendQueued bool

	// Outbound messages queued for this call and not yet settled. The call
	// concludes only when this reaches zero after termination.
	outstanding     int
	concludePending bool
	concluded       bool

	setupTimer Timer

	endEvent    Event
	hasEndEvent bool
}

func newCall[Peer, Ctx any](id CallID, remote Peer, callCtx Ctx, direction CallDirection, mediaType CallMediaType, localDevice DeviceID) *Call[Peer, Ctx] {
	c := &Call[Peer, Ctx]{
		id:          id,
		remote:      remote,
		callCtx:     callCtx,
		direction:   direction,
		mediaType:   mediaType,
		localDevice: localDevice,
		devices:     make(map[DeviceID]deviceRingState),
	}
	c.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: fsmStartOutgoing, Src: []string{StateIdle}, Dst: StateSendingOffer},
			{Name: fsmStartIncoming, Src: []string{StateIdle}, Dst: StateReceivedOffer},
			{Name: fsmRingLocal, Src: []string{StateReceivedOffer}, Dst: StateRingingLocal},
			{Name: fsmRingRemote, Src: []string{StateSendingOffer}, Dst: StateRingingRemote},
			{Name: fsmAccept, Src: []string{StateRingingLocal, StateRingingRemote}, Dst: StateAccepting},
			{Name: fsmConnect, Src: []string{StateAccepting}, Dst: StateConnected},
			{Name: fsmReconnecting, Src: []string{StateConnected}, Dst: StateReconnecting},
			{Name: fsmReconnected, Src: []string{StateReconnecting}, Dst: StateConnected},
			{Name: fsmTerminate, Src: []string{
				StateIdle, StateSendingOffer, StateReceivedOffer,
				StateRingingLocal, StateRingingRemote, StateAccepting,
				StateConnected, StateReconnecting,
			}, Dst: StateTerminating},
			{Name: fsmConclude, Src: []string{StateTerminating}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
	return c
}

// step drives the state machine, normalizing looplab errors into the
// package's error vocabulary.
func (c *Call[Peer, Ctx]) step(event string) error {
	if err := c.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, event, c.machine.Current(), err)
	}
	return nil
}

// state returns the current lifecycle state.
func (c *Call[Peer, Ctx]) state() string {
	return c.machine.Current()
}

// terminating reports whether teardown has begun.
func (c *Call[Peer, Ctx]) terminating() bool {
	s := c.state()
	return s == StateTerminating || s == StateTerminated
}

// connected reports whether the call was accepted and is (or is recovering
// to) connected.
func (c *Call[Peer, Ctx]) connected() bool {
	s := c.state()
	return s == StateConnected || s == StateReconnecting
}

// setActiveDevice pins the remote device the call settled on.
func (c *Call[Peer, Ctx]) setActiveDevice(device DeviceID) {
	c.activeDevice = device
	c.hasActiveDevice = true
}

// takePendingOffer hands out the parked offer exactly once.
func (c *Call[Peer, Ctx]) takePendingOffer() (*ReceivedOffer, []ICECandidate) {
	offer, ice := c.pendingOffer, c.pendingIce
	c.pendingOffer, c.pendingIce = nil, nil
	return offer, ice
}

// shouldSendHangup reports whether a hangup message is worth sending: for
// outgoing calls only after an offer actually went out, for incoming calls
// always.
func (c *Call[Peer, Ctx]) shouldSendHangup() bool {
	if c.direction == CallDirectionOutgoing {
		return c.didSendOffer
	}
	return true
}

// stopSetupTimer cancels the setup timeout, if it is still armed.
func (c *Call[Peer, Ctx]) stopSetupTimer() {
	if c.setupTimer != nil {
		c.setupTimer.Stop()
		c.setupTimer = nil
	}
}

// noteEnd records the terminal event for metrics; only the first one counts.
func (c *Call[Peer, Ctx]) noteEnd(event Event) {
	if !c.hasEndEvent {
		c.endEvent = event
		c.hasEndEvent = true
	}
}

// CallInfo is a read-only snapshot of a live call.
type CallInfo struct {
	CallID      CallID
	Direction   CallDirection
	MediaType   CallMediaType
	State       string
	LocalDevice DeviceID

	// ActiveDevice is the remote device the call settled on; zero and
	// HasActiveDevice false while the remote is still being resolved.
	ActiveDevice    DeviceID
	HasActiveDevice bool

	// RingingDevices are remote devices that answered and are still ringing.
	RingingDevices []DeviceID
}

func (c *Call[Peer, Ctx]) info() CallInfo {
	inf := CallInfo{
		CallID:          c.id,
		Direction:       c.direction,
		MediaType:       c.mediaType,
		State:           c.state(),
		LocalDevice:     c.localDevice,
		ActiveDevice:    c.activeDevice,
		HasActiveDevice: c.hasActiveDevice,
	}
	for device, st := range c.devices {
		if st == deviceRinging {
			inf.RingingDevices = append(inf.RingingDevices, device)
		}
	}
	return inf
}
