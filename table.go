package callmgr

// connectionTable is the set of live call instances, indexed by remote peer
// key and by call id. It is owned by the signaling goroutine and therefore
// needs no locking.
//
// The table enforces at most one non-terminated call per remote: a
// terminating call keeps its remote's slot until it concludes, so a new call
// to the same remote is refused while the old one drains. A multi-ring call
// is one entry with multiple pending devices, never multiple entries.
// Entries leave the table only after every queued signaling message for them
// has settled or been abandoned, so a concluded call id cannot be reused
// while sends referencing it are in flight.
type connectionTable[Peer, Ctx any] struct {
	peerKey func(Peer) string
	byPeer  map[string]*Call[Peer, Ctx]
	byID    map[CallID]*Call[Peer, Ctx]
}

func newConnectionTable[Peer, Ctx any](peerKey func(Peer) string) *connectionTable[Peer, Ctx] {
	return &connectionTable[Peer, Ctx]{
		peerKey: peerKey,
		byPeer:  make(map[string]*Call[Peer, Ctx]),
		byID:    make(map[CallID]*Call[Peer, Ctx]),
	}
}

// lookupPeer returns the live call for a remote, if any.
func (t *connectionTable[Peer, Ctx]) lookupPeer(remote Peer) (*Call[Peer, Ctx], bool) {
	call, ok := t.byPeer[t.peerKey(remote)]
	return call, ok
}

// lookupID returns the live call for a call id, if any.
func (t *connectionTable[Peer, Ctx]) lookupID(callID CallID) (*Call[Peer, Ctx], bool) {
	call, ok := t.byID[callID]
	return call, ok
}

// insert adds a call, failing if the remote already has a live call.
func (t *connectionTable[Peer, Ctx]) insert(call *Call[Peer, Ctx]) error {
	key := t.peerKey(call.remote)
	if _, exists := t.byPeer[key]; exists {
		return ErrCallAlreadyInProgress
	}
	if _, exists := t.byID[call.id]; exists {
		return ErrCallAlreadyInProgress
	}
	t.byPeer[key] = call
	t.byID[call.id] = call
	return nil
}

// remove deletes a call by id. Removal is idempotent: teardown can be
// triggered by local and remote hangups racing each other, and the second
// removal must be a no-op rather than an error.
func (t *connectionTable[Peer, Ctx]) remove(callID CallID) {
	call, ok := t.byID[callID]
	if !ok {
		return
	}
	delete(t.byID, callID)
	key := t.peerKey(call.remote)
	if current, ok := t.byPeer[key]; ok && current.id == callID {
		delete(t.byPeer, key)
	}
}

// size returns the number of live calls, terminating ones included: a call
// holds its remote's slot until it concludes.
func (t *connectionTable[Peer, Ctx]) size() int {
	return len(t.byPeer)
}

// all returns every live call, for reset and close sweeps.
func (t *connectionTable[Peer, Ctx]) all() []*Call[Peer, Ctx] {
	calls := make([]*Call[Peer, Ctx], 0, len(t.byID))
	for _, call := range t.byID {
		calls = append(calls, call)
	}
	return calls
}
