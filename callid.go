package callmgr

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// CallID uniquely identifies a call across every device participating in it.
// Equality is purely numeric: two endpoints agree on a call only if they hold
// the same CallID.
type CallID uint64

// NewCallID returns a random, collision-resistant CallID for a direct call.
// The id is folded from a version 4 UUID so that independent processes placing
// calls concurrently do not collide.
func NewCallID() CallID {
	u := uuid.New()
	id := CallID(binary.BigEndian.Uint64(u[:8]))
	if id == 0 {
		// A zero id is reserved as "no call".
		id = 1
	}
	return id
}

// CallIDFromEra derives the CallID for a group call from its era token.
// Every device that computes from the same era string arrives at the same id.
//
// A well-formed era is 16 hex digits and parses directly. Anything else is
// hashed, so malformed eras still yield a deterministic non-zero id and
// ordering comparisons never fail.
func CallIDFromEra(era string) CallID {
	if len(era) == 16 {
		if v, err := strconv.ParseUint(era, 16, 64); err == nil && v != 0 {
			return CallID(v)
		}
	}
	sum := blake2b.Sum256([]byte(era))
	id := CallID(binary.BigEndian.Uint64(sum[:8]))
	if id == 0 {
		id = 1
	}
	return id
}

// String formats the id the way it appears in signaling logs.
func (id CallID) String() string {
	return fmt.Sprintf("0x%016x", uint64(id))
}
