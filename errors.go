package callmgr

import "errors"

// Sentinel errors for callmgr operations.
// These errors enable reliable error classification using errors.Is().

// Call placement errors.
var (
	// ErrCallAlreadyInProgress indicates a live call already exists for the
	// remote identity.
	ErrCallAlreadyInProgress = errors.New("call already in progress with this remote")

	// ErrInvalidMediaType indicates an unrecognized call media type.
	ErrInvalidMediaType = errors.New("invalid call media type")
)

// Message routing errors.
var (
	// ErrUnknownCallID indicates the operation referenced a call id with no
	// live call. Teardown-racing operations treat this as a benign no-op;
	// operations that require an existing call surface it.
	ErrUnknownCallID = errors.New("unknown call id")

	// ErrInvalidHangupType indicates an out-of-range hangup wire value.
	ErrInvalidHangupType = errors.New("invalid hangup type")

	// ErrMessageTooShort indicates a wire message was truncated.
	ErrMessageTooShort = errors.New("signaling message too short")

	// ErrInvalidSDP indicates session description validation failed.
	ErrInvalidSDP = errors.New("invalid session description")
)

// Call state errors.
var (
	// ErrCallNotRinging indicates accept was called for a call that is not
	// ringing on this device.
	ErrCallNotRinging = errors.New("call is not ringing locally")

	// ErrInvalidTransition indicates an illegal state machine transition.
	ErrInvalidTransition = errors.New("invalid call state transition")
)

// Manager state errors.
var (
	// ErrManagerNotRunning indicates the manager has not been started.
	ErrManagerNotRunning = errors.New("manager is not running")

	// ErrManagerAlreadyRunning indicates the manager is already running.
	ErrManagerAlreadyRunning = errors.New("manager is already running")

	// ErrRuntimeNotInitialized indicates the runtime Init was never called.
	ErrRuntimeNotInitialized = errors.New("runtime is not initialized")
)

// Configuration errors.
var (
	// ErrMissingPeerKey indicates Config.PeerKey was not provided.
	ErrMissingPeerKey = errors.New("config: PeerKey function is required")

	// ErrInvalidConfigDuration indicates a non-positive policy duration.
	ErrInvalidConfigDuration = errors.New("config: duration must be positive")
)
