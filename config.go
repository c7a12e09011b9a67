package callmgr

import "time"

// Policy defaults. The thresholds mirror the behavior of deployed clients:
// signaling messages older than two minutes are not actionable, and a call
// that has not connected within two minutes is abandoned.
const (
	// DefaultMaxMessageAge is the staleness window for received offers.
	DefaultMaxMessageAge = 120 * time.Second

	// DefaultCallSetupTimeout bounds the time between call creation and the
	// call reaching the connected state.
	DefaultCallSetupTimeout = 120 * time.Second

	// DefaultIceBufferWindow bounds how long ICE candidates that arrive
	// before their call exists are buffered for replay.
	DefaultIceBufferWindow = 30 * time.Second
)

// Timer is the cancelable handle returned by TimeProvider.AfterFunc.
// *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// TimeProvider abstracts time access for deterministic testing.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc runs fn after d elapses, on an unspecified goroutine.
	AfterFunc(d time.Duration, fn func()) Timer
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current system time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// AfterFunc schedules fn on a system timer.
func (DefaultTimeProvider) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Config carries the injected identity functions and the policy knobs the
// protocol deliberately leaves open. Peer is the application's opaque remote
// identity type; the core never inspects it, it only applies these functions.
type Config[Peer any] struct {
	// PeerKey maps a remote identity to a stable map key. Required. Two
	// identities with the same key count as the same remote when enforcing
	// the one-call-per-remote rule.
	PeerKey func(Peer) string

	// ComparePeers decides whether an existing call and an incoming offer
	// name the same logical two-party relationship, for glare resolution.
	// When nil, PeerKey equality is used.
	ComparePeers func(a, b Peer) bool

	// MaxMessageAge is the staleness window for received offers. An offer
	// older than this is rejected before any call state is created.
	MaxMessageAge time.Duration

	// CallSetupTimeout ends calls that never reach the connected state.
	CallSetupTimeout time.Duration

	// IceBufferWindow bounds buffering of ICE candidates that arrive before
	// their call exists.
	IceBufferWindow time.Duration

	// EndOnFirstBusy restores legacy busy handling: the first busy from any
	// remote device ends the whole call. The default aggregates: a busy
	// device only leaves the ring set, and the call ends with
	// EventEndedRemoteBusy once no device remains ringing.
	EndOnFirstBusy bool

	// ValidateSDP enables well-formedness parsing of inbound offer and
	// answer session descriptions before state is created for them.
	ValidateSDP bool

	// TimeProvider overrides the clock. Nil means the system clock.
	TimeProvider TimeProvider
}

// DefaultConfig returns a Config with production policy values. PeerKey must
// still be supplied by the caller.
func DefaultConfig[Peer any]() *Config[Peer] {
	return &Config[Peer]{
		MaxMessageAge:    DefaultMaxMessageAge,
		CallSetupTimeout: DefaultCallSetupTimeout,
		IceBufferWindow:  DefaultIceBufferWindow,
		TimeProvider:     DefaultTimeProvider{},
	}
}

// Validate checks the configuration and fills derivable defaults.
func (c *Config[Peer]) Validate() error {
	if c.PeerKey == nil {
		return ErrMissingPeerKey
	}
	if c.MaxMessageAge <= 0 || c.CallSetupTimeout <= 0 || c.IceBufferWindow <= 0 {
		return ErrInvalidConfigDuration
	}
	if c.ComparePeers == nil {
		key := c.PeerKey
		c.ComparePeers = func(a, b Peer) bool { return key(a) == key(b) }
	}
	if c.TimeProvider == nil {
		c.TimeProvider = DefaultTimeProvider{}
	}
	return nil
}
