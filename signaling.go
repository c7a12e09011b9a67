package callmgr

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
)

// Signaling messages exchanged out-of-band from media transport. The core
// never delivers these itself: it asks the application to send them through
// Observer callbacks and reacts to MessageSent/MessageSendFailure reports.
//
// The wire codec below is offered for applications whose transport carries
// raw bytes. Formats are fixed-layout big-endian with an 8-byte call id
// prefix; session descriptions are carried opaquely.

// Offer initiates a call. The caller sends it to every device of the callee.
type Offer struct {
	MediaType CallMediaType
	SDP       string
}

// Answer responds to an offer. Answers are always sent to the offering
// device, never broadcast.
type Answer struct {
	SDP string
}

// ICECandidate is a single transport candidate, carried opaquely.
type ICECandidate struct {
	SDP string
}

// ReceivedOffer carries an inbound offer plus its delivery envelope.
type ReceivedOffer struct {
	Offer Offer

	// Age is the approximate time the offer spent in transit. Offers older
	// than Config.MaxMessageAge are rejected before any state is created.
	Age time.Duration

	// SenderDeviceID is the caller device the offer came from.
	SenderDeviceID DeviceID

	// SenderSupportsMultiRing is false for legacy callers that cannot ring
	// more than one device. Linked (non-primary) devices ignore their offers.
	SenderSupportsMultiRing bool

	// ReceiverDeviceID is the local device the offer was addressed to.
	ReceiverDeviceID DeviceID

	// ReceiverIsPrimary is true when the local device is the account primary.
	ReceiverIsPrimary bool
}

// ReceivedAnswer carries an inbound answer plus its delivery envelope.
type ReceivedAnswer struct {
	Answer                  Answer
	SenderDeviceID          DeviceID
	SenderSupportsMultiRing bool
}

// ReceivedIce carries inbound ICE candidates from one remote device.
type ReceivedIce struct {
	Candidates     []ICECandidate
	SenderDeviceID DeviceID
}

// ReceivedHangup carries an inbound hangup.
type ReceivedHangup struct {
	Hangup         Hangup
	SenderDeviceID DeviceID
}

// ReceivedBusy carries an inbound busy rejection.
type ReceivedBusy struct {
	SenderDeviceID DeviceID
}

// ValidateSessionDescription parses an SDP blob and reports whether it is
// well formed. Used on inbound offers and answers when Config.ValidateSDP is
// set, so garbage is rejected before any call state is held for it.
func ValidateSessionDescription(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSDP)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return nil
}

// Wire message type identifiers.
const (
	wireTypeOffer  byte = 0x40
	wireTypeAnswer byte = 0x41
	wireTypeIce    byte = 0x42
	wireTypeHangup byte = 0x43
	wireTypeBusy   byte = 0x44
)

// SerializeOffer converts an offer to bytes for transmission.
//
// Wire format:
//
//	[TYPE(1)][CALL_ID(8)][MEDIA_TYPE(1)][SDP_LEN(4)][SDP]
func SerializeOffer(callID CallID, offer Offer) []byte {
	logrus.WithFields(logrus.Fields{
		"function":   "SerializeOffer",
		"call_id":    callID,
		"media_type": offer.MediaType,
	}).Debug("Serializing offer")

	data := make([]byte, 14+len(offer.SDP))
	data[0] = wireTypeOffer
	binary.BigEndian.PutUint64(data[1:9], uint64(callID))
	data[9] = byte(offer.MediaType)
	binary.BigEndian.PutUint32(data[10:14], uint32(len(offer.SDP)))
	copy(data[14:], offer.SDP)
	return data
}

// DeserializeOffer converts bytes to an offer.
func DeserializeOffer(data []byte) (CallID, Offer, error) {
	if len(data) < 14 || data[0] != wireTypeOffer {
		return 0, Offer{}, fmt.Errorf("%w: offer", ErrMessageTooShort)
	}
	sdpLen := binary.BigEndian.Uint32(data[10:14])
	if uint32(len(data)-14) < sdpLen {
		return 0, Offer{}, fmt.Errorf("%w: offer sdp", ErrMessageTooShort)
	}
	return CallID(binary.BigEndian.Uint64(data[1:9])), Offer{
		MediaType: CallMediaType(data[9]),
		SDP:       string(data[14 : 14+sdpLen]),
	}, nil
}

// SerializeAnswer converts an answer to bytes for transmission.
//
// Wire format:
//
//	[TYPE(1)][CALL_ID(8)][SDP_LEN(4)][SDP]
func SerializeAnswer(callID CallID, answer Answer) []byte {
	data := make([]byte, 13+len(answer.SDP))
	data[0] = wireTypeAnswer
	binary.BigEndian.PutUint64(data[1:9], uint64(callID))
	binary.BigEndian.PutUint32(data[9:13], uint32(len(answer.SDP)))
	copy(data[13:], answer.SDP)
	return data
}

// DeserializeAnswer converts bytes to an answer.
func DeserializeAnswer(data []byte) (CallID, Answer, error) {
	if len(data) < 13 || data[0] != wireTypeAnswer {
		return 0, Answer{}, fmt.Errorf("%w: answer", ErrMessageTooShort)
	}
	sdpLen := binary.BigEndian.Uint32(data[9:13])
	if uint32(len(data)-13) < sdpLen {
		return 0, Answer{}, fmt.Errorf("%w: answer sdp", ErrMessageTooShort)
	}
	return CallID(binary.BigEndian.Uint64(data[1:9])), Answer{
		SDP: string(data[13 : 13+sdpLen]),
	}, nil
}

// SerializeIce converts a candidate batch to bytes for transmission.
//
// Wire format:
//
//	[TYPE(1)][CALL_ID(8)][COUNT(2)]([LEN(2)][SDP])*
func SerializeIce(callID CallID, candidates []ICECandidate) []byte {
	size := 11
	for _, c := range candidates {
		size += 2 + len(c.SDP)
	}
	data := make([]byte, size)
	data[0] = wireTypeIce
	binary.BigEndian.PutUint64(data[1:9], uint64(callID))
	binary.BigEndian.PutUint16(data[9:11], uint16(len(candidates)))
	pos := 11
	for _, c := range candidates {
		binary.BigEndian.PutUint16(data[pos:pos+2], uint16(len(c.SDP)))
		copy(data[pos+2:], c.SDP)
		pos += 2 + len(c.SDP)
	}
	return data
}

// DeserializeIce converts bytes to a candidate batch.
func DeserializeIce(data []byte) (CallID, []ICECandidate, error) {
	if len(data) < 11 || data[0] != wireTypeIce {
		return 0, nil, fmt.Errorf("%w: ice", ErrMessageTooShort)
	}
	callID := CallID(binary.BigEndian.Uint64(data[1:9]))
	count := int(binary.BigEndian.Uint16(data[9:11]))
	candidates := make([]ICECandidate, 0, count)
	pos := 11
	for i := 0; i < count; i++ {
		if len(data) < pos+2 {
			return 0, nil, fmt.Errorf("%w: ice candidate header", ErrMessageTooShort)
		}
		clen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if len(data) < pos+clen {
			return 0, nil, fmt.Errorf("%w: ice candidate body", ErrMessageTooShort)
		}
		candidates = append(candidates, ICECandidate{SDP: string(data[pos : pos+clen])})
		pos += clen
	}
	return callID, candidates, nil
}

// SerializeHangup converts a hangup to bytes for transmission.
//
// Wire format:
//
//	[TYPE(1)][CALL_ID(8)][HANGUP_TYPE(1)][DEVICE_ID(4)]
func SerializeHangup(callID CallID, hangup Hangup) []byte {
	data := make([]byte, 14)
	data[0] = wireTypeHangup
	binary.BigEndian.PutUint64(data[1:9], uint64(callID))
	data[9] = byte(hangup.Type)
	binary.BigEndian.PutUint32(data[10:14], uint32(hangup.DeviceID))
	return data
}

// DeserializeHangup converts bytes to a hangup.
func DeserializeHangup(data []byte) (CallID, Hangup, error) {
	if len(data) < 14 || data[0] != wireTypeHangup {
		return 0, Hangup{}, fmt.Errorf("%w: hangup", ErrMessageTooShort)
	}
	typ, err := HangupTypeFromValue(int32(data[9]))
	if err != nil {
		return 0, Hangup{}, err
	}
	return CallID(binary.BigEndian.Uint64(data[1:9])), Hangup{
		Type:     typ,
		DeviceID: DeviceID(binary.BigEndian.Uint32(data[10:14])),
	}, nil
}

// SerializeBusy converts a busy rejection to bytes for transmission.
//
// Wire format:
//
//	[TYPE(1)][CALL_ID(8)]
func SerializeBusy(callID CallID) []byte {
	data := make([]byte, 9)
	data[0] = wireTypeBusy
	binary.BigEndian.PutUint64(data[1:9], uint64(callID))
	return data
}

// DeserializeBusy converts bytes to a busy rejection's call id.
func DeserializeBusy(data []byte) (CallID, error) {
	if len(data) < 9 || data[0] != wireTypeBusy {
		return 0, fmt.Errorf("%w: busy", ErrMessageTooShort)
	}
	return CallID(binary.BigEndian.Uint64(data[1:9])), nil
}
