// Package wire implements the SliceTime datagram codec: a 4-byte sequence
// number, a 1-byte packet type, and a fixed-shape payload per type. See
// synchronization.h in the original synchronizer for the struct layouts
// this package mirrors byte-for-byte.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies the shape of a SyncPacket's payload.
type PacketType uint8

const (
	PacketRegisterClient   PacketType = 0
	PacketUnregisterClient PacketType = 1
	PacketRunPermission    PacketType = 2
	PacketFinished         PacketType = 3
)

func (t PacketType) String() string {
	switch t {
	case PacketRegisterClient:
		return "RegisterClient"
	case PacketUnregisterClient:
		return "UnregisterClient"
	case PacketRunPermission:
		return "RunPermission"
	case PacketFinished:
		return "Finished"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ClientType is the closed set of participant kinds a client registers as.
type ClientType uint8

const (
	ClientTypeLocalVM          ClientType = 0
	ClientTypeRemoteVM         ClientType = 1
	ClientTypeRemoteSimulation ClientType = 2
	ClientTypeTest             ClientType = 133
	ClientTypeOther            ClientType = 254
	ClientTypeUnknown          ClientType = 255
)

// UnregisterReason explains why a client left the barrier.
type UnregisterReason uint8

const (
	UnregisterRegular   UnregisterReason = 0
	UnregisterOutOfSync UnregisterReason = 1
	UnregisterOther     UnregisterReason = 2
)

// ClientDescrLength is the fixed width of the NUL-padded description field.
const ClientDescrLength = 100

const headerLen = 4 + 1 // seqNr + packetType

var (
	ErrUnknownType = errors.New("wire: unknown packet type")
	ErrBadLength   = errors.New("wire: packet length does not match declared type")
	ErrTooShort    = errors.New("wire: packet shorter than header")
)

// RegisterClient is the payload of PacketRegisterClient.
type RegisterClient struct {
	ClientID    uint16
	ClientType  ClientType
	Description string // truncated to ClientDescrLength on encode
}

const registerClientPayloadLen = 2 + 1 + ClientDescrLength

// UnregisterClient is the payload of PacketUnregisterClient.
type UnregisterClient struct {
	ClientID uint16
	Reason   UnregisterReason
}

const unregisterClientPayloadLen = 2 + 1

// RunPermission is the payload of PacketRunPermission.
type RunPermission struct {
	PeriodID      uint32
	RunTimeMicros uint32
}

const runPermissionPayloadLen = 4 + 4

// Finished is the payload of PacketFinished. Field order matches the wire
// layout exactly: PeriodID, RunTimeMicros, RealTimeMicros, ClientID last.
type Finished struct {
	PeriodID       uint32
	RunTimeMicros  uint32
	RealTimeMicros uint32
	ClientID       uint16
}

const finishedPayloadLen = 4 + 4 + 4 + 2

// payloadLen returns the exact expected wire length for a packet type's
// payload, or false if the type is unknown.
func payloadLen(t PacketType) (int, bool) {
	switch t {
	case PacketRegisterClient:
		return registerClientPayloadLen, true
	case PacketUnregisterClient:
		return unregisterClientPayloadLen, true
	case PacketRunPermission:
		return runPermissionPayloadLen, true
	case PacketFinished:
		return finishedPayloadLen, true
	default:
		return 0, false
	}
}

// MaxPacketLen is large enough to hold the biggest known packet; receive
// buffers should be sized at least this large so a malformed, oversized
// payload cannot overflow calling code.
const MaxPacketLen = headerLen + registerClientPayloadLen

// EncodeRegisterClient writes a full SyncPacket with the given sequence
// number and RegisterClient payload.
func EncodeRegisterClient(seqNr uint32, p RegisterClient) []byte {
	buf := make([]byte, headerLen+registerClientPayloadLen)
	putHeader(buf, seqNr, PacketRegisterClient)
	off := headerLen
	binary.BigEndian.PutUint16(buf[off:], p.ClientID)
	buf[off+2] = byte(p.ClientType)
	copyDescription(buf[off+3:off+3+ClientDescrLength], p.Description)
	return buf
}

// EncodeUnregisterClient writes a full SyncPacket with an UnregisterClient payload.
func EncodeUnregisterClient(seqNr uint32, p UnregisterClient) []byte {
	buf := make([]byte, headerLen+unregisterClientPayloadLen)
	putHeader(buf, seqNr, PacketUnregisterClient)
	off := headerLen
	binary.BigEndian.PutUint16(buf[off:], p.ClientID)
	buf[off+2] = byte(p.Reason)
	return buf
}

// EncodeRunPermission writes a full SyncPacket with a RunPermission payload.
func EncodeRunPermission(seqNr uint32, p RunPermission) []byte {
	buf := make([]byte, headerLen+runPermissionPayloadLen)
	putHeader(buf, seqNr, PacketRunPermission)
	off := headerLen
	binary.BigEndian.PutUint32(buf[off:], p.PeriodID)
	binary.BigEndian.PutUint32(buf[off+4:], p.RunTimeMicros)
	return buf
}

// EncodeFinished writes a full SyncPacket with a Finished payload.
func EncodeFinished(seqNr uint32, p Finished) []byte {
	buf := make([]byte, headerLen+finishedPayloadLen)
	putHeader(buf, seqNr, PacketFinished)
	off := headerLen
	binary.BigEndian.PutUint32(buf[off:], p.PeriodID)
	binary.BigEndian.PutUint32(buf[off+4:], p.RunTimeMicros)
	binary.BigEndian.PutUint32(buf[off+8:], p.RealTimeMicros)
	binary.BigEndian.PutUint16(buf[off+12:], p.ClientID)
	return buf
}

func putHeader(buf []byte, seqNr uint32, t PacketType) {
	binary.BigEndian.PutUint32(buf[0:4], seqNr)
	buf[4] = byte(t)
}

func copyDescription(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}

// Header is the decoded SyncPacket envelope: sequence number and type,
// without interpreting the payload.
type Header struct {
	SeqNr int
	Type  PacketType
}

// DecodeHeader reads just the envelope, useful for dispatch before decoding
// a type-specific payload.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, ErrTooShort
	}
	return Header{
		SeqNr: int(binary.BigEndian.Uint32(buf[0:4])),
		Type:  PacketType(buf[4]),
	}, nil
}

// DecodeRegisterClient validates length and decodes a RegisterClient payload.
func DecodeRegisterClient(buf []byte) (uint32, RegisterClient, error) {
	seqNr, payload, err := decodeTyped(buf, PacketRegisterClient)
	if err != nil {
		return 0, RegisterClient{}, err
	}
	descr := trimDescription(payload[3 : 3+ClientDescrLength])
	return seqNr, RegisterClient{
		ClientID:    binary.BigEndian.Uint16(payload[0:2]),
		ClientType:  ClientType(payload[2]),
		Description: descr,
	}, nil
}

// DecodeUnregisterClient validates length and decodes an UnregisterClient payload.
func DecodeUnregisterClient(buf []byte) (uint32, UnregisterClient, error) {
	seqNr, payload, err := decodeTyped(buf, PacketUnregisterClient)
	if err != nil {
		return 0, UnregisterClient{}, err
	}
	return seqNr, UnregisterClient{
		ClientID: binary.BigEndian.Uint16(payload[0:2]),
		Reason:   UnregisterReason(payload[2]),
	}, nil
}

// DecodeRunPermission validates length and decodes a RunPermission payload.
func DecodeRunPermission(buf []byte) (uint32, RunPermission, error) {
	seqNr, payload, err := decodeTyped(buf, PacketRunPermission)
	if err != nil {
		return 0, RunPermission{}, err
	}
	return seqNr, RunPermission{
		PeriodID:      binary.BigEndian.Uint32(payload[0:4]),
		RunTimeMicros: binary.BigEndian.Uint32(payload[4:8]),
	}, nil
}

// DecodeFinished validates length and decodes a Finished payload.
func DecodeFinished(buf []byte) (uint32, Finished, error) {
	seqNr, payload, err := decodeTyped(buf, PacketFinished)
	if err != nil {
		return 0, Finished{}, err
	}
	return seqNr, Finished{
		PeriodID:       binary.BigEndian.Uint32(payload[0:4]),
		RunTimeMicros:  binary.BigEndian.Uint32(payload[4:8]),
		RealTimeMicros: binary.BigEndian.Uint32(payload[8:12]),
		ClientID:       binary.BigEndian.Uint16(payload[12:14]),
	}, nil
}

func decodeTyped(buf []byte, want PacketType) (uint32, []byte, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	if hdr.Type != want {
		return 0, nil, fmt.Errorf("wire: expected type %s, got %s: %w", want, hdr.Type, ErrUnknownType)
	}
	wantLen, ok := payloadLen(want)
	if !ok {
		return 0, nil, ErrUnknownType
	}
	if len(buf) != headerLen+wantLen {
		return 0, nil, fmt.Errorf("wire: %s expects length %d, got %d: %w", want, headerLen+wantLen, len(buf), ErrBadLength)
	}
	return uint32(hdr.SeqNr), buf[headerLen:], nil
}

func trimDescription(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Classify inspects a raw datagram and returns its declared type without
// validating payload length, for fast dispatch; callers must still call the
// type-specific Decode* function which enforces exact length.
func Classify(buf []byte) (PacketType, error) {
	hdr, err := DecodeHeader(buf)
	if err != nil {
		return 0, err
	}
	if _, ok := payloadLen(hdr.Type); !ok {
		return 0, ErrUnknownType
	}
	return hdr.Type, nil
}
