// Package wire implements the relay protocol's framing layer: the Frame
// tagged variant, length-delimited stream I/O, and negotiable size limits.
// Encoding is CBOR with integer map keys; the switch and masters only ever
// see the accessors below, never the raw bytes.
package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire format version carried on every frame.
const ProtocolVersion uint8 = 1

// FrameType discriminates the kinds of frame the relay protocol carries.
type FrameType uint8

const (
	FrameTypeReq         FrameType = 1
	FrameTypeChunk       FrameType = 3
	FrameTypeEnd         FrameType = 4
	FrameTypeErr         FrameType = 6
	FrameTypeRelayNotify FrameType = 10
	FrameTypeRelayState  FrameType = 11
)

func (ft FrameType) String() string {
	switch ft {
	case FrameTypeReq:
		return "REQ"
	case FrameTypeChunk:
		return "CHUNK"
	case FrameTypeEnd:
		return "END"
	case FrameTypeErr:
		return "ERR"
	case FrameTypeRelayNotify:
		return "RELAY_NOTIFY"
	case FrameTypeRelayState:
		return "RELAY_STATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(ft))
	}
}

// MessageId is either a uint64 or a UUID; equality is by canonical string
// form.
type MessageId struct {
	uuidBytes []byte
	uintValue *uint64
}

// NewMessageIdFromUuid builds a MessageId from 16 raw UUID bytes.
func NewMessageIdFromUuid(b []byte) (MessageId, error) {
	if len(b) != 16 {
		return MessageId{}, errors.New("UUID must be exactly 16 bytes")
	}
	cp := make([]byte, 16)
	copy(cp, b)
	return MessageId{uuidBytes: cp}, nil
}

// NewMessageIdFromUint builds a MessageId from a uint64.
func NewMessageIdFromUint(v uint64) MessageId {
	return MessageId{uintValue: &v}
}

// NewMessageIdRandom builds a random UUID-based MessageId.
func NewMessageIdRandom() MessageId {
	id := uuid.New()
	b, _ := id.MarshalBinary()
	return MessageId{uuidBytes: b}
}

// IsUuid reports whether this id is the UUID variant.
func (m MessageId) IsUuid() bool { return m.uuidBytes != nil }

// ToString returns the canonical string form used for equality and maps.
func (m MessageId) ToString() string {
	if m.uuidBytes != nil {
		if id, err := uuid.FromBytes(m.uuidBytes); err == nil {
			return id.String()
		}
	}
	if m.uintValue != nil {
		return fmt.Sprintf("u%d", *m.uintValue)
	}
	return "u0"
}

// Equals reports canonical equality between two MessageIds.
func (m MessageId) Equals(other MessageId) bool {
	return m.ToString() == other.ToString()
}

// Frame is the tagged variant carried over the wire. Only the
// fields relevant to its FrameType are populated; others are left zero.
type Frame struct {
	Version   uint8
	FrameType FrameType
	Id        MessageId

	// REQ
	Cap         string
	Payload     []byte
	ContentType string

	// CHUNK
	StreamId   string
	Seq        uint64
	ChunkIndex uint64
	Checksum   uint32

	// END
	FinalPayload []byte
	HasFinal     bool

	// ERR terminates a request with a code/message pair
	ErrCode    string
	ErrMessage string

	// RELAY_NOTIFY
	Manifest []byte
	Limits   Limits

	// RELAY_STATE
	Resources []byte
}

func newFrame(ft FrameType, id MessageId) *Frame {
	return &Frame{Version: ProtocolVersion, FrameType: ft, Id: id}
}

// NewReq builds a REQ frame.
func NewReq(id MessageId, capUrn string, payload []byte, contentType string) *Frame {
	f := newFrame(FrameTypeReq, id)
	f.Cap = capUrn
	f.Payload = payload
	f.ContentType = contentType
	return f
}

// NewChunk builds a CHUNK frame; checksum should be ComputeChecksum(payload).
func NewChunk(reqId MessageId, streamId string, seq uint64, chunkIndex uint64, checksum uint32, payload []byte) *Frame {
	f := newFrame(FrameTypeChunk, reqId)
	f.StreamId = streamId
	f.Seq = seq
	f.ChunkIndex = chunkIndex
	f.Checksum = checksum
	f.Payload = payload
	return f
}

// NewEnd builds an END frame, optionally carrying a final payload.
func NewEnd(id MessageId, finalPayload []byte) *Frame {
	f := newFrame(FrameTypeEnd, id)
	if finalPayload != nil {
		f.FinalPayload = finalPayload
		f.HasFinal = true
	}
	return f
}

// NewErr builds an ERR frame terminating a request with a code/message pair.
func NewErr(id MessageId, code, message string) *Frame {
	f := newFrame(FrameTypeErr, id)
	f.ErrCode = code
	f.ErrMessage = message
	return f
}

// NewRelayNotify builds a RELAY_NOTIFY frame carrying an aggregate manifest
// and the sender's negotiable limits (slave -> master).
func NewRelayNotify(manifest []byte, limits Limits) *Frame {
	f := newFrame(FrameTypeRelayNotify, NewMessageIdFromUint(0))
	f.Manifest = manifest
	f.Limits = limits
	return f
}

// NewRelayState builds a RELAY_STATE frame carrying an opaque resource blob
// (master -> slave).
func NewRelayState(resources []byte) *Frame {
	f := newFrame(FrameTypeRelayState, NewMessageIdFromUint(0))
	f.Resources = resources
	return f
}

// IsTerminal reports whether this frame type ends a request's lifecycle.
func (f *Frame) IsTerminal() bool {
	return f.FrameType == FrameTypeEnd || f.FrameType == FrameTypeErr
}

// ComputeChecksum computes the FNV-1a 32-bit hash of data, used by CHUNK
// frames.
func ComputeChecksum(data []byte) uint32 {
	const offsetBasis = uint32(2166136261)
	const prime = uint32(16777619)
	h := offsetBasis
	for _, b := range data {
		h ^= uint32(b)
		h *= prime
	}
	return h
}

// VerifyChunkChecksum reports an error if a CHUNK frame's checksum does not
// match its payload. The switch itself never validates this;
// it is offered for consumers that do.
func VerifyChunkChecksum(f *Frame) error {
	if f.FrameType != FrameTypeChunk {
		return fmt.Errorf("not a CHUNK frame")
	}
	want := ComputeChecksum(f.Payload)
	if f.Checksum != want {
		return fmt.Errorf("CHUNK checksum mismatch: expected %d, got %d", want, f.Checksum)
	}
	return nil
}
