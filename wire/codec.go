package wire

import (
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// CBOR map keys. Integer keys keep encoded frames compact, matching the
// teacher protocol's wire layout.
const (
	keyVersion      = 0
	keyFrameType    = 1
	keyId           = 2
	keyIdIsUuid     = 3
	keyCap          = 4
	keyPayload      = 5
	keyContentType  = 6
	keyStreamId     = 7
	keySeq          = 8
	keyChunkIndex   = 9
	keyChecksum     = 10
	keyFinalPayload = 11
	keyHasFinal     = 12
	keyErrCode      = 13
	keyErrMessage   = 14
	keyManifest     = 15
	keyMaxFrame     = 16
	keyMaxChunk     = 17
	keyMaxReorder   = 18
	keyResources    = 19
)

// EncodeFrame encodes a Frame to CBOR bytes.
func EncodeFrame(f *Frame) ([]byte, error) {
	m := make(map[int]interface{})
	m[keyVersion] = f.Version
	m[keyFrameType] = uint8(f.FrameType)

	if f.Id.IsUuid() {
		m[keyId] = f.Id.uuidBytes
		m[keyIdIsUuid] = true
	} else if f.Id.uintValue != nil {
		m[keyId] = *f.Id.uintValue
	} else {
		m[keyId] = uint64(0)
	}

	switch f.FrameType {
	case FrameTypeReq:
		m[keyCap] = f.Cap
		m[keyPayload] = f.Payload
		m[keyContentType] = f.ContentType
	case FrameTypeChunk:
		m[keyStreamId] = f.StreamId
		m[keySeq] = f.Seq
		m[keyChunkIndex] = f.ChunkIndex
		m[keyChecksum] = f.Checksum
		m[keyPayload] = f.Payload
	case FrameTypeEnd:
		if f.HasFinal {
			m[keyFinalPayload] = f.FinalPayload
			m[keyHasFinal] = true
		}
	case FrameTypeErr:
		m[keyErrCode] = f.ErrCode
		m[keyErrMessage] = f.ErrMessage
	case FrameTypeRelayNotify:
		m[keyManifest] = f.Manifest
		m[keyMaxFrame] = f.Limits.MaxFrame
		m[keyMaxChunk] = f.Limits.MaxChunk
		m[keyMaxReorder] = f.Limits.MaxReorderBuffer
	case FrameTypeRelayState:
		m[keyResources] = f.Resources
	}

	return cbor.Marshal(m)
}

// DecodeFrame decodes CBOR bytes into a Frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var m map[int]interface{}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	version, ok := asUint8(m[keyVersion])
	if !ok {
		return nil, errors.New("frame missing version")
	}
	ftRaw, ok := asUint8(m[keyFrameType])
	if !ok {
		return nil, errors.New("frame missing frame_type")
	}

	f := &Frame{Version: version, FrameType: FrameType(ftRaw)}

	isUuid, _ := m[keyIdIsUuid].(bool)
	if isUuid {
		b, ok := m[keyId].([]byte)
		if !ok || len(b) != 16 {
			return nil, errors.New("frame id marked as UUID but not 16 bytes")
		}
		id, err := NewMessageIdFromUuid(b)
		if err != nil {
			return nil, err
		}
		f.Id = id
	} else if v, ok := asUint64(m[keyId]); ok {
		f.Id = NewMessageIdFromUint(v)
	} else {
		return nil, errors.New("frame missing id")
	}

	switch f.FrameType {
	case FrameTypeReq:
		f.Cap, _ = m[keyCap].(string)
		f.Payload, _ = m[keyPayload].([]byte)
		f.ContentType, _ = m[keyContentType].(string)
		if f.Cap == "" {
			return nil, errors.New("REQ frame missing cap URN")
		}
	case FrameTypeChunk:
		f.StreamId, _ = m[keyStreamId].(string)
		if seq, ok := asUint64(m[keySeq]); ok {
			f.Seq = seq
		}
		idx, ok := asUint64(m[keyChunkIndex])
		if !ok {
			return nil, errors.New("CHUNK frame missing chunk_index")
		}
		f.ChunkIndex = idx
		cksum, ok := asUint64(m[keyChecksum])
		if !ok {
			return nil, errors.New("CHUNK frame missing checksum")
		}
		f.Checksum = uint32(cksum)
		f.Payload, _ = m[keyPayload].([]byte)
	case FrameTypeEnd:
		if hasFinal, _ := m[keyHasFinal].(bool); hasFinal {
			f.FinalPayload, _ = m[keyFinalPayload].([]byte)
			f.HasFinal = true
		}
	case FrameTypeErr:
		f.ErrCode, _ = m[keyErrCode].(string)
		f.ErrMessage, _ = m[keyErrMessage].(string)
	case FrameTypeRelayNotify:
		manifest, ok := m[keyManifest].([]byte)
		if !ok {
			return nil, errors.New("RELAY_NOTIFY missing manifest")
		}
		f.Manifest = manifest
		maxFrame, ok1 := asUint64(m[keyMaxFrame])
		maxChunk, ok2 := asUint64(m[keyMaxChunk])
		if !ok1 || !ok2 {
			return nil, errors.New("RELAY_NOTIFY missing limits")
		}
		maxReorder, _ := asUint64(m[keyMaxReorder])
		f.Limits = Limits{
			MaxFrame:         int(maxFrame),
			MaxChunk:         int(maxChunk),
			MaxReorderBuffer: int(maxReorder),
		}
	case FrameTypeRelayState:
		f.Resources, _ = m[keyResources].([]byte)
	default:
		return nil, fmt.Errorf("unknown frame_type %d", ftRaw)
	}

	return f, nil
}

// asUint8/asUint64 tolerate the several integer representations a CBOR
// decoder may hand back (uint64, int64, uint8, int) for the same value.
func asUint8(v interface{}) (uint8, bool) {
	n, ok := asUint64(v)
	return uint8(n), ok
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case int:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}
