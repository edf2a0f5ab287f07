package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameReader reads length-delimited CBOR frames from a byte stream.
type FrameReader struct {
	r      io.Reader
	limits Limits
}

// NewFrameReader creates a FrameReader with the default limits.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, limits: DefaultLimits()}
}

// SetLimits updates the limits enforced on subsequent reads.
func (fr *FrameReader) SetLimits(limits Limits) { fr.limits = limits }

// ReadFrame reads one frame. A clean close on a frame boundary returns
// (nil, nil) — the end-of-stream sentinel, not an error.
// Truncation mid-frame or a malformed body is a *ProtocolError; a frame
// or CHUNK payload exceeding the active limits is a *LimitExceededError.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, &ProtocolError{Message: fmt.Sprintf("truncated length prefix: %v", err)}
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if int(length) > fr.limits.MaxFrame {
		return nil, &LimitExceededError{Field: "max_frame", Limit: fr.limits.MaxFrame, Got: int(length)}
	}
	if int(length) > MaxFrameHardLimit {
		return nil, &LimitExceededError{Field: "max_frame_hard_limit", Limit: MaxFrameHardLimit, Got: int(length)}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("truncated frame body: %v", err)}
	}

	frame, err := DecodeFrame(buf)
	if err != nil {
		return nil, &ProtocolError{Message: err.Error()}
	}
	if frame.FrameType == FrameTypeChunk && len(frame.Payload) > fr.limits.MaxChunk {
		return nil, &LimitExceededError{Field: "max_chunk", Limit: fr.limits.MaxChunk, Got: len(frame.Payload)}
	}
	return frame, nil
}

// FrameWriter writes length-delimited CBOR frames to a byte stream.
type FrameWriter struct {
	w      io.Writer
	limits Limits
}

// NewFrameWriter creates a FrameWriter with the default limits.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, limits: DefaultLimits()}
}

// SetLimits updates the limits enforced on subsequent writes.
func (fw *FrameWriter) SetLimits(limits Limits) { fw.limits = limits }

// WriteFrame writes a whole frame, or returns an error and writes nothing
// observable.
func (fw *FrameWriter) WriteFrame(f *Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if len(buf) > fw.limits.MaxFrame {
		return &LimitExceededError{Field: "max_frame", Limit: fw.limits.MaxFrame, Got: len(buf)}
	}
	if len(buf) > MaxFrameHardLimit {
		return &LimitExceededError{Field: "max_frame_hard_limit", Limit: MaxFrameHardLimit, Got: len(buf)}
	}

	framed := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(buf)))
	copy(framed[4:], buf)

	if _, err := fw.w.Write(framed); err != nil {
		return err
	}
	return nil
}

// ProtocolError signals a framing-layer violation: mid-frame truncation or
// a malformed frame body.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Message) }

// LimitExceededError signals a frame or chunk that exceeds the active
// negotiated limits.
type LimitExceededError struct {
	Field string
	Limit int
	Got   int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s exceeded: got %d, limit %d", e.Field, e.Got, e.Limit)
}
