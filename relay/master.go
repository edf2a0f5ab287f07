// Package relay implements the two halves of the capability relay that sit
// either side of a socket pair: RelayMaster in the engine process, and
// RelaySlave inside the plugin/runtime process it talks to.
package relay

import (
	"fmt"

	"github.com/filegrind/relaycore/wire"
)

// ErrorType classifies a relay-layer failure.
type ErrorType int

const (
	ErrorSocketClosed ErrorType = iota
	ErrorLocalClosed
	ErrorIO
	ErrorProtocol
)

// Error is the error type relay operations return.
type Error struct {
	Type    ErrorType
	Message string
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorSocketClosed:
		return "relay: socket closed"
	case ErrorLocalClosed:
		return "relay: local closed"
	case ErrorIO:
		return fmt.Sprintf("relay: I/O error: %s", e.Message)
	case ErrorProtocol:
		return fmt.Sprintf("relay: protocol error: %s", e.Message)
	default:
		return fmt.Sprintf("relay: error: %s", e.Message)
	}
}

// Master is the engine-side endpoint of the relay. It holds the manifest and
// limits last advertised by one RelaySlave; the caller supplies the socket's
// FrameReader on each ReadFrame, which intercepts RELAY_NOTIFY frames rather
// than surfacing them to the switch.
type Master struct {
	manifest []byte
	limits   wire.Limits
}

// Connect establishes a Master by reading the slave's mandatory first
// frame, which must be RELAY_NOTIFY.
func Connect(r *wire.FrameReader) (*Master, error) {
	frame, err := r.ReadFrame()
	if err != nil {
		return nil, &Error{Type: ErrorIO, Message: err.Error()}
	}
	if frame == nil {
		return nil, &Error{Type: ErrorSocketClosed, Message: "connection closed before RELAY_NOTIFY"}
	}
	if frame.FrameType != wire.FrameTypeRelayNotify {
		return nil, &Error{Type: ErrorProtocol, Message: fmt.Sprintf("expected RELAY_NOTIFY, got %v", frame.FrameType)}
	}
	if frame.Manifest == nil {
		return nil, &Error{Type: ErrorProtocol, Message: "RELAY_NOTIFY missing manifest"}
	}
	return &Master{manifest: frame.Manifest, limits: frame.Limits}, nil
}

// Manifest returns the slave's most recently advertised manifest bytes.
func (m *Master) Manifest() []byte { return m.manifest }

// Limits returns the slave's most recently advertised limits.
func (m *Master) Limits() wire.Limits { return m.limits }

// SendState sends a RELAY_STATE frame carrying host resource info to the
// slave, for pushing host telemetry down to plugin runtimes. RelaySwitch
// does not call it; relay core itself does not interpret resources.
func SendState(w *wire.FrameWriter, resources []byte) error {
	return w.WriteFrame(wire.NewRelayState(resources))
}

// ReadFrame reads the next frame that is not a relay-management frame.
// A RELAY_NOTIFY updates the master's cached manifest/limits and returns
// immediately with notified set and a nil frame, rather than being
// swallowed in search of the next deliverable frame — a caller caching its
// own copy of Manifest()/Limits() (such as RelaySwitch's masterEntry) must
// react to each re-announce as soon as it is absorbed, not only once some
// unrelated later frame happens to arrive. A stray RELAY_STATE from a
// slave is a protocol violation and is dropped without being reported.
// Returns (nil, false, nil) on a clean EOF.
func (m *Master) ReadFrame(r *wire.FrameReader) (frame *wire.Frame, notified bool, err error) {
	for {
		f, err := r.ReadFrame()
		if err != nil {
			return nil, false, err
		}
		if f == nil {
			return nil, false, nil
		}

		switch f.FrameType {
		case wire.FrameTypeRelayNotify:
			m.manifest = f.Manifest
			m.limits = f.Limits
			return nil, true, nil
		case wire.FrameTypeRelayState:
			continue
		default:
			return f, false, nil
		}
	}
}
