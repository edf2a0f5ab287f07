package relay

import (
	"io"
	"sync"

	"github.com/filegrind/relaycore/wire"
)

// Slave is the plugin/runtime-side endpoint of the relay. It bridges a
// socket connection to the engine's Master with local I/O streams to the
// runtime it fronts, pumping frames bidirectionally.
//
// Two frame kinds never cross the local boundary: RELAY_STATE arriving
// from the socket is stored, not forwarded, and any RELAY_NOTIFY a local
// caller tries to send is dropped, since the Slave itself is the sole
// authority over its own outbound manifest.
type Slave struct {
	localReader *wire.FrameReader
	localWriter *wire.FrameWriter

	stateMu sync.Mutex
	state   []byte
}

// NewSlave creates a Slave bridging local streams to/from the runtime.
func NewSlave(localRead io.Reader, localWrite io.Writer) *Slave {
	return &Slave{
		localReader: wire.NewFrameReader(localRead),
		localWriter: wire.NewFrameWriter(localWrite),
	}
}

// State returns the most recent RELAY_STATE resource payload received from
// the master, or nil if none has arrived yet.
func (s *Slave) State() []byte {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == nil {
		return nil
	}
	out := make([]byte, len(s.state))
	copy(out, s.state)
	return out
}

// InitialNotify carries the manifest and limits a Slave advertises as its
// first frame on the socket.
type InitialNotify struct {
	Manifest []byte
	Limits   wire.Limits
}

// SendNotify sends a RELAY_NOTIFY over the socket, used both for the
// mandatory initial advertisement and for later capability changes (a
// plugin appearing or dying inside the runtime the slave fronts).
func SendNotify(w *wire.FrameWriter, manifest []byte, limits wire.Limits) error {
	return w.WriteFrame(wire.NewRelayNotify(manifest, limits))
}

// Run pumps frames bidirectionally between the socket and the local
// streams until either side closes or errors. Blocks until done.
func (s *Slave) Run(socketRead io.Reader, socketWrite io.Writer, initial *InitialNotify) error {
	socketReader := wire.NewFrameReader(socketRead)
	socketWriter := wire.NewFrameWriter(socketWrite)

	if initial != nil {
		if err := SendNotify(socketWriter, initial.Manifest, initial.Limits); err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)

	// socket -> local (master -> slave direction)
	go func() {
		for {
			frame, err := socketReader.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			if frame == nil {
				errCh <- nil
				return
			}

			switch frame.FrameType {
			case wire.FrameTypeRelayState:
				if frame.Resources != nil {
					s.stateMu.Lock()
					s.state = make([]byte, len(frame.Resources))
					copy(s.state, frame.Resources)
					s.stateMu.Unlock()
				}
			case wire.FrameTypeRelayNotify:
				// A RELAY_NOTIFY from the master side is a protocol
				// violation; drop it rather than tear down the pump.
			default:
				if err := s.localWriter.WriteFrame(frame); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	// local -> socket (slave -> master direction)
	go func() {
		for {
			frame, err := s.localReader.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			if frame == nil {
				errCh <- nil
				return
			}

			if frame.FrameType == wire.FrameTypeRelayNotify || frame.FrameType == wire.FrameTypeRelayState {
				// The local runtime does not own manifest or state frames.
				continue
			}
			if err := socketWriter.WriteFrame(frame); err != nil {
				errCh <- err
				return
			}
		}
	}()

	return <-errCh
}
