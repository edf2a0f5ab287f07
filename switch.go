// Package relaycore implements the RelaySwitch: the demultiplexing engine
// that owns a fixed set of RelayMaster peers, aggregates their advertised
// capabilities, negotiates frame/chunk limits, and routes requests to the
// correct master by capability URN, keeping continuation frames on the
// same route as their originating REQ.
package relaycore

import (
	"fmt"
	"net"
	"sync"

	"github.com/filegrind/relaycore/manifest"
	"github.com/filegrind/relaycore/relay"
	"github.com/filegrind/relaycore/urn"
	"github.com/filegrind/relaycore/wire"
)

// ErrorType classifies a RelaySwitch failure.
type ErrorType int

const (
	ErrorProtocol ErrorType = iota
	ErrorNoHandler
	ErrorUnknownRequest
	ErrorIO
)

// Error is the error type RelaySwitch operations return.
type Error struct {
	Type    ErrorType
	Message string
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorNoHandler:
		return fmt.Sprintf("relaycore: no handler for cap %s", e.Message)
	case ErrorUnknownRequest:
		return fmt.Sprintf("relaycore: unknown request id %s", e.Message)
	case ErrorIO:
		return fmt.Sprintf("relaycore: I/O error: %s", e.Message)
	default:
		return fmt.Sprintf("relaycore: protocol error: %s", e.Message)
	}
}

// SocketPair is one master's bidirectional byte stream, split into its
// read and write halves (they may be the same net.Conn).
type SocketPair struct {
	Read  net.Conn
	Write net.Conn
}

// masterEntry is the switch's private bookkeeping for one master,
// independent of relay.Master's own state (the switch keeps its own copy
// of caps/limits so routing and negotiation survive master death without
// locking into relay.Master's internals).
type masterEntry struct {
	writer  *wire.FrameWriter
	master  *relay.Master
	caps    []urn.CapUrn
	limits  wire.Limits
	healthy bool
}

// routingEntry records where a request id is bound: the destination master
// it was routed to, and — for requests originating from a master rather
// than the local engine caller — the master it came from, so responses can
// be relayed back to their source.
type routingEntry struct {
	sourceIsEngine bool
	sourceIdx      int
	destIdx        int
}

// masterFrame is one item on the switch's internal multiplexed read
// channel: either a frame from a master, or the error/EOF that closed it.
type masterFrame struct {
	masterIdx int
	frame     *wire.Frame
	err       error
}

// engineSourceMarker is used only for readability at call sites; the
// sentinel lives in routingEntry.sourceIsEngine instead of a magic index.
const engineSourceMarker = -1

// RelaySwitch is a cap-aware routing multiplexer for a fixed set of
// RelayMaster peers.
type RelaySwitch struct {
	mu sync.Mutex

	masters  []*masterEntry
	affinity map[string]*routingEntry

	aggregateCaps    []urn.CapUrn
	negotiatedLimits wire.Limits

	rx chan masterFrame
}

// NewRelaySwitch constructs a RelaySwitch over the given socket pairs. Each
// pair is connected in input order by reading its master's mandatory
// initial RELAY_NOTIFY; construction fails if the list is empty or any
// master fails its handshake.
func NewRelaySwitch(sockets []SocketPair) (*RelaySwitch, error) {
	if len(sockets) == 0 {
		return nil, &Error{Type: ErrorProtocol, Message: "RelaySwitch requires at least one master"}
	}

	sw := &RelaySwitch{
		affinity: make(map[string]*routingEntry),
		rx:       make(chan masterFrame, 128),
	}

	for idx, pair := range sockets {
		reader := wire.NewFrameReader(pair.Read)
		writer := wire.NewFrameWriter(pair.Write)

		master, err := relay.Connect(reader)
		if err != nil {
			return nil, err
		}

		m, err := manifest.Parse(master.Manifest())
		if err != nil {
			return nil, &Error{Type: ErrorProtocol, Message: fmt.Sprintf("master %d: %v", idx, err)}
		}

		entry := &masterEntry{
			writer:  writer,
			master:  master,
			caps:    m.Capabilities(),
			limits:  master.Limits(),
			healthy: true,
		}
		sw.masters = append(sw.masters, entry)

		masterIdx := idx
		go sw.pumpMaster(masterIdx, reader)
	}

	sw.rebuildAggregate()
	return sw, nil
}

// pumpMaster runs in its own goroutine per master, feeding every frame
// (with RELAY_NOTIFY already intercepted by relay.Master) onto the
// switch's shared read channel. A mid-stream RELAY_NOTIFY re-pulls that
// master's manifest/limits into its masterEntry and recomputes the
// aggregate view, so a re-announce is reflected the same way the initial
// one was at construction.
func (sw *RelaySwitch) pumpMaster(idx int, reader *wire.FrameReader) {
	m := sw.masters[idx].master
	for {
		frame, notified, err := m.ReadFrame(reader)
		if err != nil {
			sw.rx <- masterFrame{masterIdx: idx, err: err}
			return
		}
		if notified {
			sw.refreshMaster(idx)
			continue
		}
		if frame == nil {
			sw.rx <- masterFrame{masterIdx: idx, err: nil, frame: nil}
			return
		}
		sw.rx <- masterFrame{masterIdx: idx, frame: frame}
	}
}

// refreshMaster re-reads master idx's current manifest/limits (already
// updated by relay.Master.ReadFrame) into its masterEntry and recomputes
// the aggregate capability set and negotiated limits. A manifest that
// fails to parse leaves the master's previous capability set in place
// rather than blinding the switch to it.
func (sw *RelaySwitch) refreshMaster(idx int) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	entry := sw.masters[idx]
	if !entry.healthy {
		return
	}
	m, err := manifest.Parse(entry.master.Manifest())
	if err != nil {
		return
	}
	entry.caps = m.Capabilities()
	entry.limits = entry.master.Limits()
	sw.rebuildAggregate()
}

// Capabilities returns a JSON document of form {"capabilities": [urn, …]}
// enumerating the current aggregate set across all healthy masters.
func (sw *RelaySwitch) Capabilities() []byte {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return manifest.EncodeAggregate(sw.aggregateCaps)
}

// Limits returns the currently negotiated minimum across healthy masters.
func (sw *RelaySwitch) Limits() wire.Limits {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.negotiatedLimits
}

// SendToMaster routes a frame originating from the local engine caller.
// REQ frames are routed by capability URN; CHUNK/END frames follow the
// affinity recorded by the originating REQ.
func (sw *RelaySwitch) SendToMaster(frame *wire.Frame) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	switch frame.FrameType {
	case wire.FrameTypeReq:
		destIdx, err := sw.findMasterForCapLocked(frame.Cap)
		if err != nil {
			return err
		}
		sw.affinity[frame.Id.ToString()] = &routingEntry{sourceIsEngine: true, sourceIdx: engineSourceMarker, destIdx: destIdx}
		return sw.masters[destIdx].writer.WriteFrame(frame)

	case wire.FrameTypeChunk, wire.FrameTypeEnd, wire.FrameTypeErr:
		entry, ok := sw.affinity[frame.Id.ToString()]
		if !ok {
			return &Error{Type: ErrorUnknownRequest, Message: frame.Id.ToString()}
		}
		if err := sw.masters[entry.destIdx].writer.WriteFrame(frame); err != nil {
			return err
		}
		if frame.IsTerminal() {
			delete(sw.affinity, frame.Id.ToString())
		}
		return nil

	default:
		return &Error{Type: ErrorProtocol, Message: fmt.Sprintf("frame type %v is not routable via sendToMaster", frame.FrameType)}
	}
}

// ReadFromMasters blocks until a frame is available from any master, or
// returns (nil, nil) once every master has closed. A
// master that errors or closes is marked unhealthy and excluded from
// future routing and aggregation; reading continues over the rest.
func (sw *RelaySwitch) ReadFromMasters() (*wire.Frame, error) {
	for {
		sw.mu.Lock()
		if sw.allUnhealthyLocked() {
			sw.mu.Unlock()
			return nil, nil
		}
		sw.mu.Unlock()

		mf := <-sw.rx

		sw.mu.Lock()
		if mf.frame == nil {
			sw.handleMasterDeathLocked(mf.masterIdx)
			sw.mu.Unlock()
			continue
		}

		result, err := sw.handleMasterFrameLocked(mf.masterIdx, mf.frame)
		sw.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// Internally routed (a peer-initiated request's response); keep reading.
	}
}

// handleMasterFrameLocked processes one frame read from a master. REQ
// frames arriving from a master are themselves routed by capability URN
// (a master may call into a sibling master through the switch); responses
// to such peer-initiated requests are relayed back to their source master
// instead of surfacing to the engine caller. Everything else surfaces
// upward, with a stray RELAY_STATE from a master dropped as a protocol
// violation — RELAY_STATE only flows engine-to-slave.
func (sw *RelaySwitch) handleMasterFrameLocked(sourceIdx int, frame *wire.Frame) (*wire.Frame, error) {
	switch frame.FrameType {
	case wire.FrameTypeRelayState:
		return nil, nil

	case wire.FrameTypeReq:
		destIdx, err := sw.findMasterForCapLocked(frame.Cap)
		if err != nil {
			return nil, err
		}
		sw.affinity[frame.Id.ToString()] = &routingEntry{sourceIsEngine: false, sourceIdx: sourceIdx, destIdx: destIdx}
		if err := sw.masters[destIdx].writer.WriteFrame(frame); err != nil {
			return nil, err
		}
		return nil, nil

	case wire.FrameTypeChunk, wire.FrameTypeEnd, wire.FrameTypeErr:
		entry, ok := sw.affinity[frame.Id.ToString()]
		if ok && !entry.sourceIsEngine {
			if frame.IsTerminal() {
				delete(sw.affinity, frame.Id.ToString())
			}
			if err := sw.masters[entry.sourceIdx].writer.WriteFrame(frame); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if frame.IsTerminal() {
			delete(sw.affinity, frame.Id.ToString())
		}
		return frame, nil

	default:
		return frame, nil
	}
}

// findMasterForCapLocked picks the first healthy master, in construction
// order, whose advertised capabilities include one that accepts the
// request URN.
func (sw *RelaySwitch) findMasterForCapLocked(capText string) (int, error) {
	request, err := urn.Parse(capText)
	if err != nil {
		return 0, &Error{Type: ErrorProtocol, Message: fmt.Sprintf("invalid cap URN %q: %v", capText, err)}
	}

	for idx, m := range sw.masters {
		if !m.healthy {
			continue
		}
		for _, pattern := range m.caps {
			if pattern.Accepts(request) {
				return idx, nil
			}
		}
	}
	return 0, &Error{Type: ErrorNoHandler, Message: capText}
}

// handleMasterDeathLocked marks a master unhealthy, evicts any affinity
// entries routed through it, and recomputes the aggregate view.
func (sw *RelaySwitch) handleMasterDeathLocked(idx int) {
	if !sw.masters[idx].healthy {
		return
	}
	sw.masters[idx].healthy = false

	for id, entry := range sw.affinity {
		if entry.destIdx == idx || (!entry.sourceIsEngine && entry.sourceIdx == idx) {
			delete(sw.affinity, id)
		}
	}

	sw.rebuildAggregate()
}

func (sw *RelaySwitch) allUnhealthyLocked() bool {
	for _, m := range sw.masters {
		if m.healthy {
			return false
		}
	}
	return true
}

// rebuildAggregate recomputes the aggregate capability set and negotiated
// limits from the currently healthy masters.
func (sw *RelaySwitch) rebuildAggregate() {
	seen := make(map[string]bool)
	var caps []urn.CapUrn
	limits := wire.Limits{}
	first := true

	for _, m := range sw.masters {
		if !m.healthy {
			continue
		}
		for _, c := range m.caps {
			key := c.CanonicalString()
			if seen[key] {
				continue
			}
			seen[key] = true
			caps = append(caps, c)
		}
		if first {
			limits = m.limits
			first = false
		} else {
			limits = wire.Merge(limits, m.limits)
		}
	}

	if first {
		limits = wire.DefaultLimits()
	}

	sw.aggregateCaps = caps
	sw.negotiatedLimits = limits
}
