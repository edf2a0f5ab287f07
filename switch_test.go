package relaycore

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrind/relaycore/wire"
)

// masterSide is the pair of net.Conn halves a mock master reads/writes on;
// the switch sees the opposite halves as one SocketPair.
type masterSide struct {
	r net.Conn
	w net.Conn
}

// socketPairAndMaster builds one SocketPair for the switch plus the
// masterSide the test's mock master goroutine drives.
func socketPairAndMaster() (SocketPair, masterSide) {
	engineRead, masterWrite := net.Pipe()
	masterRead, engineWrite := net.Pipe()
	return SocketPair{Read: engineRead, Write: engineWrite}, masterSide{r: masterRead, w: masterWrite}
}

// sendNotifyAsync writes the initial RELAY_NOTIFY on a goroutine: net.Pipe
// is unbuffered, so writing it synchronously before NewRelaySwitch starts
// reading would deadlock.
func sendNotifyAsync(t *testing.T, w *wire.FrameWriter, manifest []byte, limits wire.Limits) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.WriteFrame(wire.NewRelayNotify(manifest, limits))
	}()
	require.NoError(t, <-errCh)
}

func TestS1SingleMasterReqResponse(t *testing.T) {
	sockPair, masterConn := socketPairAndMaster()
	writer := wire.NewFrameWriter(masterConn.w)
	reader := wire.NewFrameReader(masterConn.r)
	sendNotifyAsync(t, writer, []byte(`{"capabilities":["cap:in=media:;out=media:"]}`), wire.DefaultLimits())

	go func() {
		frame, err := reader.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, wire.FrameTypeReq, frame.FrameType)
		_ = writer.WriteFrame(wire.NewEnd(frame.Id, []byte{42}))
	}()

	sw, err := NewRelaySwitch([]SocketPair{sockPair})
	require.NoError(t, err)

	req := wire.NewReq(wire.NewMessageIdFromUint(1), "cap:in=media:;out=media:", []byte{1, 2, 3}, "")
	require.NoError(t, sw.SendToMaster(req))

	got, err := sw.ReadFromMasters()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wire.FrameTypeEnd, got.FrameType)
	assert.True(t, got.Id.Equals(wire.NewMessageIdFromUint(1)))
	assert.Equal(t, []byte{42}, got.FinalPayload)
}

func TestS2MultiMasterRouting(t *testing.T) {
	sock0, conn0 := socketPairAndMaster()
	sock1, conn1 := socketPairAndMaster()

	w0 := wire.NewFrameWriter(conn0.w)
	r0 := wire.NewFrameReader(conn0.r)
	sendNotifyAsync(t, w0, []byte(`{"capabilities":["cap:in=media:;out=media:"]}`), wire.DefaultLimits())
	go func() {
		for {
			f, err := r0.ReadFrame()
			if err != nil || f == nil {
				return
			}
			_ = w0.WriteFrame(wire.NewEnd(f.Id, []byte{1}))
		}
	}()

	w1 := wire.NewFrameWriter(conn1.w)
	r1 := wire.NewFrameReader(conn1.r)
	sendNotifyAsync(t, w1, []byte(`{"capabilities":["cap:in=\"media:void\";op=double;out=\"media:void\""]}`), wire.DefaultLimits())
	go func() {
		for {
			f, err := r1.ReadFrame()
			if err != nil || f == nil {
				return
			}
			_ = w1.WriteFrame(wire.NewEnd(f.Id, []byte{2}))
		}
	}()

	sw, err := NewRelaySwitch([]SocketPair{sock0, sock1})
	require.NoError(t, err)

	require.NoError(t, sw.SendToMaster(wire.NewReq(wire.NewMessageIdFromUint(1), "cap:in=media:;out=media:", nil, "")))
	echoResp, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, echoResp.FinalPayload)

	require.NoError(t, sw.SendToMaster(wire.NewReq(wire.NewMessageIdFromUint(2), `cap:in="media:void";op=double;out="media:void"`, nil, "")))
	doubleResp, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, doubleResp.FinalPayload)
}

func TestS3UnknownCapRaisesNoHandler(t *testing.T) {
	sockPair, masterConn := socketPairAndMaster()
	w := wire.NewFrameWriter(masterConn.w)
	sendNotifyAsync(t, w, []byte(`{"capabilities":["cap:in=media:;out=media:"]}`), wire.DefaultLimits())

	sw, err := NewRelaySwitch([]SocketPair{sockPair})
	require.NoError(t, err)

	req := wire.NewReq(wire.NewMessageIdFromUint(1), `cap:in="media:void";op=unknown;out="media:void"`, nil, "")
	err = sw.SendToMaster(req)
	require.Error(t, err)
	var swErr *Error
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, ErrorNoHandler, swErr.Type)
}

func TestS4TieBreakConsistency(t *testing.T) {
	sock0, conn0 := socketPairAndMaster()
	sock1, conn1 := socketPairAndMaster()

	w0 := wire.NewFrameWriter(conn0.w)
	r0 := wire.NewFrameReader(conn0.r)
	sendNotifyAsync(t, w0, []byte(`{"capabilities":["cap:in=media:;out=media:"]}`), wire.DefaultLimits())
	go func() {
		for {
			f, err := r0.ReadFrame()
			if err != nil || f == nil {
				return
			}
			_ = w0.WriteFrame(wire.NewEnd(f.Id, []byte{1}))
		}
	}()

	w1 := wire.NewFrameWriter(conn1.w)
	r1 := wire.NewFrameReader(conn1.r)
	sendNotifyAsync(t, w1, []byte(`{"capabilities":["cap:in=media:;out=media:"]}`), wire.DefaultLimits())
	go func() {
		for {
			f, err := r1.ReadFrame()
			if err != nil || f == nil {
				return
			}
			_ = w1.WriteFrame(wire.NewEnd(f.Id, []byte{2}))
		}
	}()

	sw, err := NewRelaySwitch([]SocketPair{sock0, sock1})
	require.NoError(t, err)

	require.NoError(t, sw.SendToMaster(wire.NewReq(wire.NewMessageIdFromUint(1), "cap:in=media:;out=media:", nil, "")))
	resp1, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, resp1.FinalPayload)

	require.NoError(t, sw.SendToMaster(wire.NewReq(wire.NewMessageIdFromUint(2), "cap:in=media:;out=media:", nil, "")))
	resp2, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, resp2.FinalPayload)
}

func TestS5ContinuationRouting(t *testing.T) {
	sockPair, masterConn := socketPairAndMaster()
	w := wire.NewFrameWriter(masterConn.w)
	r := wire.NewFrameReader(masterConn.r)
	sendNotifyAsync(t, w, []byte(`{"capabilities":["cap:in=media:;out=media:"]}`), wire.DefaultLimits())

	var seen []wire.FrameType
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			f, err := r.ReadFrame()
			require.NoError(t, err)
			seen = append(seen, f.FrameType)
		}
		_ = w.WriteFrame(wire.NewEnd(wire.NewMessageIdFromUint(1), []byte{42}))
	}()

	sw, err := NewRelaySwitch([]SocketPair{sockPair})
	require.NoError(t, err)

	id := wire.NewMessageIdFromUint(1)
	require.NoError(t, sw.SendToMaster(wire.NewReq(id, "cap:in=media:;out=media:", nil, "")))
	payload := []byte{1, 2, 3}
	require.NoError(t, sw.SendToMaster(wire.NewChunk(id, "s", 0, 0, wire.ComputeChecksum(payload), payload)))
	require.NoError(t, sw.SendToMaster(wire.NewEnd(id, nil)))

	<-done
	assert.Equal(t, []wire.FrameType{wire.FrameTypeReq, wire.FrameTypeChunk, wire.FrameTypeEnd}, seen)

	resp, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, resp.FinalPayload)
}

func TestS6AggregationDedupAndLimitsMin(t *testing.T) {
	sock0, conn0 := socketPairAndMaster()
	sock1, conn1 := socketPairAndMaster()

	w0 := wire.NewFrameWriter(conn0.w)
	sendNotifyAsync(t, w0,
		[]byte(`{"capabilities":["cap:in=media:;out=media:","cap:in=\"media:void\";op=double;out=\"media:void\""]}`),
		wire.Limits{MaxFrame: 1_000_000, MaxChunk: 100_000, MaxReorderBuffer: 64},
	)

	w1 := wire.NewFrameWriter(conn1.w)
	sendNotifyAsync(t, w1,
		[]byte(`{"capabilities":["cap:in=media:;out=media:","cap:in=\"media:void\";op=triple;out=\"media:void\""]}`),
		wire.Limits{MaxFrame: 2_000_000, MaxChunk: 50_000, MaxReorderBuffer: 32},
	)

	sw, err := NewRelaySwitch([]SocketPair{sock0, sock1})
	require.NoError(t, err)

	var doc struct {
		Capabilities []string `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(sw.Capabilities(), &doc))
	assert.Len(t, doc.Capabilities, 3)

	limits := sw.Limits()
	assert.Equal(t, wire.Limits{MaxFrame: 1_000_000, MaxChunk: 50_000, MaxReorderBuffer: 32}, limits)
}

func TestS7UrnSpecificity(t *testing.T) {
	sockPair, masterConn := socketPairAndMaster()
	w := wire.NewFrameWriter(masterConn.w)
	sendNotifyAsync(t, w,
		[]byte(`{"capabilities":["cap:in=\"media:text;utf8\";op=process;out=\"media:text;utf8\""]}`),
		wire.DefaultLimits(),
	)
	r := wire.NewFrameReader(masterConn.r)
	go func() {
		f, err := r.ReadFrame()
		if err == nil && f != nil {
			_ = w.WriteFrame(wire.NewEnd(f.Id, []byte{1}))
		}
	}()

	sw, err := NewRelaySwitch([]SocketPair{sockPair})
	require.NoError(t, err)

	exact := wire.NewReq(wire.NewMessageIdFromUint(1), `cap:in="media:text;utf8";op=process;out="media:text;utf8"`, nil, "")
	require.NoError(t, sw.SendToMaster(exact))
	resp, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, resp.FinalPayload)

	tooSpecific := wire.NewReq(wire.NewMessageIdFromUint(2), `cap:in="media:text;utf8;normalized";op=process;out="media:text"`, nil, "")
	err = sw.SendToMaster(tooSpecific)
	require.Error(t, err)
	var swErr *Error
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, ErrorNoHandler, swErr.Type)
}

// A master may re-announce mid-stream, after construction. The aggregate
// capability set, the negotiated limits, and the routing table must all
// reflect the new advertisement without requiring any unrelated frame to
// arrive first.
func TestMidStreamRelayNotifyRefreshesAggregateLimitsAndRouting(t *testing.T) {
	sockPair, masterConn := socketPairAndMaster()
	w := wire.NewFrameWriter(masterConn.w)
	r := wire.NewFrameReader(masterConn.r)
	sendNotifyAsync(t, w,
		[]byte(`{"capabilities":["cap:in=media:;out=media:"]}`),
		wire.Limits{MaxFrame: 1_000_000, MaxChunk: 100_000, MaxReorderBuffer: 64},
	)

	sw, err := NewRelaySwitch([]SocketPair{sockPair})
	require.NoError(t, err)

	notYetAdvertised := wire.NewReq(wire.NewMessageIdFromUint(1), `cap:in="media:void";op=double;out="media:void"`, nil, "")
	err = sw.SendToMaster(notYetAdvertised)
	require.Error(t, err)
	var swErr *Error
	require.ErrorAs(t, err, &swErr)
	assert.Equal(t, ErrorNoHandler, swErr.Type)

	updatedLimits := wire.Limits{MaxFrame: 500_000, MaxChunk: 20_000, MaxReorderBuffer: 16}
	require.NoError(t, w.WriteFrame(wire.NewRelayNotify(
		[]byte(`{"capabilities":["cap:in=media:;out=media:","cap:in=\"media:void\";op=double;out=\"media:void\""]}`),
		updatedLimits,
	)))

	go func() {
		f, err := r.ReadFrame()
		if err == nil && f != nil {
			_ = w.WriteFrame(wire.NewEnd(f.Id, []byte{2}))
		}
	}()

	deadline := time.After(time.Second)
	for {
		var doc struct {
			Capabilities []string `json:"capabilities"`
		}
		require.NoError(t, json.Unmarshal(sw.Capabilities(), &doc))
		if len(doc.Capabilities) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for aggregate capabilities to reflect the mid-stream RELAY_NOTIFY")
		case <-time.After(time.Millisecond):
		}
	}
	assert.Equal(t, updatedLimits, sw.Limits())

	nowAdvertised := wire.NewReq(wire.NewMessageIdFromUint(2), `cap:in="media:void";op=double;out="media:void"`, nil, "")
	require.NoError(t, sw.SendToMaster(nowAdvertised))
	resp, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, resp.FinalPayload)
}
