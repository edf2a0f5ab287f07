package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filegrind/relaycore/wire"
)

func TestConnectRequiresRelayNotifyFirst(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		w := wire.NewFrameWriter(client)
		_ = w.WriteFrame(wire.NewReq(wire.NewMessageIdFromUint(1), "cap:in=media:;out=media:", nil, ""))
	}()

	r := wire.NewFrameReader(server)
	_, err := Connect(r)
	require.Error(t, err)
	var relayErr *Error
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, ErrorProtocol, relayErr.Type)
}

func TestConnectSucceedsOnRelayNotify(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	limits := wire.Limits{MaxFrame: 100, MaxChunk: 50, MaxReorderBuffer: 4}
	go func() {
		w := wire.NewFrameWriter(client)
		_ = w.WriteFrame(wire.NewRelayNotify([]byte(`{"capabilities":["cap:in=media:;out=media:"]}`), limits))
	}()

	r := wire.NewFrameReader(server)
	master, err := Connect(r)
	require.NoError(t, err)
	assert.Equal(t, limits, master.Limits())
	assert.Contains(t, string(master.Manifest()), "cap:in=media:;out=media:")
}

func TestMasterReadFrameInterceptsRelayNotifyAndUpdatesState(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	initialLimits := wire.Limits{MaxFrame: 100, MaxChunk: 50, MaxReorderBuffer: 4}
	updatedLimits := wire.Limits{MaxFrame: 200, MaxChunk: 100, MaxReorderBuffer: 8}

	go func() {
		w := wire.NewFrameWriter(client)
		_ = w.WriteFrame(wire.NewRelayNotify([]byte(`{"capabilities":[]}`), initialLimits))
		_ = w.WriteFrame(wire.NewRelayNotify([]byte(`{"capabilities":["cap:in=media:;out=media:"]}`), updatedLimits))
		_ = w.WriteFrame(wire.NewReq(wire.NewMessageIdFromUint(7), "cap:in=media:;out=media:", []byte("hi"), ""))
	}()

	r := wire.NewFrameReader(server)
	master, err := Connect(r)
	require.NoError(t, err)
	assert.Equal(t, initialLimits, master.Limits())

	// The second RELAY_NOTIFY is reported on its own, immediately, rather
	// than being swallowed while ReadFrame hunts for the next real frame.
	frame1, notified1, err := master.ReadFrame(r)
	require.NoError(t, err)
	assert.Nil(t, frame1)
	assert.True(t, notified1)
	assert.Equal(t, updatedLimits, master.Limits())
	assert.Contains(t, string(master.Manifest()), "cap:in=media:;out=media:")

	frame2, notified2, err := master.ReadFrame(r)
	require.NoError(t, err)
	require.NotNil(t, frame2)
	assert.Equal(t, wire.FrameTypeReq, frame2.FrameType)
	assert.False(t, notified2)
}

func TestSlaveRunForwardsNonRelayFramesAndInterceptsRelayState(t *testing.T) {
	socketClient, socketServer := net.Pipe()
	localClient, localServer := net.Pipe()
	defer socketClient.Close()
	defer socketServer.Close()
	defer localClient.Close()
	defer localServer.Close()

	slave := NewSlave(localServer, localServer)
	done := make(chan error, 1)
	go func() {
		done <- slave.Run(socketServer, socketServer, &InitialNotify{
			Manifest: []byte(`{"capabilities":["cap:in=media:;out=media:"]}`),
			Limits:   wire.DefaultLimits(),
		})
	}()

	socketReader := wire.NewFrameReader(socketClient)
	notify, err := socketReader.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, notify)
	assert.Equal(t, wire.FrameTypeRelayNotify, notify.FrameType)

	socketWriter := wire.NewFrameWriter(socketClient)
	require.NoError(t, socketWriter.WriteFrame(wire.NewRelayState([]byte("cpu=low"))))

	require.NoError(t, socketWriter.WriteFrame(wire.NewReq(wire.NewMessageIdFromUint(3), "cap:in=media:;out=media:", []byte("payload"), "")))

	localReader := wire.NewFrameReader(localClient)
	forwarded, err := localReader.ReadFrame()
	require.NoError(t, err)
	require.NotNil(t, forwarded)
	assert.Equal(t, wire.FrameTypeReq, forwarded.FrameType)

	deadline := time.After(time.Second)
	for slave.State() == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for relay state to be stored")
		case <-time.After(time.Millisecond):
		}
	}
	assert.Equal(t, []byte("cpu=low"), slave.State())

	socketClient.Close()
	localClient.Close()
	<-done
}
