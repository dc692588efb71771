package shm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	rapace "github.com/rapace-dev/rapace-go"
	"github.com/rapace-dev/rapace-go/wire"
)

func testHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.seg")
	hub, err := CreateHub(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })
	return hub
}

func TestHubAttachDetach(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	hub := testHub(t, cfg)

	g, err := AttachGuest(hub.Path())
	require.NoError(t, err)
	require.EqualValues(t, 1, g.Slot())
	require.EqualValues(t, 1, g.Epoch())

	g2, err := AttachGuest(hub.Path())
	require.NoError(t, err)
	require.EqualValues(t, 2, g2.Slot())

	require.NoError(t, g.Close())
	require.NoError(t, g2.Close())
}

func TestHubFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGuests = 1
	hub := testHub(t, cfg)

	g, err := AttachGuest(hub.Path())
	require.NoError(t, err)
	defer g.Close()

	_, err = AttachGuest(hub.Path())
	require.ErrorIs(t, err, ErrHubFull)
}

func TestHubAccept(t *testing.T) {
	hub := testHub(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, err := AttachGuest(hub.Path())
	require.NoError(t, err)
	defer g.Close()

	slot, ep, err := hub.Accept(ctx)
	require.NoError(t, err)
	require.Equal(t, g.Slot(), slot)
	require.NotNil(t, ep)
}

func TestSessionsOverHub(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayloadSize = 4096
	cfg.SlotSize = 8192
	hub := testHub(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	guest, err := AttachGuest(hub.Path())
	require.NoError(t, err)
	defer guest.Close()

	echoID := wire.MethodID("Echo", "echo")
	disp := rapace.NewDispatcher()
	require.NoError(t, disp.HandleID(echoID, func(_ context.Context, in *rapace.InboundCall) ([]byte, error) {
		return in.Payload, nil
	}))

	guestSess, err := rapace.Open(ctx, guest.Transport(), rapace.WithDispatcher(disp))
	require.NoError(t, err)
	defer guestSess.Close("test done")

	hostEP, err := hub.Endpoint(guest.Slot())
	require.NoError(t, err)
	hostSess, err := rapace.Open(ctx, hostEP, rapace.AsAcceptor())
	require.NoError(t, err)
	defer hostSess.Close("test done")

	require.Equal(t, rapace.Params{MaxPayloadSize: 4096, InitialStreamCredit: 1024},
		hostSess.Params())

	// Small argument: inline descriptor path.
	var e wire.Encoder
	e.String("hello")
	reply, err := hostSess.Call(ctx, echoID, e.Bytes(), nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x68, 0x65, 0x6C, 0x6C, 0x6F}, reply.Payload)

	// Large argument: slot path.
	big := make([]byte, 2048)
	for i := range big {
		big[i] = byte(i)
	}
	reply, err = hostSess.Call(ctx, echoID, big, nil)
	require.NoError(t, err)
	require.Equal(t, big, reply.Payload)
}

func TestStreamingOverHub(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayloadSize = 4096
	cfg.SlotSize = 8192
	cfg.InitialCredit = 16
	hub := testHub(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	guest, err := AttachGuest(hub.Path())
	require.NoError(t, err)
	defer guest.Close()

	sinkID := wire.MethodID("Sink", "consume")
	disp := rapace.NewDispatcher()
	require.NoError(t, disp.HandleID(sinkID, func(hctx context.Context, in *rapace.InboundCall) ([]byte, error) {
		d := wire.NewDecoder(in.Payload)
		streamID := d.Uvarint()
		if err := d.Finish(); err != nil {
			return nil, err
		}
		st, err := in.Session().AcceptStream(streamID, rapace.Incoming)
		if err != nil {
			return nil, err
		}
		var total uint64
		for {
			payload, err := st.Recv(hctx)
			if err != nil {
				break
			}
			total += uint64(len(payload))
		}
		var e wire.Encoder
		e.Uvarint(total)
		return e.Bytes(), nil
	}))

	guestSess, err := rapace.Open(ctx, guest.Transport(), rapace.WithDispatcher(disp))
	require.NoError(t, err)
	defer guestSess.Close("test done")

	hostEP, err := hub.Endpoint(guest.Slot())
	require.NoError(t, err)
	hostSess, err := rapace.Open(ctx, hostEP, rapace.AsAcceptor())
	require.NoError(t, err)
	defer hostSess.Close("test done")

	st, err := hostSess.OpenStream()
	require.NoError(t, err)

	var e wire.Encoder
	e.Uvarint(st.ID())
	replyCh := make(chan []byte, 1)
	go func() {
		reply, err := hostSess.Call(ctx, sinkID, e.Bytes(), nil)
		require.NoError(t, err)
		replyCh <- reply.Payload
	}()

	// Send several windows' worth: the transfer only completes if credit
	// flows back through the stream table.
	const chunks = 12
	for i := 0; i < chunks; i++ {
		require.NoError(t, st.Send(ctx, []byte{1, 2, 3, 4}))
	}
	require.NoError(t, st.Close())

	d := wire.NewDecoder(<-replyCh)
	require.EqualValues(t, chunks*4, d.Uvarint())
}

func TestCrashRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	hub := testHub(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Forge a guest attach at epoch 7, with no heartbeat loop behind it.
	seg := hub.seg
	peer := seg.peerOff(1)
	seg.storeU32(peer+peerOffEpoch, 7)
	seg.storeU32(peer+peerOffState, PeerAttached)
	seg.storeU64(peer+peerOffHeartbeat, nowNanos())
	crashed := newEndpoint(seg, 1, false)

	// The guest sends one Request and then dies before any Response.
	require.NoError(t, crashed.Send(ctx, wire.Request{RequestID: 1, MethodID: 7, Payload: make([]byte, 100)}))

	hostEP, err := hub.Endpoint(1)
	require.NoError(t, err)
	hostSess, err := rapace.Open(ctx, hostEP, rapace.AsAcceptor())
	require.NoError(t, err)

	// A host-side call is in flight when the crash is detected.
	callErrCh := make(chan error, 1)
	go func() {
		_, err := hostSess.Call(ctx, 7, []byte("ping"), nil)
		callErrCh <- err
	}()

	// Stop the heartbeat cold.
	seg.storeU64(peer+peerOffHeartbeat, 1)

	select {
	case err := <-callErrCh:
		var cce *rapace.ConnectionClosedError
		require.ErrorAs(t, err, &cce)
		require.Equal(t, ReasonPeerDied, cce.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call not failed after guest crash")
	}

	// The slot is fully reclaimed: rings reset, slots invalidated, state
	// Empty.
	require.Eventually(t, func() bool {
		return seg.loadU32(peer+peerOffState) == PeerEmpty
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, seg.loadU32(peer+peerOffG2HHead))
	require.Zero(t, seg.loadU32(peer+peerOffG2HTail))
	require.Zero(t, seg.loadU32(peer+peerOffH2GHead))
	pool := newSlotPool(seg, 1)
	for slot := uint32(0); slot < pool.count; slot++ {
		require.Equal(t, uint32(SlotFree), seg.loadU32(pool.stateOff(slot)))
	}

	// A fresh guest attaches at the same slot with the next epoch.
	fresh, err := AttachGuest(hub.Path())
	require.NoError(t, err)
	defer fresh.Close()
	require.EqualValues(t, 1, fresh.Slot())
	require.EqualValues(t, 8, fresh.Epoch())
}
