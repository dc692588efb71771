package rapace

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rapace-dev/rapace-go/wire"
)

func TestServerStreamingRange(t *testing.T) {
	disp := NewDispatcher()
	rangeID, err := disp.Handle("Range", "range", func(ctx context.Context, in *InboundCall) ([]byte, error) {
		d := wire.NewDecoder(in.Payload)
		count := d.U32()
		streamID := d.Uvarint()
		if err := d.Finish(); err != nil {
			return nil, callErrf(KindInvalidPayload, "%v", err)
		}
		if err := ValidateStreamBinding(streamID); err != nil {
			return nil, err
		}
		out, err := in.Session().AcceptStream(streamID, Outgoing)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < count; i++ {
			var e wire.Encoder
			e.Uvarint(uint64(i))
			if err := out.Send(ctx, e.Bytes()); err != nil {
				return nil, err
			}
		}
		if err := out.Close(); err != nil {
			return nil, err
		}
		return nil, nil
	})
	require.NoError(t, err)

	client, _ := pipeSessions(t, nil, []Option{WithDispatcher(disp)})
	ctx := testCtx(t)

	st, err := client.DeclareIncomingStream()
	require.NoError(t, err)
	require.EqualValues(t, 2, st.ID(), "first acceptor-to-initiator stream id")

	var e wire.Encoder
	e.Uvarint(3) // count
	e.Uvarint(st.ID())
	_, err = client.Call(ctx, rangeID, e.Bytes(), nil)
	require.NoError(t, err)

	var got []uint64
	for {
		payload, err := st.Recv(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		d := wire.NewDecoder(payload)
		got = append(got, d.Uvarint())
		require.NoError(t, d.Finish())
	}
	require.Equal(t, []uint64{0, 1, 2}, got)
}

func TestClientStreamingWithCreditReplenishment(t *testing.T) {
	// The whole transfer is several times the initial window, so it only
	// completes if the receiver keeps granting credit as it consumes.
	disp := NewDispatcher()
	sinkID, err := disp.Handle("Sink", "consume", func(ctx context.Context, in *InboundCall) ([]byte, error) {
		d := wire.NewDecoder(in.Payload)
		streamID := d.Uvarint()
		if err := d.Finish(); err != nil {
			return nil, callErrf(KindInvalidPayload, "%v", err)
		}
		st, err := in.Session().AcceptStream(streamID, Incoming)
		if err != nil {
			return nil, err
		}
		var total uint64
		for {
			payload, err := st.Recv(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			total += uint64(len(payload))
		}
		var e wire.Encoder
		e.Uvarint(total)
		return e.Bytes(), nil
	})
	require.NoError(t, err)

	client, _ := pipeSessions(t,
		[]Option{WithInitialStreamCredit(8)},
		[]Option{WithInitialStreamCredit(8), WithDispatcher(disp)})
	ctx := testCtx(t)

	st, err := client.OpenStream()
	require.NoError(t, err)
	require.EqualValues(t, 1, st.ID(), "first initiator-to-acceptor stream id")

	var e wire.Encoder
	e.Uvarint(st.ID())
	replyCh := make(chan *Reply, 1)
	go func() {
		reply, err := client.Call(ctx, sinkID, e.Bytes(), nil)
		require.NoError(t, err)
		replyCh <- reply
	}()

	const chunks = 6
	for i := 0; i < chunks; i++ {
		require.NoError(t, st.Send(ctx, []byte{1, 2, 3, 4}))
	}
	require.NoError(t, st.Close())

	reply := <-replyCh
	d := wire.NewDecoder(reply.Payload)
	require.EqualValues(t, chunks*4, d.Uvarint())
}

func TestStreamIDZeroReserved(t *testing.T) {
	ctx := testCtx(t)
	_, b := openWithRawPeer(t, wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 1024})
	require.NoError(t, b.Send(ctx, wire.Data{StreamID: 0, Payload: []byte{1}}))
	expectGoodbye(t, b, RuleStreamIDZero)
}

func TestDataAfterCloseIsFatal(t *testing.T) {
	ctx := testCtx(t)
	_, b := openWithRawPeer(t, wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 1024})

	require.NoError(t, b.Send(ctx, wire.Data{StreamID: 2, Payload: []byte("x")}))
	require.NoError(t, b.Send(ctx, wire.Close{StreamID: 2}))
	require.NoError(t, b.Send(ctx, wire.Data{StreamID: 2, Payload: []byte("y")}))
	expectGoodbye(t, b, RuleDataAfterClose)
}

func TestCreditOverrunIsFatal(t *testing.T) {
	ctx := testCtx(t)
	_, b := openWithRawPeer(t,
		wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 4},
		WithInitialStreamCredit(4))

	require.NoError(t, b.Send(ctx, wire.Data{StreamID: 2, Payload: []byte("12345")}))
	expectGoodbye(t, b, RuleStreamCreditExceed)
}

func TestZeroInitialCreditParksSender(t *testing.T) {
	rawCtx := testCtx(t)
	s, b := openWithRawPeer(t,
		wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 0},
		WithInitialStreamCredit(0))

	st, err := s.OpenStream()
	require.NoError(t, err)

	// Empty Data consumes no credit and passes through immediately.
	require.NoError(t, st.Send(rawCtx, nil))
	m, err := b.Recv(rawCtx)
	require.NoError(t, err)
	require.Equal(t, wire.Data{StreamID: st.ID()}, m)

	// A real payload parks until credit arrives.
	shortCtx, cancel := context.WithTimeout(rawCtx, 100*time.Millisecond)
	defer cancel()
	err = st.Send(shortCtx, []byte("abc"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Send(rawCtx, wire.Credit{StreamID: st.ID(), Bytes: 16}))
	require.NoError(t, st.Send(rawCtx, []byte("abc")))
	m, err = b.Recv(rawCtx)
	require.NoError(t, err)
	require.Equal(t, wire.Data{StreamID: st.ID(), Payload: []byte("abc")}, m)
}

func TestPeerResetFailsSender(t *testing.T) {
	rawCtx := testCtx(t)
	s, b := openWithRawPeer(t, wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 1024})

	st, err := s.OpenStream()
	require.NoError(t, err)
	require.NoError(t, st.Send(rawCtx, []byte("x")))

	require.NoError(t, b.Send(rawCtx, wire.Reset{StreamID: st.ID()}))
	require.Eventually(t, func() bool {
		err := st.Send(rawCtx, []byte("y"))
		return IsCallError(err, KindStreamReset)
	}, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, s.Stats().StreamsReset)
}

func TestPeerResetDropsQueuedData(t *testing.T) {
	rawCtx := testCtx(t)
	s, b := openWithRawPeer(t, wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 1024})

	st, err := s.AcceptStream(2, Incoming)
	require.NoError(t, err)
	require.NoError(t, b.Send(rawCtx, wire.Data{StreamID: 2, Payload: []byte("queued")}))
	require.NoError(t, b.Send(rawCtx, wire.Reset{StreamID: 2}))
	require.Eventually(t, func() bool {
		shortCtx, cancel := context.WithTimeout(rawCtx, 20*time.Millisecond)
		defer cancel()
		_, err := st.Recv(shortCtx)
		return IsCallError(err, KindStreamReset)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalResetNotifiesPeer(t *testing.T) {
	rawCtx := testCtx(t)
	s, b := openWithRawPeer(t, wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 1024})

	st, err := s.OpenStream()
	require.NoError(t, err)
	require.NoError(t, st.Reset())

	m, err := b.Recv(rawCtx)
	require.NoError(t, err)
	require.Equal(t, wire.Reset{StreamID: st.ID()}, m)

	require.True(t, IsCallError(st.Send(rawCtx, []byte("x")), KindStreamReset))
}

func TestLateCreditAfterResetIgnored(t *testing.T) {
	rawCtx := testCtx(t)
	s, b := openWithRawPeer(t, wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 1024})

	st, err := s.OpenStream()
	require.NoError(t, err)
	require.NoError(t, st.Reset())

	// A Credit racing our Reset must be ignored, not fatal.
	require.NoError(t, b.Send(rawCtx, wire.Credit{StreamID: st.ID(), Bytes: 64}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Err())
}

func TestStreamIDsNeverReused(t *testing.T) {
	s, _ := openWithRawPeer(t, wire.Hello{MaxPayloadSize: 1024, InitialStreamCredit: 1024})

	seen := map[uint64]bool{}
	for i := 0; i < 8; i++ {
		st, err := s.OpenStream()
		require.NoError(t, err)
		require.False(t, seen[st.ID()])
		require.EqualValues(t, 1, st.ID()%2, "initiator streams are odd")
		seen[st.ID()] = true
		require.NoError(t, st.Reset())
	}
}
