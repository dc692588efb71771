package rapace

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rapace-dev/rapace-go/wire"
)

// Direction of a stream, relative to the local side.
type Direction uint8

const (
	// Outgoing: the local side sends Data.
	Outgoing Direction = iota
	// Incoming: the peer sends Data.
	Incoming
)

// Stream is one unidirectional, credit-governed element pipe. A Stream is
// either Outgoing (Send/Close/Reset are valid) or Incoming (Recv is
// valid). Send on an Incoming stream and Recv on an Outgoing one return
// ErrStreamClosed; Close and Reset do not check the direction.
type Stream struct {
	id   uint64
	dir  Direction
	sess *Session

	// Send side. grantedTotal accumulates peer Credits; sentTotal is
	// local. Remaining window is their wrapping difference as i32.
	sendMu       sync.Mutex
	grantedTotal uint32
	sentTotal    uint32
	creditCh     chan struct{} // cap 1; pulsed on credit or state change

	// Recv side.
	recvMu       sync.Mutex
	recvQueue    [][]byte
	recvNotify   chan struct{} // cap 1
	grantedPeer  uint32        // window we have extended to the peer
	receivedTot  uint32        // bytes accepted from the peer
	consumedTot  uint32        // bytes handed to the user
	lastGrantAt  uint32        // consumedTot at the previous grant
	localClosed  bool
	remoteClosed bool

	// reset is checked from both halves, so it lives outside the two
	// mutexes.
	reset atomic.Bool
}

// ID returns the stream's wire identifier.
func (st *Stream) ID() uint64 { return st.id }

// Direction returns whether the local side is the sender.
func (st *Stream) Direction() Direction { return st.dir }

func (st *Stream) pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Send transmits one element. It suspends while the peer-granted window is
// smaller than the payload, and while the session's write queue is full.
// An empty payload is legal and consumes no credit.
func (st *Stream) Send(ctx context.Context, payload []byte) error {
	if st.dir != Outgoing {
		return ErrStreamClosed
	}
	if len(payload) > int(st.sess.params.MaxPayloadSize) {
		return ErrPayloadTooLarge
	}
	need := uint32(len(payload))
	for {
		if st.reset.Load() {
			return callErr(KindStreamReset)
		}
		st.sendMu.Lock()
		if st.localClosed {
			st.sendMu.Unlock()
			return ErrStreamClosed
		}
		remaining := int32(st.grantedTotal - st.sentTotal)
		if remaining < 0 {
			st.sendMu.Unlock()
			return ErrCreditCorrupted
		}
		if uint32(remaining) >= need {
			st.sentTotal += need
			st.sendMu.Unlock()
			return st.sess.enqueue(ctx, wire.Data{StreamID: st.id, Payload: payload})
		}
		st.sendMu.Unlock()

		select {
		case <-st.creditCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-st.sess.done:
			return st.sess.terminalErr()
		}
	}
}

// Close half-closes the sending direction. Idempotent; no Data may be sent
// afterwards.
func (st *Stream) Close() error {
	if st.reset.Load() {
		return nil
	}
	st.sendMu.Lock()
	if st.localClosed {
		st.sendMu.Unlock()
		return nil
	}
	st.localClosed = true
	st.sendMu.Unlock()
	return st.sess.enqueue(context.Background(), wire.Close{StreamID: st.id})
}

// Reset abortively terminates the stream in both directions.
func (st *Stream) Reset() error {
	if !st.reset.CompareAndSwap(false, true) {
		return nil
	}
	st.recvMu.Lock()
	st.recvQueue = nil
	st.recvMu.Unlock()
	st.pulse(st.creditCh)
	st.pulse(st.recvNotify)

	st.sess.counters.streamsReset.Add(1)
	st.sess.streams.retire(st.id)
	return st.sess.enqueue(context.Background(), wire.Reset{StreamID: st.id})
}

// Recv returns the next element. io.EOF signals a graceful end of stream
// (peer Close after all queued Data is drained); a peer Reset surfaces as
// a CallError of kind StreamReset.
func (st *Stream) Recv(ctx context.Context) ([]byte, error) {
	if st.dir != Incoming {
		return nil, ErrStreamClosed
	}
	for {
		st.recvMu.Lock()
		if len(st.recvQueue) > 0 {
			payload := st.recvQueue[0]
			st.recvQueue = st.recvQueue[1:]
			st.consumedTot += uint32(len(payload))
			grant := st.pendingGrantLocked()
			st.recvMu.Unlock()
			if grant > 0 {
				st.sess.sendCredit(st.id, grant)
			}
			return payload, nil
		}
		if st.reset.Load() {
			st.recvMu.Unlock()
			return nil, callErr(KindStreamReset)
		}
		if st.remoteClosed {
			st.recvMu.Unlock()
			return nil, io.EOF
		}
		st.recvMu.Unlock()

		select {
		case <-st.recvNotify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-st.sess.done:
			return nil, st.sess.terminalErr()
		}
	}
}

// pendingGrantLocked computes the credit to extend after consumption. The
// receiver grants once consumed bytes since the last grant pass half the
// initial window, and never grants on a closed or reset stream.
func (st *Stream) pendingGrantLocked() uint32 {
	if st.remoteClosed || st.reset.Load() {
		return 0
	}
	threshold := st.sess.params.InitialStreamCredit / 2
	if threshold == 0 {
		threshold = 1
	}
	pending := st.consumedTot - st.lastGrantAt
	if pending < threshold {
		return 0
	}
	st.lastGrantAt = st.consumedTot
	st.grantedPeer += pending
	return pending
}

// streamManager owns the live stream table, the id allocators, and the
// inbound Data/Close/Reset/Credit state machines.
type streamManager struct {
	sess *Session

	mu      sync.Mutex
	live    map[uint64]*Stream
	used    map[uint64]bool // every id ever seen; true if it ended in Reset
	nextOdd uint64
	nextEven uint64
	failed  bool
}

func newStreamManager(s *Session) *streamManager {
	return &streamManager{
		sess:     s,
		live:     make(map[uint64]*Stream),
		used:     make(map[uint64]bool),
		nextOdd:  1,
		nextEven: 2,
	}
}

func (sm *streamManager) newStream(id uint64, dir Direction) *Stream {
	st := &Stream{
		id:           id,
		dir:          dir,
		sess:         sm.sess,
		creditCh:     make(chan struct{}, 1),
		recvNotify:   make(chan struct{}, 1),
		grantedTotal: sm.sess.params.InitialStreamCredit,
		grantedPeer:  sm.sess.params.InitialStreamCredit,
	}
	return st
}

// alloc draws the next id from the parity space of the stream's sender:
// the connection initiator sends on odd ids, the acceptor on even ones.
// The declaring side allocates from the sender's space, so a client
// declaring a server-to-client stream draws an even id.
func (sm *streamManager) alloc(senderIsInitiator bool) uint64 {
	if senderIsInitiator {
		id := sm.nextOdd
		sm.nextOdd += 2
		return id
	}
	id := sm.nextEven
	sm.nextEven += 2
	return id
}

// OpenStream allocates an Outgoing stream: the local side sends, the peer
// receives.
func (s *Session) OpenStream() (*Stream, error) {
	return s.streams.open(Outgoing)
}

// DeclareIncomingStream allocates an Incoming stream on the peer's behalf,
// for listing in a Request that declares peer-to-local stream slots.
func (s *Session) DeclareIncomingStream() (*Stream, error) {
	return s.streams.open(Incoming)
}

func (sm *streamManager) open(dir Direction) (*Stream, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.failed {
		return nil, sm.sess.terminalErr()
	}
	senderIsInitiator := !sm.sess.cfg.acceptor
	if dir == Incoming {
		senderIsInitiator = !senderIsInitiator
	}
	id := sm.alloc(senderIsInitiator)
	for {
		_, seen := sm.used[id]
		if !seen && sm.live[id] == nil {
			break
		}
		id = sm.alloc(senderIsInitiator)
	}
	st := sm.newStream(id, dir)
	sm.live[id] = st
	sm.used[id] = false
	sm.sess.counters.streamsOpened.Add(1)
	sm.sess.msink.IncrCounterWithLabels(MetricRapaceStreamsOpenedCount, 1, sm.sess.mlabels)
	return st, nil
}

// AcceptStream binds a stream id declared by the peer (listed in a Request
// or Response payload) to a local handle. dir is the local perspective:
// Incoming when the peer will send.
func (s *Session) AcceptStream(id uint64, dir Direction) (*Stream, error) {
	if id == 0 {
		return nil, ErrStreamIDZero
	}
	sm := s.streams
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if st := sm.live[id]; st != nil {
		return st, nil
	}
	if _, seen := sm.used[id]; seen {
		return nil, callErrf(KindRequiredStreamMissing, "stream %d already ended", id)
	}
	st := sm.newStream(id, dir)
	sm.live[id] = st
	sm.used[id] = false
	return st, nil
}

// retire removes a stream from the live table, recording whether it ended
// by Reset. Ids are never reused.
func (sm *streamManager) retire(id uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if st := sm.live[id]; st != nil {
		delete(sm.live, id)
		sm.used[id] = st.reset.Load()
	}
}

// inbound handlers, called from the session reader. A non-empty return is
// the rule identifier of a connection error.

func (sm *streamManager) onData(id uint64, payload []byte) string {
	if id == 0 {
		return RuleStreamIDZero
	}
	sm.mu.Lock()
	st := sm.live[id]
	if st == nil {
		if wasReset, seen := sm.used[id]; seen {
			sm.mu.Unlock()
			if wasReset {
				// Late Data racing our Reset is dropped silently.
				sm.sess.dropFrameAfterCancel()
				return ""
			}
			return RuleDataAfterClose
		}
		// First Data opens the stream: Idle -> Open.
		st = sm.newStream(id, Incoming)
		sm.live[id] = st
		sm.used[id] = false
	}
	sm.mu.Unlock()

	if st.reset.Load() {
		sm.sess.dropFrameAfterCancel()
		return ""
	}
	st.recvMu.Lock()
	if st.remoteClosed {
		st.recvMu.Unlock()
		return RuleDataAfterClose
	}
	newTotal := st.receivedTot + uint32(len(payload))
	if window := int32(st.grantedPeer - newTotal); window < 0 {
		st.recvMu.Unlock()
		return RuleStreamCreditExceed
	}
	st.receivedTot = newTotal
	st.recvQueue = append(st.recvQueue, payload)
	st.recvMu.Unlock()
	st.pulse(st.recvNotify)
	return ""
}

func (sm *streamManager) onClose(id uint64) string {
	if id == 0 {
		return RuleStreamIDZero
	}
	sm.mu.Lock()
	st := sm.live[id]
	if st == nil {
		if _, seen := sm.used[id]; seen {
			sm.mu.Unlock()
			return ""
		}
		// Close may arrive before any Data on an empty stream.
		st = sm.newStream(id, Incoming)
		sm.live[id] = st
		sm.used[id] = false
	}
	sm.mu.Unlock()

	st.recvMu.Lock()
	st.remoteClosed = true
	st.recvMu.Unlock()
	st.sendMu.Lock()
	fullyClosed := st.localClosed || st.dir == Incoming
	st.sendMu.Unlock()
	st.pulse(st.recvNotify)
	if fullyClosed {
		sm.retire(id)
	}
	return ""
}

func (sm *streamManager) onReset(id uint64) string {
	if id == 0 {
		return RuleStreamIDZero
	}
	sm.mu.Lock()
	st := sm.live[id]
	sm.mu.Unlock()
	if st == nil {
		return ""
	}
	if !st.reset.CompareAndSwap(false, true) {
		return ""
	}
	st.recvMu.Lock()
	st.recvQueue = nil
	st.recvMu.Unlock()
	st.pulse(st.creditCh)
	st.pulse(st.recvNotify)
	sm.sess.counters.streamsReset.Add(1)
	sm.retire(id)
	return ""
}

func (sm *streamManager) onCredit(id uint64, bytes uint32) string {
	if id == 0 {
		return RuleStreamIDZero
	}
	sm.mu.Lock()
	st := sm.live[id]
	sm.mu.Unlock()
	if st == nil {
		// Credit racing Close or Reset is ignored.
		return ""
	}
	if st.reset.Load() {
		return ""
	}
	st.sendMu.Lock()
	if st.grantedTotal > math.MaxUint32-bytes {
		st.grantedTotal = math.MaxUint32
	} else {
		st.grantedTotal += bytes
	}
	st.sendMu.Unlock()
	st.pulse(st.creditCh)
	sm.sess.msink.IncrCounterWithLabels(MetricRapaceCreditGrantedBytes, float32(bytes), sm.sess.mlabels)
	return ""
}

// failAll resolves every live stream with a terminal session error.
func (sm *streamManager) failAll() {
	sm.mu.Lock()
	streams := make([]*Stream, 0, len(sm.live))
	for _, st := range sm.live {
		streams = append(streams, st)
	}
	sm.failed = true
	sm.mu.Unlock()
	for _, st := range streams {
		st.pulse(st.creditCh)
		st.pulse(st.recvNotify)
	}
}

func (s *Session) sendCredit(id uint64, bytes uint32) {
	_ = s.enqueue(context.Background(), wire.Credit{StreamID: id, Bytes: bytes})
}

func (s *Session) dropFrameAfterCancel() {
	s.counters.framesDropped.Add(1)
	s.msink.IncrCounterWithLabels(MetricRapaceFramesDroppedCount, 1, s.mlabels)
}

// ValidateStreamBinding checks that each declared stream slot carries a
// nonzero id, surfacing RequiredStreamMissing otherwise.
func ValidateStreamBinding(ids ...uint64) error {
	for i, id := range ids {
		if id == 0 {
			return callErrf(KindRequiredStreamMissing, "stream slot %d was never opened", i)
		}
	}
	return nil
}
