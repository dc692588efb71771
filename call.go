package rapace

import (
	"context"
	"errors"
	"sync"

	"github.com/rapace-dev/rapace-go/wire"
)

// acceptorIDBit distinguishes request_ids originated by the acceptor side
// when both peers can initiate calls.
const acceptorIDBit = uint64(1) << 63

// Reply is the successful completion of a unary call.
type Reply struct {
	Metadata wire.Metadata
	// Payload is the POSTCARD-encoded return value from the Ok branch of
	// the Response envelope.
	Payload []byte
}

type callResult struct {
	md      wire.Metadata
	payload []byte
	err     error
}

type callSlot struct {
	done chan callResult // buffered 1
}

// callManager issues request_ids and matches Responses to pending calls.
// Completion handles are channels so no lock is held while a caller waits.
type callManager struct {
	mu        sync.Mutex
	next      uint64
	idBit     uint64
	pending   map[uint64]*callSlot
	cancelled map[uint64]struct{}
	failed    bool
	failErr   error
}

func newCallManager(acceptor bool) *callManager {
	cm := &callManager{
		next:      1,
		pending:   make(map[uint64]*callSlot),
		cancelled: make(map[uint64]struct{}),
	}
	if acceptor {
		cm.idBit = acceptorIDBit
	}
	return cm
}

// begin allocates the next request_id and registers a pending slot.
// IDs are strictly monotonic within the connection and never reused.
func (cm *callManager) begin() (uint64, *callSlot, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.failed {
		return 0, nil, cm.failErr
	}
	id := cm.idBit | cm.next
	cm.next++
	slot := &callSlot{done: make(chan callResult, 1)}
	cm.pending[id] = slot
	return id, slot, nil
}

// abandon moves a call from pending to cancelled so a late Response is
// recognized and dropped silently.
func (cm *callManager) abandon(id uint64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.pending[id]; ok {
		delete(cm.pending, id)
		cm.cancelled[id] = struct{}{}
	}
}

// complete resolves the pending call for id. It reports whether the
// Response matched a live call, a cancelled one, or nothing.
type completeOutcome uint8

const (
	completeMatched completeOutcome = iota
	completeAfterCancel
	completeUnknown
)

func (cm *callManager) complete(id uint64, md wire.Metadata, payload []byte) completeOutcome {
	cm.mu.Lock()
	slot, ok := cm.pending[id]
	if ok {
		delete(cm.pending, id)
	} else if _, wasCancelled := cm.cancelled[id]; wasCancelled {
		delete(cm.cancelled, id)
		cm.mu.Unlock()
		return completeAfterCancel
	}
	cm.mu.Unlock()
	if !ok {
		return completeUnknown
	}
	slot.done <- callResult{md: md, payload: payload}
	return completeMatched
}

// failAll resolves every pending call with err and refuses new ones.
func (cm *callManager) failAll(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.failed {
		return
	}
	cm.failed = true
	cm.failErr = err
	for id, slot := range cm.pending {
		delete(cm.pending, id)
		slot.done <- callResult{err: err}
	}
}

// Call performs a unary RPC: encode arguments upstream, pass the encoded
// tuple here. Deadlines and cancellation come from ctx; either issues at
// most one Cancel to the peer and the call resolves locally without
// waiting for it.
func (s *Session) Call(ctx context.Context, methodID uint64, payload []byte, md wire.Metadata) (*Reply, error) {
	if err := s.gateCall(methodID); err != nil {
		return nil, err
	}
	if len(payload) > int(s.params.MaxPayloadSize) {
		return nil, ErrPayloadTooLarge
	}
	if !md.Validate() {
		return nil, ErrMetadataLimits
	}

	id, slot, err := s.calls.begin()
	if err != nil {
		return nil, err
	}
	s.counters.callsStarted.Add(1)
	s.msink.IncrCounterWithLabels(MetricRapaceCallsStartedCount, 1, s.mlabels)

	req := wire.Request{RequestID: id, MethodID: methodID, Metadata: md, Payload: payload}
	if err := s.enqueue(ctx, req); err != nil {
		s.calls.abandon(id)
		return nil, err
	}

	select {
	case res := <-slot.done:
		if res.err != nil {
			s.counters.callsFailed.Add(1)
			return nil, res.err
		}
		return s.finishCall(res)
	case <-ctx.Done():
		s.calls.abandon(id)
		// Advisory cancel; a failure to enqueue just means the
		// connection is already going down.
		_ = s.enqueue(context.Background(), wire.Cancel{RequestID: id})
		s.counters.callsFailed.Add(1)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, callErr(KindDeadlineExceeded)
		}
		return nil, callErr(KindCancelled)
	case <-s.done:
		s.calls.abandon(id)
		s.counters.callsFailed.Add(1)
		return nil, s.terminalErr()
	}
}

func (s *Session) finishCall(res callResult) (*Reply, error) {
	value, code, err := wire.DecodeResult(res.payload)
	if err != nil {
		s.counters.callsFailed.Add(1)
		return nil, callErrf(KindInvalidPayload, "malformed response envelope: %v", err)
	}
	if code != nil {
		s.counters.callsFailed.Add(1)
		switch *code {
		case wire.CodeCancelled:
			return nil, callErr(KindCancelled)
		case wire.CodeUnknownMethod:
			return nil, callErr(KindUnknownMethod)
		case wire.CodeInvalidPayload:
			return nil, callErr(KindInvalidPayload)
		default:
			return nil, callErr(KindResourceExhausted)
		}
	}
	s.counters.callsCompleted.Add(1)
	s.msink.IncrCounterWithLabels(MetricRapaceCallsCompletedCount, 1, s.mlabels)
	return &Reply{Metadata: res.md, Payload: value}, nil
}

// gateCall rejects a call locally when the peer's registry is known and
// disagrees with ours about the method signature.
func (s *Session) gateCall(methodID uint64) error {
	if methodID == wire.ControlMethodID || s.cfg.registry == nil {
		return nil
	}
	s.peerRegMu.RLock()
	peer := s.peerReg
	s.peerRegMu.RUnlock()
	if peer == nil {
		return nil
	}
	local, ok := s.cfg.registry.Lookup(methodID)
	if !ok {
		return nil
	}
	remote, ok := peer[methodID]
	if !ok || remote != local {
		return callErrf(KindIncompatibleSchema, "method %#x signature differs from peer", methodID)
	}
	return nil
}

// SyncPeerRegistry fetches the peer's schema registry through the reserved
// introspection method and caches it for outbound call gating.
func (s *Session) SyncPeerRegistry(ctx context.Context) error {
	reply, err := s.Call(ctx, wire.ControlMethodID, nil, nil)
	if err != nil {
		return err
	}
	reg, err := DecodeDigest(reply.Payload)
	if err != nil {
		return err
	}
	s.peerRegMu.Lock()
	s.peerReg = reg
	s.peerRegMu.Unlock()
	return nil
}
