package rapace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/rapace-dev/rapace-go/wire"
)

// Params are the negotiated connection parameters: the field-wise minimum
// of the two Hellos.
type Params struct {
	MaxPayloadSize      uint32
	InitialStreamCredit uint32
}

// Session owns one connection: the inbound demultiplexer, the outbound
// serializer, the live call and stream tables, and the terminal Goodbye.
//
// One reader goroutine and one writer goroutine run per session; handlers
// dispatched from inbound Requests run in their own goroutines.
type Session struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	mlabels []metrics.Label

	tr     Transport
	params Params

	calls   *callManager
	streams *streamManager

	counters sessionCounters

	writeCh    chan wire.Message
	outMu      sync.Mutex
	goodbyeQueued bool
	writerStop chan struct{}

	// Server-side dispatch.
	dispatchSem chan struct{}
	inflightMu  sync.Mutex
	inflight    map[uint64]context.CancelFunc
	lastPeerReq uint64

	// Peer schema registry cache, filled by SyncPeerRegistry.
	peerRegMu sync.RWMutex
	peerReg   map[uint64][32]byte

	done     chan struct{}
	termOnce sync.Once
	termErr  atomic.Pointer[ConnectionClosedError]
	wg       sync.WaitGroup
}

// Open performs the symmetric Hello exchange over tr and, on success,
// returns a running Session. Both sides send their Hello immediately; the
// first inbound message must be the peer's Hello or the connection dies
// with the matching rule identifier.
func Open(ctx context.Context, tr Transport, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	var logger *slog.Logger
	if cfg.logHandler == nil {
		logger = slog.Default()
	} else {
		logger = slog.New(cfg.logHandler)
	}
	msink := cfg.metricSink
	if msink == nil {
		msink = metrics.Default()
	}

	peerHello, err := exchangeHello(ctx, tr, cfg, logger, msink, cfg.metricLabels)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		msink:   msink,
		mlabels: cfg.metricLabels,
		tr:      tr,
		params: Params{
			MaxPayloadSize:      min(cfg.maxPayloadSize, peerHello.MaxPayloadSize),
			InitialStreamCredit: min(cfg.initialStreamCredit, peerHello.InitialStreamCredit),
		},
		calls:       newCallManager(cfg.acceptor),
		writeCh:     make(chan wire.Message, cfg.writeQueueDepth),
		writerStop:  make(chan struct{}),
		dispatchSem: make(chan struct{}, cfg.maxFramesInFlight),
		inflight:    make(map[uint64]context.CancelFunc),
		done:        make(chan struct{}),
	}
	s.streams = newStreamManager(s)

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func exchangeHello(ctx context.Context, tr Transport, cfg config, logger *slog.Logger, msink metrics.MetricSink, mlabels []metrics.Label) (wire.Hello, error) {
	hsCtx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout)
	defer cancel()

	sendRes := make(chan error, 1)
	go func() {
		sendRes <- tr.Send(hsCtx, wire.Hello{
			MaxPayloadSize:      cfg.maxPayloadSize,
			InitialStreamCredit: cfg.initialStreamCredit,
		})
	}()

	fail := func(rule string) (wire.Hello, error) {
		msink.IncrCounterWithLabels(MetricRapaceHandshakeFailuresCount, 1, mlabels)
		logger.Warn("handshake failed", LabelRule.L(rule))
		_ = tr.Send(hsCtx, wire.Goodbye{Reason: rule})
		_ = tr.Close()
		return wire.Hello{}, &ConnectionClosedError{Reason: rule}
	}

	first, err := tr.Recv(hsCtx)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownHelloVersion) {
			return fail(RuleHelloUnknownVersion)
		}
		var de *wire.DecodeError
		if errors.As(err, &de) {
			return fail(RuleDecodeError)
		}
		_ = tr.Close()
		if hsCtx.Err() != nil {
			return wire.Hello{}, ErrHandshakeTimeout
		}
		return wire.Hello{}, err
	}
	peerHello, ok := first.(wire.Hello)
	if !ok {
		return fail(RuleHelloOrdering)
	}
	if err := <-sendRes; err != nil {
		_ = tr.Close()
		return wire.Hello{}, err
	}
	return peerHello, nil
}

// Params returns the negotiated connection parameters.
func (s *Session) Params() Params { return s.params }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats { return s.counters.snapshot() }

// Done is closed once the session is terminal.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal connection error, or nil while the session is
// open.
func (s *Session) Err() error {
	if e := s.termErr.Load(); e != nil {
		return e
	}
	return nil
}

func (s *Session) terminalErr() error {
	if e := s.termErr.Load(); e != nil {
		return e
	}
	return ErrSessionClosed
}

// Close sends a graceful application Goodbye carrying reason and tears the
// session down.
func (s *Session) Close(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.enqueue(ctx, wire.Goodbye{Reason: reason})
	s.terminate(&ConnectionClosedError{Reason: reason}, err == nil)
	return nil
}

// enqueue serializes m onto the outbound queue. After a Goodbye has been
// queued nothing further is accepted.
func (s *Session) enqueue(ctx context.Context, m wire.Message) error {
	s.outMu.Lock()
	if s.goodbyeQueued {
		s.outMu.Unlock()
		if m.Kind() == wire.KindGoodbye {
			return ErrGoodbyeSent
		}
		return s.terminalErr()
	}
	if m.Kind() == wire.KindGoodbye {
		s.goodbyeQueued = true
	}
	s.outMu.Unlock()

	select {
	case s.writeCh <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.writerStop:
		return s.terminalErr()
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.writeCh:
			s.counters.messagesOut.Add(1)
			s.msink.IncrCounterWithLabels(MetricRapaceMessagesOutCount, 1, s.mlabels)
			err := s.tr.Send(context.Background(), m)
			if m.Kind() == wire.KindGoodbye {
				s.msink.IncrCounterWithLabels(MetricRapaceGoodbyeSentCount, 1, s.mlabels)
				_ = s.tr.Close()
				return
			}
			if err != nil {
				_ = s.tr.Close()
				s.terminate(&ConnectionClosedError{Reason: "transport.closed"}, false)
				return
			}
		case <-s.writerStop:
			_ = s.tr.Close()
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		m, err := s.tr.Recv(ctx)
		if err != nil {
			if errors.Is(err, wsFramingError{}) {
				s.connError(RuleWsFraming)
				return
			}
			var de *wire.DecodeError
			if errors.As(err, &de) {
				s.connError(RuleDecodeError)
				return
			}
			s.terminate(&ConnectionClosedError{Reason: "transport.closed"}, false)
			return
		}
		s.counters.messagesIn.Add(1)
		s.msink.IncrCounterWithLabels(MetricRapaceMessagesInCount, 1, s.mlabels)

		if !s.dispatch(m) {
			return
		}
	}
}

// dispatch routes one inbound message. It returns false once the session
// is terminal and the reader should stop.
func (s *Session) dispatch(m wire.Message) bool {
	switch v := m.(type) {
	case wire.Hello:
		s.connError(RuleHelloSingle)
		return false
	case wire.Goodbye:
		s.msink.IncrCounterWithLabels(MetricRapaceGoodbyeRecvCount, 1, s.mlabels)
		s.logger.Info("peer goodbye", LabelReason.L(v.Reason))
		s.terminate(&ConnectionClosedError{Reason: v.Reason}, false)
		return false
	case wire.Request:
		return s.handleRequest(v)
	case wire.Response:
		return s.handleResponse(v)
	case wire.Cancel:
		s.cancelInflight(v.RequestID)
		return true
	case wire.Data:
		if len(v.Payload) > int(s.params.MaxPayloadSize) {
			s.connError(RuleUnaryPayloadLimit)
			return false
		}
		return s.streamRule(s.streams.onData(v.StreamID, v.Payload))
	case wire.Close:
		return s.streamRule(s.streams.onClose(v.StreamID))
	case wire.Reset:
		return s.streamRule(s.streams.onReset(v.StreamID))
	case wire.Credit:
		return s.streamRule(s.streams.onCredit(v.StreamID, v.Bytes))
	default:
		s.connError(RuleDecodeError)
		return false
	}
}

func (s *Session) streamRule(rule string) bool {
	if rule == "" {
		return true
	}
	s.connError(rule)
	return false
}

func (s *Session) handleResponse(v wire.Response) bool {
	if len(v.Payload) > int(s.params.MaxPayloadSize) {
		s.connError(RuleUnaryPayloadLimit)
		return false
	}
	if !v.Metadata.Validate() {
		s.connError(RuleMetadataLimits)
		return false
	}
	switch s.calls.complete(v.RequestID, v.Metadata, v.Payload) {
	case completeAfterCancel:
		s.counters.responsesDropped.Add(1)
		s.msink.IncrCounterWithLabels(MetricRapaceResponsesDroppedCount, 1, s.mlabels)
	case completeUnknown:
		// Possibly a very late Response long after local cancel state was
		// collected; never a connection error.
		s.counters.staleResponses.Add(1)
		s.msink.IncrCounterWithLabels(MetricRapaceStaleResponseCount, 1, s.mlabels)
	}
	return true
}

func (s *Session) handleRequest(v wire.Request) bool {
	if len(v.Payload) > int(s.params.MaxPayloadSize) {
		s.connError(RuleUnaryPayloadLimit)
		return false
	}
	if !v.Metadata.Validate() {
		s.connError(RuleMetadataLimits)
		return false
	}
	// request_ids from one originator are strictly monotonic.
	if v.RequestID&^acceptorIDBit <= s.lastPeerReq {
		s.connError(RuleRequestIDOrder)
		return false
	}
	s.lastPeerReq = v.RequestID &^ acceptorIDBit

	if v.MethodID == wire.ControlMethodID {
		var digest []byte
		if s.cfg.registry != nil {
			digest = s.cfg.registry.Digest()
		} else {
			var e wire.Encoder
			e.Uvarint(0)
			digest = e.Bytes()
		}
		s.respond(v.RequestID, wire.EncodeOk(digest))
		return true
	}

	var handler Handler
	if s.cfg.dispatcher != nil {
		handler, _ = s.cfg.dispatcher.lookup(v.MethodID)
	}
	if handler == nil {
		s.counters.callsFailed.Add(1)
		s.msink.IncrCounterWithLabels(MetricRapaceDispatchRejectedCount, 1,
			append(s.mlabels, LabelReason.M("unknown_method")))
		s.respond(v.RequestID, wire.EncodeProtocolErr(wire.CodeUnknownMethod))
		return true
	}

	select {
	case s.dispatchSem <- struct{}{}:
	default:
		s.msink.IncrCounterWithLabels(MetricRapaceDispatchRejectedCount, 1,
			append(s.mlabels, LabelReason.M("resource_exhausted")))
		s.respond(v.RequestID, wire.EncodeProtocolErr(wire.CodeResourceExhausted))
		return true
	}

	hctx, cancel := context.WithCancel(context.Background())
	s.inflightMu.Lock()
	s.inflight[v.RequestID] = cancel
	s.inflightMu.Unlock()

	go s.runHandler(hctx, cancel, handler, v)
	return true
}

func (s *Session) runHandler(ctx context.Context, cancel context.CancelFunc, handler Handler, v wire.Request) {
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, v.RequestID)
		s.inflightMu.Unlock()
		cancel()
		<-s.dispatchSem
	}()

	result, err := handler(ctx, &InboundCall{
		MethodID: v.MethodID,
		Metadata: v.Metadata,
		Payload:  v.Payload,
		sess:     s,
	})

	var payload []byte
	switch {
	case err == nil:
		payload = wire.EncodeOk(result)
	case errors.Is(err, context.Canceled) || IsCallError(err, KindCancelled):
		payload = wire.EncodeProtocolErr(wire.CodeCancelled)
	case IsCallError(err, KindInvalidPayload):
		payload = wire.EncodeProtocolErr(wire.CodeInvalidPayload)
	case IsCallError(err, KindResourceExhausted):
		payload = wire.EncodeProtocolErr(wire.CodeResourceExhausted)
	default:
		s.logger.Warn("handler failed",
			LabelMethodID.L(v.MethodID), LabelRequestID.L(v.RequestID), LabelReason.L(err))
		payload = wire.EncodeProtocolErr(wire.CodeInvalidPayload)
	}
	if len(payload) > int(s.params.MaxPayloadSize) {
		s.logger.Warn("handler result exceeds negotiated max_payload_size",
			LabelMethodID.L(v.MethodID), LabelRequestID.L(v.RequestID))
		payload = wire.EncodeProtocolErr(wire.CodeResourceExhausted)
	}
	s.respond(v.RequestID, payload)
}

func (s *Session) respond(requestID uint64, payload []byte) {
	_ = s.enqueue(context.Background(), wire.Response{RequestID: requestID, Payload: payload})
}

// cancelInflight flips the cancellation token of a dispatched handler.
// Unknown or repeated request_ids are ignored; Cancel is idempotent.
func (s *Session) cancelInflight(requestID uint64) {
	s.inflightMu.Lock()
	cancel := s.inflight[requestID]
	delete(s.inflight, requestID)
	s.inflightMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// connError reports a protocol violation: exactly one Goodbye carrying the
// rule identifier, then teardown. The Goodbye enqueue is bounded so a
// wedged writer cannot pin the reader.
func (s *Session) connError(rule string) {
	s.logger.Warn("connection error", LabelRule.L(rule))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.enqueue(ctx, wire.Goodbye{Reason: rule})
	cancel()
	s.terminate(&ConnectionClosedError{Reason: rule}, err == nil)
}

// terminate makes the session terminal exactly once, failing every pending
// call and live stream. When goodbyeInFlight is set the writer flushes the
// queued Goodbye and closes the transport; otherwise the transport closes
// immediately.
func (s *Session) terminate(err *ConnectionClosedError, goodbyeInFlight bool) {
	s.termOnce.Do(func() {
		s.termErr.Store(err)
		s.calls.failAll(err)
		s.streams.failAll()
		s.inflightMu.Lock()
		for id, cancel := range s.inflight {
			delete(s.inflight, id)
			cancel()
		}
		s.inflightMu.Unlock()
		if !goodbyeInFlight {
			close(s.writerStop)
		}
		close(s.done)
	})
}
