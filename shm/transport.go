package shm

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rapace-dev/rapace-go/wire"
)

// ReasonPeerDied is the synthetic Goodbye reason surfaced on the host
// endpoint when the host declares a guest crashed.
const ReasonPeerDied = "peer.died"

// ReasonHostShutdown is surfaced to guests when the host closes the hub.
const ReasonHostShutdown = "host.shutdown"

// parkSlice bounds one futex wait so context cancellation and peer-death
// checks stay responsive.
const parkSlice = 2 * time.Millisecond

// Endpoint is one side of a (host, guest) pair, implementing the
// rapace Transport contract over the pair's rings, pools and stream
// table.
//
// Hello never crosses the segment: the handshake parameters are fixed in
// the header, so each endpoint synthesizes the peer's Hello locally and
// swallows its own. Credit likewise stays out of the rings; it is written
// to the stream table and recovered as synthetic Credit messages by the
// sender's receive loop.
type Endpoint struct {
	seg   *segment
	guest uint32
	host  bool

	prod ring
	cons ring

	sendPool *slotPool
	recvPool *slotPool

	sendMu sync.Mutex

	helloDelivered bool

	// creditView caches the last observed granted_total per stream-table
	// index so growth can be turned into Credit deltas.
	creditView []uint32

	staleDrops atomic.Uint64

	deadMu     sync.Mutex
	deadReason string
	closed     chan struct{}
	closeOnce  sync.Once
}

func newEndpoint(seg *segment, guest uint32, host bool) *Endpoint {
	peer := seg.peerOff(guest)
	g2h := ring{
		seg:     seg,
		base:    seg.ringOff(guest, false),
		headOff: peer + peerOffG2HHead,
		tailOff: peer + peerOffG2HTail,
		size:    seg.lay.cfg.RingSize,
	}
	h2g := ring{
		seg:     seg,
		base:    seg.ringOff(guest, true),
		headOff: peer + peerOffH2GHead,
		tailOff: peer + peerOffH2GTail,
		size:    seg.lay.cfg.RingSize,
	}
	hostPool := newSlotPool(seg, 0)
	guestPool := newSlotPool(seg, guest)
	ep := &Endpoint{
		seg:        seg,
		guest:      guest,
		host:       host,
		creditView: make([]uint32, seg.lay.cfg.MaxStreams),
		closed:     make(chan struct{}),
	}
	if host {
		ep.prod, ep.cons = h2g, g2h
		ep.sendPool, ep.recvPool = hostPool, guestPool
	} else {
		ep.prod, ep.cons = g2h, h2g
		ep.sendPool, ep.recvPool = guestPool, hostPool
	}
	return ep
}

// StaleDescriptorDrops counts descriptors discarded because their slot
// generation no longer matched.
func (ep *Endpoint) StaleDescriptorDrops() uint64 { return ep.staleDrops.Load() }

func (ep *Endpoint) kill(reason string) {
	ep.deadMu.Lock()
	if ep.deadReason == "" {
		ep.deadReason = reason
	}
	ep.deadMu.Unlock()
	futexWake(ep.cons.headAddr(), math.MaxInt32)
}

func (ep *Endpoint) deathReason() string {
	ep.deadMu.Lock()
	defer ep.deadMu.Unlock()
	return ep.deadReason
}

func (ep *Endpoint) Send(ctx context.Context, m wire.Message) error {
	select {
	case <-ep.closed:
		return ErrClosed
	default:
	}

	switch v := m.(type) {
	case wire.Hello:
		// Synthetic: parameters are fixed in the segment header.
		return nil
	case wire.Credit:
		return ep.sendCredit(v)
	case wire.Goodbye:
		return ep.sendDesc(ctx, &Descriptor{MsgType: descGoodbye}, []byte(v.Reason))
	case wire.Request:
		id, flags, err := splitRequestID(v.RequestID)
		if err != nil {
			return err
		}
		return ep.sendDesc(ctx, &Descriptor{MsgType: descRequest, Flags: flags, ID: id, MethodID: v.MethodID},
			encodeCallBody(v.Metadata, v.Payload))
	case wire.Response:
		id, flags, err := splitRequestID(v.RequestID)
		if err != nil {
			return err
		}
		return ep.sendDesc(ctx, &Descriptor{MsgType: descResponse, Flags: flags, ID: id},
			encodeCallBody(v.Metadata, v.Payload))
	case wire.Cancel:
		id, flags, err := splitRequestID(v.RequestID)
		if err != nil {
			return err
		}
		return ep.sendDesc(ctx, &Descriptor{MsgType: descCancel, Flags: flags, ID: id}, nil)
	case wire.Data:
		id, err := narrowID(v.StreamID)
		if err != nil {
			return err
		}
		return ep.sendDesc(ctx, &Descriptor{MsgType: descData, ID: id}, v.Payload)
	case wire.Close:
		id, err := narrowID(v.StreamID)
		if err != nil {
			return err
		}
		ep.setStreamState(id, StreamClosed)
		return ep.sendDesc(ctx, &Descriptor{MsgType: descClose, ID: id}, nil)
	case wire.Reset:
		id, err := narrowID(v.StreamID)
		if err != nil {
			return err
		}
		ep.setStreamState(id, StreamReset)
		return ep.sendDesc(ctx, &Descriptor{MsgType: descReset, ID: id}, nil)
	default:
		return ErrUnsupported
	}
}

func narrowID(id uint64) (uint32, error) {
	if id > math.MaxUint32 {
		return 0, ErrIDRange
	}
	return uint32(id), nil
}

// flagAcceptorID marks a request_id originated by the connection acceptor.
// The abstract id carries it as bit 63, which does not fit the 32-bit
// descriptor field; the flags byte carries it across the ring instead.
const flagAcceptorID = 0x01

func splitRequestID(id uint64) (uint32, uint8, error) {
	var flags uint8
	if id&(1<<63) != 0 {
		flags = flagAcceptorID
		id &^= 1 << 63
	}
	if id > math.MaxUint32 {
		return 0, 0, ErrIDRange
	}
	return uint32(id), flags, nil
}

func joinRequestID(id uint32, flags uint8) uint64 {
	out := uint64(id)
	if flags&flagAcceptorID != 0 {
		out |= 1 << 63
	}
	return out
}

// encodeCallBody packs metadata and payload into one slot body; the
// descriptor has no metadata field of its own.
func encodeCallBody(md wire.Metadata, payload []byte) []byte {
	var e wire.Encoder
	e.Metadata(md)
	e.AppendBytes(payload)
	return e.Bytes()
}

func decodeCallBody(body []byte) (wire.Metadata, []byte, error) {
	d := wire.NewDecoder(body)
	md := d.Metadata()
	payload := d.Bytes()
	if err := d.Finish(); err != nil {
		return nil, nil, err
	}
	if len(payload) == 0 {
		return md, nil, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return md, out, nil
}

// sendCredit publishes the cumulative grant into the stream table and
// rings the peer's doorbell. Credit never consumes a ring slot.
func (ep *Endpoint) sendCredit(v wire.Credit) error {
	id, err := narrowID(v.StreamID)
	if err != nil {
		return err
	}
	if id == 0 {
		return ErrIDRange
	}
	off := ep.seg.streamEntryOff(ep.guest, id)
	ep.seg.storeU32(off+8, id)
	if ep.seg.loadU32(off) == StreamFree {
		ep.seg.storeU32(off, StreamOpen)
	}
	granted := ep.seg.loadU32(off + 4)
	if granted > math.MaxUint32-v.Bytes {
		granted = math.MaxUint32
	} else {
		granted += v.Bytes
	}
	// Release so the Data consumption that freed this window is visible
	// before the counter. Recording the value locally keeps scanCredit
	// from echoing our own grant back to us.
	ep.seg.storeU32(off+4, granted)
	ep.creditView[id%ep.seg.lay.cfg.MaxStreams] = granted
	futexWake(ep.seg.u32(off+4), math.MaxInt32)
	// The parked sender may be waiting on its inbound ring, not on the
	// counter; ring its doorbell too.
	futexWake(ep.prod.headAddr(), math.MaxInt32)
	return nil
}

func (ep *Endpoint) setStreamState(id uint32, state uint32) {
	off := ep.seg.streamEntryOff(ep.guest, id)
	ep.seg.storeU32(off+8, id)
	ep.seg.storeU32(off, state)
}

func (ep *Endpoint) sendDesc(ctx context.Context, d *Descriptor, payload []byte) error {
	if len(payload) > InlineMax {
		if uint32(len(payload)) > ep.seg.lay.cfg.SlotSize {
			return ErrPayloadSize
		}
		slot, gen, err := ep.allocSlot(ctx)
		if err != nil {
			return err
		}
		dst, _ := ep.sendPool.data(slot, 0, uint32(len(payload)))
		copy(dst, payload)
		d.PayloadSlot = slot
		d.PayloadGen = gen
		d.PayloadOff = 0
		d.PayloadLen = uint32(len(payload))
		ep.sendPool.publish(slot)
	} else {
		d.PayloadSlot = noSlot
		d.PayloadLen = uint32(len(payload))
		copy(d.Inline[:], payload)
	}

	ep.sendMu.Lock()
	defer ep.sendMu.Unlock()
	for {
		if ep.prod.tryPush(d) {
			futexWake(ep.prod.headAddr(), math.MaxInt32)
			return nil
		}
		if err := ep.waitSend(ctx); err != nil {
			return err
		}
	}
}

func (ep *Endpoint) allocSlot(ctx context.Context) (uint32, uint32, error) {
	for {
		if slot, gen, ok := ep.sendPool.alloc(); ok {
			return slot, gen, nil
		}
		if err := ep.waitSend(ctx); err != nil {
			return 0, 0, err
		}
	}
}

// waitSend parks briefly waiting for the consumer to advance the tail or
// free a slot.
func (ep *Endpoint) waitSend(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ep.closed:
		return ErrClosed
	default:
	}
	tailAddr := ep.seg.u32(ep.prod.tailOff)
	futexWait(tailAddr, atomic.LoadUint32(tailAddr), parkSlice)
	return nil
}

func (ep *Endpoint) Recv(ctx context.Context) (wire.Message, error) {
	if !ep.helloDelivered {
		ep.helloDelivered = true
		return wire.Hello{
			MaxPayloadSize:      ep.seg.lay.cfg.MaxPayloadSize,
			InitialStreamCredit: ep.seg.lay.cfg.InitialCredit,
		}, nil
	}

	var d Descriptor
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ep.closed:
			return nil, ErrClosed
		default:
		}

		if ep.cons.tryPop(&d) {
			m, ok := ep.decodeDesc(&d)
			futexWake(ep.seg.u32(ep.cons.tailOff), math.MaxInt32)
			if !ok {
				continue
			}
			return m, nil
		}

		if m := ep.scanCredit(); m != nil {
			return m, nil
		}

		if reason := ep.deathReason(); reason != "" {
			return wire.Goodbye{Reason: reason}, nil
		}
		if !ep.host && ep.seg.loadU32(offHostGoodbye) != 0 {
			return wire.Goodbye{Reason: ReasonHostShutdown}, nil
		}

		head := ep.cons.headAddr()
		futexWait(head, atomic.LoadUint32(head), parkSlice)
	}
}

// decodeDesc converts one descriptor back into a Message, resolving and
// freeing its payload slot. A failed generation or bounds check drops the
// descriptor and bumps a counter; the producer may be crashed, so it is
// never a connection error.
func (ep *Endpoint) decodeDesc(d *Descriptor) (wire.Message, bool) {
	var payload []byte
	if d.PayloadSlot == noSlot {
		if d.PayloadLen > InlineMax {
			ep.staleDrops.Add(1)
			return nil, false
		}
		if d.PayloadLen > 0 {
			payload = make([]byte, d.PayloadLen)
			copy(payload, d.Inline[:d.PayloadLen])
		}
	} else {
		src, ok := ep.recvPool.data(d.PayloadSlot, d.PayloadOff, d.PayloadLen)
		if !ok || ep.recvPool.generation(d.PayloadSlot) != d.PayloadGen {
			ep.staleDrops.Add(1)
			return nil, false
		}
		payload = make([]byte, d.PayloadLen)
		copy(payload, src)
		ep.recvPool.free(d.PayloadSlot)
	}

	switch d.MsgType {
	case descRequest:
		md, body, err := decodeCallBody(payload)
		if err != nil {
			ep.staleDrops.Add(1)
			return nil, false
		}
		return wire.Request{RequestID: joinRequestID(d.ID, d.Flags), MethodID: d.MethodID, Metadata: md, Payload: body}, true
	case descResponse:
		md, body, err := decodeCallBody(payload)
		if err != nil {
			ep.staleDrops.Add(1)
			return nil, false
		}
		return wire.Response{RequestID: joinRequestID(d.ID, d.Flags), Metadata: md, Payload: body}, true
	case descCancel:
		return wire.Cancel{RequestID: joinRequestID(d.ID, d.Flags)}, true
	case descData:
		return wire.Data{StreamID: uint64(d.ID), Payload: payload}, true
	case descClose:
		return wire.Close{StreamID: uint64(d.ID)}, true
	case descReset:
		return wire.Reset{StreamID: uint64(d.ID)}, true
	case descGoodbye:
		return wire.Goodbye{Reason: string(payload)}, true
	default:
		ep.staleDrops.Add(1)
		return nil, false
	}
}

// scanCredit surfaces growth of the peer-published credit counters as
// synthetic Credit messages, preserving the uniform session credit
// accounting over a transport where Credit is not a message.
func (ep *Endpoint) scanCredit() wire.Message {
	for idx := uint32(0); idx < ep.seg.lay.cfg.MaxStreams; idx++ {
		off := ep.seg.streamEntryOff(ep.guest, idx)
		granted := ep.seg.loadU32(off + 4)
		if granted == ep.creditView[idx] {
			continue
		}
		delta := granted - ep.creditView[idx]
		ep.creditView[idx] = granted
		id := ep.seg.loadU32(off + 8)
		if id == 0 {
			continue
		}
		return wire.Credit{StreamID: uint64(id), Bytes: delta}
	}
	return nil
}

func (ep *Endpoint) Close() error {
	ep.closeOnce.Do(func() {
		close(ep.closed)
		if !ep.host {
			peer := ep.seg.peerOff(ep.guest)
			ep.seg.storeU32(peer+peerOffState, PeerGoodbye)
		}
		futexWake(ep.cons.headAddr(), math.MaxInt32)
		futexWake(ep.prod.headAddr(), math.MaxInt32)
	})
	return nil
}
