package shm

import "encoding/binary"

// Descriptor is the in-memory form of one 64-byte ring record. The ring
// stores it little-endian; the inline payload area is byte-aligned and
// decoders must not assume more.
type Descriptor struct {
	MsgType  uint8
	Flags    uint8
	ID       uint32
	MethodID uint64

	PayloadSlot uint32 // noSlot means inline
	PayloadGen  uint32
	PayloadOff  uint32
	PayloadLen  uint32

	Inline [InlineMax]byte
}

func (s *segment) writeDesc(off uint64, d *Descriptor) {
	buf := s.data[off : off+DescSize]
	le := binary.LittleEndian
	buf[0] = d.MsgType
	buf[1] = d.Flags
	buf[2], buf[3] = 0, 0
	le.PutUint32(buf[4:], d.ID)
	le.PutUint64(buf[8:], d.MethodID)
	le.PutUint32(buf[16:], d.PayloadSlot)
	le.PutUint32(buf[20:], d.PayloadGen)
	le.PutUint32(buf[24:], d.PayloadOff)
	le.PutUint32(buf[28:], d.PayloadLen)
	copy(buf[32:], d.Inline[:])
}

func (s *segment) readDesc(off uint64, d *Descriptor) {
	buf := s.data[off : off+DescSize]
	le := binary.LittleEndian
	d.MsgType = buf[0]
	d.Flags = buf[1]
	d.ID = le.Uint32(buf[4:])
	d.MethodID = le.Uint64(buf[8:])
	d.PayloadSlot = le.Uint32(buf[16:])
	d.PayloadGen = le.Uint32(buf[20:])
	d.PayloadOff = le.Uint32(buf[24:])
	d.PayloadLen = le.Uint32(buf[28:])
	copy(d.Inline[:], buf[32:])
}

// ring is one SPSC descriptor ring. head and tail are full 32-bit message
// counters interpreted modulo size, so no slot is sacrificed to tell full
// from empty. The producer publishes head with a release store after the
// descriptor write; the consumer loads it with acquire, reads the
// descriptor, then releases tail.
type ring struct {
	seg     *segment
	base    uint64 // descriptor array
	headOff uint64 // producer-published counter
	tailOff uint64 // consumer-published counter
	size    uint32
}

func (r *ring) headAddr() *uint32 { return r.seg.u32(r.headOff) }

// tryPush appends d; false when the ring is full.
func (r *ring) tryPush(d *Descriptor) bool {
	head := r.seg.loadU32(r.headOff)
	tail := r.seg.loadU32(r.tailOff)
	if head-tail >= r.size {
		return false
	}
	r.seg.writeDesc(r.base+uint64(head&(r.size-1))*DescSize, d)
	// Release: the descriptor bytes are visible before the new head.
	r.seg.storeU32(r.headOff, head+1)
	return true
}

// tryPop reads the next descriptor; false when the ring is empty.
func (r *ring) tryPop(d *Descriptor) bool {
	head := r.seg.loadU32(r.headOff)
	tail := r.seg.loadU32(r.tailOff)
	if tail == head {
		return false
	}
	r.seg.readDesc(r.base+uint64(tail&(r.size-1))*DescSize, d)
	r.seg.storeU32(r.tailOff, tail+1)
	return true
}

// reset forces the ring empty. Only the host's crash recovery calls it,
// after the producing peer is declared dead.
func (r *ring) reset() {
	r.seg.storeU32(r.headOff, 0)
	r.seg.storeU32(r.tailOff, 0)
}
