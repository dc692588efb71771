package shm

import "sync"

// slotPool is one sender-owned payload slab. Allocation belongs to the
// owning sender process; the receiver frees. Every host endpoint builds its
// own slotPool over the shared host pool, so mu only guards one instance's
// cursor; the CAS on the slot state keeps two endpoints from claiming the
// same slot. The per-slot generation pairs with
// descriptors so a receiver can detect a reference to a slot that was
// reclaimed by crash recovery in the meantime.
type slotPool struct {
	seg   *segment
	pool  uint32 // pool index: 0 host, i guest i
	count uint32

	mu   sync.Mutex
	next uint32 // allocation cursor, owner-local
}

func newSlotPool(seg *segment, pool uint32) *slotPool {
	return &slotPool{seg: seg, pool: pool, count: seg.lay.cfg.SlotsPerGuest}
}

func (p *slotPool) metaOff(slot uint32) uint64 { return p.seg.slotMetaOff(p.pool, slot) }

func (p *slotPool) stateOff(slot uint32) uint64 { return p.metaOff(slot) + 4 }

func (p *slotPool) generation(slot uint32) uint32 { return p.seg.loadU32(p.metaOff(slot)) }

// alloc claims a free slot, bumps its generation, and returns the slot
// index and new generation. false when the pool is exhausted.
func (p *slotPool) alloc() (slot, gen uint32, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint32(0); i < p.count; i++ {
		cand := (p.next + i) % p.count
		if p.seg.casU32(p.stateOff(cand), SlotFree, SlotAllocated) {
			gen = p.generation(cand) + 1
			p.seg.storeU32(p.metaOff(cand), gen)
			p.next = cand + 1
			return cand, gen, true
		}
	}
	return 0, 0, false
}

// publish marks an allocated slot in flight; called as its descriptor is
// enqueued.
func (p *slotPool) publish(slot uint32) {
	p.seg.storeU32(p.stateOff(slot), SlotInFlight)
}

// free releases a slot after its payload has been consumed. Called by the
// receiver.
func (p *slotPool) free(slot uint32) {
	p.seg.storeU32(p.stateOff(slot), SlotFree)
}

// data returns the payload window of a slot.
func (p *slotPool) data(slot uint32, off, n uint32) ([]byte, bool) {
	slotSize := p.seg.lay.cfg.SlotSize
	if slot >= p.count || off > slotSize || n > slotSize-off {
		return nil, false
	}
	base := p.seg.slotDataOff(p.pool, slot) + uint64(off)
	return p.seg.data[base : base+uint64(n)], true
}

// recover frees every non-Free slot and bumps its generation, invalidating
// any descriptor that still references it. Host crash recovery only.
func (p *slotPool) recover() {
	for slot := uint32(0); slot < p.count; slot++ {
		if p.seg.loadU32(p.stateOff(slot)) != SlotFree {
			p.seg.storeU32(p.metaOff(slot), p.generation(slot)+1)
			p.seg.storeU32(p.stateOff(slot), SlotFree)
		}
	}
}
