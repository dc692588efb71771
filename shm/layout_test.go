package shm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxGuests:      4,
		RingSize:       8,
		SlotSize:       256,
		SlotsPerGuest:  4,
		MaxStreams:     16,
		MaxPayloadSize: 200,
		InitialCredit:  1024,
	}
}

// memSegment fabricates a segment in ordinary memory; the layout code
// never cares whether the bytes came from mmap.
func memSegment(t *testing.T, cfg Config) *segment {
	t.Helper()
	lay := computeLayout(cfg)
	seg := &segment{data: make([]byte, lay.total), lay: lay}
	seg.writeHeader(lay)
	return seg
}

func TestLayoutRegionsOrderedAndAligned(t *testing.T) {
	lay := computeLayout(testConfig())
	require.EqualValues(t, HeaderSize, lay.peerTableOff)
	require.Less(t, lay.peerTableOff, lay.ringRegionOff)
	require.Less(t, lay.ringRegionOff, lay.slotMetaOff)
	require.Less(t, lay.slotMetaOff, lay.slotRegionOff)
	require.Less(t, lay.slotRegionOff, lay.streamTabOff)
	require.Less(t, lay.streamTabOff, lay.total)

	for _, off := range []uint64{lay.slotMetaOff, lay.slotRegionOff, lay.streamTabOff} {
		require.Zero(t, off%64, "region at %d is not cache-line aligned", off)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	seg := memSegment(t, testConfig())

	reread := &segment{data: seg.data}
	require.NoError(t, reread.readLayout())
	require.Equal(t, seg.lay, reread.lay)
}

func TestHeaderRejectsCorruption(t *testing.T) {
	seg := memSegment(t, testConfig())

	bad := &segment{data: append([]byte(nil), seg.data...)}
	bad.data[0] = 'X'
	require.ErrorIs(t, (&segment{data: bad.data}).readLayout(), ErrBadMagic)

	truncated := &segment{data: seg.data[:HeaderSize-1]}
	require.ErrorIs(t, truncated.readLayout(), ErrSegmentSize)
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.RingSize = 7 // not a power of two
	require.ErrorIs(t, cfg.validate(), ErrBadGeometry)

	cfg = testConfig()
	cfg.MaxGuests = 256
	require.ErrorIs(t, cfg.validate(), ErrBadGeometry)

	require.NoError(t, DefaultConfig().validate())
}

func TestDescriptorRoundTrip(t *testing.T) {
	seg := memSegment(t, testConfig())

	d := Descriptor{
		MsgType:     descRequest,
		Flags:       0x5A,
		ID:          42,
		MethodID:    0x3d66dd9ee36b4240,
		PayloadSlot: 3,
		PayloadGen:  9,
		PayloadOff:  0,
		PayloadLen:  17,
	}
	copy(d.Inline[:], "inline bytes")

	off := seg.ringOff(1, false)
	seg.writeDesc(off, &d)
	var got Descriptor
	seg.readDesc(off, &got)
	require.Equal(t, d, got)
}

func TestGuestPoolStride(t *testing.T) {
	seg := memSegment(t, testConfig())
	cfg := seg.lay.cfg
	stride := uint64(cfg.SlotsPerGuest) * uint64(cfg.SlotSize)

	// Host pool first, then guest N at slot_region_offset + N*stride.
	require.Equal(t, seg.lay.slotRegionOff, seg.slotDataOff(0, 0))
	require.Equal(t, seg.lay.slotRegionOff+stride, seg.slotDataOff(1, 0))
	require.Equal(t, seg.lay.slotRegionOff+2*stride+uint64(cfg.SlotSize), seg.slotDataOff(2, 1))
}
