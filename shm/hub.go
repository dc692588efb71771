package shm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricShmGuestsAttachedCount = []string{"rapace", "shm", "guests", "attached", "count"}
	MetricShmGuestsCrashedCount  = []string{"rapace", "shm", "guests", "crashed", "count"}
	MetricShmStaleDescDropsCount = []string{"rapace", "shm", "descriptors", "stale", "count"}
)

// Hub is the host side of a shared-memory segment: it creates the file,
// hands out per-guest transports, and reclaims the resources of crashed
// guests.
type Hub struct {
	cfg    Config
	seg    *segment
	f      *os.File
	path   string
	logger *slog.Logger
	msink  metrics.MetricSink

	mu        sync.Mutex
	endpoints map[uint32]*Endpoint

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// HubOption tweaks hub construction.
type HubOption func(*Hub)

// WithLogger sets the slog handler used by the hub.
func WithLogger(h slog.Handler) HubOption {
	return func(hub *Hub) {
		if h != nil {
			hub.logger = slog.New(h)
		}
	}
}

// WithMetricSink sets the sink receiving hub counters.
func WithMetricSink(ms metrics.MetricSink) HubOption {
	return func(hub *Hub) {
		if ms != nil {
			hub.msink = ms
		}
	}
}

// CreateHub creates and maps a fresh segment at path. The file is
// truncated; any previous segment there is destroyed.
func CreateHub(path string, cfg Config, opts ...HubOption) (*Hub, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lay := computeLayout(cfg)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	data, err := mapSegment(f, int64(lay.total), true)
	if err != nil {
		f.Close()
		return nil, err
	}
	seg := &segment{data: data, lay: lay}
	seg.writeHeader(lay)

	hub := &Hub{
		cfg:       cfg,
		seg:       seg,
		f:         f,
		path:      path,
		logger:    slog.Default(),
		msink:     metrics.Default(),
		endpoints: make(map[uint32]*Endpoint),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(hub)
	}
	if cfg.HeartbeatInterval > 0 {
		hub.wg.Add(1)
		go hub.reapLoop()
	}
	return hub, nil
}

// Path returns the segment file path guests attach to.
func (hub *Hub) Path() string { return hub.path }

// Endpoint returns the host-side transport for one guest slot. The same
// endpoint is returned for repeated calls until the guest is reclaimed.
func (hub *Hub) Endpoint(guest uint32) (*Endpoint, error) {
	if guest == 0 || guest > hub.cfg.MaxGuests {
		return nil, fmt.Errorf("%w: guest %d", ErrBadGeometry, guest)
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if ep := hub.endpoints[guest]; ep != nil {
		return ep, nil
	}
	ep := newEndpoint(hub.seg, guest, true)
	hub.endpoints[guest] = ep
	return ep, nil
}

// Accept waits for a new guest to attach and returns its slot id and the
// host-side transport.
func (hub *Hub) Accept(ctx context.Context) (uint32, *Endpoint, error) {
	seen := make(map[uint32]uint32)
	hub.mu.Lock()
	for g := range hub.endpoints {
		seen[g] = hub.seg.loadU32(hub.seg.peerOff(g) + peerOffEpoch)
	}
	hub.mu.Unlock()
	for {
		for g := uint32(1); g <= hub.cfg.MaxGuests; g++ {
			peer := hub.seg.peerOff(g)
			if hub.seg.loadU32(peer+peerOffState) != PeerAttached {
				continue
			}
			epoch := hub.seg.loadU32(peer + peerOffEpoch)
			if prev, ok := seen[g]; ok && prev == epoch {
				continue
			}
			ep, err := hub.Endpoint(g)
			if err != nil {
				return 0, nil, err
			}
			hub.msink.IncrCounter(MetricShmGuestsAttachedCount, 1)
			return g, ep, nil
		}
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-hub.closed:
			return 0, nil, ErrClosed
		case <-time.After(parkSlice):
		}
	}
}

// reapLoop watches guest heartbeats and reclaims crashed slots.
func (hub *Hub) reapLoop() {
	defer hub.wg.Done()
	interval := hub.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-hub.closed:
			return
		case <-ticker.C:
		}
		now := nowNanos()
		stale := uint64(2 * interval.Nanoseconds())
		for g := uint32(1); g <= hub.cfg.MaxGuests; g++ {
			peer := hub.seg.peerOff(g)
			switch hub.seg.loadU32(peer + peerOffState) {
			case PeerGoodbye:
				// Graceful detach: reclaim without declaring a crash.
				hub.reclaimGuest(g, false)
			case PeerAttached:
				last := hub.seg.loadU64(peer + peerOffHeartbeat)
				if now < last || now-last <= stale {
					continue
				}
				hub.recoverGuest(g)
			}
		}
	}
}

// recoverGuest runs the crash-recovery sequence for one guest slot, in
// order: mark the peer Goodbye, fail its endpoint, reset its rings, free
// and invalidate its slots, clear its stream table, then open the slot
// for a fresh attach.
func (hub *Hub) recoverGuest(g uint32) {
	peer := hub.seg.peerOff(g)
	if !hub.seg.casU32(peer+peerOffState, PeerAttached, PeerGoodbye) {
		return
	}
	hub.logger.Warn("guest heartbeat stale, reclaiming slot", slog.Any("guest", g))
	hub.msink.IncrCounter(MetricShmGuestsCrashedCount, 1)
	hub.reclaimGuest(g, true)
}

// reclaimGuest frees everything a departed guest owned and reopens its
// slot. crashed distinguishes heartbeat expiry from a graceful Goodbye.
func (hub *Hub) reclaimGuest(g uint32, crashed bool) {
	peer := hub.seg.peerOff(g)

	hub.mu.Lock()
	ep := hub.endpoints[g]
	delete(hub.endpoints, g)
	hub.mu.Unlock()
	if ep != nil {
		if crashed {
			ep.kill(ReasonPeerDied)
		} else {
			ep.Close()
		}
	}

	g2h := ring{seg: hub.seg, headOff: peer + peerOffG2HHead, tailOff: peer + peerOffG2HTail}
	h2g := ring{seg: hub.seg, headOff: peer + peerOffH2GHead, tailOff: peer + peerOffH2GTail}
	g2h.reset()
	h2g.reset()

	newSlotPool(hub.seg, g).recover()

	for idx := uint32(0); idx < hub.cfg.MaxStreams; idx++ {
		off := hub.seg.streamEntryOff(g, idx)
		hub.seg.storeU32(off, StreamFree)
		hub.seg.storeU32(off+4, 0)
		hub.seg.storeU32(off+8, 0)
	}

	hub.seg.storeU32(peer+peerOffState, PeerEmpty)
}

// Close marks the hub shutting down, wakes every guest, and unmaps the
// segment. The file is left in place for post-mortem inspection.
func (hub *Hub) Close() error {
	var err error
	hub.closeOnce.Do(func() {
		hub.seg.storeU32(offHostGoodbye, 1)
		close(hub.closed)
		hub.mu.Lock()
		for _, ep := range hub.endpoints {
			ep.Close()
			futexWake(ep.prod.headAddr(), math.MaxInt32)
		}
		hub.mu.Unlock()
		hub.wg.Wait()
		err = unmapSegment(hub.seg.data)
		hub.f.Close()
	})
	return err
}
