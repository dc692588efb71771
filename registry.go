package rapace

import (
	"context"
	"sync"

	"github.com/rapace-dev/rapace-go/wire"
)

// Registry is the local schema registry: the set of
// (method_id, sig_hash) pairs this process knows about. Clients gate
// outbound calls against a peer's registry snapshot; servers expose theirs
// through the reserved introspection method.
type Registry struct {
	mu      sync.RWMutex
	methods map[uint64][32]byte
	names   map[uint64]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[uint64][32]byte),
		names:   make(map[uint64]string),
	}
}

// Register derives the method_id from the service and method names and
// records the signature hash of the argument tuple and return shapes.
func (r *Registry) Register(service, method string, args, ret wire.Shape) (uint64, error) {
	id := wire.MethodID(service, method)
	if err := r.RegisterRaw(id, wire.SigHash(args, ret)); err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.names[id] = service + "." + method
	r.mu.Unlock()
	return id, nil
}

// RegisterRaw records a pre-computed (method_id, sig_hash) pair.
func (r *Registry) RegisterRaw(id uint64, sig [32]byte) error {
	if id == wire.ControlMethodID {
		return ErrMethodIDReserved
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.methods[id]; dup {
		return ErrMethodRegistered
	}
	r.methods[id] = sig
	return nil
}

// Lookup returns the signature hash registered for id.
func (r *Registry) Lookup(id uint64) ([32]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.methods[id]
	return sig, ok
}

// Name returns the human-readable name registered for id, if known.
func (r *Registry) Name(id uint64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[id]
}

// Digest encodes the registry as a POSTCARD sequence of
// (method_id, sig_hash) pairs, the payload of the introspection response.
func (r *Registry) Digest() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var e wire.Encoder
	e.Uvarint(uint64(len(r.methods)))
	for id, sig := range r.methods {
		e.Uvarint(id)
		for _, b := range sig {
			e.U8(b)
		}
	}
	return e.Bytes()
}

// DecodeDigest parses a registry digest produced by Digest.
func DecodeDigest(buf []byte) (map[uint64][32]byte, error) {
	d := wire.NewDecoder(buf)
	n := d.Uvarint()
	out := make(map[uint64][32]byte, n)
	for i := uint64(0); i < n; i++ {
		id := d.Uvarint()
		var sig [32]byte
		for j := range sig {
			sig[j] = d.U8()
		}
		if d.Err() != nil {
			break
		}
		out[id] = sig
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return out, nil
}

// InboundCall is one inbound request as seen by a handler.
type InboundCall struct {
	MethodID uint64
	Metadata wire.Metadata
	Payload  []byte

	sess *Session
}

// Session returns the session the request arrived on, for handlers that
// open or accept streams.
func (in *InboundCall) Session() *Session { return in.sess }

// Handler services one method. The returned bytes are the POSTCARD-encoded
// return value (including any application-level inner Result); the session
// wraps them in the Ok branch of the Response envelope. A returned error is
// reserved for protocol failures: context cancellation maps to Cancelled
// and *CallError kinds map to their envelope codes. Application errors
// belong inside the returned bytes, not in the error.
type Handler func(ctx context.Context, in *InboundCall) ([]byte, error)

// Dispatcher routes inbound Requests to Handlers by method_id.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint64]Handler)}
}

// Handle registers h for the method derived from service and method names
// and returns the method_id.
func (disp *Dispatcher) Handle(service, method string, h Handler) (uint64, error) {
	id := wire.MethodID(service, method)
	return id, disp.HandleID(id, h)
}

// HandleID registers h for a raw method_id.
func (disp *Dispatcher) HandleID(id uint64, h Handler) error {
	if id == wire.ControlMethodID {
		return ErrMethodIDReserved
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if _, dup := disp.handlers[id]; dup {
		return ErrMethodRegistered
	}
	disp.handlers[id] = h
	return nil
}

func (disp *Dispatcher) lookup(id uint64) (Handler, bool) {
	disp.mu.RLock()
	defer disp.mu.RUnlock()
	h, ok := disp.handlers[id]
	return h, ok
}
