// Package datapath implements builder.Datapath over
// golang.zx2c4.com/wireguard/conn, the same batched-UDP abstraction
// WireGuard uses for its own data plane. A Binding wraps one conn.Bind
// shared by every path of a listener or dialer, matching msquic's
// QUIC_BINDING being shared across connections that multiplex the same
// local socket.
//
// Session bookkeeping (mapping a connection ID to its send state) uses a
// keyed registry hashed with blake3 instead of hex-encoding the
// connection ID, since the key is only ever used as a map lookup and
// never needs to be human-readable on the wire.
package datapath

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/vela-net/quicforge/builder"
	"golang.zx2c4.com/wireguard/conn"
	"lukechampine.com/blake3"
)

// ErrContextFull is a typed error for a full send context, rather than a
// bare bool, so callers can log the binding that rejected the datagram.
var ErrContextFull = errors.New("datapath: send context is full")

// Binding wraps one conn.Bind, shared across every Path that egresses
// through the same local socket. It satisfies builder.Binding (an opaque
// marker the builder never looks inside).
type Binding struct {
	bind conn.Bind

	mu       sync.Mutex
	contexts map[uint64]*sendContext
	registry map[uint64]interface{}

	datagramsSent uint64
	bytesSent     uint64
}

// NewBinding opens a fresh conn.Bind on the given UDP port (0 for
// ephemeral), going through wireguard-go's Bind so batched sends (Send
// taking multiple buffers per syscall) are available on platforms that
// support UDP_SEGMENT/recvmmsg-style batching.
func NewBinding(port uint16) (*Binding, uint16, error) {
	bind := conn.NewStdNetBind()
	actualPort, err := bind.Open(port)
	if err != nil {
		return nil, 0, fmt.Errorf("datapath: open bind on port %d: %w", port, err)
	}
	return &Binding{
		bind:     bind,
		contexts: make(map[uint64]*sendContext),
	}, actualPort, nil
}

// Close releases the underlying socket.
func (b *Binding) Close() error {
	return b.bind.Close()
}

// BatchSize reports how many datagrams the underlying Bind can coalesce
// into one syscall, for diagnostics; the builder does not consult it.
func (b *Binding) BatchSize() int {
	return b.bind.BatchSize()
}

// sendContext accumulates datagrams for one flush before Datapath.SendTo
// hands them to the Bind in a single batched call, replacing the
// teacher's one-WriteToUDP-per-datagram pattern with wireguard-go's
// multi-buffer Send.
type sendContext struct {
	buffers [][]byte
	lengths []uint16
	cap     int
}

// AllocSendContext creates a fresh per-flush batching context sized for
// up to size datagrams, per builder.Datapath.
func (b *Binding) AllocSendContext(binding builder.Binding, size int) (builder.SendContext, error) {
	if binding != builder.Binding(b) {
		return nil, errors.New("datapath: AllocSendContext called with a foreign binding")
	}
	return &sendContext{
		buffers: make([][]byte, 0, size),
		lengths: make([]uint16, 0, size),
		cap:     size,
	}, nil
}

// AllocSendDatagram appends a new datagram buffer to ctx and returns it
// for the builder to write into. The returned buffer is shared with
// builder.Datagram, matching msquic's QUIC_DATAGRAM abstraction of a
// fixed-size buffer the builder writes into incrementally.
func (b *Binding) AllocSendDatagram(ctx builder.SendContext, size uint16) (*builder.Datagram, error) {
	sc, ok := ctx.(*sendContext)
	if !ok {
		return nil, errors.New("datapath: AllocSendDatagram given a foreign context")
	}
	if len(sc.buffers) >= sc.cap {
		return nil, ErrContextFull
	}
	buf := make([]byte, size)
	sc.buffers = append(sc.buffers, buf)
	sc.lengths = append(sc.lengths, 0)
	return &builder.Datagram{Buffer: buf}, nil
}

// FreeSendDatagram drops the most recently allocated datagram, used when
// the builder over-allocated (e.g. the final padding pass determined no
// more space remained).
func (b *Binding) FreeSendDatagram(ctx builder.SendContext, d *builder.Datagram) {
	sc, ok := ctx.(*sendContext)
	if !ok || len(sc.buffers) == 0 {
		return
	}
	last := sc.buffers[len(sc.buffers)-1]
	if &last[0] == &d.Buffer[0] {
		sc.buffers = sc.buffers[:len(sc.buffers)-1]
		sc.lengths = sc.lengths[:len(sc.lengths)-1]
	}
}

// IsSendContextFull reports whether ctx has reached its datagram
// capacity, letting the builder stop batching before AllocSendDatagram
// would fail.
func (b *Binding) IsSendContextFull(ctx builder.SendContext) bool {
	sc, ok := ctx.(*sendContext)
	return ok && len(sc.buffers) >= sc.cap
}

// SendTo flushes every datagram queued in ctx to remote in one batched
// call, tracking cumulative per-binding traffic counters.
func (b *Binding) SendTo(binding builder.Binding, remote netip.AddrPort, ctx builder.SendContext) error {
	return b.SendFromTo(binding, netip.AddrPort{}, remote, ctx)
}

// SendFromTo is SendTo with a local source address argument. The local
// address is not used: every batch egresses from the Bind's own socket
// address, so SendTo and SendFromTo send identically.
func (b *Binding) SendFromTo(binding builder.Binding, local, remote netip.AddrPort, ctx builder.SendContext) error {
	if binding != builder.Binding(b) {
		return errors.New("datapath: SendFromTo called with a foreign binding")
	}
	sc, ok := ctx.(*sendContext)
	if !ok {
		return errors.New("datapath: SendFromTo given a foreign context")
	}
	if len(sc.buffers) == 0 {
		return nil
	}

	ep, err := b.bind.ParseEndpoint(remote.String())
	if err != nil {
		return fmt.Errorf("datapath: parse endpoint %s: %w", remote, err)
	}

	trimmed := make([][]byte, len(sc.buffers))
	var total uint64
	for i, buf := range sc.buffers {
		trimmed[i] = buf[:sc.lengths[i]]
		total += uint64(sc.lengths[i])
	}

	if err := b.bind.Send(trimmed, ep); err != nil {
		return fmt.Errorf("datapath: send batch of %d to %s: %w", len(trimmed), remote, err)
	}

	atomic.AddUint64(&b.datagramsSent, uint64(len(trimmed)))
	atomic.AddUint64(&b.bytesSent, total)
	return nil
}

// IsPaddingPreferred reports whether the underlying transport benefits
// from full-MTU padding (e.g. to defeat traffic analysis or to probe
// path MTU) rather than sending every packet at its natural length.
func (b *Binding) IsPaddingPreferred() bool {
	return true
}

// Stats reports cumulative send counters for diagnostics.
func (b *Binding) Stats() (datagrams, bytes uint64) {
	return atomic.LoadUint64(&b.datagramsSent), atomic.LoadUint64(&b.bytesSent)
}

// RouteKey hashes a connection ID into a stable 64-bit lookup key using
// blake3 — a fixed-width, allocation-free key in place of a
// hex-encoded-string map key.
func RouteKey(connectionID []byte) uint64 {
	sum := blake3.Sum256(connectionID)
	var key uint64
	for i := 0; i < 8; i++ {
		key = key<<8 | uint64(sum[i])
	}
	return key
}

// Register associates a connection ID's route key with an opaque
// per-connection value (the builder's Path, typically).
func (b *Binding) Register(connectionID []byte, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registry == nil {
		b.registry = make(map[uint64]interface{})
	}
	b.registry[RouteKey(connectionID)] = value
}

// Lookup retrieves a previously registered value by connection ID.
func (b *Binding) Lookup(connectionID []byte) (interface{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.registry[RouteKey(connectionID)]
	return v, ok
}
