// Package builder implements the egress packet-assembly core of a QUIC
// endpoint: it turns a connection's pending send intentions into a chain
// of wire-formatted, encrypted UDP datagrams dispatched through a
// datapath binding.
//
// A Builder is constructed per flush cycle over one (connection, path)
// pair and is not goroutine-safe — see the concurrency note on Builder.
package builder

import (
	"net/netip"
	"time"

	"github.com/vela-net/quicforge/netutil"
	"github.com/vela-net/quicforge/qtls"
	"github.com/vela-net/quicforge/wire"
)

// KeyMaterial is the concrete key type every collaborator interface in
// this package borrows; aliased rather than redeclared so callers never
// need to import both builder and qtls just to hold a key reference.
type KeyMaterial = qtls.KeyMaterial

// Binding is an opaque local-socket handle, owned and interpreted only
// by the Datapath collaborator. The builder threads it through calls
// without ever inspecting it, mirroring msquic's QUIC_BINDING pointer.
type Binding any

// SendContext is an opaque datapath handle for one outstanding
// sendmsg-class batch of datagrams.
type SendContext any

// Datagram is the datapath's per-datagram backing buffer plus how much
// of it the builder has written so far.
type Datagram struct {
	Buffer []byte
	Length uint16
}

const (
	// MaxBatch bounds the header-protection batch: short-header packets
	// sharing one key accumulate up to this many samples before a mask
	// computation is forced.
	MaxBatch = 16

	// MinPacketSpareSpace is the minimum writable room a just-prepared
	// packet must have left in its datagram.
	MinPacketSpareSpace = 128

	// MaxMTU is the largest datagram this module will ever attempt,
	// independent of any negotiated path MTU — the ceiling PMTU discovery
	// probes toward.
	MaxMTU = 1500

	// DefaultMaxDatagramsPerSend bounds how many datagrams one flush may
	// send, across all its send contexts, before Prepare reports batch full.
	DefaultMaxDatagramsPerSend = 16

	// RecommendedStatelessResetLength is RFC 9000 §10.3's floor for a
	// datagram that might be mistaken for a stateless reset.
	RecommendedStatelessResetLength = 21

	// HeaderProtectionSampleLength is the fixed ciphertext sample size HP
	// masking consumes, per RFC 9001 §5.4.
	HeaderProtectionSampleLength = 16
)

// Path is a concrete (local, remote, binding) tuple with an MTU and
// congestion allowance, borrowed by the Builder for the duration of one
// flush.
type Path struct {
	MTU           uint16
	Allowance     uint64
	SpinBit       bool
	LocalAddr     netip.AddrPort
	RemoteAddr    netip.AddrPort
	RemoteFamily  netutil.Family
	MaxPacketSize uint16 // 0 if the peer has not advertised one
	Binding       Binding
	LastFlushTime time.Time

	// GreaseVersion, if non-zero, overrides the long-header version field
	// written for this path's packets instead of wire.Version1 — see
	// internal/gtlegacy.GreaseVersion for why a caller would ever want to.
	GreaseVersion wire.Version
}

// packetMetadata is the scratch state tracked for the packet currently
// being assembled; every time Prepare starts a new QUIC packet it is
// reset, keeping only the new packet number and the PMTUD flag.
type packetMetadata struct {
	packetNumber      uint64
	frameCount        int
	isRetransmittable bool
	hasCrypto         bool
	isPMTUD           bool
	keyPhase          bool
}

// hpEntry is one queued header-protection sample: the header bytes to
// XOR in place, and the 16-byte ciphertext sample the mask is derived
// from.
type hpEntry struct {
	header             []byte
	sample             [HeaderProtectionSampleLength]byte
	destCIDLen         int
	packetNumberLength uint8
}

// hpBatch accumulates short-header packets sharing one key so their
// header-protection mask can be computed in a single call, amortising
// crypto cost across the flush.
type hpBatch struct {
	entries [MaxBatch]hpEntry
	count   int
}

func (b *hpBatch) reset() {
	b.count = 0
}

func (b *hpBatch) full() bool {
	return b.count >= MaxBatch
}

// Builder is the per-flush packet assembly instance. It is NOT
// goroutine-safe: all calls must execute on the connection's single
// logical flush thread. Use FlushAll to fan independent per-path
// Builders out across goroutines instead of sharing one.
type Builder struct {
	conn   ConnectionControl
	path   *Path
	srcCID []byte
	destCID []byte
	token   []byte
	isClient bool
	packetInProgress bool

	datapath Datapath
	keys     KeyProvider
	loss     LossDetector
	cong     CongestionController
	framer   Framer

	sendCtx          SendContext
	datagram         *Datagram
	datagramCapacity uint16
	datagramLength   uint16

	packetStart         uint16
	headerLength        uint16
	packetNumberLength  uint8
	payloadLengthOffset int
	packetType          wire.PacketType
	encryptLevel        wire.EncryptLevel
	key                 KeyMaterial

	meta packetMetadata

	hpBatch hpBatch

	totalDatagramsSent         int
	maxDatagramsPerSend        int
	sendAllowance              uint64
	minimumDatagramLength      uint16
	encryptionOverhead         uint16
	packetBatchSent            bool
	packetBatchRetransmittable bool

	nextPacketNumber [4]uint64 // indexed by wire.EncryptLevel

	// 1-RTT key-update bookkeeping. The real per-encryption-level packet
	// space this tracks lives on the connection in the source material;
	// this package keeps its own copy since it otherwise has no
	// connection type to hang it off of.
	keyPhaseBytesSent            uint64
	maxBytesPerKey                uint64
	awaitingKeyPhaseConfirmation bool
	handshakeConfirmed           bool
}

// New constructs a Builder wired to its collaborators. maxDatagramsPerSend
// is usually config.Config.MaxDatagramsPerSend; 0 selects
// DefaultMaxDatagramsPerSend.
func New(conn ConnectionControl, datapath Datapath, keys KeyProvider, loss LossDetector, cong CongestionController, framer Framer, maxDatagramsPerSend int) *Builder {
	if maxDatagramsPerSend <= 0 {
		maxDatagramsPerSend = DefaultMaxDatagramsPerSend
	}
	return &Builder{
		conn:                conn,
		datapath:            datapath,
		keys:                keys,
		loss:                loss,
		cong:                cong,
		framer:              framer,
		maxDatagramsPerSend: maxDatagramsPerSend,
		maxBytesPerKey:      1 << 34,
	}
}

// SetMaxBytesPerKey overrides the byte budget that triggers a 1-RTT
// key-phase update; usually sourced from config.Config.MaxBytesPerKey.
func (b *Builder) SetMaxBytesPerKey(v uint64) {
	b.maxBytesPerKey = v
}

// SetHandshakeConfirmed records whether the handshake has reached
// confirmation, gating the key-update trigger per spec.
func (b *Builder) SetHandshakeConfirmed(confirmed bool) {
	b.handshakeConfirmed = confirmed
}

// SetAwaitingKeyPhaseConfirmation records whether a previously triggered
// key update is still waiting on peer acknowledgment of the new phase,
// suppressing a second update until it resolves.
func (b *Builder) SetAwaitingKeyPhaseConfirmation(awaiting bool) {
	b.awaitingKeyPhaseConfirmation = awaiting
}
