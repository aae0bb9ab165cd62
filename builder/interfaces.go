package builder

import (
	"net/netip"
	"time"

	"github.com/vela-net/quicforge/wire"
)

// Datapath is the external collaborator that owns send contexts,
// datagram buffers, and the actual UDP transmission.
type Datapath interface {
	AllocSendContext(binding Binding, size int) (SendContext, error)
	AllocSendDatagram(ctx SendContext, size uint16) (*Datagram, error)
	FreeSendDatagram(ctx SendContext, d *Datagram)
	IsSendContextFull(ctx SendContext) bool
	SendTo(binding Binding, remote netip.AddrPort, ctx SendContext) error
	SendFromTo(binding Binding, local, remote netip.AddrPort, ctx SendContext) error
	IsPaddingPreferred() bool
}

// KeyProvider is the external collaborator supplying encryption keys by
// generation; the TLS handshake state machine itself lives behind it.
type KeyProvider interface {
	WriteKey(level wire.EncryptLevel) (KeyMaterial, bool)
	HasPendingCryptoFrame(level wire.EncryptLevel) bool
	NextEncryptLevel() wire.EncryptLevel
	GenerateNewKeys() error
	UpdateKeyPhase()
	CurrentWriteLevel() wire.EncryptLevel
}

// SentPacketMetadata is what Finalize reports to LossDetector.OnPacketSent
// for every packet it emits.
type SentPacketMetadata struct {
	PacketNumber    uint64
	Level           wire.EncryptLevel
	SentAt          time.Time
	Length          uint16
	Retransmittable bool
	HasCrypto       bool
	IsPMTUD         bool
}

// LossDetector is notified of every packet sent and asked to rearm its
// retransmission timer at flush boundaries.
type LossDetector interface {
	OnPacketSent(path *Path, meta SentPacketMetadata)
	UpdateTimer()
}

// CongestionController yields the byte budget a flush may still spend.
type CongestionController interface {
	GetSendAllowance(sinceLastFlush time.Duration, valid bool) uint64
}

// ConnectionControl is the escalation path for fatal errors and the
// Retry-packet silent-close rule.
type ConnectionControl interface {
	FatalError(status error, reason string)
	CloseLocally(silent bool, code uint64, reason string)
}

// SendFlags is a bitset of pending control-frame send reasons, consulted
// by the key/type selector.
type SendFlags uint32

const (
	SendFlagACK SendFlags = 1 << iota
	SendFlagCrypto
	SendFlagConnectionClose
	SendFlagApplicationClose
	SendFlagPing
)

func (f SendFlags) has(flag SendFlags) bool {
	return f&flag != 0
}

// Framer is the external collaborator that fills in frame payload bytes
// for a prepared packet.
type Framer interface {
	WriteFrames(pktType wire.PacketType, key KeyMaterial, buf []byte) (n int, frameCount int, retransmittable, hasCrypto bool, err error)
}
