package builder

import (
	"fmt"
	"time"

	"github.com/vela-net/quicforge/netutil"
	"github.com/vela-net/quicforge/wire"
)

// Initialize caches the path and source connection ID for this flush and
// seeds the send allowance from the congestion controller, clamped to
// the path's own allowance.
func (b *Builder) Initialize(path *Path, srcCID, destCID []byte, isClient bool) error {
	if len(srcCID) == 0 {
		return ErrNoSourceCID
	}
	b.path = path
	b.srcCID = srcCID
	b.destCID = destCID
	b.isClient = isClient

	valid := !path.LastFlushTime.IsZero()
	sinceLastFlush := time.Duration(0)
	if valid {
		sinceLastFlush = time.Since(path.LastFlushTime)
	}

	allowance := b.cong.GetSendAllowance(sinceLastFlush, valid)
	if path.Allowance < allowance {
		allowance = path.Allowance
	}
	b.sendAllowance = allowance
	path.LastFlushTime = time.Now()
	return nil
}

// SetToken installs the Initial-packet token for this flush (ignored by
// every packet type but Initial, per the wire format).
func (b *Builder) SetToken(token []byte) {
	b.token = token
}

// Prepare ensures a writable region exists in a datagram suitable for
// newType, finalizing any in-progress packet of a different type first.
func (b *Builder) Prepare(newType wire.PacketType, key KeyMaterial, isTLP, isPMTUD bool) (bool, error) {
	level := wire.EncryptLevelForPacketType(newType)

	targetDatagramSize := b.path.MTU
	if b.sendAllowance < uint64(targetDatagramSize) {
		targetDatagramSize = uint16(b.sendAllowance)
	}

	typeChanged := b.packetInProgress && b.packetType != newType
	if b.packetInProgress && (typeChanged || isPMTUD) {
		if err := b.Finalize(false); err != nil {
			return false, err
		}
	}

	if b.sendCtx == nil && b.totalDatagramsSent >= b.maxDatagramsPerSend {
		return false, ErrBatchFull
	}

	if b.sendCtx == nil {
		size := 0
		if !isPMTUD {
			size = int(netutil.ClampUDPPayload(b.path.RemoteFamily, targetDatagramSize))
		}
		ctx, err := b.datapath.AllocSendContext(b.path.Binding, size)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrAllocFailure, err)
		}
		b.sendCtx = ctx
	}

	if b.datagram == nil {
		var allocSize uint16
		if isPMTUD {
			allocSize = netutil.ClampUDPPayload(b.path.RemoteFamily, MaxMTU)
		} else {
			allocSize = netutil.ClampUDPPayload(b.path.RemoteFamily, targetDatagramSize)
		}
		if b.path.MaxPacketSize != 0 && allocSize > b.path.MaxPacketSize {
			allocSize = b.path.MaxPacketSize
		}
		dg, err := b.datapath.AllocSendDatagram(b.sendCtx, allocSize)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrAllocFailure, err)
		}
		b.datagram = dg
		b.datagramCapacity = allocSize
		b.datagramLength = 0
	}

	b.minimumDatagramLength = b.computeMinimumDatagramLength(newType, isTLP, isPMTUD)

	isNewPacket := !b.packetInProgress || typeChanged
	if isNewPacket {
		pn := b.nextPacketNumber[level]
		b.nextPacketNumber[level]++

		b.meta = packetMetadata{packetNumber: pn, isPMTUD: isPMTUD}
		b.packetStart = b.datagramLength
		b.packetType = newType
		b.encryptLevel = level
		b.key = key
		b.encryptionOverhead = uint16(key.Overhead())

		n, err := b.writeHeader(newType, pn)
		if err != nil {
			return false, err
		}
		b.headerLength = uint16(n)
		b.datagramLength += b.headerLength
		b.packetInProgress = true
	} else {
		b.key = key
		b.encryptionOverhead = uint16(key.Overhead())
	}

	spare := int(b.datagramCapacity) - int(b.encryptionOverhead) - int(b.datagramLength)
	if spare < MinPacketSpareSpace {
		return false, fmt.Errorf("%w: only %d bytes spare after header", ErrAllocFailure, spare)
	}

	return true, nil
}

// computeMinimumDatagramLength implements the client-TLP / client-Initial
// / PMTUD full-pad rules; every other case returns 0 (no forced floor
// beyond the 4-byte header-protection sample guarantee Finalize applies
// unconditionally).
func (b *Builder) computeMinimumDatagramLength(pktType wire.PacketType, isTLP, isPMTUD bool) uint16 {
	if isPMTUD {
		return b.datagramCapacity
	}
	if b.isClient && isTLP {
		if pktType == wire.ShortHeader {
			return RecommendedStatelessResetLength + 8
		}
		return b.datagramCapacity
	}
	if b.isClient && pktType == wire.Initial {
		return b.datagramCapacity
	}
	return 0
}

// writeHeader writes newType's header at the current datagram cursor and
// records header_length / payload_length_offset.
func (b *Builder) writeHeader(pktType wire.PacketType, pn uint64) (int, error) {
	buf := b.datagram.Buffer[b.datagramLength:]

	if pktType == wire.ShortHeader {
		n, err := wire.EncodeShortHeader(buf, wire.ShortHeaderFields{
			DestCID:            b.destCID,
			PacketNumber:       pn,
			PacketNumberLength: 4,
			SpinBit:            b.path.SpinBit,
			KeyPhase:           b.meta.keyPhase,
		})
		if err != nil {
			return 0, fmt.Errorf("builder: encode short header: %w", err)
		}
		b.packetNumberLength = 4
		b.payloadLengthOffset = -1
		return n, nil
	}

	var token []byte
	if pktType == wire.Initial {
		token = b.token
	}
	version := wire.Version1
	if b.path.GreaseVersion != 0 {
		version = b.path.GreaseVersion
	}
	res, err := wire.EncodeLongHeader(buf, wire.LongHeaderFields{
		Version:      version,
		Type:         pktType,
		DestCID:      b.destCID,
		SrcCID:       b.srcCID,
		Token:        token,
		PacketNumber: pn,
	})
	if err != nil {
		return 0, fmt.Errorf("builder: encode long header: %w", err)
	}
	b.packetNumberLength = res.PacketNumberLength
	b.payloadLengthOffset = -1
	if res.PayloadLengthOffset >= 0 {
		b.payloadLengthOffset = int(b.datagramLength) + res.PayloadLengthOffset
	}
	return res.HeaderLength, nil
}

// PrepareForControlFrames consults the key/type selector given a bitset
// of pending send reasons and delegates to Prepare.
func (b *Builder) PrepareForControlFrames(isTLP bool, flags SendFlags) (bool, error) {
	pktType, key, ok := selectForControlFrames(flags, b.keys)
	if !ok {
		return false, ErrInvalidSelector
	}
	return b.Prepare(pktType, key, isTLP, false)
}

// PrepareForStreamFrames uses the 0-RTT key until 1-RTT becomes
// available, after which 1-RTT is always used.
func (b *Builder) PrepareForStreamFrames(isTLP bool) (bool, error) {
	pktType := wire.ZeroRTT
	level := wire.EncryptLevelZeroRTT
	if _, ok := b.keys.WriteKey(wire.EncryptLevelOneRTT); ok {
		pktType = wire.ShortHeader
		level = wire.EncryptLevelOneRTT
	}
	key, ok := b.keys.WriteKey(level)
	if !ok {
		return false, ErrInvalidSelector
	}
	return b.Prepare(pktType, key, isTLP, false)
}

// PrepareForPathMTUDiscovery always uses the 1-RTT key and short header,
// setting the PMTUD flag on the resulting packet.
func (b *Builder) PrepareForPathMTUDiscovery() (bool, error) {
	key, ok := b.keys.WriteKey(wire.EncryptLevelOneRTT)
	if !ok {
		return false, ErrInvalidSelector
	}
	ok2, err := b.Prepare(wire.ShortHeader, key, false, true)
	if err != nil || !ok2 {
		return ok2, err
	}
	b.meta.isPMTUD = true
	return true, nil
}

// Cleanup finalizes any held send context, asks the loss detector to
// rearm its timer if a retransmittable packet went out, and zeros the
// header-protection batch.
func (b *Builder) Cleanup() error {
	if b.sendCtx != nil {
		if err := b.Finalize(true); err != nil {
			return err
		}
	}
	if b.packetBatchRetransmittable && b.packetBatchSent {
		b.loss.UpdateTimer()
	}
	b.hpBatch.reset()
	return nil
}
