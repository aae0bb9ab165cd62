package builder

import (
	"fmt"
	"time"

	"github.com/vela-net/quicforge/wire"
)

// Finalize completes the current QUIC packet and, as necessary, the
// current datagram and batch. allDoneSending signals this is the last
// call for the current flush cycle.
func (b *Builder) Finalize(allDoneSending bool) error {
	var finalQuicPacket bool

	if b.datagram == nil || b.meta.frameCount == 0 {
		// Case A: nothing got framed into this packet. Undo its header.
		if b.datagram != nil {
			b.nextPacketNumber[b.encryptLevel]--
			b.datagramLength -= b.headerLength
			if b.datagramLength == 0 {
				b.datapath.FreeSendDatagram(b.sendCtx, b.datagram)
				b.datagram = nil
			}
		}
		finalQuicPacket = allDoneSending
	} else {
		var err error
		finalQuicPacket, err = b.finalizeNonEmptyPacket(allDoneSending)
		if err != nil {
			return err
		}
	}
	b.packetInProgress = false

	if !finalQuicPacket {
		return nil
	}

	if b.datagram != nil {
		b.datagram.Length = b.datagramLength
		b.datagram = nil
		b.totalDatagramsSent++
	}

	if allDoneSending || (b.sendCtx != nil && b.datapath.IsSendContextFull(b.sendCtx)) {
		if b.hpBatch.count != 0 {
			if err := b.flushHeaderProtectionBatch(); err != nil {
				return err
			}
		}
		if err := b.dispatch(); err != nil {
			return err
		}
	}

	if b.packetType == wire.Retry {
		// Retry is a one-shot server artifact: once it's on the wire the
		// connection closes, silently, with no error.
		b.conn.CloseLocally(true, 0, "")
	}

	return nil
}

func (b *Builder) finalizeNonEmptyPacket(allDoneSending bool) (bool, error) {
	header := b.datagram.Buffer[b.packetStart:]
	payloadLength := b.datagramLength - (b.packetStart + b.headerLength)
	expectedFinalDatagramLength := b.datagramLength + b.encryptionOverhead

	finalQuicPacket := allDoneSending ||
		b.packetType == wire.ShortHeader ||
		(b.datagramCapacity-expectedFinalDatagramLength) < MinPacketSpareSpace

	if finalQuicPacket && !allDoneSending && b.datapath.IsPaddingPreferred() {
		// Buffering multiple datagrams in one contiguous send-context
		// buffer requires every datagram but the last to be fully padded.
		b.minimumDatagramLength = b.datagramCapacity
	}

	var paddingLength uint16
	switch {
	case finalQuicPacket && expectedFinalDatagramLength < b.minimumDatagramLength:
		paddingLength = b.minimumDatagramLength - expectedFinalDatagramLength
	case uint16(b.packetNumberLength)+payloadLength < 4:
		// Packet protection needs at least 4 bytes of packet number plus
		// payload for the header-protection sample to be available.
		paddingLength = 4 - uint16(b.packetNumberLength) - payloadLength
	}

	if paddingLength != 0 {
		padStart := b.packetStart + b.headerLength + payloadLength
		pad := b.datagram.Buffer[padStart : padStart+paddingLength]
		for i := range pad {
			pad[i] = 0
		}
		payloadLength += paddingLength
		b.datagramLength += paddingLength
	}

	if b.packetType != wire.ShortHeader && b.payloadLengthOffset >= 0 {
		value := uint64(b.packetNumberLength) + uint64(payloadLength) + uint64(b.encryptionOverhead)
		if err := wire.RewritePayloadLength(b.datagram.Buffer, b.payloadLengthOffset, value); err != nil {
			return false, fmt.Errorf("builder: rewrite payload length: %w", err)
		}
	}

	if b.encryptionOverhead > 0 {
		plaintextLength := payloadLength
		if err := b.encryptAndProtect(header, payloadLength); err != nil {
			b.conn.FatalError(err, "encryption or header protection failure")
			return false, err
		}
		payloadLength += b.encryptionOverhead
		b.datagramLength += b.encryptionOverhead

		if err := b.maybeUpdateKeyPhase(plaintextLength); err != nil {
			b.conn.FatalError(err, "key update failure")
			return false, err
		}
	}

	meta := SentPacketMetadata{
		PacketNumber:    b.meta.packetNumber,
		Level:           b.encryptLevel,
		SentAt:          time.Now(),
		Length:          b.headerLength + payloadLength,
		Retransmittable: b.meta.isRetransmittable,
		HasCrypto:       b.meta.hasCrypto,
		IsPMTUD:         b.meta.isPMTUD,
	}
	b.loss.OnPacketSent(b.path, meta)

	if b.meta.isRetransmittable {
		b.packetBatchRetransmittable = true
		if uint64(meta.Length) > b.sendAllowance {
			b.sendAllowance = 0
		} else {
			b.sendAllowance -= uint64(meta.Length)
		}
	}

	return finalQuicPacket, nil
}

// encryptAndProtect AEAD-seals the packet's plaintext in place and
// either queues (short header) or immediately applies (long header)
// header protection.
func (b *Builder) encryptAndProtect(header []byte, payloadLength uint16) error {
	plaintext := header[b.headerLength : b.headerLength+payloadLength]
	sealed := b.key.Seal(nil, header[:b.headerLength], plaintext, b.meta.packetNumber)
	copy(header[b.headerLength:], sealed)

	pnStart := b.headerLength - uint16(b.packetNumberLength)
	sampleStart := int(pnStart) + 4
	if sampleStart+HeaderProtectionSampleLength > len(header) {
		return ErrHeaderProtectionFailure
	}
	var sample [HeaderProtectionSampleLength]byte
	copy(sample[:], header[sampleStart:sampleStart+HeaderProtectionSampleLength])

	if b.packetType == wire.ShortHeader {
		e := &b.hpBatch.entries[b.hpBatch.count]
		e.header = header
		e.sample = sample
		e.destCIDLen = len(b.destCID)
		e.packetNumberLength = b.packetNumberLength
		b.hpBatch.count++
		if b.hpBatch.full() {
			return b.flushHeaderProtectionBatch()
		}
		return nil
	}

	// Long headers use per-level keys, so batching offers no benefit;
	// apply the mask immediately.
	mask, err := b.key.HeaderProtectionMask(sample[:])
	if err != nil {
		return ErrHeaderProtectionFailure
	}
	header[0] ^= mask[0] & 0x0F
	for i := 0; i < int(b.packetNumberLength); i++ {
		header[int(pnStart)+i] ^= mask[1+i]
	}
	return nil
}

// maybeUpdateKeyPhase implements the 1-RTT-only key-update trigger: once
// the handshake is confirmed, no phase update is already pending, and
// this flush's bytes would push the key past its budget, a new 1-RTT
// key is generated and installed before any further packets encrypt
// under the old one.
func (b *Builder) maybeUpdateKeyPhase(plaintextLength uint16) error {
	if b.packetType != wire.ShortHeader {
		return nil
	}
	b.keyPhaseBytesSent += uint64(plaintextLength)

	if b.keyPhaseBytesSent+MaxMTU < b.maxBytesPerKey {
		return nil
	}
	if b.awaitingKeyPhaseConfirmation || !b.handshakeConfirmed {
		return nil
	}

	// Samples queued so far were taken under the current key; mask them
	// before that key is replaced.
	if err := b.flushHeaderProtectionBatch(); err != nil {
		return err
	}

	if err := b.keys.GenerateNewKeys(); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyUpdateFailure, err)
	}
	b.keys.UpdateKeyPhase()

	newKey, ok := b.keys.WriteKey(wire.EncryptLevelOneRTT)
	if !ok {
		return ErrKeyUpdateFailure
	}
	b.key = newKey
	b.keyPhaseBytesSent = 0
	b.awaitingKeyPhaseConfirmation = true
	return nil
}
