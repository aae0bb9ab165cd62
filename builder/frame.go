package builder

import "errors"

// ErrNoPacketInProgress is returned by WriteFrames when called without a
// prior successful Prepare call.
var ErrNoPacketInProgress = errors.New("builder: no packet in progress")

// WriteFrames hands the Framer collaborator the writable region left in
// the current packet and folds its result into the builder's packet
// metadata. Callers invoke this once per Prepare/Finalize cycle; a
// Framer that writes zero frames (Finalize's Case A) is the normal way
// to abandon a prepared-but-unneeded packet.
func (b *Builder) WriteFrames() error {
	if !b.packetInProgress || b.datagram == nil {
		return ErrNoPacketInProgress
	}

	available := int(b.datagramCapacity) - int(b.encryptionOverhead) - int(b.datagramLength)
	if available < 0 {
		available = 0
	}
	buf := b.datagram.Buffer[b.datagramLength : int(b.datagramLength)+available]

	n, frameCount, retransmittable, hasCrypto, err := b.framer.WriteFrames(b.packetType, b.key, buf)
	if err != nil {
		return err
	}

	b.datagramLength += uint16(n)
	b.meta.frameCount += frameCount
	b.meta.isRetransmittable = b.meta.isRetransmittable || retransmittable
	b.meta.hasCrypto = b.meta.hasCrypto || hasCrypto
	return nil
}
