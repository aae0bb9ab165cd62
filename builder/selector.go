package builder

import "github.com/vela-net/quicforge/wire"

// controlFrameLevels is the deterministic priority order the selector
// walks: Initial, then Handshake, then 0-RTT, then 1-RTT, bounded by the
// connection's current write-key level.
var controlFrameLevels = [...]wire.EncryptLevel{
	wire.EncryptLevelInitial,
	wire.EncryptLevelHandshake,
	wire.EncryptLevelZeroRTT,
	wire.EncryptLevelOneRTT,
}

// selectForControlFrames walks encryption levels up to and including the
// current write key and picks the first level with something worth
// sending, with 1-RTT short-circuiting the walk the moment it's reached
// since 1-RTT always wins when available.
//
// The ACK branch checks flags.has(SendFlagACK) directly rather than a
// per-level "has ACK-eliciting packets pending acknowledgement" query,
// since that per-packet-space state is tracked by the loss detector, not
// exposed through KeyProvider — callers are expected to only set
// SendFlagACK when the relevant packet space actually has one pending.
func selectForControlFrames(flags SendFlags, keys KeyProvider) (wire.PacketType, KeyMaterial, bool) {
	writeLevel := keys.CurrentWriteLevel()

	for _, level := range controlFrameLevels {
		if level > writeLevel {
			break
		}
		key, ok := keys.WriteKey(level)
		if !ok {
			continue // key already discarded
		}
		if level == wire.EncryptLevelOneRTT {
			return wire.ShortHeader, key, true
		}
		if flags.has(SendFlagACK) {
			return packetTypeForLevel(level), key, true
		}
		if flags.has(SendFlagCrypto) && keys.HasPendingCryptoFrame(level) && keys.NextEncryptLevel() == level {
			return packetTypeForLevel(level), key, true
		}
	}

	if flags.has(SendFlagConnectionClose) || flags.has(SendFlagApplicationClose) || flags.has(SendFlagPing) {
		// Picking a key the peer may not yet be able to read is a known,
		// accepted limitation until handshake confirmation lets a close
		// be duplicated across levels.
		if key, ok := keys.WriteKey(writeLevel); ok {
			return packetTypeForLevel(writeLevel), key, true
		}
	}

	return wire.ShortHeader, KeyMaterial{}, false
}

func packetTypeForLevel(level wire.EncryptLevel) wire.PacketType {
	switch level {
	case wire.EncryptLevelInitial:
		return wire.Initial
	case wire.EncryptLevelHandshake:
		return wire.Handshake
	case wire.EncryptLevelZeroRTT:
		return wire.ZeroRTT
	default:
		return wire.ShortHeader
	}
}
