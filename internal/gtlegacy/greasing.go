// Package gtlegacy holds teacher code adapted to the packet builder's
// domain rather than deleted outright. greasing.go generalizes the
// teacher's QUIC-mimicry version table (transport/internet/gametunnel/
// obfs.go's QUICObfuscator, which rotated among a short list of real QUIC
// version numbers to make a non-QUIC payload look like genuine QUIC to a
// DPI box) into honest QUIC version greasing: RFC 9287 has senders
// occasionally advertise a reserved, nonsense version number so
// middleboxes and peers can't ossify around "every QUIC packet has one of
// these N versions". Same mechanism — vary the version field the peer
// sees — aimed at its real protocol purpose instead of impersonation.
package gtlegacy

import "github.com/vela-net/quicforge/wire"

// greaseVersions are reserved per RFC 9287 §4: any 32-bit value of the
// form 0x?a?a?a?a is never assigned to a real QUIC version, so a grease
// value in this family can never collide with a future real version.
var greaseVersions = []wire.Version{
	0x1a2a3a4a,
	0x2a3a4a5a,
	0x3a4a5a6a,
	0x4a5a6a7a,
	0x5a6a7a8a,
}

// GreaseVersion deterministically rotates through greaseVersions keyed by
// counter (e.g. a connection's Initial attempt count), rather than the
// teacher's math/rand.Intn pick — deterministic selection keeps a given
// connection attempt's grease version reproducible across retransmitted
// Initials instead of changing on every retry, which would look more
// suspicious to the exact DPI heuristics greasing exists to defeat.
func GreaseVersion(counter uint64) wire.Version {
	return greaseVersions[counter%uint64(len(greaseVersions))]
}

// IsGreaseVersion reports whether v is one of the reserved grease values,
// letting a receiver recognize and ignore an unsupported version it
// already expects rather than treating it as a negotiation failure.
func IsGreaseVersion(v wire.Version) bool {
	for _, g := range greaseVersions {
		if v == g {
			return true
		}
	}
	return false
}
