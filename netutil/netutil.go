// Package netutil provides address-family classification and
// allowed-subnet membership checks the builder needs to pick a datagram
// ceiling and to validate path migration targets.
//
// This package leans on go4.org/netipx for the IPSet membership test,
// turning an implicit "any UDP peer is fine" posture into an explicit
// allow-list.
package netutil

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

const (
	// MinUDPPayloadIPv4 and MinUDPPayloadIPv6 are the minimum datagram
	// sizes QUIC's Initial packets must reach (RFC 9000 §14.1): UDP
	// payloads that include an Initial packet are padded to at least
	// 1200 bytes regardless of family, but the per-family ceiling before
	// IP/UDP overhead differs.
	MinUDPPayloadIPv4 = 1200
	MinUDPPayloadIPv6 = 1200

	// MaxUDPPayloadIPv4 and MaxUDPPayloadIPv6 bound the largest datagram
	// this module will ever construct, leaving room for IP/UDP headers
	// under a conservative 1500-byte Ethernet MTU.
	MaxUDPPayloadIPv4 = 1452
	MaxUDPPayloadIPv6 = 1432
)

// Family classifies an address as IPv4 or IPv6, unwrapping any
// IPv4-in-IPv6 mapped form first.
type Family uint8

const (
	FamilyUnspecified Family = iota
	FamilyIPv4
	FamilyIPv6
)

// ClassifyFamily reports which family an address belongs to, unwrapping
// v4-in-v6 mapped addresses so a dual-stack socket's peer is classified
// by its real family.
func ClassifyFamily(addr netip.Addr) Family {
	if addr.Is4() || addr.Is4In6() {
		return FamilyIPv4
	}
	if addr.Is6() {
		return FamilyIPv6
	}
	return FamilyUnspecified
}

// MaxUDPPayloadForFamily returns the largest datagram size this module
// will construct for the given address family.
func MaxUDPPayloadForFamily(f Family) uint16 {
	switch f {
	case FamilyIPv4:
		return MaxUDPPayloadIPv4
	case FamilyIPv6:
		return MaxUDPPayloadIPv6
	default:
		return MaxUDPPayloadIPv4
	}
}

// ClampUDPPayload returns the smaller of candidate and the family's
// datagram ceiling; a candidate of zero is treated as "no preference"
// and returns the ceiling outright.
func ClampUDPPayload(f Family, candidate uint16) uint16 {
	ceiling := MaxUDPPayloadForFamily(f)
	if candidate == 0 || candidate > ceiling {
		return ceiling
	}
	return candidate
}

// AllowedSet wraps a netipx.IPSet so path migration and new-path
// validation can reject peers outside an operator-configured allow-list
// (e.g. an internal-only deployment) without re-deriving set membership
// logic per caller.
type AllowedSet struct {
	set *netipx.IPSet
}

// NewAllowedSet builds an AllowedSet from a list of CIDR prefixes.
func NewAllowedSet(prefixes []netip.Prefix) (*AllowedSet, error) {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(p)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("netutil: build allowed set: %w", err)
	}
	return &AllowedSet{set: set}, nil
}

// Contains reports whether addr falls inside the configured set. A nil
// AllowedSet (no allow-list configured) always returns true.
func (a *AllowedSet) Contains(addr netip.Addr) bool {
	if a == nil || a.set == nil {
		return true
	}
	return a.set.Contains(addr)
}
