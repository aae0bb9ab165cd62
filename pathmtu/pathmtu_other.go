//go:build !linux

package pathmtu

import (
	"errors"
	"net/netip"
)

// ErrUnsupported is returned on platforms with no kernel route table
// this package knows how to query; callers fall back to config's
// default MTU and let PMTUD discover the real path MTU from scratch.
var ErrUnsupported = errors.New("pathmtu: route hints are unsupported on this platform")

// RouteHint always fails off Linux; see pathmtu_linux.go.
func RouteHint(dst netip.Addr) (int, error) {
	return 0, ErrUnsupported
}
