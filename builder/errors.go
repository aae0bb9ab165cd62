package builder

import "errors"

// ErrNoSourceCID is returned by Initialize when the connection has no
// source connection ID to hand the builder; the caller must abort the
// flush entirely.
var ErrNoSourceCID = errors.New("builder: no source connection ID available")

// ErrAllocFailure is returned by Prepare when the datapath failed to
// allocate a send context or datagram, or when the prepared packet is
// left with less than MinPacketSpareSpace writable bytes; treated as
// soft — the caller skips this send intent for the current flush.
var ErrAllocFailure = errors.New("builder: datapath allocation failure")

// ErrBatchFull is returned by Prepare when total_datagrams_sent has
// already reached the per-flush batch ceiling.
var ErrBatchFull = errors.New("builder: datagram batch is full for this flush")

// ErrInvalidSelector is returned by the control-frame selector when it
// is invoked with no matching send reason; this indicates a caller bug.
var ErrInvalidSelector = errors.New("builder: selector invoked with no matching send reason")

// ErrEncryptionFailure, ErrHeaderProtectionFailure, and
// ErrKeyUpdateFailure are fatal to the connection: Finalize reports them
// via ConnectionControl.FatalError and returns without sending the
// offending packet.
var (
	ErrEncryptionFailure       = errors.New("builder: AEAD encryption failed")
	ErrHeaderProtectionFailure = errors.New("builder: header protection failed")
	ErrKeyUpdateFailure        = errors.New("builder: 1-RTT key update failed")
)
