package lossdetect

import (
	"github.com/vela-net/quicforge/builder"
)

// BuilderAdapter presents a Detector as a builder.LossDetector. The
// method names collide with Detector's own richer API (OnPacketSent
// returns nothing and takes level/pn/bytes directly, UpdateTimer returns
// a deadline), so the adapter is a distinct, thin wrapper type rather
// than asking Detector to serve both signatures under one name.
type BuilderAdapter struct {
	*Detector
}

// NewBuilderAdapter wraps d so it satisfies builder.LossDetector.
func NewBuilderAdapter(d *Detector) BuilderAdapter {
	return BuilderAdapter{Detector: d}
}

// OnPacketSent implements builder.LossDetector.
func (a BuilderAdapter) OnPacketSent(path *builder.Path, meta builder.SentPacketMetadata) {
	a.Detector.OnPacketSent(uint8(meta.Level), meta.PacketNumber, meta.Length, meta.Retransmittable, meta.IsPMTUD)
}

// UpdateTimer implements builder.LossDetector, discarding the deadline
// Detector.UpdateTimer reports to satisfy the interface's no-return
// signature.
func (a BuilderAdapter) UpdateTimer() {
	a.Detector.UpdateTimer()
}
