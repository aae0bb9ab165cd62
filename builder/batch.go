package builder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// flushHeaderProtectionBatch computes the header-protection mask for
// every pending sample in one call and applies each mask to its header,
// amortising the crypto primitive's per-call cost across the whole
// batch — the short-header counterpart to the per-packet masking long
// headers use.
func (b *Builder) flushHeaderProtectionBatch() error {
	if b.hpBatch.count == 0 {
		return nil
	}

	var samples [MaxBatch * HeaderProtectionSampleLength]byte
	for i := 0; i < b.hpBatch.count; i++ {
		copy(samples[i*HeaderProtectionSampleLength:], b.hpBatch.entries[i].sample[:])
	}

	var masks [MaxBatch * 5]byte
	if err := b.key.HeaderProtectionMaskBatch(
		b.hpBatch.count,
		samples[:b.hpBatch.count*HeaderProtectionSampleLength],
		masks[:b.hpBatch.count*5],
	); err != nil {
		return fmt.Errorf("%w: %v", ErrHeaderProtectionFailure, err)
	}

	for i := 0; i < b.hpBatch.count; i++ {
		entry := &b.hpBatch.entries[i]
		offset := i * 5
		entry.header[0] ^= masks[offset] & 0x1F

		pnStart := 1 + entry.destCIDLen
		for j := 0; j < int(entry.packetNumberLength); j++ {
			entry.header[pnStart+j] ^= masks[offset+1+j]
		}
	}

	b.hpBatch.reset()
	return nil
}

// dispatch hands the held send context to the datapath and releases
// ownership of it.
func (b *Builder) dispatch() error {
	if b.sendCtx == nil {
		return nil
	}

	var err error
	if b.path.LocalAddr.IsValid() {
		err = b.datapath.SendTo(b.path.Binding, b.path.RemoteAddr, b.sendCtx)
	} else {
		err = b.datapath.SendFromTo(b.path.Binding, b.path.LocalAddr, b.path.RemoteAddr, b.sendCtx)
	}
	if err != nil {
		return fmt.Errorf("builder: dispatch: %w", err)
	}

	b.packetBatchSent = true
	b.sendCtx = nil
	return nil
}

// FlushAll runs Cleanup concurrently across independent per-path
// Builders, preserving the single-threaded-per-builder invariant since
// each goroutine only ever touches the one Builder it was handed. Use
// this for connections juggling multiple paths (e.g. mid-migration)
// rather than sharing a single Builder across goroutines.
func FlushAll(ctx context.Context, builders []*Builder) []error {
	errs := make([]error, len(builders))
	g, _ := errgroup.WithContext(ctx)

	for i, bd := range builders {
		i, bd := i, bd
		g.Go(func() error {
			errs[i] = bd.Cleanup()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
