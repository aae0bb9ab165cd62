package builder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vela-net/quicforge/wire"
)

// fakeKeyProvider is a hand-rolled KeyProvider stub for selector tests;
// the full gomock-based Datapath mock lives in datapath_mock_test.go,
// but KeyProvider's small surface doesn't earn the ceremony of a
// generated mock.
type fakeKeyProvider struct {
	writeLevel    wire.EncryptLevel
	present       map[wire.EncryptLevel]bool
	pendingCrypto map[wire.EncryptLevel]bool
	nextLevel     wire.EncryptLevel

	generateNewKeysCalled bool
	updateKeyPhaseCalled  bool
}

func newFakeKeyProvider(writeLevel wire.EncryptLevel) *fakeKeyProvider {
	return &fakeKeyProvider{
		writeLevel:    writeLevel,
		present:       map[wire.EncryptLevel]bool{},
		pendingCrypto: map[wire.EncryptLevel]bool{},
	}
}

func (f *fakeKeyProvider) WriteKey(level wire.EncryptLevel) (KeyMaterial, bool) {
	if !f.present[level] {
		return KeyMaterial{}, false
	}
	return KeyMaterial{Level: level}, true
}

func (f *fakeKeyProvider) HasPendingCryptoFrame(level wire.EncryptLevel) bool {
	return f.pendingCrypto[level]
}

func (f *fakeKeyProvider) NextEncryptLevel() wire.EncryptLevel { return f.nextLevel }

func (f *fakeKeyProvider) GenerateNewKeys() error {
	f.generateNewKeysCalled = true
	return nil
}

func (f *fakeKeyProvider) UpdateKeyPhase() {
	f.updateKeyPhaseCalled = true
}

func (f *fakeKeyProvider) CurrentWriteLevel() wire.EncryptLevel { return f.writeLevel }

func TestSelector_PrefersEarliestLevelWithACK(t *testing.T) {
	keys := newFakeKeyProvider(wire.EncryptLevelHandshake)
	keys.present[wire.EncryptLevelInitial] = true
	keys.present[wire.EncryptLevelHandshake] = true

	pktType, key, ok := selectForControlFrames(SendFlagACK, keys)
	require.True(t, ok)
	require.Equal(t, wire.Initial, pktType)
	require.Equal(t, wire.EncryptLevelInitial, key.Level)
}

func TestSelector_SkipsDiscardedKeys(t *testing.T) {
	keys := newFakeKeyProvider(wire.EncryptLevelHandshake)
	keys.present[wire.EncryptLevelHandshake] = true // Initial already discarded

	pktType, key, ok := selectForControlFrames(SendFlagACK, keys)
	require.True(t, ok)
	require.Equal(t, wire.Handshake, pktType)
	require.Equal(t, wire.EncryptLevelHandshake, key.Level)
}

func TestSelector_OneRTTShortCircuits(t *testing.T) {
	keys := newFakeKeyProvider(wire.EncryptLevelOneRTT)
	keys.present[wire.EncryptLevelInitial] = true
	keys.present[wire.EncryptLevelOneRTT] = true

	pktType, key, ok := selectForControlFrames(SendFlagCrypto, keys)
	require.True(t, ok)
	require.Equal(t, wire.ShortHeader, pktType)
	require.Equal(t, wire.EncryptLevelOneRTT, key.Level)
}

func TestSelector_CryptoRequiresPendingAndNextLevelMatch(t *testing.T) {
	keys := newFakeKeyProvider(wire.EncryptLevelHandshake)
	keys.present[wire.EncryptLevelInitial] = true
	keys.present[wire.EncryptLevelHandshake] = true
	keys.pendingCrypto[wire.EncryptLevelHandshake] = true
	keys.nextLevel = wire.EncryptLevelHandshake

	pktType, key, ok := selectForControlFrames(SendFlagCrypto, keys)
	require.True(t, ok)
	require.Equal(t, wire.Handshake, pktType)
	require.Equal(t, wire.EncryptLevelHandshake, key.Level)
}

func TestSelector_ConnectionCloseFallsBackToWriteLevel(t *testing.T) {
	keys := newFakeKeyProvider(wire.EncryptLevelHandshake)
	keys.present[wire.EncryptLevelHandshake] = true

	pktType, key, ok := selectForControlFrames(SendFlagConnectionClose, keys)
	require.True(t, ok)
	require.Equal(t, wire.Handshake, pktType)
	require.Equal(t, wire.EncryptLevelHandshake, key.Level)
}

func TestSelector_NoMatchingReasonFails(t *testing.T) {
	keys := newFakeKeyProvider(wire.EncryptLevelHandshake)
	keys.present[wire.EncryptLevelHandshake] = true

	_, _, ok := selectForControlFrames(0, keys)
	require.False(t, ok)
}
