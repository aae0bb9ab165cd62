package qtls

import (
	"sync"

	"github.com/vela-net/quicforge/wire"
)

// KeyTable is the concrete builder.KeyProvider this module ships: a
// level-indexed table of installed write keys plus the bookkeeping the
// packet builder drives it through (pending CRYPTO frames, the next
// level the handshake wants to advance to, and the 1-RTT key-phase
// ratchet). The TLS handshake state machine installs and discards keys
// on this table as it progresses; the builder reads from it and, for a
// 1-RTT key update, calls GenerateNewKeys and UpdateKeyPhase.
type KeyTable struct {
	mu sync.Mutex

	secrets *Secrets

	keys      [4]*KeyMaterial // indexed by wire.EncryptLevel
	discarded [4]bool
	pending   [4]bool

	writeLevel wire.EncryptLevel
	nextLevel  wire.EncryptLevel

	phase        uint8
	pendingPhase *KeyMaterial // derived by GenerateNewKeys, installed by UpdateKeyPhase
}

// NewKeyTable constructs an empty table over a shared-secret derivation
// context; call Install for each level as the handshake produces keys.
func NewKeyTable(secrets *Secrets) *KeyTable {
	return &KeyTable{secrets: secrets}
}

// Install records level's write key, making it available to WriteKey.
func (t *KeyTable) Install(level wire.EncryptLevel, km *KeyMaterial) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[level] = km
	t.discarded[level] = false
}

// Discard retires level's key; WriteKey reports it absent from then on,
// matching the selector's "skip discarded keys" rule.
func (t *KeyTable) Discard(level wire.EncryptLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discarded[level] = true
	t.keys[level] = nil
}

// SetPendingCryptoFrame records whether level's CRYPTO stream has data
// queued, consulted by the control-frame selector.
func (t *KeyTable) SetPendingCryptoFrame(level wire.EncryptLevel, pending bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[level] = pending
}

// SetWriteLevel records the level the builder should fall back to for
// connection-close and other writes with no more specific reason.
func (t *KeyTable) SetWriteLevel(level wire.EncryptLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeLevel = level
}

// SetNextEncryptLevel records the level the handshake is currently
// advancing crypto data into, consulted by the selector's "pending
// CRYPTO frame" rule.
func (t *KeyTable) SetNextEncryptLevel(level wire.EncryptLevel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextLevel = level
}

// WriteKey implements builder.KeyProvider.
func (t *KeyTable) WriteKey(level wire.EncryptLevel) (KeyMaterial, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discarded[level] || t.keys[level] == nil {
		return KeyMaterial{}, false
	}
	return *t.keys[level], true
}

// HasPendingCryptoFrame implements builder.KeyProvider.
func (t *KeyTable) HasPendingCryptoFrame(level wire.EncryptLevel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[level]
}

// NextEncryptLevel implements builder.KeyProvider.
func (t *KeyTable) NextEncryptLevel() wire.EncryptLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextLevel
}

// CurrentWriteLevel implements builder.KeyProvider.
func (t *KeyTable) CurrentWriteLevel() wire.EncryptLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLevel
}

// GenerateNewKeys ratchets the derivation salt and derives the next
// 1-RTT key phase, holding it pending until UpdateKeyPhase installs it.
// Only 1-RTT keys are ever updated mid-connection (RFC 9001 §6); the
// other three levels are write-once.
func (t *KeyTable) GenerateNewKeys() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.secrets.Ratchet()
	km, err := t.secrets.Derive(wire.EncryptLevelOneRTT, t.phase+1)
	if err != nil {
		return err
	}
	t.pendingPhase = km
	return nil
}

// UpdateKeyPhase installs the key GenerateNewKeys derived as the new
// 1-RTT write key. A call with no pending phase is a no-op, matching
// the builder's own guard against calling it twice for one update.
func (t *KeyTable) UpdateKeyPhase() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingPhase == nil {
		return
	}
	t.phase = t.pendingPhase.Phase
	t.keys[wire.EncryptLevelOneRTT] = t.pendingPhase
	t.pendingPhase = nil
}
