package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "TrancheLedger:genesis:v1"

// StateHasher maintains the state hash chain. Next is pure so a command
// that fails to commit leaves the chain untouched; Advance moves the tip
// once the store has accepted the new hash.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: genesisHash(),
	}
}

func genesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// Reset resumes the chain from a stored tip. A zero tip means a fresh
// store, which starts from genesis.
func (h *StateHasher) Reset(tip [32]byte) {
	if tip == ([32]byte{}) {
		h.prevHash = genesisHash()
		return
	}
	h.prevHash = tip
}

// Next calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) Next(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Advance moves the chain tip to hash.
func (h *StateHasher) Advance(hash [32]byte) {
	h.prevHash = hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
