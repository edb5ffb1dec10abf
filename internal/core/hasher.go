package core

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

const GenesisHashSeed = "PerpSettle:genesis:v1"

// StateHasher chains a hash over every applied command
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// stateDigest is the canonical byte form of the accounts a command touched
// plus the market's pool counters. Accounts must already be sorted.
type stateDigest struct {
	buf []byte
}

func (d *stateDigest) account(addr common.Address, acct state.Account) {
	d.buf = append(d.buf, addr[:]...)
	d.wad(acct.Base)
	d.wad(acct.Quote)
	d.wad(acct.TotalLeveragedValue)
	d.wad(acct.LastUpdatedGasPrice)
	d.int64(acct.LastUpdatedIndex)
}

func (d *stateDigest) wad(w fpmath.Wad) {
	s := w.String()
	d.buf = append(d.buf, byte(len(s)))
	d.buf = append(d.buf, s...)
}

func (d *stateDigest) int64(v int64) {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, uint64(v))
}

func (d *stateDigest) str(s string) {
	d.buf = append(d.buf, byte(len(s)))
	d.buf = append(d.buf, s...)
}
