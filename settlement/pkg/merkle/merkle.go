// Package merkle builds commitments over finalized (account, amount) reward
// sets and produces/verifies inclusion proofs against them.
//
// Pair hashing is order independent: the two child hashes are combined in
// ascending bytewise order, so a verifier holding only an unordered proof
// list reconstructs the same root. Leaves and interior nodes are domain
// separated with distinct prefixes.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// ZeroRoot is the designated root of an empty entry set.
var ZeroRoot [32]byte

var (
	ErrDuplicateAddress = errors.New("merkle: duplicate address in entry set")
	ErrEntryNotFound    = errors.New("merkle: address not in commitment")
)

// RewardEntry is one (account, cumulative amount) pair for an epoch.
type RewardEntry struct {
	Address solana.PublicKey
	Amount  uint64
	EpochID uint64
}

// Commitment is an immutable merkle commitment over a reward entry set.
// Regenerating from the same entries reproduces the same root bit for bit,
// regardless of input order.
type Commitment struct {
	root    [32]byte
	entries []RewardEntry
	levels  [][][32]byte
	index   map[solana.PublicKey]int
}

// Build constructs a commitment over entries. Entries are canonically ordered
// (bytewise by address) before tree construction, so insertion order does not
// affect the root. Duplicate addresses are a caller error. An empty entry set
// yields ZeroRoot.
func Build(entries []RewardEntry) (*Commitment, error) {
	sorted := make([]RewardEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Address[:], sorted[j].Address[:]) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Address == sorted[i-1].Address {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAddress, sorted[i].Address)
		}
	}

	c := &Commitment{
		entries: sorted,
		index:   make(map[solana.PublicKey]int, len(sorted)),
	}
	if len(sorted) == 0 {
		c.root = ZeroRoot
		return c, nil
	}

	leaves := make([][32]byte, len(sorted))
	for i, e := range sorted {
		leaves[i] = leafHash(e.Address, e.Amount)
		c.index[e.Address] = i
	}

	c.levels = append(c.levels, leaves)
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			// Odd node carries up unpaired.
			next = append(next, level[len(level)-1])
		}
		c.levels = append(c.levels, next)
		level = next
	}
	c.root = level[0]
	return c, nil
}

// Root returns the commitment root.
func (c *Commitment) Root() [32]byte {
	return c.root
}

// EntryCount returns the number of entries in the commitment.
func (c *Commitment) EntryCount() int {
	return len(c.entries)
}

// Entries returns the canonically ordered entry set.
func (c *Commitment) Entries() []RewardEntry {
	out := make([]RewardEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Total returns the sum of all entry amounts.
func (c *Commitment) Total() uint64 {
	var total uint64
	for _, e := range c.entries {
		total += e.Amount
	}
	return total
}

// ProofFor returns the sibling hashes proving the entry for address.
// For a single-entry commitment the proof is empty.
func (c *Commitment) ProofFor(address solana.PublicKey) ([][32]byte, error) {
	idx, ok := c.index[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, address)
	}

	var proof [][32]byte
	for _, level := range c.levels[:len(c.levels)-1] {
		n := len(level)
		if idx == n-1 && n%2 == 1 {
			// Carried up unpaired; no sibling at this level.
			idx = n / 2
			continue
		}
		proof = append(proof, level[idx^1])
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from (address, amount) and the proof by
// iterative sorted-pair hashing and compares it to root. It is a pure
// function callable by any party holding only the claimed root.
func Verify(root [32]byte, address solana.PublicKey, amount uint64, proof [][32]byte) bool {
	h := leafHash(address, amount)
	for _, p := range proof {
		h = nodeHash(h, p)
	}
	return h == root
}

func leafHash(address solana.PublicKey, amount uint64) [32]byte {
	var buf [1 + 32 + 8]byte
	buf[0] = leafPrefix
	copy(buf[1:33], address[:])
	binary.BigEndian.PutUint64(buf[33:], amount)
	return sha256.Sum256(buf[:])
}

func nodeHash(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	var buf [1 + 32 + 32]byte
	buf[0] = nodePrefix
	copy(buf[1:33], a[:])
	copy(buf[33:], b[:])
	return sha256.Sum256(buf[:])
}
