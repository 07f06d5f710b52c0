package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/screa/hook-miner/internal/crypto"
)

// Errors
var (
	ErrSearchExhausted   = errors.New("no acceptable unoccupied salt in range")
	ErrTargetOutsideMask = errors.New("target has bits outside the mask")
	ErrMaskTooWide       = errors.New("mask exceeds 160 bits")
)

// Status is the result kind of a mining run.
type Status int

const (
	Found Status = iota + 1
	Exhausted
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Constraint is a (mask, target) pair over the address bits. An address is
// acceptable iff address & Mask == Target.
type Constraint struct {
	Mask   uint256.Int
	Target uint256.Int
}

// NewConstraint builds a constraint over the low 64 bits.
func NewConstraint(mask, target uint64) Constraint {
	var c Constraint
	c.Mask.SetUint64(mask)
	c.Target.SetUint64(target)
	return c
}

// Validate rejects constraints that no address can ever satisfy.
func (c *Constraint) Validate() error {
	if c.Mask.BitLen() > 8*crypto.AddressLen {
		return ErrMaskTooWide
	}
	var outside uint256.Int
	outside.Not(&c.Mask)
	outside.And(&outside, &c.Target)
	if !outside.IsZero() {
		return fmt.Errorf("%w: mask %s target %s", ErrTargetOutsideMask, c.Mask.Hex(), c.Target.Hex())
	}
	return nil
}

// Matches reports whether addr satisfies the constraint. Does not allocate.
func (c *Constraint) Matches(addr *common.Address) bool {
	var v uint256.Int
	v.SetBytes20(addr[:])
	v.And(&v, &c.Mask)
	return v.Eq(&c.Target)
}

// Candidate is a salt whose derived address passed the bit-pattern filter.
type Candidate struct {
	Salt    uint256.Int
	Address common.Address
}

// Outcome is the result of one mining invocation.
type Outcome struct {
	Status  Status
	Salt    *uint256.Int // nil unless Found
	Address common.Address

	Attempts   int64 // salts derived up to and including the winner, or the whole range
	Candidates int64 // salts that passed the bit filter and were sent to the oracle
	Collisions int64 // candidates skipped because code already exists there
	Duration   time.Duration
}

// SaltBytes returns the winning salt as it is passed to the factory.
func (o *Outcome) SaltBytes() [32]byte {
	if o.Salt == nil {
		return [32]byte{}
	}
	return crypto.SaltBytes(o.Salt)
}

// Err maps Exhausted to ErrSearchExhausted for callers that prefer errors.
func (o *Outcome) Err() error {
	if o.Status == Exhausted {
		return ErrSearchExhausted
	}
	return nil
}

// WorkerConfig contains configuration for individual workers
type WorkerConfig struct {
	Factory     common.Address
	ContentHash common.Hash
	Constraint  Constraint

	// Hash is shared by all workers and must then be safe for concurrent use.
	// When nil each worker keeps its own Keccak-256 state.
	Hash crypto.HashFunc
}
