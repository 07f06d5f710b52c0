package worker

import (
	"context"
	"sync/atomic"

	"github.com/holiman/uint256"

	"github.com/screa/hook-miner/internal/crypto"
	"github.com/screa/hook-miner/pkg/types"
)

// ctxCheckInterval is how many salts are hashed between cancellation checks.
const ctxCheckInterval = 1024

// Worker derives and bit-tests a contiguous run of salts. It never talks to the chain.
type Worker struct {
	config   *types.WorkerConfig
	attempts *int64
	hash     crypto.HashFunc

	// Pre-allocated buffers for performance
	input *crypto.Create2Input
	salt  uint256.Int
}

// NewWorker creates a new worker instance. attempts is shared with the miner and may be nil.
func NewWorker(config *types.WorkerConfig, attempts *int64) *Worker {
	hash := config.Hash
	if hash == nil {
		hash = crypto.NewKeccak256()
	}
	if attempts == nil {
		attempts = new(int64)
	}
	return &Worker{
		config:   config,
		attempts: attempts,
		hash:     hash,
		input:    crypto.NewCreate2Input(config.Factory, config.ContentHash),
	}
}

// FilterRange scans count salts starting at from and returns the ones whose
// address satisfies the constraint, in ascending salt order.
func (w *Worker) FilterRange(ctx context.Context, from *uint256.Int, count uint64) ([]types.Candidate, error) {
	var out []types.Candidate
	w.salt.Set(from)

	var done int64
	for i := uint64(0); i < count; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				atomic.AddInt64(w.attempts, done)
				return nil, err
			}
		}

		if c, ok := w.check(&w.salt); ok {
			out = append(out, c)
		}
		done++
		w.salt.AddUint64(&w.salt, 1)
	}

	atomic.AddInt64(w.attempts, done)
	return out, nil
}

// Check derives the address for a single salt and reports whether it passes the filter.
func (w *Worker) Check(salt *uint256.Int) (types.Candidate, bool) {
	atomic.AddInt64(w.attempts, 1)
	return w.check(salt)
}

func (w *Worker) check(salt *uint256.Int) (types.Candidate, bool) {
	w.input.SetSalt(salt)
	addr := w.input.Address(w.hash)
	if !w.config.Constraint.Matches(&addr) {
		return types.Candidate{}, false
	}
	c := types.Candidate{Address: addr}
	c.Salt.Set(salt)
	return c, true
}
