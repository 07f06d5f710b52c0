package miner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/screa/hook-miner/internal/crypto"
	"github.com/screa/hook-miner/pkg/types"
	"github.com/screa/hook-miner/pkg/worker"
)

const (
	DefaultBatchSize   = 4096
	DefaultLogInterval = 5 * time.Second
)

// Errors
var (
	ErrSearchExhausted = types.ErrSearchExhausted
	ErrOracleFailure   = errors.New("occupancy check failed")
	ErrStopped         = errors.New("mining stopped")
	ErrNoOracle        = errors.New("no occupancy oracle")
	ErrInvalidRange    = errors.New("invalid salt range")
)

// Oracle answers whether bytecode is currently deployed at an address.
type Oracle interface {
	CodeExistsAt(ctx context.Context, addr common.Address) (bool, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, addr common.Address) (bool, error)

func (f OracleFunc) CodeExistsAt(ctx context.Context, addr common.Address) (bool, error) {
	return f(ctx, addr)
}

// Unoccupied treats every address as free. Used for offline mining.
var Unoccupied Oracle = OracleFunc(func(context.Context, common.Address) (bool, error) {
	return false, nil
})

// OracleError reports an occupancy check that could not complete. It matches
// ErrOracleFailure with errors.Is and unwraps to the client error.
type OracleError struct {
	Salt    *uint256.Int
	Address common.Address
	Err     error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("%v for %s (salt %s): %v", ErrOracleFailure, e.Address.Hex(), e.Salt.Dec(), e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

func (e *OracleError) Is(target error) bool { return target == ErrOracleFailure }

// Request describes one search over [StartSalt, MaxSalt].
type Request struct {
	Factory     common.Address
	ContentHash common.Hash
	StartSalt   *uint256.Int // nil means 0
	MaxSalt     *uint256.Int // inclusive
	Constraint  types.Constraint
	Oracle      Oracle

	// Hash replaces Keccak-256, mainly for tests. It is shared across workers.
	Hash crypto.HashFunc
}

func (r *Request) validate() error {
	if r.Oracle == nil {
		return ErrNoOracle
	}
	if r.MaxSalt == nil {
		return fmt.Errorf("%w: no max salt", ErrInvalidRange)
	}
	if r.StartSalt != nil && r.StartSalt.Gt(r.MaxSalt) {
		return fmt.Errorf("%w: start %s > max %s", ErrInvalidRange, r.StartSalt.Dec(), r.MaxSalt.Dec())
	}
	// An unsatisfiable constraint is scanned like any other and ends Exhausted.
	return nil
}

// Options tune the scan without changing its result.
type Options struct {
	Workers     int           // goroutines used for local filtering
	BatchSize   uint64        // salts filtered per window
	LogInterval time.Duration // progress logging period, 0 disables
}

// DefaultOptions scans sequentially with a single worker.
func DefaultOptions() Options {
	return Options{
		Workers:     1,
		BatchSize:   DefaultBatchSize,
		LogInterval: DefaultLogInterval,
	}
}

// Progress is a snapshot of a running or finished search.
type Progress struct {
	Attempts   int64
	Candidates int64
	Collisions int64
	Cursor     *uint256.Int // every salt below Cursor has been fully checked
	Elapsed    time.Duration
}

// Miner scans salts upward and returns the lowest one whose address matches
// the constraint and holds no code. It keeps no state between searches.
type Miner struct {
	opts   Options
	logger log.Logger

	attempts   int64
	candidates int64
	collisions int64

	mu     sync.RWMutex
	cursor uint256.Int
	start  time.Time

	done chan struct{}
	once sync.Once
}

// NewMiner creates a new miner instance. logger may be nil to disable progress logging.
func NewMiner(opts Options, logger log.Logger) *Miner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Miner{
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Mine runs the search. Exhausting the range is not an error: the outcome has
// Status Exhausted. Oracle failures abort the search with an *OracleError.
func (m *Miner) Mine(ctx context.Context, req Request) (*types.Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	startSalt := new(uint256.Int)
	if req.StartSalt != nil {
		startSalt.Set(req.StartSalt)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	m.reset(startSalt, start)

	if m.logger != nil && m.opts.LogInterval > 0 {
		ticker := time.NewTicker(m.opts.LogInterval)
		logDone := make(chan struct{})
		go m.periodicLogger(ticker, logDone)
		defer func() {
			ticker.Stop()
			close(logDone)
		}()
	}

	cfg := &types.WorkerConfig{
		Factory:     req.Factory,
		ContentHash: req.ContentHash,
		Constraint:  req.Constraint,
		Hash:        req.Hash,
	}
	workers := make([]*worker.Worker, m.opts.Workers)
	for i := range workers {
		workers[i] = worker.NewWorker(cfg, &m.attempts)
	}

	cursor := new(uint256.Int).Set(startSalt)
	for {
		count, last := window(cursor, req.MaxSalt, m.opts.BatchSize)

		candidates, err := m.filter(ctx, workers, cursor, count)
		if err != nil {
			return nil, m.stopErr(ctx, err)
		}

		// Occupancy checks run in increasing salt order so the lowest free salt wins.
		for i := range candidates {
			c := &candidates[i]
			atomic.AddInt64(&m.candidates, 1)

			occupied, err := req.Oracle.CodeExistsAt(ctx, c.Address)
			if err != nil {
				if ctx.Err() != nil {
					return nil, m.stopErr(ctx, ctx.Err())
				}
				return nil, &OracleError{Salt: new(uint256.Int).Set(&c.Salt), Address: c.Address, Err: err}
			}
			if occupied {
				atomic.AddInt64(&m.collisions, 1)
				continue
			}

			m.setCursor(&c.Salt)
			return &types.Outcome{
				Status:     types.Found,
				Salt:       new(uint256.Int).Set(&c.Salt),
				Address:    c.Address,
				Attempts:   span(startSalt, &c.Salt),
				Candidates: atomic.LoadInt64(&m.candidates),
				Collisions: atomic.LoadInt64(&m.collisions),
				Duration:   time.Since(start),
			}, nil
		}

		if last {
			m.setCursor(req.MaxSalt)
			return &types.Outcome{
				Status:     types.Exhausted,
				Attempts:   span(startSalt, req.MaxSalt),
				Candidates: atomic.LoadInt64(&m.candidates),
				Collisions: atomic.LoadInt64(&m.collisions),
				Duration:   time.Since(start),
			}, nil
		}
		cursor.AddUint64(cursor, count)
		m.setCursor(cursor)
	}
}

// filter splits one window across the workers and joins the results in salt order.
func (m *Miner) filter(ctx context.Context, workers []*worker.Worker, from *uint256.Int, count uint64) ([]types.Candidate, error) {
	n := uint64(len(workers))
	if n == 1 || count < n {
		return workers[0].FilterRange(ctx, from, count)
	}

	chunk := (count + n - 1) / n
	results := make([][]types.Candidate, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := uint64(0); i < n; i++ {
		offset := i * chunk
		if offset >= count {
			break
		}
		size := min(chunk, count-offset)
		chunkFrom := new(uint256.Int).AddUint64(from, offset)
		g.Go(func() error {
			found, err := workers[i].FilterRange(gctx, chunkFrom, size)
			results[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []types.Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// window returns how many salts to filter from cursor and whether that reaches max.
func window(cursor, max *uint256.Int, batch uint64) (uint64, bool) {
	remaining := new(uint256.Int).Sub(max, cursor)
	if remaining.IsUint64() && remaining.Uint64() < batch {
		return remaining.Uint64() + 1, true
	}
	return batch, false
}

// span is the number of salts in [from, to], saturated at MaxInt64.
func span(from, to *uint256.Int) int64 {
	d := new(uint256.Int).Sub(to, from)
	if !d.IsUint64() || d.Uint64() >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(d.Uint64()) + 1
}

func (m *Miner) stopErr(ctx context.Context, err error) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (m *Miner) reset(cursor *uint256.Int, start time.Time) {
	atomic.StoreInt64(&m.attempts, 0)
	atomic.StoreInt64(&m.candidates, 0)
	atomic.StoreInt64(&m.collisions, 0)
	m.mu.Lock()
	m.cursor.Set(cursor)
	m.start = start
	m.mu.Unlock()
}

func (m *Miner) setCursor(salt *uint256.Int) {
	m.mu.Lock()
	m.cursor.Set(salt)
	m.mu.Unlock()
}

// Stop stops the mining process. A stopped miner cannot be restarted.
func (m *Miner) Stop() {
	m.once.Do(func() { close(m.done) })
}

// Progress returns the counters of the current or last search. Cursor is a
// safe --start-salt for resuming an interrupted search.
func (m *Miner) Progress() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var elapsed time.Duration
	if !m.start.IsZero() {
		elapsed = time.Since(m.start)
	}
	return Progress{
		Attempts:   atomic.LoadInt64(&m.attempts),
		Candidates: atomic.LoadInt64(&m.candidates),
		Collisions: atomic.LoadInt64(&m.collisions),
		Cursor:     new(uint256.Int).Set(&m.cursor),
		Elapsed:    elapsed,
	}
}

// periodicLogger logs mining progress at regular intervals
func (m *Miner) periodicLogger(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			p := m.Progress()

			// Calculate rate safely
			rate := 0.0
			if p.Elapsed.Seconds() > 0 {
				rate = float64(p.Attempts) / p.Elapsed.Seconds()
			}
			m.logger.Info("Mining progress", "attempts", p.Attempts, "rate", fmt.Sprintf("%.2f/s", rate),
				"candidates", p.Candidates, "collisions", p.Collisions, "cursor", p.Cursor.Dec())
		case <-done:
			return
		}
	}
}
