// Package pool implements the parallel execution pool: it splits a batch
// of region pairs across workers that share the soup's byte buffer and
// returns only aggregated instruction-category counters.
package pool

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pkg/errors"
	"github.com/tetzl/turingsoup/internal/bff"
)

// Pair is an ordered pair of region starts submitted as one execution
// unit.
type Pair struct {
	A, B uint32
}

// TapeSource is the soup-shaped dependency the pool needs: something that
// knows its region size and can run a single pair's interpretation
// in-place against the shared buffer.
type TapeSource interface {
	RegionSize() uint32
	ExecutePairInto(tapeBuf []byte, p Pair, cfg bff.ExecConfig) bff.Stats
}

// Counters are the aggregated, cross-worker sums returned by a dispatch.
// Count is the number of pairs actually executed.
type Counters struct {
	Head0Count uint64
	Head1Count uint64
	MathCount  uint64
	CopyCount  uint64
	LoopCount  uint64
	Count      uint64
}

func (c *Counters) add(s bff.Stats) {
	c.Head0Count += uint64(s.Head0Count)
	c.Head1Count += uint64(s.Head1Count)
	c.MathCount += uint64(s.MathCount)
	c.CopyCount += uint64(s.CopyCount)
	c.LoopCount += uint64(s.LoopCount)
	c.Count++
}

func merge(into *Counters, from Counters) {
	into.Head0Count += from.Head0Count
	into.Head1Count += from.Head1Count
	into.MathCount += from.MathCount
	into.CopyCount += from.CopyCount
	into.LoopCount += from.LoopCount
	into.Count += from.Count
}

// ErrBackpressure is returned by TryDispatch when the pool already has
// maxPending outstanding dispatches.
var ErrBackpressure = errors.New("pool: too many outstanding dispatches")

// Pool splits pairs across a fixed number of workers sharing a TapeSource.
type Pool struct {
	workers     int
	maxPending  int64
	outstanding int64
}

// New creates a Pool. workers<=0 selects max(1, runtime.NumCPU()-1).
// maxPending<=0 disables back-pressure tracking.
func New(workers, maxPending int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU() - 1
		if workers < 1 {
			workers = 1
		}
	}
	return &Pool{workers: workers, maxPending: int64(maxPending)}
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return p.workers }

// Outstanding returns the current number of in-flight dispatches.
func (p *Pool) Outstanding() int64 { return atomic.LoadInt64(&p.outstanding) }

// TryDispatch calls Dispatch unless maxPending outstanding dispatches are
// already in flight, in which case it returns ErrBackpressure immediately.
func (p *Pool) TryDispatch(ctx context.Context, src TapeSource, pairs []Pair, cfg bff.ExecConfig) (Counters, error) {
	if p.maxPending > 0 && atomic.LoadInt64(&p.outstanding) >= p.maxPending {
		return Counters{}, ErrBackpressure
	}
	return p.Dispatch(ctx, src, pairs, cfg)
}

// Dispatch partitions pairs into at most p.workers equal-sized slices,
// runs each slice sequentially on its own worker (extract -> interpret ->
// write back per pair), and returns the summed counters. Workers never
// interleave within a slice; pairs across slices may race on overlapping
// soup memory when alignment < regionSize, which the engine tolerates.
func (p *Pool) Dispatch(ctx context.Context, src TapeSource, pairs []Pair, cfg bff.ExecConfig) (Counters, error) {
	atomic.AddInt64(&p.outstanding, 1)
	defer atomic.AddInt64(&p.outstanding, -1)

	if len(pairs) == 0 {
		return Counters{}, nil
	}

	workers := p.workers
	if workers > len(pairs) {
		workers = len(pairs)
	}
	slices := partition(pairs, workers)

	g, gctx := errgroup.WithContext(ctx)
	results := make([]Counters, len(slices))
	tapeLen := 2 * int(src.RegionSize())

	for i, slice := range slices {
		i, slice := i, slice
		g.Go(func() error {
			tapeBuf := make([]byte, tapeLen)
			var local Counters
			for _, pr := range slice {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				stats := src.ExecutePairInto(tapeBuf, pr, cfg)
				local.add(stats)
			}
			results[i] = local
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Counters{}, err
	}

	var total Counters
	for _, r := range results {
		merge(&total, r)
	}
	return total, nil
}

// ExecuteBatch runs pairs sequentially, in order, against src and returns
// the concatenated external wire-format record stream: one 28-byte stats
// record followed by 2*regionSize tape bytes, per pair, little-endian.
// It is the external execute_batch entry point's W=1 case; Dispatch's
// aggregated Counters, not this encoding, is what the driver's own tick
// path uses for per-tick throughput.
func ExecuteBatch(src TapeSource, pairs []Pair, cfg bff.ExecConfig) []byte {
	tapeLen := 2 * int(src.RegionSize())
	recordLen := bff.StatsRecordSize + tapeLen
	out := make([]byte, 0, recordLen*len(pairs))
	tapeBuf := make([]byte, tapeLen)
	for _, p := range pairs {
		stats := src.ExecutePairInto(tapeBuf, p, cfg)
		statsRecord := stats.Encode()
		out = append(out, statsRecord[:]...)
		out = append(out, tapeBuf...)
	}
	return out
}

// partition splits pairs into up to n roughly equal, contiguous slices.
func partition(pairs []Pair, n int) [][]Pair {
	if n <= 0 {
		n = 1
	}
	total := len(pairs)
	base := total / n
	rem := total % n
	out := make([][]Pair, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		if size == 0 {
			continue
		}
		out = append(out, pairs[start:start+size])
		start += size
	}
	return out
}
