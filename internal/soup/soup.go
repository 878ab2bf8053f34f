// Package soup owns the simulation's shared byte buffer (the "soup"),
// region/pair selection, pair execution, and mutation.
package soup

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tetzl/turingsoup/internal/bff"
	"github.com/tetzl/turingsoup/internal/pool"
)

// Config is the region/selection/mutation configuration for a Soup.
type Config struct {
	Width      uint32
	Height     uint32
	RegionSize uint32 // R, a power of two
	Alignment  uint32 // selection granularity, a power of two <= RegionSize

	// LocalityLimit is the max inter-pair distance as a percentage of the
	// soup; math.Inf(1) means unconstrained.
	LocalityLimit float64

	Head1Offset uint32
	MaxSteps    uint32

	MutationRate float64
}

// Size returns the total soup size in bytes.
func (c Config) Size() uint32 { return c.Width * c.Height }

// NumTapes returns SOUP_SIZE / R, the denominator of the epoch counter.
func (c Config) NumTapes() float64 {
	return float64(c.Size()) / float64(c.RegionSize)
}

// Soup is the population manager: a flat byte buffer plus the selection
// and mutation policy applied around it.
type Soup struct {
	buf []byte
	cfg Config
	rng *rand.Rand

	pairCount int64
	epoch     float64
}

// New allocates a soup buffer of cfg.Size() bytes and fills it with
// uniform random bytes in [0,255].
func New(cfg Config, seed int64) (*Soup, error) {
	if cfg.RegionSize == 0 || cfg.RegionSize&(cfg.RegionSize-1) != 0 {
		return nil, errors.Errorf("soup: regionSize %d must be a nonzero power of two", cfg.RegionSize)
	}
	if cfg.Alignment == 0 || cfg.Alignment > cfg.RegionSize {
		return nil, errors.Errorf("soup: alignment %d must be in (0, regionSize]", cfg.Alignment)
	}
	size := cfg.Size()
	if size == 0 || size < 2*cfg.RegionSize {
		return nil, errors.Errorf("soup: size %d too small for regionSize %d", size, cfg.RegionSize)
	}

	maxStart := int64(size) - int64(cfg.RegionSize)
	numAligned := maxStart/int64(cfg.Alignment) + 1
	minSpan := minNonOverlapSpan(cfg.RegionSize, cfg.Alignment)
	if numAligned < 2*minSpan {
		return nil, errors.Errorf("soup: regionSize %d and alignment %d leave some of the %d aligned positions with no non-overlapping partner", cfg.RegionSize, cfg.Alignment, numAligned)
	}

	s := &Soup{
		buf: make([]byte, size),
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
	s.randomizeAll()
	return s, nil
}

func (s *Soup) randomizeAll() {
	s.rng.Read(s.buf) //nolint:errcheck // rand.Rand.Read never errors
}

// Len returns the soup size in bytes.
func (s *Soup) Len() int { return len(s.buf) }

// RegionSize satisfies pool.TapeSource.
func (s *Soup) RegionSize() uint32 { return s.cfg.RegionSize }

// Epoch returns the current epoch (pairCount / numTapes).
func (s *Soup) Epoch() float64 { return s.epoch }

// PairCount returns the cumulative number of pairs executed.
func (s *Soup) PairCount() int64 { return s.pairCount }

// SnapshotView returns a read-only copy of soup[offset : offset+length],
// clamped to the buffer bounds. It is the only way visualization-layer
// code is meant to observe the soup.
func (s *Soup) SnapshotView(offset, length uint32) []byte {
	if int(offset) >= len(s.buf) {
		return nil
	}
	end := int(offset) + int(length)
	if end > len(s.buf) {
		end = len(s.buf)
	}
	out := make([]byte, end-int(offset))
	copy(out, s.buf[offset:end])
	return out
}

// CommitByte writes a single byte directly into the soup at idx. It exists
// for the optional cosmic-ray mutator, a supplemental mutation source
// distinct from the region-local Mutate gate.
func (s *Soup) CommitByte(idx uint32, b byte) {
	if int(idx) < len(s.buf) {
		s.buf[idx] = b
	}
}

// minNonOverlapSpan returns, in aligned-position units, the minimum
// distance between two region starts required for the regions not to
// overlap: ceil(regionSize / alignment).
func minNonOverlapSpan(regionSize, alignment uint32) int64 {
	r, align := int64(regionSize), int64(alignment)
	return (r + align - 1) / align
}

// SelectPair chooses two distinct, non-overlapping region starts, honoring
// cfg.Alignment and cfg.LocalityLimit.
func (s *Soup) SelectPair() pool.Pair {
	r := int64(s.cfg.RegionSize)
	align := int64(s.cfg.Alignment)
	maxStart := int64(s.cfg.Size()) - r
	numAligned := maxStart/align + 1 // S

	pA := s.rng.Int63n(numAligned)
	a := pA * align

	delta := numAligned // unconstrained default: the whole range is eligible
	if !math.IsInf(s.cfg.LocalityLimit, 1) {
		numTapes := s.cfg.NumTapes()
		delta = int64(s.cfg.LocalityLimit * numTapes * float64(r) / (float64(align) * 100))
	}
	// A window narrower than minNonOverlapSpan can contain no valid
	// partner at all (New rejects configs where even the full range
	// can't satisfy this), so the rejection loop below would spin
	// forever; widen it to the minimum that's always satisfiable.
	if minSpan := minNonOverlapSpan(s.cfg.RegionSize, s.cfg.Alignment); delta < minSpan {
		delta = minSpan
	}

	lo := pA - delta
	if lo < 0 {
		lo = 0
	}
	hi := pA + delta
	if hi > numAligned-1 {
		hi = numAligned - 1
	}

	var b int64
	for {
		pB := lo + s.rng.Int63n(hi-lo+1)
		b = pB * align
		diff := a - b
		if diff < 0 {
			diff = -diff
		}
		if diff >= r {
			break
		}
	}

	return pool.Pair{A: uint32(a), B: uint32(b)}
}

// ExtractTapeInto copies the 2R bytes of regions A and B into buf in the
// order [A | B]. buf must have length 2*RegionSize.
func (s *Soup) ExtractTapeInto(buf []byte, p pool.Pair) {
	r := s.cfg.RegionSize
	copy(buf[:r], s.buf[p.A:p.A+r])
	copy(buf[r:2*r], s.buf[p.B:p.B+r])
}

// CommitTape writes tape's first R bytes back to region A and the next R
// bytes back to region B.
func (s *Soup) CommitTape(p pool.Pair, tape []byte) {
	r := s.cfg.RegionSize
	copy(s.buf[p.A:p.A+r], tape[:r])
	copy(s.buf[p.B:p.B+r], tape[r:2*r])
}

// ExecutePairInto runs one pair: extract into tapeBuf, interpret, and
// commit back to the soup only if the interpreter observed a write. It
// satisfies pool.TapeSource so workers can call it directly against the
// shared soup buffer with no further copies.
func (s *Soup) ExecutePairInto(tapeBuf []byte, p pool.Pair, cfg bff.ExecConfig) bff.Stats {
	s.ExtractTapeInto(tapeBuf, p)
	stats := bff.Execute(tapeBuf, cfg)
	if stats.Wrote() {
		s.CommitTape(p, tapeBuf)
	}
	return stats
}

// SetMutationRate updates the per-byte mutation probability applied by
// Mutate. It lets callers (the driver's runtime parameter control) change
// the rate without reallocating the soup.
func (s *Soup) SetMutationRate(rate float64) {
	s.cfg.MutationRate = rate
}

// Mutate applies cfg.MutationRate independently to every byte of every
// region named in pairs, replacing mutated bytes with fresh uniform random
// values. It is called by the driver after a batch's pool dispatch
// completes; the interpreter never mutates outside of write-back.
func (s *Soup) Mutate(pairs []pool.Pair) {
	rate := s.cfg.MutationRate
	if rate <= 0 {
		return
	}
	r := s.cfg.RegionSize
	for _, p := range pairs {
		s.mutateRegion(p.A, r, rate)
		s.mutateRegion(p.B, r, rate)
	}
}

func (s *Soup) mutateRegion(start, r uint32, rate float64) {
	for i := uint32(0); i < r; i++ {
		if s.rng.Float64() < rate {
			s.buf[start+i] = byte(s.rng.Intn(256))
		}
	}
}

// AdvanceEpoch records that batchSize pairs were executed and updates the
// epoch counter (pairCount / numTapes).
func (s *Soup) AdvanceEpoch(batchSize int) {
	s.pairCount += int64(batchSize)
	s.epoch = float64(s.pairCount) / s.cfg.NumTapes()
}

// Snapshot is the gob-serializable state needed to resume a simulation.
type Snapshot struct {
	Buf       []byte
	Cfg       Config
	Seed      int64
	PairCount int64
	Epoch     float64
}

// Snapshot captures the current soup state for persistence.
func (s *Soup) Snapshot(seed int64) Snapshot {
	buf := make([]byte, len(s.buf))
	copy(buf, s.buf)
	return Snapshot{
		Buf:       buf,
		Cfg:       s.cfg,
		Seed:      seed,
		PairCount: s.pairCount,
		Epoch:     s.epoch,
	}
}

// Restore replaces the soup's contents and bookkeeping from a Snapshot.
func (s *Soup) Restore(snap Snapshot) error {
	if len(snap.Buf) != int(snap.Cfg.Size()) {
		return errors.Errorf("soup: snapshot buffer length %d does not match configured size %d", len(snap.Buf), snap.Cfg.Size())
	}
	s.buf = make([]byte, len(snap.Buf))
	copy(s.buf, snap.Buf)
	s.cfg = snap.Cfg
	s.rng = rand.New(rand.NewSource(snap.Seed))
	s.pairCount = snap.PairCount
	s.epoch = snap.Epoch
	return nil
}
