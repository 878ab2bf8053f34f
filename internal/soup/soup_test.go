package soup

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetzl/turingsoup/internal/bff"
	"github.com/tetzl/turingsoup/internal/pool"
)

func testConfig() Config {
	return Config{
		Width:         64,
		Height:        1024,
		RegionSize:    64,
		Alignment:     64,
		LocalityLimit: math.Inf(1),
		Head1Offset:   64,
		MaxSteps:      8192,
		MutationRate:  0,
	}
}

func TestNew_RejectsBadRegionSize(t *testing.T) {
	cfg := testConfig()
	cfg.RegionSize = 63
	_, err := New(cfg, 1)
	assert.Error(t, err)
}

func TestNew_RejectsInfeasibleAlignmentLocality(t *testing.T) {
	// regionSize=64, alignment=1, size=128: every aligned position in the
	// middle of the range is less than regionSize away from both ends, so
	// those positions have no non-overlapping partner.
	cfg := Config{
		Width:         128,
		Height:        1,
		RegionSize:    64,
		Alignment:     1,
		LocalityLimit: math.Inf(1),
		Head1Offset:   64,
		MaxSteps:      8192,
	}
	_, err := New(cfg, 1)
	assert.Error(t, err)
}

func TestSelectPair_TinyLocalityLimitDoesNotHang(t *testing.T) {
	cfg := testConfig()
	// Small enough that the naive window computation truncates to a
	// single aligned position (lo == hi == pA), which previously made the
	// rejection loop spin forever since pB could only ever equal pA.
	cfg.LocalityLimit = 0.0001
	s, err := New(cfg, 3)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			p := s.SelectPair()
			diff := int64(p.A) - int64(p.B)
			if diff < 0 {
				diff = -diff
			}
			assert.GreaterOrEqual(t, diff, int64(cfg.RegionSize))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SelectPair did not return: likely spinning with an infeasible locality window")
	}
}

func TestSelectPair_NonOverlapping(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, 42)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		p := s.SelectPair()
		diff := int64(p.A) - int64(p.B)
		if diff < 0 {
			diff = -diff
		}
		assert.GreaterOrEqual(t, diff, int64(cfg.RegionSize))
		assert.LessOrEqual(t, p.A+cfg.RegionSize, cfg.Size())
		assert.LessOrEqual(t, p.B+cfg.RegionSize, cfg.Size())
	}
}

func TestSelectPair_RespectsLocalityLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Width = 64
	cfg.Height = 1024
	cfg.LocalityLimit = 1 // 1% of the soup
	s, err := New(cfg, 7)
	require.NoError(t, err)

	numTapes := cfg.NumTapes()
	delta := int64(cfg.LocalityLimit * numTapes * float64(cfg.RegionSize) / (float64(cfg.Alignment) * 100))

	for i := 0; i < 200; i++ {
		p := s.SelectPair()
		distAligned := int64(p.A)/int64(cfg.Alignment) - int64(p.B)/int64(cfg.Alignment)
		if distAligned < 0 {
			distAligned = -distAligned
		}
		assert.LessOrEqual(t, distAligned, delta+1) // +1 slack for rounding at range edges
	}
}

func TestExecutePairInto_WriteBackGate(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, 1)
	require.NoError(t, err)

	// Regions made entirely of head-movement opcodes never write.
	for i := range s.buf {
		s.buf[i] = bff.OpHead0Right
	}
	before := append([]byte(nil), s.buf...)

	tapeBuf := make([]byte, 2*cfg.RegionSize)
	p := pool.Pair{A: 0, B: 128}
	stats := s.ExecutePairInto(tapeBuf, p, bff.ExecConfig{Head1Offset: cfg.RegionSize, MaxSteps: cfg.MaxSteps})

	assert.False(t, stats.Wrote())
	assert.Equal(t, before, s.buf)
}

func TestExecutePairInto_CommitsOnWrite(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, 1)
	require.NoError(t, err)
	for i := range s.buf {
		s.buf[i] = 0x00
	}
	s.buf[0] = bff.OpPlus

	tapeBuf := make([]byte, 2*cfg.RegionSize)
	p := pool.Pair{A: 0, B: 128}
	stats := s.ExecutePairInto(tapeBuf, p, bff.ExecConfig{Head1Offset: cfg.RegionSize, MaxSteps: cfg.MaxSteps})

	assert.True(t, stats.Wrote())
	assert.Equal(t, byte(0x2C), s.buf[0])
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, 99)
	require.NoError(t, err)
	s.AdvanceEpoch(500)

	snap := s.Snapshot(99)

	restored, err := New(cfg, 1)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snap))

	assert.Equal(t, s.buf, restored.buf)
	assert.Equal(t, s.epoch, restored.epoch)
	assert.Equal(t, s.pairCount, restored.pairCount)
}

func TestMutate_ZeroRateIsNoOp(t *testing.T) {
	cfg := testConfig()
	cfg.MutationRate = 0
	s, err := New(cfg, 1)
	require.NoError(t, err)
	before := append([]byte(nil), s.buf...)
	s.Mutate([]pool.Pair{{A: 0, B: 128}})
	assert.Equal(t, before, s.buf)
}

func TestAdvanceEpoch(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg, 1)
	require.NoError(t, err)
	s.AdvanceEpoch(int(cfg.NumTapes()))
	assert.InDelta(t, 1.0, s.Epoch(), 1e-9)
}
