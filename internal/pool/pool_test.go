package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetzl/turingsoup/internal/bff"
)

// fakeSoup is a minimal TapeSource backed by a plain byte slice, used to
// test pool dispatch semantics without depending on package soup.
type fakeSoup struct {
	buf        []byte
	regionSize uint32
}

func newFakeSoup(n int, regionSize uint32) *fakeSoup {
	return &fakeSoup{buf: make([]byte, n), regionSize: regionSize}
}

func (f *fakeSoup) RegionSize() uint32 { return f.regionSize }

func (f *fakeSoup) ExecutePairInto(tapeBuf []byte, p Pair, cfg bff.ExecConfig) bff.Stats {
	r := f.regionSize
	copy(tapeBuf[:r], f.buf[p.A:p.A+r])
	copy(tapeBuf[r:2*r], f.buf[p.B:p.B+r])
	stats := bff.Execute(tapeBuf, cfg)
	if stats.Wrote() {
		copy(f.buf[p.A:p.A+r], tapeBuf[:r])
		copy(f.buf[p.B:p.B+r], tapeBuf[r:2*r])
	}
	return stats
}

func TestDispatch_EmptyBatch(t *testing.T) {
	p := New(4, 0)
	src := newFakeSoup(256, 64)
	counters, err := p.Dispatch(context.Background(), src, nil, bff.ExecConfig{MaxSteps: 64})
	require.NoError(t, err)
	assert.Zero(t, counters.Count)
}

func TestDispatch_SumsAcrossWorkers(t *testing.T) {
	const regionSize = 16
	src := newFakeSoup(256, regionSize)
	for i := range src.buf {
		src.buf[i] = bff.OpHead0Right
	}

	pairs := []Pair{{A: 0, B: 32}, {A: 64, B: 96}, {A: 128, B: 160}, {A: 192, B: 224}}
	p := New(2, 0)

	counters, err := p.Dispatch(context.Background(), src, pairs, bff.ExecConfig{Head1Offset: regionSize, MaxSteps: 8192})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(pairs)), counters.Count)
	assert.True(t, counters.Head0Count > 0)
}

func TestDispatch_SingleWorkerMatchesSequential(t *testing.T) {
	const regionSize = 16
	pairs := []Pair{{A: 0, B: 32}, {A: 64, B: 96}, {A: 128, B: 160}}

	parallelSrc := newFakeSoup(256, regionSize)
	seq := newFakeSoup(256, regionSize)
	seedBytes := []byte("0123456789abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQ")
	for i := range parallelSrc.buf {
		b := seedBytes[i%len(seedBytes)]
		parallelSrc.buf[i] = b
		seq.buf[i] = b
	}

	cfg := bff.ExecConfig{Head1Offset: regionSize, MaxSteps: 4096}
	p := New(1, 0)
	counters, err := p.Dispatch(context.Background(), parallelSrc, pairs, cfg)
	require.NoError(t, err)

	var want Counters
	tapeBuf := make([]byte, 2*regionSize)
	for _, pr := range pairs {
		stats := seq.ExecutePairInto(tapeBuf, pr, cfg)
		want.add(stats)
	}

	assert.Equal(t, want, counters)
	assert.Equal(t, seq.buf, parallelSrc.buf)
}

func TestDispatch_IdempotentOnUnchangedSoup(t *testing.T) {
	const regionSize = 16
	src1 := newFakeSoup(256, regionSize)
	src2 := newFakeSoup(256, regionSize)
	for i := range src1.buf {
		src1.buf[i] = byte(i * 7)
		src2.buf[i] = byte(i * 7)
	}
	p := New(1, 0)
	cfg := bff.ExecConfig{Head1Offset: regionSize, MaxSteps: 4096}
	pairs := []Pair{{A: 0, B: 64}}

	c1, err := p.Dispatch(context.Background(), src1, pairs, cfg)
	require.NoError(t, err)
	c2, err := p.Dispatch(context.Background(), src2, pairs, cfg)
	require.NoError(t, err)

	assert.Equal(t, c1, c2)
	assert.Equal(t, src1.buf, src2.buf)
}

func TestTryDispatch_Backpressure(t *testing.T) {
	p := &Pool{workers: 1, maxPending: 1, outstanding: 1}
	src := newFakeSoup(64, 16)
	_, err := p.TryDispatch(context.Background(), src, []Pair{{A: 0, B: 32}}, bff.ExecConfig{MaxSteps: 64})
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestExecuteBatch_RecordLayout(t *testing.T) {
	const regionSize = 16
	src := newFakeSoup(256, regionSize)
	seedBytes := []byte("0123456789abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQ")
	for i := range src.buf {
		src.buf[i] = seedBytes[i%len(seedBytes)]
	}
	pairs := []Pair{{A: 0, B: 32}, {A: 64, B: 96}, {A: 128, B: 160}}
	cfg := bff.ExecConfig{Head1Offset: regionSize, MaxSteps: 4096}

	out := ExecuteBatch(src, pairs, cfg)

	tapeLen := 2 * regionSize
	recordLen := bff.StatsRecordSize + tapeLen
	require.Len(t, out, recordLen*len(pairs))

	for i := range pairs {
		rec := out[i*recordLen : (i+1)*recordLen]
		var stats bff.Stats
		stats.Steps = uint32(rec[0]) | uint32(rec[1])<<8 | uint32(rec[2])<<16 | uint32(rec[3])<<24
		assert.LessOrEqual(t, stats.Steps, cfg.MaxSteps)
	}
}

func TestExecuteBatch_MatchesSequentialExecutePairInto(t *testing.T) {
	const regionSize = 16
	pairs := []Pair{{A: 0, B: 32}, {A: 64, B: 96}, {A: 128, B: 160}}
	cfg := bff.ExecConfig{Head1Offset: regionSize, MaxSteps: 4096}
	seedBytes := []byte("0123456789abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKLMNOPQ")

	batchSrc := newFakeSoup(256, regionSize)
	seqSrc := newFakeSoup(256, regionSize)
	for i := range batchSrc.buf {
		b := seedBytes[i%len(seedBytes)]
		batchSrc.buf[i] = b
		seqSrc.buf[i] = b
	}

	out := ExecuteBatch(batchSrc, pairs, cfg)

	tapeLen := 2 * regionSize
	recordLen := bff.StatsRecordSize + tapeLen
	tapeBuf := make([]byte, tapeLen)
	for i, p := range pairs {
		stats := seqSrc.ExecutePairInto(tapeBuf, p, cfg)
		wantRecord := stats.Encode()
		gotRecord := out[i*recordLen : i*recordLen+bff.StatsRecordSize]
		assert.Equal(t, wantRecord[:], gotRecord)
		gotTape := out[i*recordLen+bff.StatsRecordSize : (i+1)*recordLen]
		assert.Equal(t, tapeBuf, gotTape)
	}
	assert.Equal(t, seqSrc.buf, batchSrc.buf)
}

func TestPartition_DistributesRemainder(t *testing.T) {
	pairs := make([]Pair, 5)
	slices := partition(pairs, 3)
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	assert.Equal(t, 5, total)
	assert.LessOrEqual(t, len(slices), 3)
}
