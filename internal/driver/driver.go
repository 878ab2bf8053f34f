// Package driver is the thin glue above the soup and pool: it ticks the
// simulation, applies mutation, tracks epoch and EMA counters, and invokes
// observability hooks on a configurable cadence. It is the only piece the
// external interface (CLI, UI, tests) calls.
package driver

import (
	"context"
	"encoding/gob"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tetzl/turingsoup/internal/bff"
	"github.com/tetzl/turingsoup/internal/config"
	"github.com/tetzl/turingsoup/internal/observability"
	"github.com/tetzl/turingsoup/internal/pool"
	"github.com/tetzl/turingsoup/internal/soup"
)

// Observer receives the driver's periodic complexity snapshot. It is
// injected through New; the CLI's run command supplies one that forwards a
// web.StatsFrame to a hub, tests supply their own, and nil disables it.
type Observer interface {
	Observe(Stats, soupSample []byte)
}

// Stats is the driver's read-only counters: epoch, pair count, soup entropy
// and compression estimate, and smoothed per-category instruction rates.
type Stats struct {
	Epoch          float64
	PairCount      int64
	Tick           int64
	Entropy        float64
	Kolmogorov     float64
	Head0EMA       float64
	Head1EMA       float64
	MathEMA        float64
	CopyEMA        float64
	LoopEMA        float64
	StepsPerSecond float64
}

// Driver ties the soup and pool together and drives ticks.
type Driver struct {
	cfg config.Config
	log *logrus.Logger

	soup *soup.Soup
	pool *pool.Pool

	observer            Observer
	sinceObservation    int64
	observabilityThresh int64

	emaHead0 *observability.EMA
	emaHead1 *observability.EMA
	emaMath  *observability.EMA
	emaCopy  *observability.EMA
	emaLoop  *observability.EMA

	seed int64

	running atomic.Bool
	tick    int64

	viewStart int

	lastStepsTotal uint64
	lastStepsAt    time.Time

	mu     sync.Mutex
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds a Driver from cfg. It allocates the soup buffer and the
// worker pool; either failure is returned as a startup error, never a panic.
func New(cfg config.Config, log *logrus.Logger, observer Observer) (*Driver, error) {
	seed := cfg.Driver.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	soupCfg := soup.Config{
		Width:         cfg.Soup.Width,
		Height:        cfg.Soup.Height,
		RegionSize:    cfg.Soup.RegionSize,
		Alignment:     cfg.Soup.Alignment,
		LocalityLimit: cfg.Soup.Locality(),
		Head1Offset:   cfg.Soup.Head1Offset,
		MaxSteps:      cfg.Soup.MaxSteps,
		MutationRate:  cfg.Soup.MutationRate,
	}
	s, err := soup.New(soupCfg, seed)
	if err != nil {
		return nil, errors.Wrap(err, "driver: allocating soup")
	}

	p := pool.New(cfg.Driver.Workers, cfg.Driver.MaxPending)

	d := &Driver{
		cfg:                 cfg,
		log:                 log,
		soup:                s,
		pool:                p,
		observer:            observer,
		observabilityThresh: cfg.Driver.ObservabilityThreshold,
		emaHead0:            observability.NewEMA(0.1),
		emaHead1:            observability.NewEMA(0.1),
		emaMath:             observability.NewEMA(0.1),
		emaCopy:             observability.NewEMA(0.1),
		emaLoop:             observability.NewEMA(0.1),
		seed:                seed,
		stopCh:              make(chan struct{}),
		lastStepsAt:         time.Now(),
	}
	return d, nil
}

func (d *Driver) execConfig() bff.ExecConfig {
	return bff.ExecConfig{
		Head1Offset: d.cfg.Soup.Head1Offset,
		MaxSteps:    d.cfg.Soup.MaxSteps,
	}
}

// Tick issues one batch of pairs to the pool (respecting back-pressure),
// applies mutation to the selected regions, advances the epoch, and fires
// the observability hook if the pair-count threshold was crossed. It
// silently does nothing if the pool already has maxPending outstanding
// dispatches.
func (d *Driver) Tick(ctx context.Context) error {
	batchSize := d.cfg.Driver.PairsPerStep
	pairs := make([]pool.Pair, batchSize)
	for i := range pairs {
		pairs[i] = d.soup.SelectPair()
	}

	counters, err := d.pool.TryDispatch(ctx, d.soup, pairs, d.execConfig())
	if err != nil {
		if errors.Is(err, pool.ErrBackpressure) {
			return nil
		}
		return errors.Wrap(err, "driver: dispatch failed")
	}

	d.soup.Mutate(pairs)
	d.soup.AdvanceEpoch(batchSize)
	atomic.AddInt64(&d.tick, 1)

	if counters.Count > 0 {
		d.emaHead0.Update(float64(counters.Head0Count) / float64(counters.Count))
		d.emaHead1.Update(float64(counters.Head1Count) / float64(counters.Count))
		d.emaMath.Update(float64(counters.MathCount) / float64(counters.Count))
		d.emaCopy.Update(float64(counters.CopyCount) / float64(counters.Count))
		d.emaLoop.Update(float64(counters.LoopCount) / float64(counters.Count))
	}

	d.sinceObservation += int64(batchSize)
	if d.observabilityThresh > 0 && d.sinceObservation >= d.observabilityThresh {
		d.sinceObservation = 0
		d.emitObservation()
	}

	return nil
}

func (d *Driver) emitObservation() {
	if d.observer == nil {
		return
	}
	sample := d.soup.SnapshotView(0, d.sampleSize())
	d.observer.Observe(d.Stats(sample), sample)
}

func (d *Driver) sampleSize() uint32 {
	const maxSample = 1 << 16
	if n := uint32(d.soup.Len()); n < maxSample {
		return n
	}
	return maxSample
}

// Stats returns the driver's current read-only counters. sample, if
// non-nil, is used to compute entropy/Kolmogorov; otherwise a fresh
// sample is drawn from the soup.
func (d *Driver) Stats(sample []byte) Stats {
	if sample == nil {
		sample = d.soup.SnapshotView(0, d.sampleSize())
	}
	now := time.Now()
	elapsed := now.Sub(d.lastStepsAt).Seconds()
	pairCount := uint64(d.soup.PairCount())
	stepsPerSecond := 0.0
	if elapsed > 0 {
		stepsPerSecond = float64(pairCount-d.lastStepsTotal) / elapsed
	}
	d.lastStepsTotal = pairCount
	d.lastStepsAt = now
	return Stats{
		Epoch:          d.soup.Epoch(),
		PairCount:      d.soup.PairCount(),
		Tick:           atomic.LoadInt64(&d.tick),
		Entropy:        observability.ShannonEntropy(sample),
		Kolmogorov:     observability.KolmogorovEstimate(sample),
		Head0EMA:       d.emaHead0.Value(),
		Head1EMA:       d.emaHead1.Value(),
		MathEMA:        d.emaMath.Value(),
		CopyEMA:        d.emaCopy.Value(),
		LoopEMA:        d.emaLoop.Value(),
		StepsPerSecond: stepsPerSecond,
	}
}

// Run drives ticks continuously until ctx is canceled or Close is called.
// It also launches the optional cosmic-ray mutator and the periodic
// snapshot cadence.
func (d *Driver) Run(ctx context.Context) error {
	d.running.Store(true)
	d.wg.Add(1)
	defer d.wg.Done()

	if d.cfg.Driver.CosmicRayRate > 0 {
		d.wg.Add(1)
		go d.runCosmicRays(ctx)
	}

	for i := int64(0); ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stopCh:
			return nil
		default:
		}
		if !d.running.Load() {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		if err := d.Tick(ctx); err != nil {
			return err
		}
		if interval := d.cfg.Driver.SnapshotIntervalTicks; interval > 0 && int(atomic.LoadInt64(&d.tick))%interval == 0 {
			if err := d.SaveSnapshot(d.cfg.Driver.SnapshotPath); err != nil {
				d.log.WithError(err).Warn("snapshot save failed")
			}
		}
	}
}

// runCosmicRays periodically flips a random bit in the soup, independent
// of the region-local mutationRate applied after each batch. It is an
// optional extra mutation source disabled by default (CosmicRayRate=0).
func (d *Driver) runCosmicRays(ctx context.Context) {
	defer d.wg.Done()
	rng := rand.New(rand.NewSource(d.seed ^ 0x5bd1e995))
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if !d.running.Load() {
				continue
			}
			if rng.Float64() < d.cfg.Driver.CosmicRayRate {
				d.mu.Lock()
				n := d.soup.Len()
				if n > 0 {
					idx := uint32(rng.Intn(n))
					bit := uint(rng.Intn(8))
					view := d.soup.SnapshotView(idx, 1)
					if len(view) == 1 {
						flipped := view[0] ^ (1 << bit)
						d.soup.CommitByte(idx, flipped)
					}
				}
				d.mu.Unlock()
			}
		}
	}
}

// SelectPairs draws n independent pairs from the soup's selection policy,
// without executing or mutating them.
func (d *Driver) SelectPairs(n int) []pool.Pair {
	pairs := make([]pool.Pair, n)
	for i := range pairs {
		pairs[i] = d.soup.SelectPair()
	}
	return pairs
}

// ExecuteBatch runs pairs directly against the soup, in order, and returns
// the external record-stream format (pool.ExecuteBatch): one stats record
// plus tape bytes per pair. Unlike Tick it does not apply mutation,
// advance the epoch, or go through the worker pool; it exists for callers
// that need the external per-pair batch interface rather than the
// driver's own aggregated per-tick path.
func (d *Driver) ExecuteBatch(pairs []pool.Pair) []byte {
	return pool.ExecuteBatch(d.soup, pairs, d.execConfig())
}

// --- web.Controller implementation ---

// Pause stops Tick from being issued by Run until Resume is called.
func (d *Driver) Pause() {
	d.running.Store(false)
}

// Resume restarts ticking after Pause.
func (d *Driver) Resume() {
	d.running.Store(true)
}

// Step issues exactly one tick regardless of the running flag, for manual
// single-step control from the UI.
func (d *Driver) Step(ctx context.Context) error {
	return d.Tick(ctx)
}

// SetParam updates one configuration field by name at runtime.
func (d *Driver) SetParam(name string, value float64) error {
	switch name {
	case "pairsPerStep":
		d.cfg.Driver.PairsPerStep = int(value)
	case "mutationRate":
		d.cfg.Soup.MutationRate = value
		d.soup.SetMutationRate(value)
	case "maxSteps":
		d.cfg.Soup.MaxSteps = uint32(value)
	case "cosmicRayRate":
		d.cfg.Driver.CosmicRayRate = value
	default:
		return errors.Errorf("driver: unknown parameter %q", name)
	}
	return nil
}

// SetViewStart records the visualization's requested view offset.
func (d *Driver) SetViewStart(index int) {
	if index < 0 {
		index = 0
	}
	d.viewStart = index
}

// Close stops Run and drains outstanding work before returning.
func (d *Driver) Close(ctx context.Context) error {
	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Snapshotting ---

// snapshotFile is the gob-encoded payload persisted to disk: the soup's
// buffer and config plus the driver's tick count, enough to resume a run.
type snapshotFile struct {
	Soup soup.Snapshot
	Tick int64
}

// SaveSnapshot persists the current soup and tick count to filename.
func (d *Driver) SaveSnapshot(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "driver: creating snapshot file %s", filename)
	}
	defer f.Close()

	snap := snapshotFile{
		Soup: d.soup.Snapshot(d.seed),
		Tick: atomic.LoadInt64(&d.tick),
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		return errors.Wrap(err, "driver: encoding snapshot")
	}
	return nil
}

// LoadSnapshot restores soup and tick state from filename.
func (d *Driver) LoadSnapshot(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "driver: opening snapshot file %s", filename)
	}
	defer f.Close()

	var snap snapshotFile
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return errors.Wrap(err, "driver: decoding snapshot")
	}
	if err := d.soup.Restore(snap.Soup); err != nil {
		return errors.Wrap(err, "driver: restoring soup")
	}
	d.seed = snap.Soup.Seed
	atomic.StoreInt64(&d.tick, snap.Tick)
	return nil
}

// Reset reinitializes the soup with a fresh random seed, discarding all
// progress.
func (d *Driver) Reset() error {
	soupCfg := soup.Config{
		Width:         d.cfg.Soup.Width,
		Height:        d.cfg.Soup.Height,
		RegionSize:    d.cfg.Soup.RegionSize,
		Alignment:     d.cfg.Soup.Alignment,
		LocalityLimit: d.cfg.Soup.Locality(),
		Head1Offset:   d.cfg.Soup.Head1Offset,
		MaxSteps:      d.cfg.Soup.MaxSteps,
		MutationRate:  d.cfg.Soup.MutationRate,
	}
	seed := time.Now().UnixNano()
	s, err := soup.New(soupCfg, seed)
	if err != nil {
		return errors.Wrap(err, "driver: reallocating soup")
	}
	d.soup = s
	d.seed = seed
	atomic.StoreInt64(&d.tick, 0)
	return nil
}
