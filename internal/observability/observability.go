// Package observability implements the complexity estimators the driver
// calls out to on a configurable cadence. These are deliberately kept
// outside package bff and package soup: entropy/compression measurement
// is an external collaborator the core only feeds bytes to, never a
// dependency of the simulation itself.
package observability

import (
	"bytes"
	"math"

	"github.com/klauspost/compress/flate"
)

// ShannonEntropy returns the order-0 byte entropy of data, in bits/byte.
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// KolmogorovEstimate approximates Kolmogorov complexity as
// 8*compressed_size/len(data), where compressed_size is the DEFLATE length
// of data. It is a cheap, practical stand-in, not an exact measure.
func KolmogorovEstimate(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		// flate.BestCompression is always a valid level; this path is
		// unreachable in practice.
		return 0
	}
	if _, err := w.Write(data); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	return 8 * float64(buf.Len()) / float64(len(data))
}

// EMA is an exponential moving average over a stream of float64 samples.
type EMA struct {
	alpha  float64
	value  float64
	primed bool
}

// NewEMA returns an EMA with the given smoothing factor in (0, 1].
func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

// Update folds x into the average and returns the new value.
func (e *EMA) Update(x float64) float64 {
	if !e.primed {
		e.value = x
		e.primed = true
		return e.value
	}
	e.value += e.alpha * (x - e.value)
	return e.value
}

// Value returns the current average without updating it.
func (e *EMA) Value() float64 {
	return e.value
}
