// Package privacy applies k-anonymity suppression and optional Laplace noise
// to aggregate cells before they are published.
package privacy

import (
	"math"
	"math/rand/v2"
	"sync"

	"hexpulse/api/internal/aggregate"
)

const DefaultK = 20

// Source yields uniform values in [0, 1).
type Source interface {
	Float64() float64
}

// lockedSource makes a *rand.Rand safe for concurrent requests.
type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// NewRandomSource returns a concurrency-safe source seeded from the runtime.
func NewRandomSource() Source {
	return &lockedSource{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// maxDraws bounds redraws of the open interval endpoint.
const maxDraws = 8

// Laplace draws one sample from Laplace(0, b) using src. u is drawn from the
// open interval (-0.5, 0.5): a source value of exactly 0 is redrawn, and if
// the source never leaves 0 the sample is 0.
func Laplace(src Source, b float64) float64 {
	if b <= 0 {
		return 0
	}
	v := 0.0
	for i := 0; i < maxDraws && v <= 0; i++ {
		v = src.Float64()
	}
	if v <= 0 {
		return 0
	}
	u := v - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1
	} else if u == 0 {
		return 0
	}
	return -b * sign * math.Log(1-2*math.Abs(u))
}

type Gate struct {
	k     float64
	noise float64
	src   Source
}

// NewGate clamps k to at least 1 and noise to at least 0. A nil src uses
// NewRandomSource.
func NewGate(k int, noise float64, src Source) *Gate {
	if k < 1 {
		k = 1
	}
	if noise < 0 || math.IsNaN(noise) {
		noise = 0
	}
	if src == nil {
		src = NewRandomSource()
	}
	return &Gate{k: float64(k), noise: noise, src: src}
}

func (g *Gate) K() int {
	return int(g.k)
}

func (g *Gate) NoiseScale() float64 {
	return g.noise
}

// Cell is a published bin.
type Cell struct {
	aggregate.Cell
	NoisyScore float64
	Count      int
}

// Apply returns the visible cells in input order. Ordinary callers get
// noisyScore = raw + Laplace(b); a cell is dropped when noisyScore < K and is
// otherwise shown as max(1, round(noisyScore)). Privileged callers get every
// cell with its exact rounded raw score.
func (g *Gate) Apply(cells []aggregate.Cell, privileged bool) []Cell {
	out := make([]Cell, 0, len(cells))
	for _, cell := range cells {
		if privileged {
			out = append(out, Cell{Cell: cell, NoisyScore: cell.RawScore, Count: int(math.Round(cell.RawScore))})
			continue
		}
		noisy := cell.RawScore
		if g.noise > 0 {
			noisy += Laplace(g.src, g.noise)
		}
		if noisy < g.k {
			continue
		}
		count := int(math.Round(noisy))
		if count < 1 {
			count = 1
		}
		out = append(out, Cell{Cell: cell, NoisyScore: noisy, Count: count})
	}
	return out
}

// VisibleSet returns the ids of the cells that survive Apply for an
// ordinary caller.
func (g *Gate) VisibleSet(cells []aggregate.Cell) map[string]struct{} {
	visible := g.Apply(cells, false)
	set := make(map[string]struct{}, len(visible))
	for _, cell := range visible {
		set[cell.ID] = struct{}{}
	}
	return set
}
