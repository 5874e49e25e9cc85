// Package lattice implements the wavefront-parallel dynamic program that
// scores monotone alignments between two sequences, and its reverse-mode
// gradient.
//
// For each batch element the forward engine fills a (S+1)x(T+1) log-domain
// lattice p with
//
//	p[s][t] = logaddexp(p[s-1][t] + px[s-1][t], p[s][t-1] + py[s][t-1])
//
// restricted to a per-element rectangular region, seeded with
// p[sBegin][tBegin] = 0 and -inf everywhere unreachable. The element's
// score is p[sEnd][tEnd].
//
// The (S,T) plane is cut into fixed power-of-two tiles. Tiles on the same
// anti-diagonal of the tile grid have no mutual dependency, so each
// superstep processes one anti-diagonal across every batch element; the
// superstep boundary of the parallel.Pool is the only inter-iteration
// barrier.
package lattice

import "fmt"

// Region is the valid rectangle of one batch element's (S,T) plane.
// Lattice nodes (s,t) with SBegin <= s <= SEnd and TBegin <= t <= TEnd are
// reachable; everything else stays at -inf.
type Region struct {
	SBegin, TBegin, SEnd, TEnd int
}

// FullRegion is the default region covering the whole plane.
func FullRegion(s, t int) Region {
	return Region{SBegin: 0, TBegin: 0, SEnd: s, TEnd: t}
}

// Validate checks the region against the plane dimensions.
// Degenerate regions (a single row or column, or a single node) are legal.
func (r Region) Validate(s, t int) error {
	if r.SBegin < 0 || r.SBegin > r.SEnd || r.SEnd > s {
		return fmt.Errorf("region s-range [%d,%d] invalid for S=%d", r.SBegin, r.SEnd, s)
	}
	if r.TBegin < 0 || r.TBegin > r.TEnd || r.TEnd > t {
		return fmt.Errorf("region t-range [%d,%d] invalid for T=%d", r.TBegin, r.TEnd, t)
	}
	return nil
}
