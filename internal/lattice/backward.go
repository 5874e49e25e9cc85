package lattice

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/parallel"
)

// Backward propagates the upstream gradient back through a forward lattice.
//
// seed is either per-element scalars of length batch (injected at each
// element's terminal cell p[r.SEnd][r.TEnd]) or a full (batch, S+1, T+1)
// adjoint lattice. Returns gradients for px and py in their input layouts,
// plus the fully propagated adjoint lattice.
//
// Tiles run over the same anti-diagonal decomposition as the forward pass,
// in reverse iteration order. A cell's adjoint is complete before its tile
// runs: in-tile sources are handled by the reverse fill order, cross-tile
// sources were flushed during earlier reverse supersteps. Border flushes
// use atomic adds because two tiles on the same reverse diagonal may target
// the same border cell.
func Backward[T Float](px, py, p []T, batch, s, t int, regions []Region, seed []T, cfg Config, pool *parallel.Pool) (gradPx, gradPy, pGrad []T, err error) {
	d := dims{batch: batch, s: s, t: t}
	if err := checkForwardArgs(px, py, d, regions, cfg); err != nil {
		return nil, nil, nil, err
	}
	latticeLen := batch * (s + 1) * (t + 1)
	if len(p) != latticeLen {
		return nil, nil, nil, fmt.Errorf("p has %d elements, want %d for (batch=%d, S+1=%d, T+1=%d)", len(p), latticeLen, batch, s+1, t+1)
	}

	grid, err := NewGrid(s, t, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Gradient accumulation is additive only, so all three buffers start
	// at zero. The upstream seed is folded in up front: every cell is
	// processed strictly after all cells it feeds, so a pre-placed seed is
	// part of the cell's adjoint by the time its tile runs.
	gradPx = make([]T, len(px))
	gradPy = make([]T, len(py))
	pGrad = make([]T, latticeLen)
	switch len(seed) {
	case batch:
		for b, r := range regions {
			pGrad[d.pAt(b, r.SEnd, r.TEnd)] = seed[b]
		}
	case latticeLen:
		copy(pGrad, seed)
	default:
		return nil, nil, nil, fmt.Errorf("seed has %d elements, want %d (per-element) or %d (full lattice)", len(seed), batch, latticeLen)
	}

	for iter := grid.NumIterations() - 1; iter >= 0; iter-- {
		lo, hi := grid.DiagonalSpan(iter)
		span := hi - lo + 1
		pool.ParallelForAtomic(batch*span, func(idx int) {
			b := idx / span
			sb := lo + idx%span
			tb := iter - sb
			backwardTile(px, py, p, pGrad, gradPx, gradPy, d, regions[b], b, sb, tb, grid)
		})
	}

	return gradPx, gradPy, pGrad, nil
}

// backwardTile applies the reverse-mode logaddexp rule over one tile's
// owned cells. For p[s][t] = logaddexp(a, b) with a = p[s-1][t]+px[s-1][t]
// and b = p[s][t-1]+py[s][t-1], the adjoint g of p[s][t] splits as
//
//	ga = g * exp(a - p[s][t])   -> pGrad[s-1][t], gradPx[s-1][t]
//	gb = g * exp(b - p[s][t])   -> pGrad[s][t-1], gradPy[s][t-1]
//
// gradPx/gradPy cells are owned by exactly one tile and written directly.
// Adjoint contributions leaving the tile through its top/left border are
// first accumulated in scratch and flushed atomically at the end.
func backwardTile[T Float](px, py, p, pGrad, gradPx, gradPy []T, d dims, r Region, b, sb, tb int, grid Grid) {
	sLo, sHi, ok := tileSpan(sb, grid.TileS, r.SBegin, r.SEnd)
	if !ok {
		return
	}
	tLo, tHi, ok := tileSpan(tb, grid.TileT, r.TBegin, r.TEnd)
	if !ok {
		return
	}

	rows := sHi - sLo + 1
	cols := tHi - tLo + 1
	ts := newTileScratch[T](rows, cols, true)
	ninf := negInf[T]()

	loadBorders(ts, p, d, b, sLo, tLo, ninf)
	loadInputs(ts, px, py, d, r, b, sLo, tLo)

	// Interior p values and accumulated-so-far adjoints. The grad window's
	// border row/column starts at zero and collects outbound contributions.
	for wi := 1; wi <= rows; wi++ {
		pBase := d.pAt(b, sLo+wi-1, tLo)
		for wj := 1; wj <= cols; wj++ {
			ts.p[ts.pIdx(wi, wj)] = p[pBase+wj-1]
			ts.grad[ts.pIdx(wi, wj)] = pGrad[pBase+wj-1]
		}
	}

	for wi := rows; wi >= 1; wi-- {
		for wj := cols; wj >= 1; wj-- {
			pc := ts.p[ts.pIdx(wi, wj)]
			g := ts.grad[ts.pIdx(wi, wj)]
			if g == 0 || pc == ninf {
				// Unreachable cells carry and propagate zero gradient.
				continue
			}
			in := ts.inIdx(wi-1, wj-1)

			if pa := ts.p[ts.pIdx(wi-1, wj)]; pa != ninf {
				ga := g * expT(pa-pc) * ts.ex[in]
				ts.grad[ts.pIdx(wi-1, wj)] += ga
				gradPx[d.pxAt(b, sLo+wi-2, tLo+wj-1)] += ga
			}
			if pb := ts.p[ts.pIdx(wi, wj-1)]; pb != ninf {
				gb := g * expT(pb-pc) * ts.ey[in]
				ts.grad[ts.pIdx(wi, wj-1)] += gb
				gradPy[d.pyAt(b, sLo+wi-1, tLo+wj-2)] += gb
			}
		}
	}

	// Write back owned adjoints; no other tile touches them this superstep.
	for wi := 1; wi <= rows; wi++ {
		pBase := d.pAt(b, sLo+wi-1, tLo)
		for wj := 1; wj <= cols; wj++ {
			pGrad[pBase+wj-1] = ts.grad[ts.pIdx(wi, wj)]
		}
	}

	flushBorderGrads(ts, pGrad, d, b, sLo, tLo)
}

// flushBorderGrads adds the scratch border adjoints into the global adjoint
// lattice. These cells belong to neighboring tiles; a sibling tile on the
// same reverse diagonal may flush the same cell concurrently, so every
// cross-tile border write is an atomic add regardless of execution order.
func flushBorderGrads[T Float](ts *tileScratch[T], pGrad []T, d dims, b, sLo, tLo int) {
	if sLo-1 >= 0 {
		for wj := 1; wj <= ts.cols; wj++ {
			if v := ts.grad[ts.pIdx(0, wj)]; v != 0 {
				atomicAdd(&pGrad[d.pAt(b, sLo-1, tLo+wj-1)], v)
			}
		}
	}
	if tLo-1 >= 0 {
		for wi := 1; wi <= ts.rows; wi++ {
			if v := ts.grad[ts.pIdx(wi, 0)]; v != 0 {
				atomicAdd(&pGrad[d.pAt(b, sLo+wi-1, tLo-1)], v)
			}
		}
	}
}
