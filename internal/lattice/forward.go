package lattice

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/parallel"
)

// dims bundles the flat-buffer geometry shared by both engines.
//
// Buffer layouts (row-major, flat):
//
//	px: (batch, S,   T+1)  log-score of (s,t) -> (s+1,t)
//	py: (batch, S+1, T)    log-score of (s,t) -> (s,t+1)
//	p:  (batch, S+1, T+1)  accumulated log path scores
type dims struct {
	batch, s, t int
}

func (d dims) pxAt(b, s, t int) int { return (b*d.s+s)*(d.t+1) + t }
func (d dims) pyAt(b, s, t int) int { return (b*(d.s+1)+s)*d.t + t }
func (d dims) pAt(b, s, t int) int  { return (b*(d.s+1)+s)*(d.t+1) + t }

func checkForwardArgs[T Float](px, py []T, d dims, regions []Region, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if want := d.batch * d.s * (d.t + 1); len(px) != want {
		return fmt.Errorf("px has %d elements, want %d for (batch=%d, S=%d, T+1=%d)", len(px), want, d.batch, d.s, d.t+1)
	}
	if want := d.batch * (d.s + 1) * d.t; len(py) != want {
		return fmt.Errorf("py has %d elements, want %d for (batch=%d, S+1=%d, T=%d)", len(py), want, d.batch, d.s+1, d.t)
	}
	if len(regions) != d.batch {
		return fmt.Errorf("got %d regions for batch of %d", len(regions), d.batch)
	}
	for b, r := range regions {
		if err := r.Validate(d.s, d.t); err != nil {
			return fmt.Errorf("batch element %d: %w", b, err)
		}
	}
	return nil
}

// Forward fills the log-domain path-score lattice for every batch element
// and returns it as a flat (batch, S+1, T+1) buffer. Unreachable cells hold
// -inf. The score of element b is p[b][r.SEnd][r.TEnd].
//
// The inputs are exponentiated at tile load without a stabilizing shift;
// callers must keep raw scores in a range where exp neither overflows nor
// flushes to zero.
func Forward[T Float](px, py []T, batch, s, t int, regions []Region, cfg Config, pool *parallel.Pool) ([]T, error) {
	d := dims{batch: batch, s: s, t: t}
	if err := checkForwardArgs(px, py, d, regions, cfg); err != nil {
		return nil, err
	}

	grid, err := NewGrid(s, t, cfg)
	if err != nil {
		return nil, err
	}

	p := make([]T, batch*(s+1)*(t+1))
	ninf := negInf[T]()
	for i := range p {
		p[i] = ninf
	}

	// One superstep per tile anti-diagonal. The blocking ParallelForAtomic
	// call is the launch boundary: all writes of iteration k are visible
	// before iteration k+1 starts.
	for iter := 0; iter < grid.NumIterations(); iter++ {
		lo, hi := grid.DiagonalSpan(iter)
		span := hi - lo + 1
		pool.ParallelForAtomic(batch*span, func(idx int) {
			b := idx / span
			sb := lo + idx%span
			tb := iter - sb
			forwardTile(px, py, p, d, regions[b], b, sb, tb, grid)
		})
	}

	return p, nil
}

// forwardTile fills the owned interior of one tile instance. Tile (sb,tb)
// of batch element b owns lattice nodes
//
//	s in [r.SBegin + sb*TileS, min(.. + TileS-1, r.SEnd)]
//	t in [r.TBegin + tb*TileT, min(.. + TileT-1, r.TEnd)]
//
// and imports the node row/column just before each range as its border.
// Tiles entirely past the region's end do no work.
func forwardTile[T Float](px, py, p []T, d dims, r Region, b, sb, tb int, grid Grid) {
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
	ts := newTileScratch[T](rows, cols, false)
	ninf := negInf[T]()

	loadBorders(ts, p, d, b, sLo, tLo, ninf)
	loadInputs(ts, px, py, d, r, b, sLo, tLo)

	// Row-major fill is topologically valid: both dependencies of (wi,wj)
	// sit at (wi-1,wj) and (wi,wj-1), already final.
	isOrigin := sb == 0 && tb == 0
	for wi := 1; wi <= rows; wi++ {
		for wj := 1; wj <= cols; wj++ {
			if isOrigin && wi == 1 && wj == 1 {
				// The region origin is the path start: probability 1,
				// log-domain 0. Seeded exactly once, by this tile.
				ts.p[ts.pIdx(1, 1)] = 0
				continue
			}
			va := expT(ts.p[ts.pIdx(wi-1, wj)]) * ts.ex[ts.inIdx(wi-1, wj-1)]
			vb := expT(ts.p[ts.pIdx(wi, wj-1)]) * ts.ey[ts.inIdx(wi-1, wj-1)]
			ts.p[ts.pIdx(wi, wj)] = logT(va + vb)
		}
	}

	// Export the interior (including the new right/bottom border rows the
	// next anti-diagonal imports) back to the global lattice.
	for wi := 1; wi <= rows; wi++ {
		base := d.pAt(b, sLo+wi-1, tLo)
		for wj := 1; wj <= cols; wj++ {
			p[base+wj-1] = ts.p[ts.pIdx(wi, wj)]
		}
	}
}

// loadBorders imports the tile's top border row and left border column from
// the global lattice. Positions outside the buffer (before node 0) are
// unreachable and read as -inf.
func loadBorders[T Float](ts *tileScratch[T], p []T, d dims, b, sLo, tLo int, ninf T) {
	if sLo-1 >= 0 {
		base := d.pAt(b, sLo-1, 0)
		for wj := 0; wj <= ts.cols; wj++ {
			if tLo-1+wj >= 0 {
				ts.p[ts.pIdx(0, wj)] = p[base+tLo-1+wj]
			} else {
				ts.p[ts.pIdx(0, wj)] = ninf
			}
		}
	} else {
		for wj := 0; wj <= ts.cols; wj++ {
			ts.p[ts.pIdx(0, wj)] = ninf
		}
	}
	for wi := 1; wi <= ts.rows; wi++ {
		if tLo-1 >= 0 {
			ts.p[ts.pIdx(wi, 0)] = p[d.pAt(b, sLo+wi-1, tLo-1)]
		} else {
			ts.p[ts.pIdx(wi, 0)] = ninf
		}
	}
}

// loadInputs exponentiates the tile's px/py windows into scratch.
// ex[i][j] pairs with interior cell (i+1,j+1) as its vertical arrival
// score exp(px[s-1][t]); ey[i][j] as its horizontal arrival score
// exp(py[s][t-1]). Entries whose source index falls before the buffer are
// multiplicatively inert (0): the recurrence pairs them with an -inf
// lattice value, so they are filler, never real contributions.
func loadInputs[T Float](ts *tileScratch[T], px, py []T, d dims, r Region, b, sLo, tLo int) {
	for i := 0; i < ts.rows; i++ {
		for j := 0; j < ts.cols; j++ {
			s := sLo + i
			t := tLo + j
			if s-1 >= 0 {
				ts.ex[ts.inIdx(i, j)] = expT(px[d.pxAt(b, s-1, t)])
			} else {
				ts.ex[ts.inIdx(i, j)] = 0
			}
			if t-1 >= 0 {
				ts.ey[ts.inIdx(i, j)] = expT(py[d.pyAt(b, s, t-1)])
			} else {
				ts.ey[ts.inIdx(i, j)] = 0
			}
		}
	}
}

// Scores extracts each batch element's final score p[r.SEnd][r.TEnd] from a
// forward lattice.
func Scores[T Float](p []T, batch, s, t int, regions []Region) []T {
	d := dims{batch: batch, s: s, t: t}
	out := make([]T, batch)
	for b, r := range regions {
		out[b] = p[d.pAt(b, r.SEnd, r.TEnd)]
	}
	return out
}
