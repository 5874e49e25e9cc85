package lattice

import (
	"fmt"
	"math"
)

// Float is the constraint for lattice element types.
type Float interface {
	~float32 | ~float64
}

func negInf[T Float]() T {
	return T(math.Inf(-1))
}

func expT[T Float](x T) T {
	return T(math.Exp(float64(x)))
}

func logT[T Float](x T) T {
	return T(math.Log(float64(x)))
}

// tileScratch is the scratch arena for one tile instance. It replaces raw
// offset arithmetic into a shared byte area with named logical fields:
//
//   - p: the lattice window, (rows+1) x (cols+1). Row 0 and column 0 hold
//     the imported border; the rest is the tile's owned interior.
//   - grad: the adjoint window, same layout as p (backward only).
//   - ex, ey: exponentiated input windows, rows x cols, aligned so that
//     ex[i][j] pairs with the interior cell at window position (i+1, j+1).
//
// rows and cols are the clipped extents of the tile, at most TileS/TileT.
type tileScratch[T Float] struct {
	rows, cols int
	p          []T
	grad       []T
	ex         []T
	ey         []T
}

func newTileScratch[T Float](rows, cols int, withGrad bool) *tileScratch[T] {
	ts := &tileScratch[T]{
		rows: rows,
		cols: cols,
		p:    make([]T, (rows+1)*(cols+1)),
		ex:   make([]T, rows*cols),
		ey:   make([]T, rows*cols),
	}
	if withGrad {
		ts.grad = make([]T, (rows+1)*(cols+1))
	}
	return ts
}

// pIdx maps window coordinates to the p/grad field. Window coordinates run
// wi in [0, rows], wj in [0, cols]; (0,*) and (*,0) are the border.
func (ts *tileScratch[T]) pIdx(wi, wj int) int {
	if wi < 0 || wi > ts.rows || wj < 0 || wj > ts.cols {
		panic(fmt.Sprintf("lattice: scratch p index (%d,%d) outside window %dx%d", wi, wj, ts.rows+1, ts.cols+1))
	}
	return wi*(ts.cols+1) + wj
}

// inIdx maps input-window coordinates to the ex/ey fields,
// i in [0, rows), j in [0, cols).
func (ts *tileScratch[T]) inIdx(i, j int) int {
	if i < 0 || i >= ts.rows || j < 0 || j >= ts.cols {
		panic(fmt.Sprintf("lattice: scratch input index (%d,%d) outside window %dx%d", i, j, ts.rows, ts.cols))
	}
	return i*ts.cols + j
}
