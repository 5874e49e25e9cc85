package mutinfo

import (
	"fmt"

	"github.com/lattice-ml/lattice/internal/lattice"
	"github.com/lattice-ml/lattice/internal/tensor"
)

// dims holds the lattice geometry recovered from the input shapes.
type dims struct {
	batch, s, t int
}

// checkInputs validates every entry-point precondition and resolves the
// boundary tensor into per-element regions. All rejections happen here,
// before any engine or device work starts.
func (sc *Scorer[T, B]) checkInputs(px, py *tensor.Tensor[T, B], boundary *tensor.Tensor[int32, B]) (dims, []lattice.Region, error) {
	var d dims
	if px == nil || py == nil {
		return d, nil, fmt.Errorf("mutinfo: px and py must be non-nil")
	}

	pxs, pys := px.Shape(), py.Shape()
	if len(pxs) != 3 || len(pys) != 3 {
		return d, nil, fmt.Errorf("mutinfo: px and py must be 3-D, got %v and %v", pxs, pys)
	}
	if pxs[2] < 1 {
		return d, nil, fmt.Errorf("mutinfo: px shape %v has no transition columns, want (N, S, T+1)", pxs)
	}
	d = dims{batch: pxs[0], s: pxs[1], t: pxs[2] - 1}
	if pys[0] != d.batch || pys[1] != d.s+1 || pys[2] != d.t {
		return d, nil, fmt.Errorf("mutinfo: py shape %v is inconsistent with px shape %v, want (%d, %d, %d)",
			pys, pxs, d.batch, d.s+1, d.t)
	}

	if px.DType() != py.DType() {
		return d, nil, fmt.Errorf("mutinfo: px/py dtype mismatch: %s vs %s", px.DType(), py.DType())
	}
	if px.Device() != sc.backend.Device() || py.Device() != sc.backend.Device() {
		return d, nil, fmt.Errorf("mutinfo: px and py must reside on %s", sc.backend.Device())
	}

	regions, err := sc.resolveRegions(boundary, d)
	if err != nil {
		return d, nil, err
	}
	for b, r := range regions {
		if err := r.Validate(d.s, d.t); err != nil {
			return d, nil, fmt.Errorf("mutinfo: boundary row %d: %w", b, err)
		}
	}
	return d, regions, nil
}

// resolveRegions turns a (N, 4) int32 boundary tensor into per-element
// regions. Rows are (sBegin, tBegin, sEnd, tEnd). A nil boundary selects
// the full plane for every element.
func (sc *Scorer[T, B]) resolveRegions(boundary *tensor.Tensor[int32, B], d dims) ([]lattice.Region, error) {
	regions := make([]lattice.Region, d.batch)
	if boundary == nil {
		full := lattice.FullRegion(d.s, d.t)
		for b := range regions {
			regions[b] = full
		}
		return regions, nil
	}

	bs := boundary.Shape()
	if len(bs) != 2 || bs[0] != d.batch || bs[1] != 4 {
		return nil, fmt.Errorf("mutinfo: boundary shape %v, want (%d, 4)", bs, d.batch)
	}
	if boundary.DType() != tensor.Int32 {
		return nil, fmt.Errorf("mutinfo: boundary dtype %s, want %s", boundary.DType(), tensor.Int32)
	}
	if boundary.Device() != sc.backend.Device() {
		return nil, fmt.Errorf("mutinfo: boundary must reside on %s", sc.backend.Device())
	}

	rows := boundary.Data()
	for b := range regions {
		row := rows[b*4 : b*4+4]
		regions[b] = lattice.Region{
			SBegin: int(row[0]),
			TBegin: int(row[1]),
			SEnd:   int(row[2]),
			TEnd:   int(row[3]),
		}
	}
	return regions, nil
}
