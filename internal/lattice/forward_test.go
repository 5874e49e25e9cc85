package lattice

import (
	"math"
	"math/rand"
	"testing"

	"github.com/lattice-ml/lattice/internal/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *parallel.Pool {
	t.Helper()
	pool := parallel.NewPool(parallel.Config{Enabled: true, NumWorkers: 4})
	t.Cleanup(pool.Close)
	return pool
}

// refForward is a serial O(S*T) rendition of the recurrence used as the
// oracle for the tiled engine.
func refForward(px, py []float64, batch, s, t int, regions []Region) []float64 {
	d := dims{batch: batch, s: s, t: t}
	p := make([]float64, batch*(s+1)*(t+1))
	for i := range p {
		p[i] = math.Inf(-1)
	}
	for b, r := range regions {
		for si := r.SBegin; si <= r.SEnd; si++ {
			for ti := r.TBegin; ti <= r.TEnd; ti++ {
				if si == r.SBegin && ti == r.TBegin {
					p[d.pAt(b, si, ti)] = 0
					continue
				}
				va, vb := 0.0, 0.0
				if si > r.SBegin {
					va = math.Exp(p[d.pAt(b, si-1, ti)]) * math.Exp(px[d.pxAt(b, si-1, ti)])
				}
				if ti > r.TBegin {
					vb = math.Exp(p[d.pAt(b, si, ti-1)]) * math.Exp(py[d.pyAt(b, si, ti-1)])
				}
				p[d.pAt(b, si, ti)] = math.Log(va + vb)
			}
		}
	}
	return p
}

func randomInputs(rng *rand.Rand, batch, s, t int) (px, py []float64) {
	px = make([]float64, batch*s*(t+1))
	py = make([]float64, batch*(s+1)*t)
	for i := range px {
		px[i] = -2 * rng.Float64()
	}
	for i := range py {
		py[i] = -2 * rng.Float64()
	}
	return px, py
}

func TestForwardAllZeroGolden(t *testing.T) {
	// With all log-scores zero every monotone path weighs 1, so each cell
	// counts lattice paths from the origin: p[1][1] = ln 2, p[2][2] = ln 6.
	const s, tt = 2, 2
	px := make([]float64, s*(tt+1))
	py := make([]float64, (s+1)*tt)
	regions := []Region{FullRegion(s, tt)}

	p, err := Forward(px, py, 1, s, tt, regions, DefaultConfig(), testPool(t))
	require.NoError(t, err)

	d := dims{batch: 1, s: s, t: tt}
	assert.Equal(t, 0.0, p[d.pAt(0, 0, 0)])
	assert.Equal(t, 0.0, p[d.pAt(0, 0, 1)])
	assert.Equal(t, 0.0, p[d.pAt(0, 1, 0)])
	assert.InDelta(t, math.Log(2), p[d.pAt(0, 1, 1)], 1e-12)
	assert.InDelta(t, math.Log(3), p[d.pAt(0, 2, 1)], 1e-12)
	assert.InDelta(t, math.Log(3), p[d.pAt(0, 1, 2)], 1e-12)
	assert.InDelta(t, math.Log(6), p[d.pAt(0, 2, 2)], 1e-12)
}

func TestForwardSinglePathCell(t *testing.T) {
	// S = T = 1: the corner is the log-sum of the two monotone path
	// weights. Also the smallest plane the tiler can decompose.
	rng := rand.New(rand.NewSource(12))
	px, py := randomInputs(rng, 1, 1, 1)
	regions := []Region{FullRegion(1, 1)}
	d := dims{batch: 1, s: 1, t: 1}

	upFirst := px[d.pxAt(0, 0, 0)] + py[d.pyAt(0, 1, 0)]
	rightFirst := py[d.pyAt(0, 0, 0)] + px[d.pxAt(0, 0, 1)]
	want := math.Log(math.Exp(upFirst) + math.Exp(rightFirst))

	for _, tile := range []int{1, 16} {
		p, err := Forward(px, py, 1, 1, 1, regions, Config{TileS: tile, TileT: tile}, testPool(t))
		require.NoError(t, err, "tile=%d", tile)

		assert.Equal(t, 0.0, p[d.pAt(0, 0, 0)], "tile=%d", tile)
		assert.InDelta(t, px[d.pxAt(0, 0, 0)], p[d.pAt(0, 1, 0)], 1e-12, "tile=%d", tile)
		assert.InDelta(t, py[d.pyAt(0, 0, 0)], p[d.pAt(0, 0, 1)], 1e-12, "tile=%d", tile)
		assert.InDelta(t, want, p[d.pAt(0, 1, 1)], 1e-12, "tile=%d", tile)
	}
}

func TestForwardScoreRangeBoundary(t *testing.T) {
	// Inputs are exponentiated with no stabilizing shift, so float64
	// scores must stay roughly inside (-745, 709) for exp to stay finite
	// and nonzero. Outside that window cells saturate silently instead of
	// erroring.
	const s, tt = 1, 1
	pool := testPool(t)
	full := []Region{FullRegion(s, tt)}
	d := dims{batch: 1, s: s, t: tt}

	// Just inside the window the lattice stays finite.
	px := []float64{700, 0}
	py := []float64{0, 0}
	p, err := Forward(px, py, 1, s, tt, full, DefaultConfig(), pool)
	require.NoError(t, err)
	assert.InDelta(t, 700.0, p[d.pAt(0, 1, 0)], 1e-9)
	assert.False(t, math.IsInf(p[d.pAt(0, 1, 1)], 0))

	// Past the upper bound exp overflows and the cell reads +Inf, which
	// then propagates to everything downstream of it.
	px[0] = 710
	p, err = Forward(px, py, 1, s, tt, full, DefaultConfig(), pool)
	require.NoError(t, err)
	assert.True(t, math.IsInf(p[d.pAt(0, 1, 0)], 1))
	assert.True(t, math.IsInf(p[d.pAt(0, 1, 1)], 1))

	// Past the lower bound exp flushes to zero: a reachable cell reads
	// -Inf and its paths silently drop out of every downstream sum.
	px[0] = -746
	p, err = Forward(px, py, 1, s, tt, full, DefaultConfig(), pool)
	require.NoError(t, err)
	assert.True(t, math.IsInf(p[d.pAt(0, 1, 0)], -1))
	assert.InDelta(t, 0.0, p[d.pAt(0, 1, 1)], 1e-12)

	// The float32 window is far narrower: exp overflows past ~88.
	px32 := []float32{89, 0}
	py32 := []float32{0, 0}
	p32, err := Forward(px32, py32, 1, s, tt, full, DefaultConfig(), pool)
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(p32[d.pAt(0, 1, 0)]), 1))
}

func TestForwardMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const batch, s, tt = 3, 13, 9
	px, py := randomInputs(rng, batch, s, tt)
	regions := []Region{
		FullRegion(s, tt),
		{SBegin: 2, TBegin: 1, SEnd: 11, TEnd: 8},
		{SBegin: 5, TBegin: 4, SEnd: 5, TEnd: 4}, // single node
	}
	want := refForward(px, py, batch, s, tt, regions)

	for _, tile := range []int{1, 2, 4, 8, 16} {
		cfg := Config{TileS: tile, TileT: tile}
		got, err := Forward(px, py, batch, s, tt, regions, cfg, testPool(t))
		require.NoError(t, err, "tile=%d", tile)
		require.Len(t, got, len(want))
		for i := range want {
			if math.IsInf(want[i], -1) {
				assert.True(t, math.IsInf(got[i], -1), "tile=%d cell %d", tile, i)
			} else {
				assert.InDelta(t, want[i], got[i], 1e-10, "tile=%d cell %d", tile, i)
			}
		}
	}
}

func TestForwardRectangularTiles(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	const batch, s, tt = 2, 10, 17
	px, py := randomInputs(rng, batch, s, tt)
	regions := []Region{FullRegion(s, tt), {SBegin: 1, TBegin: 2, SEnd: 9, TEnd: 16}}
	want := refForward(px, py, batch, s, tt, regions)

	got, err := Forward(px, py, batch, s, tt, regions, Config{TileS: 4, TileT: 8}, testPool(t))
	require.NoError(t, err)
	for i := range want {
		if !math.IsInf(want[i], -1) {
			assert.InDelta(t, want[i], got[i], 1e-10)
		}
	}
}

func TestForwardCorridor(t *testing.T) {
	// A single-row region degenerates to a pure horizontal corridor: the
	// score is the plain sum of py along the row.
	rng := rand.New(rand.NewSource(9))
	const s, tt = 6, 8
	px, py := randomInputs(rng, 1, s, tt)
	r := Region{SBegin: 2, TBegin: 1, SEnd: 2, TEnd: 7}

	p, err := Forward(px, py, 1, s, tt, []Region{r}, Config{TileS: 4, TileT: 4}, testPool(t))
	require.NoError(t, err)

	d := dims{batch: 1, s: s, t: tt}
	sum := 0.0
	for ti := r.TBegin; ti < r.TEnd; ti++ {
		sum += py[d.pyAt(0, 2, ti)]
	}
	assert.InDelta(t, sum, p[d.pAt(0, r.SEnd, r.TEnd)], 1e-10)
}

func TestForwardUnreachableOutsideRegion(t *testing.T) {
	const s, tt = 5, 5
	px := make([]float64, s*(tt+1))
	py := make([]float64, (s+1)*tt)
	r := Region{SBegin: 1, TBegin: 1, SEnd: 4, TEnd: 4}

	p, err := Forward(px, py, 1, s, tt, []Region{r}, DefaultConfig(), testPool(t))
	require.NoError(t, err)

	d := dims{batch: 1, s: s, t: tt}
	for si := 0; si <= s; si++ {
		for ti := 0; ti <= tt; ti++ {
			inside := si >= r.SBegin && si <= r.SEnd && ti >= r.TBegin && ti <= r.TEnd
			if inside {
				assert.False(t, math.IsInf(p[d.pAt(0, si, ti)], -1), "cell (%d,%d)", si, ti)
			} else {
				assert.True(t, math.IsInf(p[d.pAt(0, si, ti)], -1), "cell (%d,%d)", si, ti)
			}
		}
	}
}

func TestForwardBatchIndependence(t *testing.T) {
	// Scoring two elements together must equal scoring them alone.
	rng := rand.New(rand.NewSource(10))
	const s, tt = 7, 6
	px, py := randomInputs(rng, 2, s, tt)
	regions := []Region{FullRegion(s, tt), {SBegin: 1, TBegin: 0, SEnd: 6, TEnd: 5}}

	joint, err := Forward(px, py, 2, s, tt, regions, Config{TileS: 2, TileT: 2}, testPool(t))
	require.NoError(t, err)

	perElem := (s + 1) * (tt + 1)
	for b := 0; b < 2; b++ {
		alone, err := Forward(
			px[b*s*(tt+1):(b+1)*s*(tt+1)],
			py[b*(s+1)*tt:(b+1)*(s+1)*tt],
			1, s, tt, regions[b:b+1], Config{TileS: 2, TileT: 2}, testPool(t),
		)
		require.NoError(t, err)
		for i := 0; i < perElem; i++ {
			j := joint[b*perElem+i]
			a := alone[i]
			if math.IsInf(a, -1) {
				assert.True(t, math.IsInf(j, -1))
			} else {
				assert.InDelta(t, a, j, 1e-12)
			}
		}
	}
}

func TestForwardFloat32(t *testing.T) {
	const s, tt = 2, 2
	px := make([]float32, s*(tt+1))
	py := make([]float32, (s+1)*tt)

	p, err := Forward(px, py, 1, s, tt, []Region{FullRegion(s, tt)}, DefaultConfig(), testPool(t))
	require.NoError(t, err)

	d := dims{batch: 1, s: s, t: tt}
	assert.InDelta(t, math.Log(6), float64(p[d.pAt(0, 2, 2)]), 1e-6)
}

func TestScores(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const batch, s, tt = 2, 5, 4
	px, py := randomInputs(rng, batch, s, tt)
	regions := []Region{FullRegion(s, tt), {SBegin: 0, TBegin: 1, SEnd: 3, TEnd: 4}}

	p, err := Forward(px, py, batch, s, tt, regions, DefaultConfig(), testPool(t))
	require.NoError(t, err)

	scores := Scores(p, batch, s, tt, regions)
	d := dims{batch: batch, s: s, t: tt}
	assert.Equal(t, p[d.pAt(0, s, tt)], scores[0])
	assert.Equal(t, p[d.pAt(1, 3, 4)], scores[1])
}

func TestForwardArgErrors(t *testing.T) {
	pool := testPool(t)
	px := make([]float64, 2*3)
	py := make([]float64, 3*2)
	full := []Region{FullRegion(2, 2)}

	_, err := Forward(px[:1], py, 1, 2, 2, full, DefaultConfig(), pool)
	assert.Error(t, err)

	_, err = Forward(px, py[:1], 1, 2, 2, full, DefaultConfig(), pool)
	assert.Error(t, err)

	_, err = Forward(px, py, 1, 2, 2, nil, DefaultConfig(), pool)
	assert.Error(t, err)

	_, err = Forward(px, py, 1, 2, 2, []Region{{SBegin: 0, TBegin: 0, SEnd: 3, TEnd: 2}}, DefaultConfig(), pool)
	assert.Error(t, err)

	_, err = Forward(px, py, 1, 2, 2, []Region{{SBegin: 1, TBegin: 0, SEnd: 0, TEnd: 2}}, DefaultConfig(), pool)
	assert.Error(t, err)

	_, err = Forward(px, py, 1, 2, 2, full, Config{TileS: 3, TileT: 4}, pool)
	assert.Error(t, err)
}
