package lattice

import "fmt"

// Config controls the tile decomposition of the (S,T) plane.
// Tiling is purely a scheduling decomposition: results are identical for
// any valid tile sizes.
type Config struct {
	TileS int // Tile height. Must be a power of two.
	TileT int // Tile width. Must be a power of two.
}

// DefaultConfig returns the default tile sizes.
func DefaultConfig() Config {
	return Config{TileS: 16, TileT: 16}
}

// Validate checks the tiling parameters.
func (c Config) Validate() error {
	if !isPowerOfTwo(c.TileS) {
		return fmt.Errorf("tileS must be a power of two, got %d", c.TileS)
	}
	if !isPowerOfTwo(c.TileT) {
		return fmt.Errorf("tileT must be a power of two, got %d", c.TileT)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Grid is the tile decomposition of one (S,T) plane. All batch elements
// share the same grid; per-element regions only mask which tiles do work.
type Grid struct {
	S, T         int // Plane dimensions (transition counts, not node counts).
	TileS, TileT int
	NumSBlocks   int
	NumTBlocks   int
}

// NewGrid builds the tile grid for an S x T plane. Block counts are over
// lattice nodes (S+1 rows, T+1 columns), sized for the largest possible
// region; elements with smaller regions simply leave trailing tiles idle.
func NewGrid(s, t int, cfg Config) (Grid, error) {
	if err := cfg.Validate(); err != nil {
		return Grid{}, err
	}
	if s < 0 || t < 0 {
		return Grid{}, fmt.Errorf("plane dimensions must be non-negative, got S=%d T=%d", s, t)
	}
	return Grid{
		S:          s,
		T:          t,
		TileS:      cfg.TileS,
		TileT:      cfg.TileT,
		NumSBlocks: (s + cfg.TileS) / cfg.TileS,
		NumTBlocks: (t + cfg.TileT) / cfg.TileT,
	}, nil
}

// NumIterations returns the number of wavefront supersteps: one per
// anti-diagonal of the tile grid.
func (g Grid) NumIterations() int {
	return g.NumSBlocks + g.NumTBlocks - 1
}

// DiagonalSpan returns the inclusive range of s-block indices active on
// anti-diagonal iter. Tiles on the diagonal are (sb, iter-sb) for
// sb in [lo, hi].
func (g Grid) DiagonalSpan(iter int) (lo, hi int) {
	lo = max(iter-(g.NumTBlocks-1), 0)
	hi = min(iter, g.NumSBlocks-1)
	return lo, hi
}

// tileSpan returns the inclusive node range tile index tb covers along one
// axis, relative to a region running [begin, end] with the given tile size.
// ok is false when the tile lies entirely past the region's end.
func tileSpan(block, tileSize, begin, end int) (lo, hi int, ok bool) {
	lo = begin + block*tileSize
	if lo > end {
		return 0, 0, false
	}
	hi = min(lo+tileSize-1, end)
	return lo, hi, true
}
