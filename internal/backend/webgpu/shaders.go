package webgpu

// WGSL compute shaders for the lattice engines.
//
// Both kernels map one workgroup to one tile instance: workgroup wg.x on
// dispatch iteration `iter` handles tile (sb, tb) of batch element b, with
// sb + tb == iter. Tiles are 16x16 lattice nodes regardless of the CPU
// tiling configuration; the host dispatches one iteration per tile
// anti-diagonal, and the inner node anti-diagonals step under
// workgroupBarrier.
//
// Barriers must sit in uniform control flow, so threads never return
// early: tiles past the region end and threads outside the tile window
// skip their work through per-thread guards while still executing every
// barrier.

// Element-wise addition, one thread per element.
const addShader = `
struct Params {
    size: u32,
}

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx < params.size) {
        result[idx] = a[idx] + b[idx];
    }
}
`

// Forward lattice fill. Bindings:
//
//	0: px       (batch, S,   T+1)  read
//	1: py       (batch, S+1, T)    read
//	2: regions  (batch, 4) i32     read
//	3: p        (batch, S+1, T+1)  read_write, pre-filled with -inf
//	4: params   uniform
const latticeForwardShader = `
struct Params {
    batch: u32,
    s_len: u32,
    t_len: u32,
    iter: u32,
    lo: u32,
    span: u32,
    _pad0: u32,
    _pad1: u32,
}

@group(0) @binding(0) var<storage, read> px: array<f32>;
@group(0) @binding(1) var<storage, read> py: array<f32>;
@group(0) @binding(2) var<storage, read> regions: array<i32>;
@group(0) @binding(3) var<storage, read_write> p: array<f32>;
@group(0) @binding(4) var<uniform> params: Params;

const TILE: u32 = 16u;

// Tile window: pw is the (TILE+1)^2 lattice window whose row/column 0 hold
// the imported border; ex/ey hold the exponentiated arrival scores of the
// interior cells.
var<workgroup> pw: array<f32, 289>;
var<workgroup> ex: array<f32, 256>;
var<workgroup> ey: array<f32, 256>;

fn px_at(b: u32, s: u32, t: u32) -> u32 {
    return (b * params.s_len + s) * (params.t_len + 1u) + t;
}

fn py_at(b: u32, s: u32, t: u32) -> u32 {
    return (b * (params.s_len + 1u) + s) * params.t_len + t;
}

fn p_at(b: u32, s: u32, t: u32) -> u32 {
    return (b * (params.s_len + 1u) + s) * (params.t_len + 1u) + t;
}

fn pw_at(wi: u32, wj: u32) -> u32 {
    return wi * (TILE + 1u) + wj;
}

fn in_at(i: u32, j: u32) -> u32 {
    return i * TILE + j;
}

@compute @workgroup_size(16, 16)
fn main(@builtin(workgroup_id) wg: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>) {
    let neg_inf = bitcast<f32>(0xff800000u);

    let b = wg.x / params.span;
    let sb = params.lo + wg.x % params.span;
    let tb = params.iter - sb;

    let r = b * 4u;
    let s_begin = regions[r];
    let t_begin = regions[r + 1u];
    let s_end = regions[r + 2u];
    let t_end = regions[r + 3u];

    let s_lo = s_begin + i32(sb * TILE);
    let t_lo = t_begin + i32(tb * TILE);
    let ok = s_lo <= s_end && t_lo <= t_end;
    let rows = min(i32(TILE), s_end - s_lo + 1);
    let cols = min(i32(TILE), t_end - t_lo + 1);

    let li = i32(lid.x);
    let lj = i32(lid.y);
    let tid = lid.x * TILE + lid.y;
    let own = ok && li < rows && lj < cols;

    // Arrival scores for interior cell (li+1, lj+1). Sources before node 0
    // pair with an unreachable border value, so zero is inert filler.
    if (own) {
        let s = s_lo + li;
        let t = t_lo + lj;
        if (s - 1 >= 0) {
            ex[in_at(lid.x, lid.y)] = exp(px[px_at(b, u32(s - 1), u32(t))]);
        } else {
            ex[in_at(lid.x, lid.y)] = 0.0;
        }
        if (t - 1 >= 0) {
            ey[in_at(lid.x, lid.y)] = exp(py[py_at(b, u32(s), u32(t - 1))]);
        } else {
            ey[in_at(lid.x, lid.y)] = 0.0;
        }
    }

    // Border import: the first cols+1 threads load the top border row, the
    // next rows the left border column.
    if (ok && tid <= u32(cols)) {
        let t = t_lo - 1 + i32(tid);
        if (s_lo - 1 >= 0 && t >= 0) {
            pw[pw_at(0u, tid)] = p[p_at(b, u32(s_lo - 1), u32(t))];
        } else {
            pw[pw_at(0u, tid)] = neg_inf;
        }
    }
    if (ok && tid >= TILE + 1u && tid <= TILE + u32(rows)) {
        let wi = tid - TILE;
        if (t_lo - 1 >= 0) {
            pw[pw_at(wi, 0u)] = p[p_at(b, u32(s_lo + i32(wi) - 1), u32(t_lo - 1))];
        } else {
            pw[pw_at(wi, 0u)] = neg_inf;
        }
    }
    workgroupBarrier();

    // One node anti-diagonal per step. Cell (li+1, lj+1) depends on its
    // upper and left neighbors, both finalized on earlier diagonals.
    let is_origin = sb == 0u && tb == 0u;
    for (var k = 0u; k < 2u * TILE - 1u; k = k + 1u) {
        if (own && lid.x + lid.y == k) {
            if (is_origin && tid == 0u) {
                pw[pw_at(1u, 1u)] = 0.0;
            } else {
                let va = exp(pw[pw_at(lid.x, lid.y + 1u)]) * ex[in_at(lid.x, lid.y)];
                let vb = exp(pw[pw_at(lid.x + 1u, lid.y)]) * ey[in_at(lid.x, lid.y)];
                let sum = va + vb;
                if (sum > 0.0) {
                    pw[pw_at(lid.x + 1u, lid.y + 1u)] = log(sum);
                } else {
                    pw[pw_at(lid.x + 1u, lid.y + 1u)] = neg_inf;
                }
            }
        }
        workgroupBarrier();
    }

    if (own) {
        p[p_at(b, u32(s_lo + li), u32(t_lo + lj))] = pw[pw_at(lid.x + 1u, lid.y + 1u)];
    }
}
`

// Backward gradient propagation in gather form: the owner of cell (s,t)
// reads the finalized gradients of its two successors, derives the two
// incoming-edge gradients, and writes grad_px[s][t] / grad_py[s][t] plus
// its own total into p_grad. Every global write has exactly one writer.
//
// Bindings:
//
//	0: px       read
//	1: py       read
//	2: regions  read
//	3: p        read        (forward lattice)
//	4: p_grad   read_write  (pre-seeded with the upstream gradient)
//	5: grad_px  read_write  (zero-initialized)
//	6: grad_py  read_write  (zero-initialized)
//	7: params   uniform
const latticeBackwardShader = `
struct Params {
    batch: u32,
    s_len: u32,
    t_len: u32,
    iter: u32,
    lo: u32,
    span: u32,
    _pad0: u32,
    _pad1: u32,
}

@group(0) @binding(0) var<storage, read> px: array<f32>;
@group(0) @binding(1) var<storage, read> py: array<f32>;
@group(0) @binding(2) var<storage, read> regions: array<i32>;
@group(0) @binding(3) var<storage, read> p: array<f32>;
@group(0) @binding(4) var<storage, read_write> p_grad: array<f32>;
@group(0) @binding(5) var<storage, read_write> grad_px: array<f32>;
@group(0) @binding(6) var<storage, read_write> grad_py: array<f32>;
@group(0) @binding(7) var<uniform> params: Params;

const TILE: u32 = 16u;

// gw holds the finalized gradient totals of this tile's cells.
var<workgroup> gw: array<f32, 256>;

fn px_at(b: u32, s: u32, t: u32) -> u32 {
    return (b * params.s_len + s) * (params.t_len + 1u) + t;
}

fn py_at(b: u32, s: u32, t: u32) -> u32 {
    return (b * (params.s_len + 1u) + s) * params.t_len + t;
}

fn p_at(b: u32, s: u32, t: u32) -> u32 {
    return (b * (params.s_len + 1u) + s) * (params.t_len + 1u) + t;
}

fn in_at(i: u32, j: u32) -> u32 {
    return i * TILE + j;
}

@compute @workgroup_size(16, 16)
fn main(@builtin(workgroup_id) wg: vec3<u32>,
        @builtin(local_invocation_id) lid: vec3<u32>) {
    let neg_inf = bitcast<f32>(0xff800000u);

    let b = wg.x / params.span;
    let sb = params.lo + wg.x % params.span;
    let tb = params.iter - sb;

    let r = b * 4u;
    let s_begin = regions[r];
    let t_begin = regions[r + 1u];
    let s_end = regions[r + 2u];
    let t_end = regions[r + 3u];

    let s_lo = s_begin + i32(sb * TILE);
    let t_lo = t_begin + i32(tb * TILE);
    let ok = s_lo <= s_end && t_lo <= t_end;
    let rows = min(i32(TILE), s_end - s_lo + 1);
    let cols = min(i32(TILE), t_end - t_lo + 1);

    let li = i32(lid.x);
    let lj = i32(lid.y);
    let own = ok && li < rows && lj < cols;

    // Reverse node anti-diagonals: a cell's successors sit on the next
    // diagonal and are final (in gw, or in p_grad when they belong to a
    // tile handled on an earlier dispatch).
    for (var step = 0u; step < 2u * TILE - 1u; step = step + 1u) {
        let k = 2u * TILE - 2u - step;
        if (own && lid.x + lid.y == k) {
            let s = s_lo + li;
            let t = t_lo + lj;
            let pc = p[p_at(b, u32(s), u32(t))];
            var g = p_grad[p_at(b, u32(s), u32(t))];

            if (pc > neg_inf) {
                if (s + 1 <= s_end) {
                    var gd: f32;
                    if (li + 1 < rows) {
                        gd = gw[in_at(lid.x + 1u, lid.y)];
                    } else {
                        gd = p_grad[p_at(b, u32(s + 1), u32(t))];
                    }
                    let pd = p[p_at(b, u32(s + 1), u32(t))];
                    if (gd != 0.0 && pd > neg_inf) {
                        let ga = gd * exp(pc - pd) * exp(px[px_at(b, u32(s), u32(t))]);
                        grad_px[px_at(b, u32(s), u32(t))] = ga;
                        g = g + ga;
                    }
                }
                if (t + 1 <= t_end) {
                    var gr: f32;
                    if (lj + 1 < cols) {
                        gr = gw[in_at(lid.x, lid.y + 1u)];
                    } else {
                        gr = p_grad[p_at(b, u32(s), u32(t + 1))];
                    }
                    let pr = p[p_at(b, u32(s), u32(t + 1))];
                    if (gr != 0.0 && pr > neg_inf) {
                        let gb = gr * exp(pc - pr) * exp(py[py_at(b, u32(s), u32(t))]);
                        grad_py[py_at(b, u32(s), u32(t))] = gb;
                        g = g + gb;
                    }
                }
            }

            gw[in_at(lid.x, lid.y)] = g;
            p_grad[p_at(b, u32(s), u32(t))] = g;
        }
        workgroupBarrier();
    }
}
`
