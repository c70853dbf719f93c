//go:build windows

package webgpu

// WGSL kernel sources. Flag bit values match the Go side: 1 bias,
// 2 relu, 4 skip, 8 gate. Uniform params blocks are padded to 16 bytes
// by the dispatcher.

const convShader = `
struct Params {
    n: u32,
    cin: u32,
    cout: u32,
    h: u32,
    w: u32,
    s: u32,
    flags: u32,
}

@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read> filt: array<f32>;
@group(0) @binding(2) var<storage, read> bias: array<f32>;
@group(0) @binding(3) var<storage, read_write> dst: array<f32>;
@group(0) @binding(4) var<uniform> p: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    let total = p.n * p.cout * p.h * p.w;
    if (idx >= total) {
        return;
    }
    let x = idx % p.w;
    let y = (idx / p.w) % p.h;
    let co = (idx / (p.w * p.h)) % p.cout;
    let img = idx / (p.w * p.h * p.cout);
    let pad = i32(p.s / 2u);

    var sum = 0.0;
    for (var ci = 0u; ci < p.cin; ci = ci + 1u) {
        for (var fy = 0u; fy < p.s; fy = fy + 1u) {
            let sy = i32(y + fy) - pad;
            if (sy < 0 || sy >= i32(p.h)) {
                continue;
            }
            for (var fx = 0u; fx < p.s; fx = fx + 1u) {
                let sx = i32(x + fx) - pad;
                if (sx < 0 || sx >= i32(p.w)) {
                    continue;
                }
                let sv = src[((img * p.cin + ci) * p.h + u32(sy)) * p.w + u32(sx)];
                let fv = filt[((co * p.cin + ci) * p.s + fy) * p.s + fx];
                sum = sum + sv * fv;
            }
        }
    }
    if ((p.flags & 1u) != 0u) {
        sum = sum + bias[co];
    }
    if ((p.flags & 2u) != 0u) {
        sum = max(sum, 0.0);
    }
    dst[idx] = sum;
}
`

const matmulShader = `
struct Params {
    m: u32,
    n: u32,
    k: u32,
    trans_b: u32,
}

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> c: array<f32>;
@group(0) @binding(3) var<uniform> p: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let col = gid.x;
    let row = gid.y;
    if (row >= p.m || col >= p.n) {
        return;
    }
    var sum = 0.0;
    if (p.trans_b != 0u) {
        for (var i = 0u; i < p.k; i = i + 1u) {
            sum = sum + a[row * p.k + i] * b[col * p.k + i];
        }
    } else {
        for (var i = 0u; i < p.k; i = i + 1u) {
            sum = sum + a[row * p.k + i] * b[i * p.n + col];
        }
    }
    c[row * p.n + col] = sum;
}
`

const biasActShader = `
struct Params {
    rows: u32,
    cols: u32,
    act: u32,
    flags: u32,
}

@group(0) @binding(0) var<storage, read_write> data: array<f32>;
@group(0) @binding(1) var<storage, read> bias: array<f32>;
@group(0) @binding(2) var<uniform> p: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= p.rows * p.cols) {
        return;
    }
    var v = data[idx];
    if ((p.flags & 1u) != 0u) {
        v = v + bias[idx % p.cols];
    }
    switch p.act {
        case 1u: {
            v = max(v, 0.0);
        }
        case 2u: {
            v = tanh(v);
        }
        case 3u: {
            v = 1.0 / (1.0 + exp(-v));
        }
        default: {
        }
    }
    data[idx] = v;
}
`

const batchNormShader = `
struct Params {
    n: u32,
    c: u32,
    hw: u32,
    flags: u32,
}

@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read> skip: array<f32>;
@group(0) @binding(2) var<storage, read> means: array<f32>;
@group(0) @binding(3) var<storage, read> variances: array<f32>;
@group(0) @binding(4) var<storage, read_write> dst: array<f32>;
@group(0) @binding(5) var<uniform> p: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= p.n * p.c * p.hw) {
        return;
    }
    let ch = (idx / p.hw) % p.c;
    var v = (src[idx] - means[ch]) / sqrt(variances[ch] + 1e-5);
    if ((p.flags & 4u) != 0u) {
        v = v + skip[idx];
    }
    if ((p.flags & 2u) != 0u) {
        v = max(v, 0.0);
    }
    dst[idx] = v;
}
`

const addBiasShader = `
struct Params {
    n: u32,
    c: u32,
    hw: u32,
}

@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read> bias: array<f32>;
@group(0) @binding(2) var<storage, read_write> dst: array<f32>;
@group(0) @binding(3) var<uniform> p: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= p.n * p.c * p.hw) {
        return;
    }
    let ch = (idx / p.hw) % p.c;
    dst[idx] = src[idx] + bias[ch];
}
`

const globalPoolShader = `
struct Params {
    n: u32,
    c: u32,
    hw: u32,
}

@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<uniform> p: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= p.n * p.c) {
        return;
    }
    var sum = 0.0;
    let base = idx * p.hw;
    for (var i = 0u; i < p.hw; i = i + 1u) {
        sum = sum + src[base + i];
    }
    dst[idx] = sum / f32(p.hw);
}
`

const globalScaleShader = `
struct Params {
    n: u32,
    c: u32,
    hw: u32,
    flags: u32,
}

@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read> pairs: array<f32>;
@group(0) @binding(2) var<storage, read> skip: array<f32>;
@group(0) @binding(3) var<storage, read_write> dst: array<f32>;
@group(0) @binding(4) var<uniform> p: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let idx = gid.x;
    if (idx >= p.n * p.c * p.hw) {
        return;
    }
    let ch = (idx / p.hw) % p.c;
    let img = idx / (p.hw * p.c);
    var s = pairs[img * 2u * p.c + ch];
    let t = pairs[img * 2u * p.c + p.c + ch];
    if ((p.flags & 8u) != 0u) {
        s = 1.0 / (1.0 + exp(-s));
    }
    var v = s * src[idx] + t;
    if ((p.flags & 4u) != 0u) {
        v = v + skip[idx];
    }
    if ((p.flags & 2u) != 0u) {
        v = max(v, 0.0);
    }
    dst[idx] = v;
}
`

const softmaxShader = `
struct Params {
    rows: u32,
    cols: u32,
}

@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<uniform> p: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let row = gid.x;
    if (row >= p.rows) {
        return;
    }
    let base = row * p.cols;
    var m = src[base];
    for (var i = 1u; i < p.cols; i = i + 1u) {
        m = max(m, src[base + i]);
    }
    var sum = 0.0;
    for (var i = 0u; i < p.cols; i = i + 1u) {
        let e = exp(src[base + i] - m);
        dst[base + i] = e;
        sum = sum + e;
    }
    for (var i = 0u; i < p.cols; i = i + 1u) {
        dst[base + i] = dst[base + i] / sum;
    }
}
`
