package webgpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"text/template"

	"github.com/born-ml/opkernel/internal/device"
)

// WGSL compute shaders for the forward entry points. Storage buffers are
// bound in argument order starting at binding 0; every scalar argument is
// a u32 field of Params, in argument order, bound last. Float scalars are
// passed as their bit pattern.
//
// The workgroup size is the launch's local extent, so shaders are
// generated per launch geometry.

const averagePoolingShader = `
struct Params {
    in_offset: u32,
    W_offset: u32,
    bias_offset: u32,
    out_offset: u32,
    in_w: u32,
    in_h: u32,
    out_w: u32,
    out_h: u32,
    in_depth: u32,
    pool_w: u32,
    pool_h: u32,
    stride: u32,
    scale_factor: u32,
}

@group(0) @binding(0) var<storage, read> in_buf: array<f32>;
@group(0) @binding(1) var<storage, read> w_buf: array<f32>;
@group(0) @binding(2) var<storage, read> bias_buf: array<f32>;
@group(0) @binding(3) var<storage, read_write> out_buf: array<f32>;
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size({{.X}}, {{.Y}}, {{.Z}})
fn AveragePooling(@builtin(global_invocation_id) gid: vec3<u32>) {
    let sample = gid.x / params.out_w;
    let x = gid.x % params.out_w;
    let y = gid.y;
    let c = gid.z;

    let in_base = params.in_offset + sample * params.in_w * params.in_h * params.in_depth;
    let out_base = params.out_offset + sample * params.out_w * params.out_h * params.in_depth;

    let dymax = min(params.pool_h, params.in_h - y * params.stride);
    let dxmax = min(params.pool_w, params.in_w - x * params.stride);
    var sum = 0.0;
    for (var dy = 0u; dy < dymax; dy++) {
        for (var dx = 0u; dx < dxmax; dx++) {
            sum += in_buf[in_base + (params.in_h * c + y * params.stride + dy) * params.in_w + x * params.stride + dx];
        }
    }

    let weight = w_buf[params.W_offset + c] * bitcast<f32>(params.scale_factor);
    out_buf[out_base + (params.out_h * c + y) * params.out_w + x] = sum * weight + bias_buf[params.bias_offset + c];
}
`

const convolutionShader = `
struct Params {
    in_offset: u32,
    W_offset: u32,
    bias_offset: u32,
    out_offset: u32,
    in_w: u32,
    in_h: u32,
    out_w: u32,
    out_h: u32,
    in_depth: u32,
    window_w: u32,
    window_h: u32,
    stride: u32,
    out_depth: u32,
    has_bias: u32,
}

@group(0) @binding(0) var<storage, read> in_buf: array<f32>;
@group(0) @binding(1) var<storage, read> w_buf: array<f32>;
@group(0) @binding(2) var<storage, read> bias_buf: array<f32>;
@group(0) @binding(3) var<storage, read_write> out_buf: array<f32>;
@group(0) @binding(4) var<storage, read> connect_table: array<u32>;
@group(0) @binding(5) var<uniform> params: Params;

@compute @workgroup_size({{.X}}, {{.Y}}, {{.Z}})
fn CFMulti(@builtin(global_invocation_id) gid: vec3<u32>) {
    let sample = gid.x / params.out_w;
    let x = gid.x % params.out_w;
    let y = gid.y;
    let oc = gid.z;

    let in_base = params.in_offset + sample * params.in_w * params.in_h * params.in_depth;
    let out_base = params.out_offset + sample * params.out_w * params.out_h * params.out_depth;
    let ww = params.window_w;
    let wh = params.window_h;

    var sum = 0.0;
    for (var ic = 0u; ic < params.in_depth; ic++) {
        if (connect_table[ic * params.out_depth + oc] == 0u) {
            continue;
        }
        for (var wy = 0u; wy < wh; wy++) {
            for (var wx = 0u; wx < ww; wx++) {
                let w = w_buf[params.W_offset + ww * wh * (params.in_depth * oc + ic) + wy * ww + wx];
                let v = in_buf[in_base + (params.in_h * ic + y * params.stride + wy) * params.in_w + x * params.stride + wx];
                sum += w * v;
            }
        }
    }
    if (params.has_bias != 0u) {
        sum += bias_buf[params.bias_offset + oc];
    }
    out_buf[out_base + (params.out_h * oc + y) * params.out_w + x] = sum;
}
`

const fullyConnectedShader = `
struct Params {
    in_offset: u32,
    W_offset: u32,
    bias_offset: u32,
    out_offset: u32,
    in_size: u32,
    out_size: u32,
    has_bias: u32,
}

@group(0) @binding(0) var<storage, read> in_buf: array<f32>;
@group(0) @binding(1) var<storage, read> w_buf: array<f32>;
@group(0) @binding(2) var<storage, read> bias_buf: array<f32>;
@group(0) @binding(3) var<storage, read_write> out_buf: array<f32>;
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size({{.X}}, {{.Y}}, {{.Z}})
fn FullyConnected(@builtin(global_invocation_id) gid: vec3<u32>) {
    let o = gid.x;
    let sample = gid.y;
    let in_base = params.in_offset + sample * params.in_size;

    var sum = 0.0;
    if (params.has_bias != 0u) {
        sum = bias_buf[params.bias_offset + o];
    }
    for (var i = 0u; i < params.in_size; i++) {
        sum += in_buf[in_base + i] * w_buf[params.W_offset + i * params.out_size + o];
    }
    out_buf[params.out_offset + sample * params.out_size + o] = sum;
}
`

var builtinShaders = map[string]string{
	device.EntryAveragePooling: averagePoolingShader,
	device.EntryConvolution:    convolutionShader,
	device.EntryFullyConnected: fullyConnectedShader,
}

type workgroup struct {
	X, Y, Z int
}

// ShaderSource returns the WGSL of entry with its workgroup size set to
// local. A non-empty custom source replaces the built-in template.
func ShaderSource(entry, custom string, local [3]int) (string, error) {
	src := custom
	if src == "" {
		var ok bool
		if src, ok = builtinShaders[entry]; !ok {
			return "", fmt.Errorf("%w: %q", device.ErrUnknownEntry, entry)
		}
	}
	tmpl, err := template.New(entry).Parse(src)
	if err != nil {
		return "", fmt.Errorf("webgpu: parse %s shader: %w", entry, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, workgroup{local[0], local[1], local[2]}); err != nil {
		return "", fmt.Errorf("webgpu: generate %s shader: %w", entry, err)
	}
	return buf.String(), nil
}

// shaderKey identifies a compiled shader and its pipeline.
func shaderKey(entry, custom string, local [3]int) string {
	if custom != "" {
		return fmt.Sprintf("%s/custom-%x/%dx%dx%d", entry, fnv32(custom), local[0], local[1], local[2])
	}
	return fmt.Sprintf("%s/%dx%dx%d", entry, local[0], local[1], local[2])
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// splitArgs separates buffer arguments (in binding order) from scalars.
func splitArgs(args []device.Arg) (buffers, scalars []device.Arg) {
	for _, a := range args {
		if a.IsBuffer() {
			buffers = append(buffers, a)
		} else {
			scalars = append(scalars, a)
		}
	}
	return buffers, scalars
}

// packParams lays scalars out as consecutive little-endian u32 words,
// padded to the 16-byte uniform alignment.
func packParams(scalars []device.Arg) []byte {
	size := (len(scalars)*4 + 15) &^ 15
	if size == 0 {
		size = 16
	}
	data := make([]byte, size)
	for i, s := range scalars {
		binary.LittleEndian.PutUint32(data[i*4:], s.Bits())
	}
	return data
}
