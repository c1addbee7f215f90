package wgsl

// blockSource is the block scan, or with ReduceOnly the block reduce.
// Binding 0 is the data, binding 1 the block sums, binding 2 the length.
const blockSource = `{{if eq .ScalarType "f16"}}enable f16;

{{end}}{{with .Decls}}{{.}}

{{end}}struct Params {
    length: u32,
}

@group(0) @binding(0) var<storage, {{if .ReduceOnly}}read{{else}}read_write{{end}}> data: array<{{.ScalarType}}>;
@group(0) @binding(1) var<storage, read_write> sums: array<{{.ScalarType}}>;
@group(0) @binding(2) var<uniform> params: Params;

var<workgroup> scratch: array<{{.ScalarType}}, {{.Threads}}>;

fn combine(a: {{.ScalarType}}, b: {{.ScalarType}}) -> {{.ScalarType}} {
    return {{.Combine}};
}

@compute @workgroup_size({{.Threads}})
fn main(@builtin(local_invocation_id) lid: vec3<u32>, @builtin(workgroup_id) wid: vec3<u32>) {
    let t = lid.x;
    let base = wid.x * {{.PerBlock}}u + t * {{.Elements}}u;

    var partials: array<{{.ScalarType}}, {{.Elements}}>;
    var acc: {{.ScalarType}} = {{.Identity}};
    for (var j = 0u; j < {{.Elements}}u; j = j + 1u) {
        let i = base + j;
        if (i < params.length) {
            acc = combine(acc, data[i]);
        }
        partials[j] = acc;
    }
    scratch[t] = acc;

    for (var s = 1u; s < {{.Threads}}u; s = s << 1u) {
        workgroupBarrier();
        if ((t + 1u) % (2u * s) == 0u) {
            scratch[t] = combine(scratch[t - s], scratch[t]);
        }
    }
    if (t == {{.Threads}}u - 1u) {
        sums[wid.x] = scratch[t];
        scratch[t] = {{.Identity}};
    }
{{if not .ReduceOnly}}
    for (var s = {{.Threads}}u / 2u; s >= 1u; s = s >> 1u) {
        workgroupBarrier();
        if ((t + 1u) % (2u * s) == 0u) {
            let left = scratch[t - s];
            scratch[t - s] = scratch[t];
            scratch[t] = combine(scratch[t], left);
        }
    }

    workgroupBarrier();
    let prefix = scratch[t];
    for (var j = 0u; j < {{.Elements}}u; j = j + 1u) {
        let i = base + j;
        if (i < params.length) {
            if (j == 0u) {
                data[i] = prefix;
            } else {
                data[i] = combine(prefix, partials[j - 1u]);
            }
        }
    }
{{end}}}
`

// addSource is the uniform add. Binding 0 is the data, binding 1 the
// carries, binding 2 the length.
const addSource = `{{if eq .ScalarType "f16"}}enable f16;

{{end}}{{with .Decls}}{{.}}

{{end}}struct Params {
    length: u32,
}

@group(0) @binding(0) var<storage, read_write> data: array<{{.ScalarType}}>;
@group(0) @binding(1) var<storage, read> carries: array<{{.ScalarType}}>;
@group(0) @binding(2) var<uniform> params: Params;

fn combine(a: {{.ScalarType}}, b: {{.ScalarType}}) -> {{.ScalarType}} {
    return {{.Combine}};
}

@compute @workgroup_size({{.Threads}})
fn main(@builtin(local_invocation_id) lid: vec3<u32>, @builtin(workgroup_id) wid: vec3<u32>) {
    let carry = carries[wid.x];
    let base = wid.x * {{.PerBlock}}u + lid.x * {{.Elements}}u;
    for (var j = 0u; j < {{.Elements}}u; j = j + 1u) {
        let i = base + j;
        if (i < params.length) {
            data[i] = combine(carry, data[i]);
        }
    }
}
`
