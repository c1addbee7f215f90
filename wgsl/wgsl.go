// Package wgsl specialises the three scan kernels as WGSL compute shaders
// for one operator and one block layout, and compiles them to SPIR-V with
// naga, for backends that run real GPU pipelines.
//
// The shaders implement exactly the algorithms of package kernel: the
// same thread to element mapping, the same Blelloch phases, and the carry
// always on the left.
package wgsl

import (
	"strings"
	"text/template"

	"github.com/gogpu/naga"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/exascience/parscan/kernel"
)

// Operator is the shader form of a binary operator. Combine is a WGSL
// expression over the operands a and b. Decls are emitted at module
// scope, before the bindings.
type Operator struct {
	Name       string
	ScalarType string
	Combine    string
	Identity   string
	Decls      string
}

// ScalarTypes are the element types the shaders can be specialised for.
var ScalarTypes = []string{"i32", "u32", "f32", "f16"}

func (op Operator) validate() error {
	for _, t := range ScalarTypes {
		if op.ScalarType == t {
			if strings.TrimSpace(op.Combine) == "" || strings.TrimSpace(op.Identity) == "" {
				return errors.Errorf("wgsl: operator %q needs a combine expression and an identity literal", op.Name)
			}
			return nil
		}
	}
	return errors.Errorf("wgsl: operator %q has unsupported scalar type %q, supported are %v", op.Name, op.ScalarType, ScalarTypes)
}

// Module is one specialised shader.
type Module struct {
	Name   string
	Source string
	SPIRV  []uint32
}

// Kernels are the three shaders of one operator and layout.
type Kernels struct {
	Scan   Module
	Reduce Module
	Add    Module
}

type params struct {
	Operator
	Threads    int
	Elements   int
	ReduceOnly bool
}

func (p params) PerBlock() int { return p.Threads * p.Elements }

var (
	blockTemplate = template.Must(template.New("block").Parse(blockSource))
	addTemplate   = template.Must(template.New("add").Parse(addSource))
)

func render(t *template.Template, p params) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, p); err != nil {
		return "", errors.Wrapf(err, "wgsl: rendering %s for operator %q", t.Name(), p.Name)
	}
	return sb.String(), nil
}

// Generate returns the WGSL sources of the three kernels, without
// compiling them.
func Generate(op Operator, l kernel.Layout) (*Kernels, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, errors.WithMessage(err, "wgsl")
	}
	p := params{Operator: op, Threads: l.ThreadsPerBlock, Elements: l.ElementsPerThread}
	scanName, reduceName, addName := kernel.Names(op.Name, l)
	k := &Kernels{
		Scan:   Module{Name: scanName},
		Reduce: Module{Name: reduceName},
		Add:    Module{Name: addName},
	}
	var err error
	if k.Scan.Source, err = render(blockTemplate, p); err != nil {
		return nil, err
	}
	p.ReduceOnly = true
	if k.Reduce.Source, err = render(blockTemplate, p); err != nil {
		return nil, err
	}
	if k.Add.Source, err = render(addTemplate, p); err != nil {
		return nil, err
	}
	return k, nil
}

// Compile generates the three kernels and compiles each of them to
// SPIR-V.
func Compile(op Operator, l kernel.Layout) (*Kernels, error) {
	k, err := Generate(op, l)
	if err != nil {
		return nil, err
	}
	for _, m := range []*Module{&k.Scan, &k.Reduce, &k.Add} {
		spirv, err := naga.Compile(m.Source)
		if err != nil {
			return nil, errors.Wrapf(err, "wgsl: compiling %s", m.Name)
		}
		if m.SPIRV, err = Words(spirv); err != nil {
			return nil, errors.WithMessagef(err, "wgsl: compiling %s", m.Name)
		}
		klog.V(1).Infof("wgsl: compiled %s to %d SPIR-V words", m.Name, len(m.SPIRV))
	}
	return k, nil
}

// Magic is the first word of every SPIR-V module.
const Magic = 0x07230203

// Words converts little-endian SPIR-V bytes into 32-bit words and checks
// the magic number.
func Words(spirv []byte) ([]uint32, error) {
	if len(spirv) < 4 || len(spirv)%4 != 0 {
		return nil, errors.Errorf("wgsl: SPIR-V of %d bytes is not a sequence of words", len(spirv))
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = uint32(spirv[i*4]) |
			uint32(spirv[i*4+1])<<8 |
			uint32(spirv[i*4+2])<<16 |
			uint32(spirv[i*4+3])<<24
	}
	if words[0] != Magic {
		return nil, errors.Errorf("wgsl: invalid SPIR-V magic 0x%08X", words[0])
	}
	return words, nil
}
