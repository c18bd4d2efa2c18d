package nn

import (
	"encoding/json"
	"fmt"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/openfluke/snnc/shape"
)

// UniformType is the GLSL type of a uniform value
type UniformType string

const (
	UniformInt   UniformType = "int"
	UniformIVec2 UniformType = "ivec2"
	UniformIVec3 UniformType = "ivec3"
	UniformIVec4 UniformType = "ivec4"
	UniformFloat UniformType = "float"
	UniformVec2  UniformType = "vec2"
	UniformVec4  UniformType = "vec4"
)

// Uniform is a typed uniform value
type Uniform struct {
	Type   UniformType `json:"type"`
	Ints   []int32     `json:"ints,omitempty"`
	Floats []float32   `json:"floats,omitempty"`
}

func Int(v int) Uniform { return Uniform{Type: UniformInt, Ints: []int32{int32(v)}} }

func IVec2(x, y int) Uniform {
	return Uniform{Type: UniformIVec2, Ints: []int32{int32(x), int32(y)}}
}

func IVec3(x, y, z uint32) Uniform {
	return Uniform{Type: UniformIVec3, Ints: []int32{int32(x), int32(y), int32(z)}}
}

func IVec4(x, y, z, w uint32) Uniform {
	return Uniform{Type: UniformIVec4, Ints: []int32{int32(x), int32(y), int32(z), int32(w)}}
}

func Float(v float32) Uniform { return Uniform{Type: UniformFloat, Floats: []float32{v}} }

func Vec2(x, y float32) Uniform { return Uniform{Type: UniformVec2, Floats: []float32{x, y}} }

func Vec4(x, y, z, w float32) Uniform {
	return Uniform{Type: UniformVec4, Floats: []float32{x, y, z, w}}
}

// SpecType is the scalar type of a specialization or push constant
type SpecType string

const (
	SpecU32 SpecType = "u32"
	SpecS32 SpecType = "s32"
	SpecF32 SpecType = "f32"
)

// SpecConstant is one positional pipeline constant. Bits holds the raw 32-bit value.
type SpecConstant struct {
	ID   uint32   `json:"id"`
	Type SpecType `json:"type"`
	Bits uint32   `json:"bits"`
}

// U32 builds an unsigned constant
func U32(id, v uint32) SpecConstant { return SpecConstant{ID: id, Type: SpecU32, Bits: v} }

// S32 builds a signed constant
func S32(id uint32, v int32) SpecConstant {
	return SpecConstant{ID: id, Type: SpecS32, Bits: uint32(v)}
}

// F32 builds a float constant
func F32(id uint32, v float32) SpecConstant {
	return SpecConstant{ID: id, Type: SpecF32, Bits: math.Float32bits(v)}
}

// Float returns the value of an f32 constant
func (s SpecConstant) Float() float32 { return math.Float32frombits(s.Bits) }

func (s SpecConstant) String() string {
	if s.Type == SpecF32 {
		return fmt.Sprintf("%d:%s=%g", s.ID, s.Type, s.Float())
	}
	if s.Type == SpecS32 {
		return fmt.Sprintf("%d:%s=%d", s.ID, s.Type, int32(s.Bits))
	}
	return fmt.Sprintf("%d:%s=%d", s.ID, s.Type, s.Bits)
}

// FragmentProgram places a fragment pass on a range of output texture slices
type FragmentProgram struct {
	OutputSliceIndex uint32 `json:"outputSliceIndex"`
	OutputSliceCount uint32 `json:"outputSliceCount"`
}

// ComputeProgram names the output image of a compute or Vulkan pass and its
// workgroup counts.
type ComputeProgram struct {
	OutputImage string    `json:"outputImage"`
	Dispatch    [3]uint32 `json:"dispatch"`
}

// Pass is one unit of GPU work of a node
type Pass struct {
	Exec ExecType `json:"exec"`

	// Source is the GLSL text of FS/CS passes and the asset name of Vulkan passes
	Source string `json:"source"`
	// Code is the SPIR-V of Vulkan passes
	Code []uint32 `json:"-"`

	// Inputs maps shader variable names to indices into the node's inputs
	Inputs         *orderedmap.OrderedMap[string, int]            `json:"inputs"`
	Uniforms       *orderedmap.OrderedMap[string, Uniform]        `json:"uniforms,omitempty"`
	SpecConstants  []SpecConstant                                 `json:"specConstants,omitempty"`
	PushConstants  *orderedmap.OrderedMap[string, []SpecConstant] `json:"pushConstants,omitempty"`
	UniformBuffers *orderedmap.OrderedMap[string, []uint32]       `json:"uniformBuffers,omitempty"`
	ObjectBuffers  *orderedmap.OrderedMap[string, []float32]      `json:"objectBuffers,omitempty"`
	WeightBuffers  *orderedmap.OrderedMap[string, []float32]      `json:"weightBuffers,omitempty"`
	WeightFormats  *orderedmap.OrderedMap[string, shape.Format]   `json:"weightFormats,omitempty"`
	WeightDims     *orderedmap.OrderedMap[string, [3]uint32]      `json:"weightDims,omitempty"`

	// WeightMeta describes uniform-path weights: layout (0 conv, 1 depthwise),
	// weight mode, half flag, kernel w/h, input and output planes, then any
	// per-pass extras.
	WeightMeta []uint32 `json:"weightMeta,omitempty"`
	// ModelWeights holds the kernels read at run time on the uniform path
	ModelWeights [][]float32 `json:"modelWeights,omitempty"`

	Fragment *FragmentProgram `json:"fragment,omitempty"`
	Compute  *ComputeProgram  `json:"compute,omitempty"`

	Weights     []float32 `json:"weights,omitempty"`
	HalfWeights []uint16  `json:"halfWeights,omitempty"`
	Bias        []float32 `json:"bias,omitempty"`
	Mean        []float32 `json:"mean,omitempty"`
	Variance    []float32 `json:"variance,omitempty"`
	Beta        []float32 `json:"beta,omitempty"`
	Gamma       []float32 `json:"gamma,omitempty"`
}

func newPass(exec ExecType) Pass {
	return Pass{
		Exec:   exec,
		Inputs: orderedmap.New[string, int](),
	}
}

// SetInput binds a shader variable to one of the node's inputs
func (p *Pass) SetInput(name string, index int) {
	if p.Inputs == nil {
		p.Inputs = orderedmap.New[string, int]()
	}
	p.Inputs.Set(name, index)
}

// SetUniform records a uniform value
func (p *Pass) SetUniform(name string, u Uniform) {
	if p.Uniforms == nil {
		p.Uniforms = orderedmap.New[string, Uniform]()
	}
	p.Uniforms.Set(name, u)
}

// SetPushConstants records the push constant block of a Vulkan pass
func (p *Pass) SetPushConstants(name string, c []SpecConstant) {
	if p.PushConstants == nil {
		p.PushConstants = orderedmap.New[string, []SpecConstant]()
	}
	p.PushConstants.Set(name, c)
}

// SetUniformBuffer records a raw 32-bit uniform buffer binding
func (p *Pass) SetUniformBuffer(binding string, words []uint32) {
	if p.UniformBuffers == nil {
		p.UniformBuffers = orderedmap.New[string, []uint32]()
	}
	p.UniformBuffers.Set(binding, words)
}

// SetObjectBuffer records a float storage buffer binding
func (p *Pass) SetObjectBuffer(binding string, data []float32) {
	if p.ObjectBuffers == nil {
		p.ObjectBuffers = orderedmap.New[string, []float32]()
	}
	p.ObjectBuffers.Set(binding, data)
}

// SetWeightTexture records a weight texture binding with its extent and format
func (p *Pass) SetWeightTexture(binding string, data []float32, dims [3]uint32, format shape.Format) {
	if p.WeightBuffers == nil {
		p.WeightBuffers = orderedmap.New[string, []float32]()
		p.WeightFormats = orderedmap.New[string, shape.Format]()
	}
	p.WeightBuffers.Set(binding, data)
	p.WeightFormats.Set(binding, format)
	p.SetWeightDims(binding, dims)
}

// SetWeightDims records the extent of a weight texture
func (p *Pass) SetWeightDims(binding string, dims [3]uint32) {
	if p.WeightDims == nil {
		p.WeightDims = orderedmap.New[string, [3]uint32]()
	}
	p.WeightDims.Set(binding, dims)
}

// InputNames returns the bound shader input names in binding order
func (p *Pass) InputNames() []string {
	if p.Inputs == nil {
		return nil
	}
	names := make([]string, 0, p.Inputs.Len())
	for pair := p.Inputs.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Uniform returns a recorded uniform
func (p *Pass) Uniform(name string) (Uniform, bool) {
	if p.Uniforms == nil {
		return Uniform{}, false
	}
	return p.Uniforms.Get(name)
}

// UniformBuffer returns a recorded uniform buffer
func (p *Pass) UniformBuffer(binding string) ([]uint32, bool) {
	if p.UniformBuffers == nil {
		return nil, false
	}
	return p.UniformBuffers.Get(binding)
}

// ObjectBuffer returns a recorded object buffer
func (p *Pass) ObjectBuffer(binding string) ([]float32, bool) {
	if p.ObjectBuffers == nil {
		return nil, false
	}
	return p.ObjectBuffers.Get(binding)
}

// MarshalIndent renders the pass description as indented JSON
func (p *Pass) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
