package nn

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/openfluke/snnc/shape"
)

// Synthesizer generates the passes of one node for one backend. Returning
// no passes means the backend is not implemented for the node.
type Synthesizer func(n *Node, opts GenerateOptions) ([]Pass, error)

// Capability is the per-kind behavior table entry
type Capability struct {
	Kind Kind

	// Transform maps input extents onto the output extent
	Transform func(n *Node) shape.Transform
	// Dims overrides the resolved output dims, nil keeps them
	Dims func(n *Node, resolved shape.Dims) shape.Dims

	FS Synthesizer
	CS Synthesizer
	VK Synthesizer

	// CPU layers run on the host and produce no passes
	CPU bool
}

// Backends lists the backends the kind can synthesize for
func (c *Capability) Backends() []Backend {
	var out []Backend
	if c.FS != nil {
		out = append(out, BackendFragment)
	}
	if c.CS != nil {
		out = append(out, BackendCompute)
	}
	if c.VK != nil {
		out = append(out, BackendVulkan)
	}
	return out
}

// Registry maps layer kinds and their model type names onto capabilities
type Registry struct {
	caps    map[Kind]*Capability
	names   map[string]Kind
	aliases map[string]Kind
}

// NewRegistry returns a registry holding every supported layer kind
func NewRegistry() *Registry {
	r := &Registry{
		caps:    make(map[Kind]*Capability),
		names:   make(map[string]Kind),
		aliases: make(map[string]Kind),
	}
	for _, c := range defaultCapabilities() {
		r.Register(c)
	}
	r.Alias("DepthwiseConv2D", KindSeparableConv2D)
	r.Alias("Depthwise", KindSeparableConv2D)
	r.Alias("InstanceNormalization", KindInstanceNorm)
	r.Alias("ZeroPadding2D", KindPad)
	r.Alias("subpixel", KindSubpixel)
	r.Alias("depth_to_space", KindSubpixel)
	return r
}

// Register adds or replaces the capability of a kind
func (r *Registry) Register(c *Capability) {
	r.caps[c.Kind] = c
	r.names[c.Kind.String()] = c.Kind
	slog.Debug("register layer", "kind", c.Kind)
}

// Alias makes name resolve to kind
func (r *Registry) Alias(name string, kind Kind) {
	r.aliases[name] = kind
}

// Capability returns the table entry of a kind
func (r *Registry) Capability(kind Kind) (*Capability, bool) {
	c, ok := r.caps[kind]
	return c, ok
}

// Lookup resolves a model type name, following aliases
func (r *Registry) Lookup(name string) (Kind, error) {
	if k, ok := r.aliases[name]; ok {
		return k, nil
	}
	if k, ok := r.names[name]; ok {
		return k, nil
	}
	if hint := r.closest(name); hint != "" {
		return 0, fmt.Errorf("%w %q, did you mean %q?", ErrUnknownKind, name, hint)
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownKind, name)
}

func (r *Registry) closest(name string) string {
	best, bestDist := "", 4
	for _, cand := range r.Names() {
		if d := levenshtein.ComputeDistance(name, cand); d < bestDist {
			best, bestDist = cand, d
		}
	}
	return best
}

// Names returns every resolvable type name, aliases included, sorted
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.names)+len(r.aliases))
	for n := range r.names {
		out = append(out, n)
	}
	for n := range r.aliases {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Kinds returns the registered kinds in enum order
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.caps))
	for k := range r.caps {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Create builds a node of the given kind. The descriptor is deep copied.
func (r *Registry) Create(kind Kind, desc Desc) (*Node, error) {
	c, ok := r.caps[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	d := desc.Clone()
	d.Kind = kind
	return &Node{Name: d.Name, Desc: d, caps: c}, nil
}

// CreateNamed resolves a model type name and builds the node
func (r *Registry) CreateNamed(typeName string, desc Desc) (*Node, error) {
	k, err := r.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	return r.Create(k, desc)
}

func defaultCapabilities() []*Capability {
	return []*Capability{
		{Kind: KindInput, Transform: identityTransform},
		{Kind: KindConv2D, Transform: convTransform, FS: conv2DFS, CS: conv2DCS, VK: conv2DVK},
		{Kind: KindSeparableConv2D, Transform: convTransform, FS: depthwiseFS, CS: depthwiseCS, VK: depthwiseVK},
		{Kind: KindConv2DTranspose, Transform: deconvTransform, FS: deconvFS, CS: deconvCS},
		{Kind: KindMaxPooling2D, Transform: poolTransform, FS: maxPoolFS, CS: maxPoolCS, VK: maxPoolVK},
		{Kind: KindAveragePooling2D, Transform: poolTransform, FS: avgPoolFS, CS: avgPoolCS, VK: avgPoolVK},
		{Kind: KindAdaptiveAvgPool2D, Transform: poolTransform, FS: adaptiveAvgPoolFS, CS: adaptiveAvgPoolCS},
		{Kind: KindDense, Transform: denseTransform, Dims: denseDims, CS: denseCS, VK: denseVK},
		{Kind: KindFlatten, Transform: flattenTransform, Dims: flattenDims, CS: flattenCS, VK: flattenVK},
		{Kind: KindAdd, Transform: identityTransform, FS: addFS, CS: addCS, VK: addVK},
		{Kind: KindConcatenate, Transform: identityTransform, Dims: concatDims, FS: concatFS, CS: concatCS, VK: concatVK},
		{Kind: KindBatchNormalization, Transform: identityTransform, FS: batchNormFS, CS: batchNormCS, VK: batchNormVK},
		{Kind: KindInstanceNorm, Transform: identityTransform, CS: instanceNormCS},
		{Kind: KindActivation, Transform: identityTransform, FS: activationFS, CS: activationCS, VK: activationVK},
		{Kind: KindUnary, Transform: identityTransform, FS: unaryFS, CS: unaryCS, VK: unaryVK},
		{Kind: KindCalculate, Transform: identityTransform, FS: calculateFS},
		{Kind: KindUpSampling2D, Transform: upsampleTransform, FS: upsampleFS, CS: upsampleCS, VK: upsampleVK},
		{Kind: KindSubpixel, Transform: subpixelTransform, FS: subpixelFS, VK: subpixelVK},
		{Kind: KindPad, Transform: padTransform, FS: padFS, CS: padCS},
		{Kind: KindYOLO, Transform: identityTransform, Dims: yoloDims, CPU: true},
	}
}
