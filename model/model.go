// Package model loads exported JSON model files into linked nn nodes.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/openfluke/snnc/nn"
	"github.com/openfluke/snnc/shape"
)

var (
	ErrInvalidModel = errors.New("invalid model")
	ErrNoInputLayer = errors.New("model has no input layer")
)

// Options configures loading
type Options struct {
	// Registry resolves layer type names. A default registry is used when nil.
	Registry *nn.Registry
	// PreferHalf rounds every loaded tensor to half precision
	PreferHalf bool
}

// Model is a loaded layer graph. Nodes are in file order and already linked.
type Model struct {
	Name  string     `json:"name"`
	Nodes []*nn.Node `json:"-"`

	IsRange01     bool   `json:"isRange01"`
	InputWidth    uint32 `json:"inputWidth"`
	InputHeight   uint32 `json:"inputHeight"`
	InputChannels uint32 `json:"inputChannels"`
	Upscale       uint32 `json:"upscale"`
	UseSubpixel   bool   `json:"useSubpixel"`
}

type rawHeader struct {
	NumLayers struct {
		Count int `json:"count"`
	} `json:"numLayers"`
	InputRange  string `json:"inputRange"`
	BinFileName string `json:"bin_file_name"`
	Block0      struct {
		InputWidth  uint32 `json:"Input Width"`
		InputHeight uint32 `json:"Input Height"`
	} `json:"block_0"`
	Node struct {
		Upscale       uint32 `json:"upscale"`
		InputChannels uint32 `json:"inputChannels"`
		UseSubpixel   flag   `json:"useSubpixel"`
	} `json:"node"`
}

// Load reads the model file at name from fsys. A bin_file_name entry is
// resolved relative to the model file.
func Load(fsys fs.FS, name string, opts Options) (*Model, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var hdr rawHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidModel, name, err)
	}
	var bin *tensorReader
	if hdr.BinFileName != "" {
		raw, err := fs.ReadFile(fsys, path.Join(path.Dir(name), hdr.BinFileName))
		if err != nil {
			return nil, fmt.Errorf("read weights: %w", err)
		}
		bin = newTensorReader(raw)
	}
	return parse(NameFromPath(name), data, bin, opts)
}

// Parse decodes a model held in memory. Binary weight files are not
// supported here, every tensor must be inline.
func Parse(name string, data []byte, opts Options) (*Model, error) {
	return parse(name, data, nil, opts)
}

// NameFromPath is the model name Load derives from a file name
func NameFromPath(file string) string {
	base := path.Base(file)
	return strings.TrimSuffix(base, path.Ext(base))
}

func parse(name string, data []byte, bin *tensorReader, opts Options) (*Model, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidModel, name, err)
	}
	var hdr rawHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidModel, name, err)
	}
	count := hdr.NumLayers.Count
	if count <= 0 {
		return nil, fmt.Errorf("%w: %s declares %d layers", ErrInvalidModel, name, count)
	}

	reg := opts.Registry
	if reg == nil {
		reg = nn.NewRegistry()
	}
	m := &Model{
		Name:          name,
		IsRange01:     hdr.InputRange == "[0,1]",
		InputWidth:    hdr.Block0.InputWidth,
		InputHeight:   hdr.Block0.InputHeight,
		InputChannels: hdr.Node.InputChannels,
		Upscale:       hdr.Node.Upscale,
		UseSubpixel:   bool(hdr.Node.UseSubpixel),
	}
	ld := &loader{half: opts.PreferHalf, bin: bin, isRange01: m.IsRange01}

	layers := make([]*rawLayer, count)
	m.Nodes = make([]*nn.Node, count)
	for i := 0; i < count; i++ {
		key := fmt.Sprintf("Layer_%d", i)
		raw, ok := doc[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s: missing %s", ErrInvalidModel, name, key)
		}
		l := &rawLayer{}
		if err := json.Unmarshal(raw, l); err != nil {
			return nil, fmt.Errorf("%w: %s: %s: %v", ErrInvalidModel, name, key, err)
		}
		typeName := l.typeName()
		kind, err := reg.Lookup(typeName)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", name, key, err)
		}
		desc, err := ld.desc(kind, l)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s: %v", ErrInvalidModel, name, key, err)
		}
		desc.Name = nn.LayerName(name, i, typeName)
		n, err := reg.Create(kind, desc)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", name, key, err)
		}
		slog.Debug("loaded layer", "model", name, "index", i, "type", typeName, "kind", kind)
		layers[i] = l
		m.Nodes[i] = n
	}

	hasInput := false
	for i, l := range layers {
		if len(l.InputID) < l.NumInputs {
			return nil, fmt.Errorf("%w: %s: Layer_%d lists %d of %d inputs", ErrInvalidModel, name, i, len(l.InputID), l.NumInputs)
		}
		for _, id := range l.InputID[:l.NumInputs] {
			if id < 0 || id >= count {
				return nil, fmt.Errorf("%w: %s: Layer_%d reads unknown layer %d", ErrInvalidModel, name, i, id)
			}
			m.Nodes[id].Link(m.Nodes[i])
		}
		if m.Nodes[i].IsInput() {
			hasInput = true
			if m.InputWidth == 0 {
				m.InputWidth, m.InputHeight = l.InputWidth, l.InputHeight
			}
			if m.InputChannels == 0 {
				m.InputChannels = l.OutputPlanes
			}
		}
	}
	if !hasInput {
		return nil, fmt.Errorf("%w: %s", ErrNoInputLayer, name)
	}
	if bin != nil && bin.remaining() > 0 {
		slog.Warn("unused bytes in weight file", "model", name, "bytes", bin.remaining())
	}
	return m, nil
}

// InputLayers returns the input nodes ordered by input index
func (m *Model) InputLayers() []*nn.Node {
	var out []*nn.Node
	for _, n := range m.Nodes {
		if n.IsInput() {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Desc.InputIndex < out[j].Desc.InputIndex })
	return out
}

// DesiredInput returns the input shapes the model was exported for. Input
// layers without an extent of their own use the model-wide input extent.
func (m *Model) DesiredInput(half bool) []shape.Buffer {
	inputs := m.InputLayers()
	out := make([]shape.Buffer, len(inputs))
	for i, n := range inputs {
		w, h := n.Desc.InputWidth, n.Desc.InputHeight
		if w == 0 || h == 0 {
			w, h = m.InputWidth, m.InputHeight
		}
		out[i] = shape.NewBuffer(half, w, h, max(n.Desc.OutputPlanes, 1))
	}
	return out
}
