package nn

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/openfluke/snnc/shape"
)

// Graph is a topologically sorted set of nodes with resolved shapes and passes
type Graph struct {
	Nodes       []*Node         `json:"nodes"`
	InputLayers int             `json:"inputLayers"`
	Options     GenerateOptions `json:"options"`
}

// Build sorts nodes, propagates shapes from the desired inputs and
// synthesizes the passes of every GPU node. It stops at the first error and
// returns no graph in that case.
func Build(nodes []*Node, opts GenerateOptions) (*Graph, error) {
	if len(opts.DesiredInput) == 0 {
		return nil, fmt.Errorf("%w: no desired input shapes", ErrMalformedGraph)
	}
	sorted, err := sortNodes(nodes)
	if err != nil {
		return nil, err
	}

	g := &Graph{Nodes: sorted, Options: opts.clone()}
	index := make(map[*Node]int, len(sorted))
	for i, n := range sorted {
		n.Index = i
		index[n] = i
		if n.IsInput() {
			g.InputLayers++
		}
	}

	for i, n := range sorted {
		n.Inputs = nil
		n.Passes = nil
		var inW, inH uint32
		if len(n.Prev) == 0 {
			in, err := desiredInput(n, opts)
			if err != nil {
				return nil, err
			}
			n.AddInput(in)
			inW, inH = in.Width, in.Height
		}
		for _, p := range n.Prev {
			var in shape.Buffer
			if p.IsInput() {
				in, err = desiredInput(p, opts)
				if err != nil {
					return nil, err
				}
			} else {
				if _, ok := index[p]; !ok {
					return nil, fmt.Errorf("%w: %s has a predecessor outside the graph", ErrMalformedGraph, n.Name)
				}
				in = p.Output
			}
			n.AddInput(in)
			inW = max(inW, in.Width)
			inH = max(inH, in.Height)
		}

		d := n.OutputDims()
		slog.Debug("resolved layer", "index", i, "name", n.Name, "width", d.Width, "height", d.Height, "depth", d.Depth)

		if n.IsCPU() {
			if i == 0 {
				return nil, fmt.Errorf("%w: CPU layer %s cannot be the first layer", ErrMalformedGraph, n.Name)
			}
			n.Exec = ExecCPU
			n.Output = shape.Buffer{
				Format:   shape.PrecisionFormat(opts.PreferHalf),
				Width:    d.Width,
				Height:   d.Height,
				Depth:    d.Depth,
				Channels: n.Desc.OutputPlanes,
			}
			continue
		}

		if n.IsInput() {
			n.Exec = backendExec(opts.Backend)
		} else {
			lo := opts.clone()
			lo.DesiredInput[0].Width = inW
			lo.DesiredInput[0].Height = inH
			lo.DesiredOutputWidth = d.Width
			lo.DesiredOutputHeight = d.Height
			lo.IsFirstLayer = i == g.InputLayers
			lo.IsLastLayer = i == len(sorted)-1
			if err := n.Synthesize(lo); err != nil {
				return nil, err
			}
		}

		n.Output = shape.NewBuffer(opts.PreferHalf, d.Width, d.Height, n.OutputChannels(d))
		if !n.Output.Valid() {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrInvalidShape, n.Name, n.Output)
		}
	}
	return g, nil
}

func backendExec(b Backend) ExecType {
	switch b {
	case BackendVulkan:
		return ExecGPUVK
	case BackendCompute:
		return ExecGPUCS
	}
	return ExecGPUFS
}

// desiredInput returns the shape an input layer feeds into the graph
func desiredInput(n *Node, opts GenerateOptions) (shape.Buffer, error) {
	idx := n.Desc.InputIndex
	if idx < 0 || idx >= len(opts.DesiredInput) {
		return shape.Buffer{}, fmt.Errorf("%w: %s reads input %d of %d", ErrMalformedGraph, n.Name, idx, len(opts.DesiredInput))
	}
	in := opts.DesiredInput[idx]
	return shape.Buffer{
		Format:   shape.PrecisionFormat(opts.PreferHalf),
		Width:    in.Width,
		Height:   in.Height,
		Depth:    in.Depth,
		Channels: 4 * in.Depth,
	}, nil
}

// sortNodes orders nodes so that every node follows its predecessors
func sortNodes(nodes []*Node) ([]*Node, error) {
	inDegree := make(map[*Node]int, len(nodes))
	member := make(map[*Node]bool, len(nodes))
	for _, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("%w: nil node", ErrMalformedGraph)
		}
		member[n] = true
	}
	for _, n := range nodes {
		for _, next := range n.Next {
			if !member[next] {
				return nil, fmt.Errorf("%w: %s links to a node outside the graph", ErrMalformedGraph, n.Name)
			}
			inDegree[next]++
		}
	}

	queue := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sorted := make([]*Node, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		sorted = append(sorted, n)
		for _, next := range n.Next {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(sorted) != len(nodes) {
		return nil, fmt.Errorf("%w: %d of %d nodes are on a cycle", ErrCyclicGraph, len(nodes)-len(sorted), len(nodes))
	}
	return sorted, nil
}

// PassCount returns the number of passes over all nodes
func (g *Graph) PassCount() int {
	n := 0
	for _, node := range g.Nodes {
		n += len(node.Passes)
	}
	return n
}

// Summary writes the layer table of the graph
func (g *Graph) Summary(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Layer ID", "Name", "Output Dims"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for i, n := range g.Nodes {
		table.Append([]string{strconv.Itoa(i), shortName(n.Name), n.Output.String()})
	}
	table.Render()
}

// shortName drops the model prefix of a layer name, keeping "[NN] name"
func shortName(name string) string {
	if i := strings.Index(name, "["); i >= 0 {
		name = name[i:]
	}
	if len(name) > 34 {
		name = name[:31] + "..."
	}
	return name
}

// LayerName formats the display name of the i-th layer of a model
func LayerName(model string, i int, typeName string) string {
	return fmt.Sprintf("%s layer [%02d] %s", model, i, typeName)
}
