package nn

import (
	"fmt"
	"math"
)

const (
	denseCSAsset   = "shaders/shadertemplate_cs_dense.glsl"
	flattenCSAsset = "shaders/shadertemplate_cs_flattenlayer.glsl"
)

// denseMatrix flattens the rows of a dense layer, one row per output unit
func denseMatrix(n *Node) ([]float32, int, error) {
	d := n.Desc
	if len(d.DenseWeights) == 0 {
		return nil, 0, fmt.Errorf("%w: %s has no weights", ErrInvalidShape, n.Name)
	}
	if len(d.DenseWeights) != len(d.Biases) {
		return nil, 0, fmt.Errorf("%w: %s has %d weight rows and %d biases", ErrInvalidShape, n.Name, len(d.DenseWeights), len(d.Biases))
	}
	width := len(d.DenseWeights[0])
	out := make([]float32, 0, width*len(d.DenseWeights))
	for i, row := range d.DenseWeights {
		if len(row) != width {
			return nil, 0, fmt.Errorf("%w: %s row %d has %d weights, want %d", ErrInvalidShape, n.Name, i, len(row), width)
		}
		out = append(out, row...)
	}
	return out, width, nil
}

func denseCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	w, width, err := denseMatrix(n)
	if err != nil {
		return nil, err
	}
	main, err := loadText(opts, denseCSAsset)
	if err != nil {
		return nil, err
	}
	outW := uint32(len(d.Biases))

	p := newPass(ExecGPUCS)
	p.SetUniform("uWidth", Int(width))
	p.SetUniform("activation", Int(0))
	p.SetInput("uInImage", 0)
	p.Source = csHeader(opts.PreferHalf, storageBlock) + main
	p.Compute = &ComputeProgram{OutputImage: "uOutImage", Dispatch: [3]uint32{1, outW, 1}}
	p.Weights = w
	p.Bias = append([]float32(nil), d.Biases...)
	return []Pass{p}, nil
}

func denseVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	d := n.Desc
	w, _, err := denseMatrix(n)
	if err != nil {
		return nil, err
	}
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("dense", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	outW := uint32(len(d.Biases))

	p.Weights = w
	p.Bias = append([]float32(nil), d.Biases...)
	p.SetObjectBuffer("3", p.Weights)
	p.SetObjectBuffer("4", p.Bias)
	p.SetUniformBuffer("2", []uint32{in.Width, in.Height, vkActivation(d), math.Float32bits(d.LeakyReluAlpha), 0, 0})
	p.SetInput("uInput", 0)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: [3]uint32{1, outW, 1}}
	return []Pass{p}, nil
}

func flattenCS(n *Node, opts GenerateOptions) ([]Pass, error) {
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	main, err := loadText(opts, flattenCSAsset)
	if err != nil {
		return nil, err
	}
	p := newPass(ExecGPUCS)
	p.SetUniform("uWidth", Int(int(in.Width)))
	p.SetUniform("uHeight", Int(int(in.Height)))
	p.SetInput("uInImage", 0)
	p.Source = csHeader(opts.PreferHalf, storageBlock) + main
	p.Compute = &ComputeProgram{OutputImage: "uOutImage", Dispatch: [3]uint32{1, 1, in.Depth}}
	return []Pass{p}, nil
}

func flattenVK(n *Node, opts GenerateOptions) ([]Pass, error) {
	in, err := inputShape(n, 0)
	if err != nil {
		return nil, err
	}
	p, err := spirvPass(opts, vkAsset("flatten", opts.PreferHalf))
	if err != nil {
		return nil, err
	}
	p.SetUniformBuffer("2", []uint32{in.Width, in.Height})
	p.SetInput("uInput", 0)
	p.Compute = &ComputeProgram{OutputImage: "uOutput", Dispatch: [3]uint32{1, 1, in.Depth}}
	return []Pass{p}, nil
}
