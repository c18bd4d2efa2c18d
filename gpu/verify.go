package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/openfluke/snnc/nn"
	"github.com/openfluke/snnc/weights"
)

// ErrMismatch is returned when a device result differs from the host tensor
var ErrMismatch = errors.New("device result differs from host tensor")

// Job is one pass buffer to run on the device with the values it must produce
type Job struct {
	Layer  string
	Pass   int
	Kind   string
	Kernel Kernel
	Want   []float32
}

// Check is the outcome of one job
type Check struct {
	Layer    string  `json:"layer"`
	Pass     int     `json:"pass"`
	Kind     string  `json:"kind"`
	Values   int     `json:"values"`
	MaxError float32 `json:"maxError"`
}

// Plan lists a job for every pass of g carrying a packed kernel or a dense
// matrix. It does not touch the device.
func Plan(g *nn.Graph) ([]Job, error) {
	var jobs []Job
	for _, n := range g.Nodes {
		for i, p := range n.Passes {
			job, ok, err := planPass(n, p)
			if err != nil {
				return nil, fmt.Errorf("%s pass %d: %w", n.Name, i, err)
			}
			if !ok {
				continue
			}
			job.Layer, job.Pass = n.Name, i
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func planPass(n *nn.Node, p nn.Pass) (Job, bool, error) {
	d := n.Desc
	packed, half := packedWeights(p)
	switch n.Kind() {
	case nn.KindConv2D:
		if packed == nil {
			return Job{}, false, nil
		}
		w := d.Weights
		k, err := NewUnpackKernel(UnpackSpec{Layout: LayoutTiled, Out: w.Out, In: w.In, KH: w.KH, KW: w.KW}, packed)
		if err != nil {
			return Job{}, false, err
		}
		return Job{Kind: LayoutTiled.String(), Kernel: k, Want: hostValues(w.Data, half)}, true, nil
	case nn.KindSeparableConv2D:
		if packed == nil {
			return Job{}, false, nil
		}
		w := d.Depthwise
		k, err := NewUnpackKernel(UnpackSpec{Layout: LayoutDepthwise, Out: w.Channels, KH: w.KH, KW: w.KW}, packed)
		if err != nil {
			return Job{}, false, err
		}
		return Job{Kind: LayoutDepthwise.String(), Kernel: k, Want: hostValues(w.Data, half)}, true, nil
	case nn.KindDense:
		if len(p.Weights) == 0 || len(d.DenseWeights) == 0 {
			return Job{}, false, nil
		}
		spec := DenseSpec{
			InputSize:  len(d.DenseWeights[0]),
			OutputSize: len(p.Bias),
			Activation: d.ActivationType(),
			Alpha:      d.LeakyReluAlpha,
			Weights:    p.Weights,
			Biases:     p.Bias,
		}
		input := Probe(spec.InputSize)
		k, err := NewDenseKernel(spec, input)
		if err != nil {
			return Job{}, false, err
		}
		host, err := hostDense(d, input)
		if err != nil {
			return Job{}, false, err
		}
		return Job{Kind: "dense", Kernel: k, Want: host}, true, nil
	}
	return Job{}, false, nil
}

// packedWeights returns the packed kernel a pass carries, widened to float32
func packedWeights(p nn.Pass) ([]float32, bool) {
	switch {
	case len(p.Weights) > 0:
		return p.Weights, false
	case len(p.HalfWeights) > 0:
		return weights.HalfToFloat(p.HalfWeights), true
	}
	if p.WeightBuffers != nil {
		if v, ok := p.WeightBuffers.Get("2"); ok {
			return v, false
		}
	}
	return nil, false
}

func hostValues(v []float32, half bool) []float32 {
	if half {
		return weights.RoundHalf(v)
	}
	return v
}

// hostDense evaluates the node's own rows, independent of the pass buffer
func hostDense(d nn.Desc, input []float32) ([]float32, error) {
	flat := make([]float32, 0, len(d.DenseWeights)*len(input))
	for i, row := range d.DenseWeights {
		if len(row) != len(input) {
			return nil, fmt.Errorf("row %d has %d weights, want %d", i, len(row), len(input))
		}
		flat = append(flat, row...)
	}
	spec := DenseSpec{
		InputSize:  len(input),
		OutputSize: len(d.DenseWeights),
		Activation: d.ActivationType(),
		Alpha:      d.LeakyReluAlpha,
		Weights:    flat,
		Biases:     d.Biases,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec.Reference(input), nil
}

// Probe returns a deterministic input vector of n values in (0, 1]
func Probe(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i%7+1) / 8
	}
	return v
}

// MaxError returns the largest difference between got and want relative to
// max(1, |want|), or +Inf when the lengths differ.
func MaxError(got, want []float32) float32 {
	if len(got) != len(want) {
		return float32(math.Inf(1))
	}
	var worst float32
	for i := range got {
		diff := got[i] - want[i]
		if diff < 0 {
			diff = -diff
		}
		scale := want[i]
		if scale < 0 {
			scale = -scale
		}
		diff /= max(scale, 1)
		if diff > worst || math.IsNaN(float64(diff)) {
			worst = diff
		}
	}
	return worst
}

// Verify runs every planned job of g and compares the results within tol
func Verify(g *nn.Graph, tol float32) ([]Check, error) {
	jobs, err := Plan(g)
	if err != nil {
		return nil, err
	}
	checks := make([]Check, 0, len(jobs))
	var failed []error
	for _, job := range jobs {
		check, err := run(job)
		if err != nil {
			return checks, err
		}
		checks = append(checks, check)
		slog.Debug("verified pass", "layer", job.Layer, "pass", job.Pass, "kind", job.Kind, "values", check.Values, "maxError", check.MaxError)
		if !(check.MaxError <= tol) {
			failed = append(failed, fmt.Errorf("%w: %s pass %d %s max error %g", ErrMismatch, job.Layer, job.Pass, job.Kind, check.MaxError))
		}
	}
	return checks, errors.Join(failed...)
}

func run(job Job) (Check, error) {
	defer job.Kernel.Cleanup()
	label := fmt.Sprintf("%s_p%d", job.Kind, job.Pass)
	if err := Run(label, job.Kernel); err != nil {
		return Check{}, fmt.Errorf("%s pass %d: %w", job.Layer, job.Pass, err)
	}
	got, err := job.Kernel.Result()
	if err != nil {
		return Check{}, fmt.Errorf("%s pass %d: %w", job.Layer, job.Pass, err)
	}
	return Check{
		Layer:    job.Layer,
		Pass:     job.Pass,
		Kind:     job.Kind,
		Values:   len(got),
		MaxError: MaxError(got, job.Want),
	}, nil
}
