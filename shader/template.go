// Package shader holds the placeholder templating applied to shader assets
// and the loader those assets are read through.
package shader

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var (
	ErrUndeclaredPlaceholder = errors.New("placeholder not declared by template")
	ErrDuplicatePlaceholder  = errors.New("placeholder bound more than once")
	ErrUnboundPlaceholder    = errors.New("declared placeholder not bound")
	ErrLeftoverPlaceholder   = errors.New("placeholder left in output")
)

// Placeholder is a substitution point inside a shader template
type Placeholder string

const (
	Precision            Placeholder = "_PLACEHOLDER_PRECISION_"
	Activation           Placeholder = "_PLACEHOLDER_ACTIVATION_"
	BiasConstants        Placeholder = "_PLACEHOLDER_BIAS_CONSTANTS_"
	BetaConstants        Placeholder = "_PLACEHOLDER_BETA_VEC_CONSTANTS_"
	GammaConstants       Placeholder = "_PLACEHOLDER_GAMMA_VEC_CONSTANTS_"
	MeanConstants        Placeholder = "_PLACEHOLDER_MOVINGMEAN_VEC_CONSTANTS_"
	VarianceConstants    Placeholder = "_PLACEHOLDER_MOVINGVARIANCE_VEC_CONSTANTS_"
	WeightConstants      Placeholder = "_PLACEHOLDER_WEIGHT_VEC_CONSTANTS_"
	Calc                 Placeholder = "_PLACEHOLDER_CALC_"
	Calculation          Placeholder = "_PLACEHOLDER_CALCULATION_"
	Channels             Placeholder = "_PLACEHOLDER_CHANNELS_"
	Defines              Placeholder = "_PLACEHOLDER_DEFINES_"
	ElementAccess        Placeholder = "_PLACEHOLDER_ELEMENT_ACCESS_"
	Layer                Placeholder = "_PLACEHOLDER_LAYER_"
	NDims                Placeholder = "_PLACEHOLDER_N_DIMS_"
	TextureRead          Placeholder = "_PLACEHOLDER_TEXTURE_READ_"
	UniformsDeclaration  Placeholder = "_PLACEHOLDER_UNIFORMS_DECLARATION_"
	LayerCalculation     Placeholder = "LAYER_CALCULATION"
)

// Weight returns the placeholder of the n-th (1 based) weight constant array
func Weight(n int) Placeholder {
	return Placeholder(fmt.Sprintf("_PLACEHOLDER_WEIGHT%d_VEC_CONSTANTS_", n))
}

// Binding assigns the text substituted for one placeholder
type Binding struct {
	Placeholder Placeholder
	Value       string
}

// Bind is shorthand for a Binding
func Bind(p Placeholder, value string) Binding {
	return Binding{Placeholder: p, Value: value}
}

// Template is shader source with a declared set of placeholders. Every
// declared placeholder must be bound exactly once when filling, unless it is
// disabled.
type Template struct {
	Name     string
	Text     string
	declared map[Placeholder]bool
	disabled map[Placeholder]bool
}

// NewTemplate declares the placeholders a synthesizer fills in text
func NewTemplate(name, text string, declared ...Placeholder) *Template {
	t := &Template{Name: name, Text: text, declared: make(map[Placeholder]bool, len(declared)), disabled: map[Placeholder]bool{}}
	for _, p := range declared {
		t.declared[p] = true
	}
	return t
}

// Declare adds placeholders to the declared set
func (t *Template) Declare(ps ...Placeholder) {
	for _, p := range ps {
		t.declared[p] = true
	}
}

// FromAsset declares every placeholder appearing in text
func FromAsset(name, text string) *Template {
	return NewTemplate(name, text, Placeholders(text)...)
}

// Disable marks placeholders that sit inside preprocessor branches the pass
// turns off. They may stay unbound and remain in the output.
func (t *Template) Disable(ps ...Placeholder) {
	for _, p := range ps {
		t.disabled[p] = true
	}
}

// Declared reports whether p is declared
func (t *Template) Declared(p Placeholder) bool {
	return t.declared[p]
}

// Fill substitutes every occurrence of each bound placeholder. Binding an
// undeclared placeholder or binding one twice is an error, and so is a
// declared or remaining placeholder that is neither bound nor disabled.
func (t *Template) Fill(bindings ...Binding) (string, error) {
	seen := make(map[Placeholder]bool, len(bindings))
	for _, b := range bindings {
		if !t.declared[b.Placeholder] {
			return "", fmt.Errorf("%s: %w: %s", t.Name, ErrUndeclaredPlaceholder, b.Placeholder)
		}
		if seen[b.Placeholder] {
			return "", fmt.Errorf("%s: %w: %s", t.Name, ErrDuplicatePlaceholder, b.Placeholder)
		}
		seen[b.Placeholder] = true
	}
	for p := range t.declared {
		if !seen[p] && !t.disabled[p] {
			return "", fmt.Errorf("%s: %w: %s", t.Name, ErrUnboundPlaceholder, p)
		}
	}

	out := t.Text
	for _, b := range bindings {
		if !strings.Contains(out, string(b.Placeholder)) {
			slog.Debug("placeholder not present in template", "template", t.Name, "placeholder", string(b.Placeholder))
			continue
		}
		out = strings.ReplaceAll(out, string(b.Placeholder), b.Value)
	}
	for _, p := range Placeholders(out) {
		if !t.disabled[p] {
			return "", fmt.Errorf("%s: %w: %s", t.Name, ErrLeftoverPlaceholder, p)
		}
	}
	return out, nil
}

var placeholderPattern = regexp.MustCompile(`_PLACEHOLDER_[A-Z0-9_]+_`)

// Placeholders lists the distinct _PLACEHOLDER_ tokens of text in order of appearance
func Placeholders(text string) []Placeholder {
	var out []Placeholder
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, Placeholder(m))
		}
	}
	return out
}
