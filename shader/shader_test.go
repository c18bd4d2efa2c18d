package shader

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFillReplacesEveryOccurrence verifies bound placeholders are substituted
func TestFillReplacesEveryOccurrence(t *testing.T) {
	tmpl := NewTemplate("t.glsl", "precision _PLACEHOLDER_PRECISION_ float; _PLACEHOLDER_PRECISION_ vec4 s;", Precision)
	got, err := tmpl.Fill(Bind(Precision, "highp"))
	require.NoError(t, err)
	assert.Equal(t, "precision highp float; highp vec4 s;", got)
}

// TestFillRejectsUndeclared verifies binding an undeclared placeholder fails
func TestFillRejectsUndeclared(t *testing.T) {
	tmpl := NewTemplate("t.glsl", "_PLACEHOLDER_CALC_", Calc)
	_, err := tmpl.Fill(Bind(Calc, "x"), Bind(Layer, "1"))
	if !errors.Is(err, ErrUndeclaredPlaceholder) {
		t.Errorf("Expected ErrUndeclaredPlaceholder, got %v", err)
	}
}

// TestFillRejectsDuplicate verifies a placeholder may only be bound once
func TestFillRejectsDuplicate(t *testing.T) {
	tmpl := NewTemplate("t.glsl", "_PLACEHOLDER_CALC_", Calc)
	_, err := tmpl.Fill(Bind(Calc, "x"), Bind(Calc, "y"))
	assert.ErrorIs(t, err, ErrDuplicatePlaceholder)
}

// TestFillRejectsUnbound verifies every declared placeholder must be bound
func TestFillRejectsUnbound(t *testing.T) {
	tmpl := NewTemplate("t.glsl", "_PLACEHOLDER_CALC_ _PLACEHOLDER_LAYER_", Calc, Layer)
	_, err := tmpl.Fill(Bind(Calc, "x"))
	assert.ErrorIs(t, err, ErrUnboundPlaceholder)
}

// TestFillAbsentPlaceholder verifies a declared placeholder missing from the text is tolerated
func TestFillAbsentPlaceholder(t *testing.T) {
	tmpl := NewTemplate("t.glsl", "void main() {}", Weight(3))
	got, err := tmpl.Fill(Bind(Weight(3), "vec4(0)"))
	require.NoError(t, err)
	assert.Equal(t, "void main() {}", got)
}

// TestFillRejectsLeftover verifies an asset token nobody binds fails the fill
func TestFillRejectsLeftover(t *testing.T) {
	tmpl := FromAsset("t.glsl", "precision _PLACEHOLDER_PRECISION_ float;\n_PLACEHOLDER_CALC_\n")
	_, err := tmpl.Fill(Bind(Precision, "highp"))
	assert.ErrorIs(t, err, ErrUnboundPlaceholder)

	tmpl = NewTemplate("t.glsl", "_PLACEHOLDER_CALC_ _PLACEHOLDER_LAYER_", Calc)
	_, err = tmpl.Fill(Bind(Calc, "x"))
	assert.ErrorIs(t, err, ErrLeftoverPlaceholder)
}

// TestFillDisabled verifies disabled tokens may stay in the output
func TestFillDisabled(t *testing.T) {
	tmpl := FromAsset("t.glsl", "#ifdef USE_COMPONENT_G\n_PLACEHOLDER_WEIGHT2_VEC_CONSTANTS_\n#endif\n_PLACEHOLDER_WEIGHT1_VEC_CONSTANTS_")
	tmpl.Disable(Weight(2))
	got, err := tmpl.Fill(Bind(Weight(1), "vec4(1)"))
	require.NoError(t, err)
	assert.Equal(t, "#ifdef USE_COMPONENT_G\n_PLACEHOLDER_WEIGHT2_VEC_CONSTANTS_\n#endif\nvec4(1)", got)
}

// TestPlaceholders verifies placeholder discovery in template text
func TestPlaceholders(t *testing.T) {
	text := "_PLACEHOLDER_WEIGHT1_VEC_CONSTANTS_ _PLACEHOLDER_N_DIMS_; _PLACEHOLDER_WEIGHT1_VEC_CONSTANTS_\n_PLACEHOLDER_UNIFORMS_DECLARATION_"
	assert.Equal(t, []Placeholder{Weight(1), NDims, UniformsDeclaration}, Placeholders(text))
}

// TestFSLoader verifies assets load from a file system and misses wrap ErrMissingAsset
func TestFSLoader(t *testing.T) {
	fsys := fstest.MapFS{
		"shaders/a.glsl": {Data: []byte("void main() {}")},
		"shaders/a.spv":  {Data: []byte{0x03, 0x02, 0x23, 0x07, 0x01, 0x00, 0x00, 0x00}},
		"shaders/b.spv":  {Data: []byte{0x03, 0x02, 0x23, 0x07, 0x01}},
	}
	l := NewCachedLoader(NewFSLoader(fsys))
	text, err := LoadText(l, "shaders/a.glsl")
	require.NoError(t, err)
	assert.Equal(t, "void main() {}", text)

	words, err := LoadSPIRV(l, "shaders/a.spv")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x07230203, 0x00000001}, words)

	_, err = LoadSPIRV(l, "shaders/b.spv")
	assert.ErrorIs(t, err, ErrMissingAsset)

	_, err = LoadTemplate(l, "shaders/missing.glsl", Precision)
	assert.ErrorIs(t, err, ErrMissingAsset)
}
