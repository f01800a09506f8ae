package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode_IsDeterministic(t *testing.T) {
	e := NewHashingEmbedder(64)
	a := e.Encode("schedule a meeting tomorrow")
	b := e.Encode("schedule a meeting tomorrow")
	assert.Equal(t, a, b)
}

func TestEncode_SimilarPhrasingsAreCloserThanUnrelatedOnes(t *testing.T) {
	e := NewHashingEmbedder(128)
	a := e.Encode("remember that my favorite color is blue")
	b := e.Encode("remember my favorite color is blue")
	c := e.Encode("compute the square root of a number")

	simAB := Cosine(a, b)
	simAC := Cosine(a, c)
	assert.Greater(t, simAB, simAC)
}

func TestCosine_MismatchedLengthsReturnZero(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(Vector{1, 0}, Vector{1, 0, 0}))
}

func TestDistance_IsOneMinusCosine(t *testing.T) {
	e := NewHashingEmbedder(32)
	v := e.Encode("a repeated phrase")
	assert.InDelta(t, 0.0, Distance(v, v), 1e-9)
}

func TestNewHashingEmbedder_NonPositiveDimsDefaultsTo256(t *testing.T) {
	e := NewHashingEmbedder(0)
	assert.Equal(t, 256, e.Dimensions())
}
