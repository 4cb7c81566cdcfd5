package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestVectorBytesRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	assert.Equal(t, v, BytesToFloat32(Float32ToBytes(v)))
	assert.Nil(t, Float32ToBytes(nil))
	assert.Nil(t, BytesToFloat32([]byte{1, 2, 3}))
}

func TestDecodeVector(t *testing.T) {
	v, err := DecodeVector(nil, 3)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = DecodeVector([]byte{1, 2, 3}, 0)
	assert.Error(t, err)

	_, err = DecodeVector(Float32ToBytes([]float32{1, 2}), 3)
	assert.Error(t, err)

	_, err = DecodeVector(Float32ToBytes([]float32{float32(math.NaN())}), 1)
	assert.Error(t, err)

	v, err = DecodeVector(Float32ToBytes([]float32{1, 2}), 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.True(t, IsZero(zero))
}
