package preprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFit(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		wantMean float64
		wantStd  float64
		wantErr  error
	}{
		{
			name:    "empty",
			values:  nil,
			wantErr: ErrEmptyInput,
		},
		{
			name:     "simple",
			values:   []float64{2, 4, 4, 4, 5, 5, 7, 9},
			wantMean: 5,
			wantStd:  2,
		},
		{
			name:     "constant falls back to unit scale",
			values:   []float64{3, 3, 3},
			wantMean: 3,
			wantStd:  1,
		},
		{
			name:    "nan",
			values:  []float64{1, math.NaN()},
			wantErr: ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Fit(tt.values)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantMean, s.Mean, 1e-12)
			assert.InDelta(t, tt.wantStd, s.Std, 1e-12)
		})
	}
}

func TestTransform(t *testing.T) {
	s, err := Fit([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.NoError(t, err)

	got := s.Transform([]float64{5, 7, 1})
	assert.InDeltaSlice(t, []float64{0, 1, -2}, got, 1e-12)

	rows := s.Column([]float64{9})
	require.Len(t, rows, 1)
	assert.Equal(t, []float64{2}, rows[0])
}

func TestTransformIsPure(t *testing.T) {
	s := &StandardScaler{Mean: 1, Std: 2}
	in := []float64{3, 5}
	_ = s.Transform(in)
	assert.Equal(t, []float64{3, 5}, in)
}
