// Package preprocess provides feature scaling applied before detection.
package preprocess

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyInput is returned when fitting on zero values.
	ErrEmptyInput = errors.New("empty input")
	// ErrInvalidValue is returned for NaN or infinite values.
	ErrInvalidValue = errors.New("invalid value")
)

// StandardScaler centers a single feature and scales it to unit variance.
type StandardScaler struct {
	Mean float64
	Std  float64
}

// Fit computes the mean and population standard deviation of values.
//
// A zero standard deviation (every value identical) is replaced by 1 so
// Transform only centers the data instead of dividing by zero.
func Fit(values []float64) (*StandardScaler, error) {
	if len(values) == 0 {
		return nil, ErrEmptyInput
	}

	var sum float64
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w at index %d: %v", ErrInvalidValue, i, v)
		}
		sum += v
	}
	mean := sum / float64(len(values))

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(values)))
	if std == 0 {
		std = 1
	}

	return &StandardScaler{Mean: mean, Std: std}, nil
}

// Transform applies (v - mean) / std elementwise.
func (s *StandardScaler) Transform(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - s.Mean) / s.Std
	}
	return out
}

// Column transforms values and shapes them as one-feature rows.
func (s *StandardScaler) Column(values []float64) [][]float64 {
	scaled := s.Transform(values)
	rows := make([][]float64, len(scaled))
	for i, v := range scaled {
		rows[i] = []float64{v}
	}
	return rows
}
