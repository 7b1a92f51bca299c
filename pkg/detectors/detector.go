// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

import (
	"errors"

	"github.com/hed1ad/tokenwise/pkg/txn"
)

var (
	// ErrEmptyInput is returned when fitting on zero samples.
	ErrEmptyInput = errors.New("empty training data")
	// ErrNotTrained is returned when scoring before Fit or Load.
	ErrNotTrained = errors.New("model not trained")
	// ErrCorruptModel is returned when serialized model bytes cannot be decoded.
	ErrCorruptModel = errors.New("corrupt model")
	// ErrFeatureMismatch is returned when a row's width differs from the training data.
	ErrFeatureMismatch = errors.New("feature count mismatch")
)

// Detector is the common interface for all anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns anomaly scores for the given samples.
	// Scores are normalized to [0, 1] where higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)

	// Classify returns a Normal/Anomaly verdict per sample using the
	// threshold calibrated during Fit.
	Classify(data [][]float64) ([]txn.Verdict, error)

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Factory builds an untrained detector.
type Factory func() Detector

// Config holds common configuration for detectors.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64
	// RandomSeed for reproducibility.
	RandomSeed int64
	Trees      int
	SampleSize int
}

// DefaultConfig returns the configuration used for wallet baselines.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.05,
		RandomSeed:    42,
		Trees:         100,
		SampleSize:    256,
	}
}
