package iforest

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/tokenwise/pkg/detectors"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

func TestNewIsolationForest(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantNTrees int
	}{
		{
			name:       "default configuration",
			opts:       nil,
			wantNTrees: 100,
		},
		{
			name:       "custom trees",
			opts:       []Option{WithTrees(50)},
			wantNTrees: 50,
		},
		{
			name:       "from config",
			opts:       FromConfig(detectors.Config{Trees: 200, SampleSize: 64, Contamination: 0.05, RandomSeed: 7}),
			wantNTrees: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts...)
			assert.Equal(t, tt.wantNTrees, f.nTrees)
		})
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		data    [][]float64
		wantErr bool
	}{
		{
			name:    "empty data",
			data:    [][]float64{},
			wantErr: true,
		},
		{
			name: "single sample",
			data: [][]float64{{1.0, 2.0, 3.0}},
		},
		{
			name: "normal data",
			data: generateTestData(rand.New(rand.NewSource(1)), 100, 5),
		},
		{
			name:    "ragged rows",
			data:    [][]float64{{1, 2}, {3}},
			wantErr: true,
		},
		{
			name:    "contamination out of range",
			opts:    []Option{WithContamination(1.5)},
			data:    [][]float64{{1}, {2}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(append([]Option{WithTrees(10), WithSeed(42)}, tt.opts...)...)
			err := f.Fit(tt.data)

			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, f.trained)
			} else {
				assert.NoError(t, err)
				assert.True(t, f.trained)
				assert.Len(t, f.trees, f.nTrees)
			}
		})
	}
}

func TestFitEmptyIsErrEmptyInput(t *testing.T) {
	err := New().Fit(nil)
	assert.ErrorIs(t, err, detectors.ErrEmptyInput)
}

func TestPredict(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	trainData := generateTestData(rng, 500, 5)
	f := New(WithTrees(50), WithSampleSize(100), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	t.Run("predict on normal data", func(t *testing.T) {
		testData := generateTestData(rng, 100, 5)
		scores, err := f.Predict(testData)

		require.NoError(t, err)
		assert.Len(t, scores, len(testData))

		for _, score := range scores {
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
		}
	})

	t.Run("predict on anomalies", func(t *testing.T) {
		anomalies := [][]float64{
			{1000, 1000, 1000, 1000, 1000},
			{-500, -500, -500, -500, -500},
		}
		scores, err := f.Predict(anomalies)

		require.NoError(t, err)
		for _, score := range scores {
			assert.Greater(t, score, 0.4, "anomalies should have high scores")
		}
	})

	t.Run("predict before fit", func(t *testing.T) {
		untrained := New()
		_, err := untrained.Predict(trainData)
		assert.ErrorIs(t, err, detectors.ErrNotTrained)
		_, err = untrained.Classify(trainData)
		assert.ErrorIs(t, err, detectors.ErrNotTrained)
	})
}

func TestContaminationCalibratesTrainingRate(t *testing.T) {
	data := generateTestData(rand.New(rand.NewSource(9)), 1000, 1)
	f := New(WithContamination(0.05), WithSeed(42))
	require.NoError(t, f.Fit(data))

	verdicts, err := f.Classify(data)
	require.NoError(t, err)

	flagged := 0
	for _, v := range verdicts {
		if v == txn.Anomaly {
			flagged++
		}
	}
	assert.InDelta(t, 50, flagged, 10)
}

func TestDeterministicFit(t *testing.T) {
	data := generateTestData(rand.New(rand.NewSource(5)), 300, 1)
	query := generateTestData(rand.New(rand.NewSource(6)), 50, 1)
	query = append(query, []float64{25}, []float64{-25})

	a := New(WithSeed(42), WithContamination(0.05))
	b := New(WithSeed(42), WithContamination(0.05))
	require.NoError(t, a.Fit(data))
	require.NoError(t, b.Fit(data))

	va, err := a.Classify(query)
	require.NoError(t, err)
	vb, err := b.Classify(query)
	require.NoError(t, err)
	assert.Equal(t, va, vb)
	assert.Equal(t, txn.Anomaly, va[len(va)-2])
	assert.Equal(t, txn.Anomaly, va[len(va)-1])

	// Refitting the same instance reproduces the same forest.
	sa, err := a.Predict(query)
	require.NoError(t, err)
	require.NoError(t, a.Fit(data))
	sa2, err := a.Predict(query)
	require.NoError(t, err)
	assert.Equal(t, sa, sa2)
}

func TestConstantFeature(t *testing.T) {
	data := [][]float64{{0}, {0}, {0}, {0}}
	f := New(WithSeed(42))
	require.NoError(t, f.Fit(data))

	verdicts, err := f.Classify([][]float64{{0}, {10}})
	require.NoError(t, err)
	assert.Equal(t, []txn.Verdict{txn.Normal, txn.Normal}, verdicts)
}

func TestPredictOne(t *testing.T) {
	trainData := generateTestData(rand.New(rand.NewSource(2)), 200, 3)
	f := New(WithTrees(20), WithSeed(42))
	require.NoError(t, f.Fit(trainData))

	score, err := f.PredictOne([]float64{0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestFeatureCountMismatch(t *testing.T) {
	f := New(WithTrees(10), WithSeed(42))
	require.NoError(t, f.Fit(generateTestData(rand.New(rand.NewSource(3)), 50, 2)))

	_, err := f.PredictOne(nil)
	assert.ErrorIs(t, err, detectors.ErrFeatureMismatch)

	_, err = f.Predict([][]float64{{1, 2}, {1}})
	assert.ErrorIs(t, err, detectors.ErrFeatureMismatch)

	_, err = f.Classify([][]float64{{1, 2, 3}})
	assert.ErrorIs(t, err, detectors.ErrFeatureMismatch)

	data, err := f.Save()
	require.NoError(t, err)
	loaded := New()
	require.NoError(t, loaded.Load(data))
	_, err = loaded.PredictOne([]float64{1})
	assert.ErrorIs(t, err, detectors.ErrFeatureMismatch)
}

func TestLoadRejectsOutOfRangeSplit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(snapshot{
		Version:   formatVersion,
		NTrees:    1,
		NFeatures: 1,
		Trees: []*Tree{{Root: &Node{
			Feature: 3,
			Left:    &Node{Size: 1},
			Right:   &Node{Size: 1},
		}}},
	}))

	err := New().Load(buf.Bytes())
	assert.ErrorIs(t, err, detectors.ErrCorruptModel)
}

func TestSaveLoad(t *testing.T) {
	trainData := generateTestData(rand.New(rand.NewSource(7)), 200, 4)
	original := New(WithTrees(30), WithContamination(0.15), WithSeed(42))
	require.NoError(t, original.Fit(trainData))

	testData := generateTestData(rand.New(rand.NewSource(8)), 50, 4)
	originalScores, err := original.Predict(testData)
	require.NoError(t, err)

	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded := New()
	require.NoError(t, loaded.Load(data))

	loadedScores, err := loaded.Predict(testData)
	require.NoError(t, err)
	assert.Equal(t, originalScores, loadedScores)
	assert.Equal(t, original.Threshold(), loaded.Threshold())
}

func TestSaveUntrained(t *testing.T) {
	_, err := New().Save()
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
}

func TestLoadCorrupt(t *testing.T) {
	err := New().Load([]byte("not a forest"))
	assert.ErrorIs(t, err, detectors.ErrCorruptModel)
}

func TestThreshold(t *testing.T) {
	assert.Equal(t, 0.5, New().Threshold())
}

func TestPercentile(t *testing.T) {
	data := []float64{4, 1, 3, 2}
	assert.Equal(t, 1.0, percentile(data, 0))
	assert.Equal(t, 4.0, percentile(data, 1))
	assert.InDelta(t, 2.5, percentile(data, 0.5), 1e-12)
	assert.InDelta(t, 3.85, percentile(data, 0.95), 1e-12)
	assert.Equal(t, []float64{4, 1, 3, 2}, data, "input must not be reordered")
}

func BenchmarkFit(b *testing.B) {
	data := generateTestData(rand.New(rand.NewSource(1)), 10000, 10)
	f := New(WithTrees(100), WithSampleSize(256))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = f.Fit(data)
	}
}

func BenchmarkPredict(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	trainData := generateTestData(rng, 5000, 10)
	testData := generateTestData(rng, 1000, 10)

	f := New(WithTrees(100), WithSampleSize(256))
	_ = f.Fit(trainData)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = f.Predict(testData)
	}
}

func generateTestData(rng *rand.Rand, n, features int) [][]float64 {
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = make([]float64, features)
		for j := 0; j < features; j++ {
			data[i][j] = rng.NormFloat64()
		}
	}
	return data
}
