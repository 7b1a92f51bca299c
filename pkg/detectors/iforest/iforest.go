// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/tokenwise/pkg/detectors"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

// formatVersion is bumped whenever the serialized layout changes.
const formatVersion = 2

// defaultThreshold applies when contamination is zero.
const defaultThreshold = 0.5

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64

	// Trained model
	trees         []*Tree
	nFeatures     int
	threshold     float64
	avgPathLength float64
	trained       bool
}

// Tree is a single isolation tree.
type Tree struct {
	Root *Node
}

// Node is an internal split or a leaf of an isolation tree.
// Fields are exported for gob.
type Node struct {
	Feature int
	Split   float64
	Left    *Node
	Right   *Node

	// Size is the number of training samples that reached a leaf.
	Size int
}

func (n *Node) leaf() bool {
	return n.Left == nil && n.Right == nil
}

// snapshot is the persisted form of a trained forest.
type snapshot struct {
	Version       int
	NTrees        int
	SampleSize    int
	Contamination float64
	Seed          int64
	NFeatures     int
	Threshold     float64
	AvgPathLength float64
	Trees         []*Tree
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// FromConfig maps a detectors.Config onto options.
func FromConfig(cfg detectors.Config) []Option {
	return []Option{
		WithTrees(cfg.Trees),
		WithSampleSize(cfg.SampleSize),
		WithContamination(cfg.Contamination),
		WithSeed(cfg.RandomSeed),
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.05,
		seed:          42,
		threshold:     defaultThreshold,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Factory returns a detectors.Factory producing forests with opts.
func Factory(opts ...Option) detectors.Factory {
	return func() detectors.Detector {
		return New(opts...)
	}
}

// Fit trains the Isolation Forest on the provided data.
// Every call reseeds the generator, so identical input yields identical trees.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return detectors.ErrEmptyInput
	}
	if f.nTrees < 1 {
		return fmt.Errorf("tree count must be positive, got %d", f.nTrees)
	}
	if f.sampleSize < 1 {
		return fmt.Errorf("sample size must be positive, got %d", f.sampleSize)
	}
	if f.contamination < 0 || f.contamination > 1 {
		return fmt.Errorf("contamination must be in [0, 1], got %v", f.contamination)
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return fmt.Errorf("%w: rows have no features", detectors.ErrEmptyInput)
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
	}

	sampleSize := min(f.sampleSize, nSamples)
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))
	rng := rand.New(rand.NewSource(f.seed))

	b := &builder{rng: rng, nFeatures: nFeatures, maxDepth: maxDepth}
	f.trees = make([]*Tree, f.nTrees)
	for i := range f.trees {
		// Sample without replacement
		indices := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}
		f.trees[i] = &Tree{Root: b.node(sample, 0)}
	}

	f.nFeatures = nFeatures
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	f.threshold = defaultThreshold
	if f.contamination > 0 {
		scores := f.predict(data)
		f.threshold = percentile(scores, 1-f.contamination)
	}

	return nil
}

type builder struct {
	rng       *rand.Rand
	nFeatures int
	maxDepth  int
}

func (b *builder) node(data [][]float64, depth int) *Node {
	n := len(data)
	if depth >= b.maxDepth || n <= 1 {
		return &Node{Size: n}
	}

	feature := b.rng.Intn(b.nFeatures)

	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		lo = math.Min(lo, row[feature])
		hi = math.Max(hi, row[feature])
	}
	if lo == hi {
		return &Node{Size: n}
	}

	split := lo + b.rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &Node{
		Feature: feature,
		Split:   split,
		Left:    b.node(left, depth+1),
		Right:   b.node(right, depth+1),
	}
}

// Predict returns anomaly scores for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}
	if err := f.checkRows(data); err != nil {
		return nil, err
	}
	return f.predict(data), nil
}

func (f *IsolationForest) predict(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.score(sample)
	}
	return scores
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, detectors.ErrNotTrained
	}
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("%w: got %d, want %d", detectors.ErrFeatureMismatch, len(sample), f.nFeatures)
	}
	return f.score(sample), nil
}

// Classify labels each sample Anomaly when its score is strictly above
// the calibrated threshold.
func (f *IsolationForest) Classify(data [][]float64) ([]txn.Verdict, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}
	if err := f.checkRows(data); err != nil {
		return nil, err
	}

	verdicts := make([]txn.Verdict, len(data))
	for i, sample := range data {
		if f.score(sample) > f.threshold {
			verdicts[i] = txn.Anomaly
		}
	}
	return verdicts, nil
}

func (f *IsolationForest) checkRows(data [][]float64) error {
	for i, row := range data {
		if len(row) != f.nFeatures {
			return fmt.Errorf("%w: row %d has %d, want %d", detectors.ErrFeatureMismatch, i, len(row), f.nFeatures)
		}
	}
	return nil
}

// score is 2^(-E[h(x)] / c(n)); higher means more anomalous.
func (f *IsolationForest) score(sample []float64) float64 {
	var total float64
	for _, tree := range f.trees {
		total += pathLength(sample, tree.Root, 0)
	}
	avg := total / float64(len(f.trees))

	if f.avgPathLength == 0 {
		return defaultThreshold
	}
	return math.Pow(2, -avg/f.avgPathLength)
}

func pathLength(sample []float64, n *Node, depth int) float64 {
	for !n.leaf() {
		if sample[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(float64(n.Size))
}

func validTree(n *Node, nFeatures int) bool {
	if n.leaf() {
		return true
	}
	if n.Left == nil || n.Right == nil || n.Feature < 0 || n.Feature >= nFeatures {
		return false
	}
	return validTree(n.Left, nFeatures) && validTree(n.Right, nFeatures)
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n with H(i) ~ ln(i) + Euler-Mascheroni
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		Version:       formatVersion,
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Seed:          f.seed,
		NFeatures:     f.nFeatures,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
		Trees:         f.trees,
	})
	if err != nil {
		return nil, fmt.Errorf("encode forest: %w", err)
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("%w: %v", detectors.ErrCorruptModel, err)
	}
	if s.Version != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", detectors.ErrCorruptModel, s.Version)
	}
	if len(s.Trees) == 0 || len(s.Trees) != s.NTrees {
		return fmt.Errorf("%w: expected %d trees, got %d", detectors.ErrCorruptModel, s.NTrees, len(s.Trees))
	}
	if s.NFeatures < 1 {
		return fmt.Errorf("%w: feature count %d", detectors.ErrCorruptModel, s.NFeatures)
	}
	for i, t := range s.Trees {
		if t == nil || t.Root == nil {
			return fmt.Errorf("%w: tree %d is empty", detectors.ErrCorruptModel, i)
		}
		if !validTree(t.Root, s.NFeatures) {
			return fmt.Errorf("%w: tree %d splits on an unknown feature", detectors.ErrCorruptModel, i)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = s.NTrees
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.seed = s.Seed
	f.nFeatures = s.NFeatures
	f.threshold = s.Threshold
	f.avgPathLength = s.AvgPathLength
	f.trees = s.Trees
	f.trained = true

	return nil
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// percentile returns the q-quantile (q in [0, 1]) with linear interpolation
// between closest ranks.
func percentile(data []float64, q float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	pos := float64(len(sorted)-1) * q
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}
