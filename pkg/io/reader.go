// Package io provides input/output utilities for transaction ingestion
// and result export.
package io

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/hed1ad/tokenwise/pkg/txn"
)

// Source is the interface for reading the transaction feed.
type Source interface {
	// Fetch returns the complete feed. Order is source-defined.
	Fetch(ctx context.Context) ([]txn.Transaction, error)
}

// Writer is the interface for writing scored transactions.
type Writer interface {
	// Write outputs a single result.
	Write(result txn.Scored) error

	// WriteAll outputs multiple results.
	WriteAll(results []txn.Scored) error

	// Close flushes and releases resources.
	Close() error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]txn.Transaction, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) ([]txn.Transaction, error) {
	return f(ctx)
}

// Normalize applies the feed cleaning rules to a raw row: the amount is
// made absolute, the direction upper-cased and trimmed, and the timestamp
// converted to loc. It reports false for rows that must be dropped.
func Normalize(t txn.Transaction, rawDirection string, loc *time.Location) (txn.Transaction, bool) {
	if t.Timestamp.IsZero() || math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return t, false
	}

	dir, err := txn.ParseDirection(rawDirection)
	if err != nil {
		return t, false
	}

	t.Amount = math.Abs(t.Amount)
	t.Direction = dir
	t.Wallet = strings.TrimSpace(t.Wallet)
	if loc != nil {
		t.Timestamp = t.Timestamp.In(loc)
	}
	return t, true
}
