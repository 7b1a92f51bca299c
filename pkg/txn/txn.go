// Package txn defines the wallet transaction records scored by the pipeline.
package txn

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsorted is returned when a history is not ascending by timestamp.
var ErrUnsorted = errors.New("history not sorted by timestamp")

// Direction is the side of a transaction.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// ParseDirection normalizes a raw direction column.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case Buy, Sell:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Transaction is a single wallet transaction.
// Amount is always stored as an absolute value.
type Transaction struct {
	Timestamp time.Time `json:"timestamp"`
	Wallet    string    `json:"wallet"`
	Amount    float64   `json:"amount"`
	Direction Direction `json:"direction"`
	Protocol  string    `json:"protocol"`
	Mint      string    `json:"mint"`
}

// SignedAmount returns +Amount for buys and -Amount for sells.
func (t Transaction) SignedAmount() float64 {
	if t.Direction == Buy {
		return t.Amount
	}
	return -t.Amount
}

// Verdict is the binary classification assigned by the baseline model.
type Verdict int

const (
	Normal Verdict = iota
	Anomaly
)

func (v Verdict) String() string {
	if v == Anomaly {
		return "Anomaly"
	}
	return "Normal"
}

// MarshalText lets verdicts serialize as their names.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText parses a verdict name.
func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Normal":
		*v = Normal
	case "Anomaly":
		*v = Anomaly
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// Scored pairs a transaction with its verdict.
type Scored struct {
	Transaction
	Verdict Verdict `json:"verdict"`
}

// IsAnomaly reports whether the verdict is Anomaly.
func (s Scored) IsAnomaly() bool {
	return s.Verdict == Anomaly
}

// Amounts extracts the amount column.
func Amounts(history []Transaction) []float64 {
	out := make([]float64, len(history))
	for i, t := range history {
		out[i] = t.Amount
	}
	return out
}

// ValidateAscending checks that timestamps never decrease.
// Equal timestamps are allowed.
func ValidateAscending(history []Transaction) error {
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			return fmt.Errorf("%w: record %d (%s) precedes record %d (%s)",
				ErrUnsorted, i, history[i].Timestamp.Format(time.RFC3339Nano),
				i-1, history[i-1].Timestamp.Format(time.RFC3339Nano))
		}
	}
	return nil
}

// After returns the records strictly newer than watermark.
// history must be ascending.
func After(history []Transaction, watermark time.Time) []Transaction {
	for i, t := range history {
		if t.Timestamp.After(watermark) {
			return history[i:]
		}
	}
	return nil
}

// GroupByWallet splits a feed into per-wallet histories sorted ascending.
// Relative order of records with equal timestamps is preserved.
func GroupByWallet(feed []Transaction) map[string][]Transaction {
	groups := make(map[string][]Transaction)
	for _, t := range feed {
		groups[t.Wallet] = append(groups[t.Wallet], t)
	}
	for w, h := range groups {
		SortAscending(h)
		groups[w] = h
	}
	return groups
}
