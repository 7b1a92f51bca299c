// Package summary aggregates a transaction feed for dashboards: buy and
// sell totals, top wallets, protocol usage, whale activity and hourly counts.
// Monetary sums use decimal arithmetic.
package summary

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hed1ad/tokenwise/pkg/txn"
)

// DefaultWhaleThreshold is the amount above which a transaction is a whale.
const DefaultWhaleThreshold = 1000.0

// DefaultTopWallets is the number of wallets ranked by TopWallets in Build.
const DefaultTopWallets = 10

// Sentiment describes whether buys or sells dominate.
type Sentiment string

const (
	Buying   Sentiment = "buying"
	Selling  Sentiment = "selling"
	Balanced Sentiment = "balanced"
)

// Filter narrows a feed to one wallet and an inclusive time range.
// Zero fields are unbounded.
type Filter struct {
	Wallet string
	From   time.Time
	To     time.Time
}

// Apply returns the records matching f, preserving order.
func (f Filter) Apply(records []txn.Transaction) []txn.Transaction {
	out := make([]txn.Transaction, 0, len(records))
	for _, r := range records {
		if f.Wallet != "" && r.Wallet != f.Wallet {
			continue
		}
		if !f.From.IsZero() && r.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.Timestamp.After(f.To) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Totals holds buy and sell volume.
type Totals struct {
	Bought decimal.Decimal `json:"bought"`
	Sold   decimal.Decimal `json:"sold"`
	Net    decimal.Decimal `json:"net"`
	Buys   int             `json:"buys"`
	Sells  int             `json:"sells"`
}

// Sentiment compares bought and sold volume.
func (t Totals) Sentiment() Sentiment {
	switch t.Bought.Cmp(t.Sold) {
	case 1:
		return Buying
	case -1:
		return Selling
	default:
		return Balanced
	}
}

// Compute sums buy and sell amounts. Net is Bought minus Sold.
func Compute(records []txn.Transaction) Totals {
	t := Totals{Bought: decimal.Zero, Sold: decimal.Zero}
	for _, r := range records {
		amount := decimal.NewFromFloat(r.Amount)
		switch r.Direction {
		case txn.Buy:
			t.Bought = t.Bought.Add(amount)
			t.Buys++
		case txn.Sell:
			t.Sold = t.Sold.Add(amount)
			t.Sells++
		}
	}
	t.Net = t.Bought.Sub(t.Sold)
	return t
}

// WalletVolume is a wallet's total absolute volume.
type WalletVolume struct {
	Wallet string          `json:"wallet"`
	Volume decimal.Decimal `json:"volume"`
	Count  int             `json:"count"`
}

// TopWallets ranks wallets by total volume, descending, ties broken by
// wallet ID. n <= 0 returns every wallet.
func TopWallets(records []txn.Transaction, n int) []WalletVolume {
	byWallet := make(map[string]*WalletVolume)
	for _, r := range records {
		w, ok := byWallet[r.Wallet]
		if !ok {
			w = &WalletVolume{Wallet: r.Wallet, Volume: decimal.Zero}
			byWallet[r.Wallet] = w
		}
		w.Volume = w.Volume.Add(decimal.NewFromFloat(r.Amount))
		w.Count++
	}

	out := make([]WalletVolume, 0, len(byWallet))
	for _, w := range byWallet {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Volume.Cmp(out[j].Volume); c != 0 {
			return c > 0
		}
		return out[i].Wallet < out[j].Wallet
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// MostActive returns the wallet with the highest total volume.
func MostActive(records []txn.Transaction) (string, bool) {
	top := TopWallets(records, 1)
	if len(top) == 0 {
		return "", false
	}
	return top[0].Wallet, true
}

// Whales returns records whose amount is strictly above threshold.
func Whales(records []txn.Transaction, threshold float64) []txn.Transaction {
	var out []txn.Transaction
	for _, r := range records {
		if r.Amount > threshold {
			out = append(out, r)
		}
	}
	return out
}

// ProtocolCount is the number of transactions routed through a protocol.
type ProtocolCount struct {
	Protocol string `json:"protocol"`
	Count    int    `json:"count"`
}

// ProtocolUsage counts transactions per protocol, most used first.
func ProtocolUsage(records []txn.Transaction) []ProtocolCount {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Protocol]++
	}

	out := make([]ProtocolCount, 0, len(counts))
	for p, c := range counts {
		out = append(out, ProtocolCount{Protocol: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

// Bucket is the transaction count for one hour.
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// Hourly counts transactions per hour, from the hour holding the earliest
// record to the hour holding the latest, with no gaps. Buckets step in
// absolute hours from the earliest record's local hour start, so a
// repeated or skipped wall-clock hour still yields exactly one bucket per
// elapsed hour.
func Hourly(records []txn.Transaction) []Bucket {
	if len(records) == 0 {
		return nil
	}

	first, last := records[0].Timestamp, records[0].Timestamp
	for _, r := range records[1:] {
		if r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}

	origin := hourStart(first)
	out := make([]Bucket, int(last.Sub(origin)/time.Hour)+1)
	for i := range out {
		out[i].Start = origin.Add(time.Duration(i) * time.Hour)
	}
	for _, r := range records {
		out[int(r.Timestamp.Sub(origin)/time.Hour)].Count++
	}
	return out
}

// hourStart drops the minutes and below of t's wall clock without
// rebuilding the date, which is ambiguous across a DST fall-back.
func hourStart(t time.Time) time.Time {
	return t.Add(-(time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())))
}

// Report is the dashboard summary of a feed.
type Report struct {
	Records    int             `json:"records"`
	Totals     Totals          `json:"totals"`
	Sentiment  Sentiment       `json:"sentiment"`
	MostActive string          `json:"most_active,omitempty"`
	TopWallets []WalletVolume  `json:"top_wallets"`
	Protocols  []ProtocolCount `json:"protocols"`
	Whales     int             `json:"whales"`
	Hourly     []Bucket        `json:"hourly"`
}

// Build summarizes records. whaleThreshold counts transactions above it.
func Build(records []txn.Transaction, whaleThreshold float64) Report {
	totals := Compute(records)
	top := TopWallets(records, DefaultTopWallets)

	r := Report{
		Records:    len(records),
		Totals:     totals,
		Sentiment:  totals.Sentiment(),
		TopWallets: top,
		Protocols:  ProtocolUsage(records),
		Whales:     len(Whales(records, whaleThreshold)),
		Hourly:     Hourly(records),
	}
	if len(top) > 0 {
		r.MostActive = top[0].Wallet
	}
	return r
}
