package csv

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	feed "github.com/hed1ad/tokenwise/pkg/io"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

// Header is the column layout written by Writer.
var Header = []string{"timestamp", "wallet", "amount", "direction", "protocol", "mint", "anomaly"}

// Writer writes scored transactions as CSV.
type Writer struct {
	w       *csv.Writer
	closer  io.Closer
	started bool
}

var _ feed.Writer = (*Writer)(nil)

// NewWriter writes to w. Close flushes but does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

// Create truncates filename and writes to it.
func Create(filename string) (*Writer, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	wr := NewWriter(f)
	wr.closer = f
	return wr, nil
}

// Write outputs a single result, preceded by the header on first use.
func (w *Writer) Write(result txn.Scored) error {
	if !w.started {
		if err := w.w.Write(Header); err != nil {
			return err
		}
		w.started = true
	}
	return w.w.Write([]string{
		result.Timestamp.Format(time.RFC3339Nano),
		result.Wallet,
		strconv.FormatFloat(result.Amount, 'f', -1, 64),
		string(result.Direction),
		result.Protocol,
		result.Mint,
		strconv.FormatBool(result.IsAnomaly()),
	})
}

// WriteAll outputs multiple results.
func (w *Writer) WriteAll(results []txn.Scored) error {
	for _, r := range results {
		if err := w.Write(r); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes buffered rows and closes the underlying file, if owned.
func (w *Writer) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
