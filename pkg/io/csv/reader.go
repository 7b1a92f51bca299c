// Package csv provides CSV reading and writing for transaction tables.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	feed "github.com/hed1ad/tokenwise/pkg/io"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

// ErrMissingColumn is returned when a required header is absent.
var ErrMissingColumn = errors.New("missing required column")

var required = []string{"timestamp", "wallet", "amount", "direction"}

// timestamp layouts accepted in the timestamp column, tried in order.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// Reader reads transactions from a CSV file with a header row.
// Columns are matched by name, case-insensitively; protocol and mint are optional.
type Reader struct {
	file     *os.File
	reader   *csv.Reader
	headers  []string
	index    map[string]int
	location *time.Location
	skipped  int
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithLocation converts parsed timestamps to loc. Timestamps without an
// offset are read as UTC.
func WithLocation(loc *time.Location) Option {
	return func(r *Reader) {
		r.location = loc
	}
}

// NewReader opens filename and reads its header.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:   file,
		reader: csv.NewReader(file),
	}
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	for _, opt := range opts {
		opt(r)
	}

	headers, err := r.reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	r.headers = headers
	r.index = make(map[string]int, len(headers))
	for i, h := range headers {
		r.index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := r.index[col]; !ok {
			file.Close()
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Skipped returns the number of malformed rows dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Read returns all remaining rows in file order.
func (r *Reader) Read() ([]txn.Transaction, error) {
	var data []txn.Transaction

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		t, ok := r.parseRow(record)
		if !ok {
			r.skipped++
			continue
		}
		data = append(data, t)
	}

	return data, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) field(record []string, name string) string {
	i, ok := r.index[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func (r *Reader) parseRow(record []string) (txn.Transaction, bool) {
	ts, err := parseTimestamp(r.field(record, "timestamp"))
	if err != nil {
		return txn.Transaction{}, false
	}
	amount, err := strconv.ParseFloat(r.field(record, "amount"), 64)
	if err != nil {
		return txn.Transaction{}, false
	}

	return feed.Normalize(txn.Transaction{
		Timestamp: ts,
		Wallet:    r.field(record, "wallet"),
		Amount:    amount,
		Protocol:  r.field(record, "protocol"),
		Mint:      r.field(record, "mint"),
	}, r.field(record, "direction"), r.location)
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Source re-reads a CSV file on every Fetch.
type Source struct {
	path string
	opts []Option
}

// NewSource creates a Source for path.
func NewSource(path string, opts ...Option) *Source {
	return &Source{path: path, opts: opts}
}

var _ feed.Source = (*Source)(nil)

// Fetch reads the whole file.
func (s *Source) Fetch(ctx context.Context) ([]txn.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := NewReader(s.path, s.opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.Read()
}
