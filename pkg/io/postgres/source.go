// Package postgres reads the transaction feed from PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	feed "github.com/hed1ad/tokenwise/pkg/io"
	pgstore "github.com/hed1ad/tokenwise/pkg/store/postgres"
	"github.com/hed1ad/tokenwise/pkg/txn"
)

const selectFeed = `
	SELECT timestamp, wallet, amount::float8, direction, protocol, mint
	FROM transactions
	ORDER BY timestamp DESC
`

// Source reads every row of the transactions table, newest first.
type Source struct {
	pool     *pgstore.Pool
	location *time.Location
}

// NewSource creates a Source; timestamps are converted to loc.
func NewSource(pool *pgstore.Pool, loc *time.Location) *Source {
	return &Source{pool: pool, location: loc}
}

var _ feed.Source = (*Source)(nil)

// Fetch runs the feed query. Rows with an unknown direction are dropped.
func (s *Source) Fetch(ctx context.Context) ([]txn.Transaction, error) {
	rows, err := s.pool.Query(ctx, selectFeed)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []txn.Transaction
	for rows.Next() {
		var (
			t         txn.Transaction
			direction string
		)
		if err := rows.Scan(&t.Timestamp, &t.Wallet, &t.Amount, &direction, &t.Protocol, &t.Mint); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if t, ok := feed.Normalize(t, direction, s.location); ok {
			out = append(out, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// Insert appends records to the transactions table in one transaction.
func (s *Source) Insert(ctx context.Context, records []txn.Transaction) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO transactions (timestamp, wallet, amount, direction, protocol, mint)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, r := range records {
		if _, err := tx.Exec(ctx, query, r.Timestamp, r.Wallet, r.Amount, string(r.Direction), r.Protocol, r.Mint); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
