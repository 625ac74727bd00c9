// Package postgres is the pgx-backed HistoricalTradeStore.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenpilot/internal/chain"
	"github.com/nexus-trading/tokenpilot/internal/storage"
	"github.com/nexus-trading/tokenpilot/internal/strategy"
)

//go:embed schema.sql
var schema string

const pgErrUniqueViolation = "23505"

const outcomeColumns = `id, token_address, chain, stop_loss_pct, take_profit_pct, trade_amount,
	entry_price, exit_price, amount, pnl, opened_at, closed_at`

// TradeStore implements storage.HistoricalTradeStore on PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ storage.HistoricalTradeStore = (*TradeStore)(nil)

// Open connects and pings. The caller must Close the store.
func Open(ctx context.Context, dsn string) (*TradeStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &TradeStore{pool: pool}, nil
}

// Close releases the pool.
func (s *TradeStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema. It is idempotent.
func (s *TradeStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	log.Info().Msg("postgres: schema applied")
	return nil
}

// Insert adds outcomes in one transaction. Any duplicate ID fails the batch
// with storage.ErrDuplicateKey.
func (s *TradeStore) Insert(ctx context.Context, outcomes ...strategy.TradeOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	for _, o := range outcomes {
		if err := storage.Validate(o); err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO trade_outcomes (` + outcomeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	for _, o := range outcomes {
		_, err := tx.Exec(ctx, query,
			o.ID, o.TokenAddress, string(o.Chain),
			o.GenomeUsed.StopLossPercent, o.GenomeUsed.TakeProfitPercent, o.GenomeUsed.TradeAmount,
			o.EntryPrice, o.ExitPrice, o.Amount, o.PnL,
			o.OpenedAt.UTC(), o.ClosedAt.UTC(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("postgres: insert %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// LoadOutcomes returns matching outcomes ordered by closed_at then id.
func (s *TradeStore) LoadOutcomes(ctx context.Context, f storage.OutcomeFilter) ([]strategy.TradeOutcome, error) {
	query, args := buildLoadQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: load outcomes: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanOutcome)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan outcomes: %w", err)
	}
	return out, nil
}

// buildLoadQuery renders the filter. With a limit the newest rows are picked
// first and then returned oldest first.
func buildLoadQuery(f storage.OutcomeFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Chain != "" {
		args = append(args, string(f.Chain))
		where = append(where, fmt.Sprintf("chain = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		where = append(where, fmt.Sprintf("closed_at >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until.UTC())
		where = append(where, fmt.Sprintf("closed_at < $%d", len(args)))
	}

	q := "SELECT " + outcomeColumns + " FROM trade_outcomes"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit <= 0 {
		return q + " ORDER BY closed_at, id", args
	}

	args = append(args, f.Limit)
	q += fmt.Sprintf(" ORDER BY closed_at DESC, id DESC LIMIT $%d", len(args))
	return "SELECT * FROM (" + q + ") recent ORDER BY closed_at, id", args
}

func scanOutcome(row pgx.CollectableRow) (strategy.TradeOutcome, error) {
	var (
		o         strategy.TradeOutcome
		chainName string
	)
	err := row.Scan(
		&o.ID, &o.TokenAddress, &chainName,
		&o.GenomeUsed.StopLossPercent, &o.GenomeUsed.TakeProfitPercent, &o.GenomeUsed.TradeAmount,
		&o.EntryPrice, &o.ExitPrice, &o.Amount, &o.PnL,
		&o.OpenedAt, &o.ClosedAt,
	)
	o.Chain = chain.Chain(chainName)
	return o, err
}
