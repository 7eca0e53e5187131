package pgtiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRecordNotFound indicates a Record lookup for an id with no row.
var ErrRecordNotFound = errors.New("record not found")

// PostgresBackend calls a tile-generating SQL function directly over
// a pgx connection pool. The function is expected to return the tile
// as base64 text, matching the HTTP RPC contract.
type PostgresBackend struct {
	pool        *pgxpool.Pool
	mvtQuery    string
	recordQuery string
}

// NewPostgresBackend connects to dsn and prepares queries against the
// named tile function and record table. Identifiers are sanitized
// since they cannot be bound as statement parameters.
func NewPostgresBackend(ctx context.Context, dsn string, function string, recordTable string) (*PostgresBackend, error) {
	if function == "" {
		function = "mvt"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", redactDSN(dsn), err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	b := &PostgresBackend{
		pool:     pool,
		mvtQuery: fmt.Sprintf("SELECT %s($1, $2, $3)", pgx.Identifier{function}.Sanitize()),
	}
	if recordTable != "" {
		b.recordQuery = fmt.Sprintf("SELECT to_jsonb(t) FROM %s t WHERE id = $1", pgx.Identifier{recordTable}.Sanitize())
	}
	return b, nil
}

func (b *PostgresBackend) MVT(ctx context.Context, z uint8, x uint32, y uint32) (string, error) {
	var encoded string
	if err := b.pool.QueryRow(ctx, b.mvtQuery, int64(z), int64(x), int64(y)).Scan(&encoded); err != nil {
		return "", err
	}
	return encoded, nil
}

func (b *PostgresBackend) Record(ctx context.Context, id int64) ([]byte, error) {
	if b.recordQuery == "" {
		return nil, errors.New("no record table configured")
	}
	var doc []byte
	err := b.pool.QueryRow(ctx, b.recordQuery, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Close releases the underlying connection pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

func redactDSN(dsn string) string {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "database"
	}
	return fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
}
