package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/84hero/receipt-search/pkg/bloom"
	"github.com/84hero/receipt-search/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists headers, blocks, receipts and indexer cursors.
type PostgresStore struct {
	db     *sql.DB
	prefix string
}

var (
	_ ledger.Source   = (*PostgresStore)(nil)
	_ ledger.Appender = (*PostgresStore)(nil)
	_ Persistence     = (*PostgresStore)(nil)
)

// NewPostgresStore initializes PostgreSQL storage.
// connStr: Connection string
// tablePrefix: Table prefix (defaults to "receipts_") -> tables are prefix + "headers", "blocks", ...
func NewPostgresStore(connStr string, tablePrefix string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if tablePrefix == "" {
		tablePrefix = "receipts_"
	}

	store := &PostgresStore{
		db:     db,
		prefix: tablePrefix,
	}

	if err := store.initTables(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (p *PostgresStore) table(name string) string {
	return p.prefix + name
}

// initTables automatically creates the chain and cursor tables
func (p *PostgresStore) initTables() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		task_key VARCHAR(255) PRIMARY KEY,
		block_height BIGINT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS %[2]s (
		height BIGINT PRIMARY KEY,
		hash BYTEA NOT NULL UNIQUE,
		logs_bloom BYTEA NOT NULL
	);
	CREATE TABLE IF NOT EXISTS %[3]s (
		hash BYTEA PRIMARY KEY,
		height BIGINT NOT NULL,
		tx_hashes BYTEA[] NOT NULL
	);
	CREATE TABLE IF NOT EXISTS %[4]s (
		tx_hash BYTEA PRIMARY KEY,
		block_hash BYTEA NOT NULL,
		block_height BIGINT NOT NULL,
		data JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[4]s_height ON %[4]s (block_height);
	`, p.table("checkpoints"), p.table("headers"), p.table("blocks"), p.table("receipts"))
	_, err := p.db.Exec(query)
	return err
}

func (p *PostgresStore) LoadCursor(key string) (uint64, error) {
	var height uint64
	query := fmt.Sprintf("SELECT block_height FROM %s WHERE task_key = $1", p.table("checkpoints"))
	err := p.db.QueryRow(query, key).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return height, nil
}

func (p *PostgresStore) SaveCursor(key string, height uint64) error {
	// Upsert using Postgres ON CONFLICT syntax
	query := fmt.Sprintf(`
	INSERT INTO %s (task_key, block_height, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (task_key)
	DO UPDATE SET block_height = EXCLUDED.block_height, updated_at = NOW();
	`, p.table("checkpoints"))
	_, err := p.db.Exec(query, key, height)
	return err
}

func (p *PostgresStore) TipHeight(ctx context.Context) (uint64, error) {
	var tip sql.NullInt64
	query := fmt.Sprintf("SELECT MAX(height) FROM %s", p.table("headers"))
	if err := p.db.QueryRowContext(ctx, query).Scan(&tip); err != nil {
		return 0, err
	}
	if !tip.Valid {
		return 0, fmt.Errorf("empty chain: %w", ledger.ErrNotFound)
	}
	return uint64(tip.Int64), nil
}

func (p *PostgresStore) HeaderAt(ctx context.Context, height uint64) (*ledger.Header, error) {
	var hash, digest []byte
	query := fmt.Sprintf("SELECT hash, logs_bloom FROM %s WHERE height = $1", p.table("headers"))
	err := p.db.QueryRowContext(ctx, query, height).Scan(&hash, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("header %d: %w", height, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return newHeader(height, hash, digest)
}

func (p *PostgresStore) Headers(ctx context.Context, from, to uint64) ([]*ledger.Header, error) {
	query := fmt.Sprintf("SELECT height, hash, logs_bloom FROM %s WHERE height BETWEEN $1 AND $2 ORDER BY height", p.table("headers"))
	rows, err := p.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*ledger.Header, 0)
	for rows.Next() {
		var (
			height       uint64
			hash, digest []byte
		)
		if err := rows.Scan(&height, &hash, &digest); err != nil {
			return nil, err
		}
		h, err := newHeader(height, hash, digest)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetBlocks(ctx context.Context, hashes []common.Hash) ([]*ledger.Block, error) {
	if len(hashes) == 0 {
		return []*ledger.Block{}, nil
	}
	query := fmt.Sprintf("SELECT hash, height, tx_hashes FROM %s WHERE hash = ANY($1)", p.table("blocks"))
	rows, err := p.db.QueryContext(ctx, query, pq.Array(hashBytes(hashes)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[common.Hash]*ledger.Block, len(hashes))
	for rows.Next() {
		var (
			hash   []byte
			height uint64
			txs    [][]byte
		)
		if err := rows.Scan(&hash, &height, pq.Array(&txs)); err != nil {
			return nil, err
		}
		b := &ledger.Block{Hash: common.BytesToHash(hash), Height: height, TxHashes: make([]common.Hash, len(txs))}
		for i, tx := range txs {
			b.TxHashes[i] = common.BytesToHash(tx)
		}
		found[b.Hash] = b
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*ledger.Block, len(hashes))
	for i, h := range hashes {
		b, ok := found[h]
		if !ok {
			return nil, fmt.Errorf("block %s: %w", h, ledger.ErrNotFound)
		}
		out[i] = b
	}
	return out, nil
}

// RetrieveMany returns the stored receipts ordered by block height; the order
// within a block is not defined.
func (p *PostgresStore) RetrieveMany(ctx context.Context, txHashes []common.Hash) ([]*ledger.Receipt, error) {
	if len(txHashes) == 0 {
		return []*ledger.Receipt{}, nil
	}
	query := fmt.Sprintf("SELECT data FROM %s WHERE tx_hash = ANY($1) ORDER BY block_height", p.table("receipts"))
	rows, err := p.db.QueryContext(ctx, query, pq.Array(hashBytes(txHashes)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*ledger.Receipt, 0, len(txHashes))
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r ledger.Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Append writes a block with its header and receipts in one transaction.
// Re-appending a stored block is a no-op.
func (p *PostgresStore) Append(ctx context.Context, header *ledger.Header, block *ledger.Block, receipts []*ledger.Receipt) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (height, hash, logs_bloom) VALUES ($1, $2, $3) ON CONFLICT (height) DO NOTHING", p.table("headers")),
		header.Height, header.Hash.Bytes(), header.LogsBloom.Bytes())
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (hash, height, tx_hashes) VALUES ($1, $2, $3) ON CONFLICT (hash) DO NOTHING", p.table("blocks")),
		block.Hash.Bytes(), block.Height, pq.Array(hashBytes(block.TxHashes)))
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf("INSERT INTO %s (tx_hash, block_hash, block_height, data) VALUES ($1, $2, $3, $4) ON CONFLICT (tx_hash) DO NOTHING", p.table("receipts"))
	for _, r := range receipts {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, r.TxHash.Bytes(), r.BlockHash.Bytes(), r.BlockNumber, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func newHeader(height uint64, hash, digest []byte) (*ledger.Header, error) {
	b, err := bloom.FromBytes(digest)
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", height, err)
	}
	return &ledger.Header{Height: height, Hash: common.BytesToHash(hash), LogsBloom: b}, nil
}

func hashBytes(hashes []common.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h.Bytes()
	}
	return out
}
