package receipts

import (
	"context"
	"database/sql"
)

// PostgresStore persists receipt data in PostgreSQL. The schema is managed
// by the migrations/ directory via cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (
			id, payment_path, reference, from_addr, to_addr, token,
			amount, tx_hash, status, payload_hash, signature,
			issued_at, expires_at, memo, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,6), $8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		r.ID, string(r.PaymentPath), r.Reference, r.From, r.To, r.Token,
		r.Amount, nullString(r.TxHash), r.Status, r.PayloadHash, r.Signature,
		r.IssuedAt, r.ExpiresAt, nullString(r.Memo), r.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, payment_path, reference, from_addr, to_addr, token,
		       amount, tx_hash, status, payload_hash, signature,
		       issued_at, expires_at, memo, created_at
		FROM receipts WHERE id = $1`, id)

	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByAddress(ctx context.Context, addr string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_path, reference, from_addr, to_addr, token,
		       amount, tx_hash, status, payload_hash, signature,
		       issued_at, expires_at, memo, created_at
		FROM receipts
		WHERE from_addr = $1 OR to_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

func (p *PostgresStore) ListByReference(ctx context.Context, reference string) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_path, reference, from_addr, to_addr, token,
		       amount, tx_hash, status, payload_hash, signature,
		       issued_at, expires_at, memo, created_at
		FROM receipts
		WHERE reference = $1
		ORDER BY created_at DESC`, reference)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var (
		txHash      sql.NullString
		memo        sql.NullString
		paymentPath string
	)

	err := sc.Scan(
		&r.ID, &paymentPath, &r.Reference, &r.From, &r.To, &r.Token,
		&r.Amount, &txHash, &r.Status, &r.PayloadHash, &r.Signature,
		&r.IssuedAt, &r.ExpiresAt, &memo, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.PaymentPath = PaymentPath(paymentPath)
	r.TxHash = txHash.String
	r.Memo = memo.String
	return r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
