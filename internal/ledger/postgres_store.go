package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/lib/pq"
	"github.com/yoshidan/anchor-auction/internal/circuitbreaker"
	"github.com/yoshidan/anchor-auction/internal/logging"
	"github.com/yoshidan/anchor-auction/internal/retry"
	"github.com/yoshidan/anchor-auction/migrations"
)

// SQLSTATEs for transactions Postgres aborted because of a concurrent
// writer. Both are safe to re-run from the start.
const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db      *sql.DB
	retry   retry.Policy
	breaker *circuitbreaker.Breaker // trips when transactions cannot be opened
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
		retry: retry.Policy{
			Attempts:  5,
			BaseDelay: 20 * time.Millisecond,
			MaxDelay:  500 * time.Millisecond,
		},
		breaker: circuitbreaker.New("ledger_postgres", 5, 10*time.Second),
	}
}

// Migrate applies the schema migrations embedded in the binary.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	return migrations.Up(ctx, p.db)
}

// Atomic runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks are retried with backoff; fn is re-run against the fresh
// pre-image each time.
// While the database keeps refusing transactions Atomic fails fast with
// ErrStoreUnavailable.
func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if !p.breaker.Allow() {
		return ErrStoreUnavailable
	}
	policy := p.retry
	policy.OnRetry = func(attempt int, err error) {
		logging.L(ctx).Debug("ledger transaction conflict, retrying", "attempt", attempt, "error", err)
	}
	return policy.Do(ctx, func() error {
		sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			p.breaker.RecordFailure()
			return retry.Permanent(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		}
		p.breaker.RecordSuccess()

		if err := fn(&pgTx{tx: sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			if isConflict(err) {
				return err
			}
			return retry.Permanent(err)
		}

		if err := sqlTx.Commit(); err != nil {
			if isConflict(err) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
}

func (p *PostgresStore) TokenAccount(ctx context.Context, addr solana.PublicKey) (*TokenAccount, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, mint, owner, amount FROM token_accounts WHERE address = $1`, addr.String())
	return scanTokenAccount(row)
}

func (p *PostgresStore) DataAccount(ctx context.Context, addr solana.PublicKey) (*DataAccount, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, owner, data FROM data_accounts WHERE address = $1`, addr.String())
	return scanDataAccount(row)
}

func (p *PostgresStore) DataAccountsByOwner(ctx context.Context, owner, after solana.PublicKey, limit int) ([]*DataAccount, error) {
	start := ""
	if !after.IsZero() {
		start = after.String()
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, owner, data
		FROM data_accounts
		WHERE owner = $1 AND address COLLATE "C" > $2
		ORDER BY address COLLATE "C"
		LIMIT $3`, owner.String(), start, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DataAccount
	for rows.Next() {
		d, err := scanDataAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Ping fails while the circuit is open, even if the database answers again.
func (p *PostgresStore) Ping(ctx context.Context) error {
	if state := p.breaker.State(); state == circuitbreaker.StateOpen {
		return fmt.Errorf("%w: circuit %s", ErrStoreUnavailable, state)
	}
	return p.db.PingContext(ctx)
}

// pgTx implements Tx on a *sql.Tx. Reads lock the rows they touch.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Mint(ctx context.Context, addr solana.PublicKey) (*Mint, error) {
	var (
		address   string
		authority sql.NullString
		supply    string
		m         Mint
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT address, authority, decimals, supply
		FROM token_mints WHERE address = $1 FOR UPDATE`, addr.String()).
		Scan(&address, &authority, &m.Decimals, &supply)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMintNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Address, err = solana.PublicKeyFromBase58(address); err != nil {
		return nil, fmt.Errorf("corrupt mint address %q: %w", address, err)
	}
	if authority.Valid {
		if m.Authority, err = solana.PublicKeyFromBase58(authority.String); err != nil {
			return nil, fmt.Errorf("corrupt mint authority %q: %w", authority.String, err)
		}
	}
	if m.Supply, err = strconv.ParseUint(supply, 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt mint supply %q: %w", supply, err)
	}
	return &m, nil
}

func (t *pgTx) PutMint(ctx context.Context, m *Mint) error {
	var authority sql.NullString
	if !m.Authority.IsZero() {
		authority = sql.NullString{String: m.Authority.String(), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO token_mints (address, authority, decimals, supply)
		VALUES ($1, $2, $3, $4::NUMERIC(20,0))
		ON CONFLICT (address) DO UPDATE SET
			authority = EXCLUDED.authority,
			supply = EXCLUDED.supply`,
		m.Address.String(), authority, m.Decimals, strconv.FormatUint(m.Supply, 10),
	)
	return err
}

func (t *pgTx) TokenAccount(ctx context.Context, addr solana.PublicKey) (*TokenAccount, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT address, mint, owner, amount
		FROM token_accounts WHERE address = $1 FOR UPDATE`, addr.String())
	return scanTokenAccount(row)
}

func (t *pgTx) PutTokenAccount(ctx context.Context, a *TokenAccount) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO token_accounts (address, mint, owner, amount, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,0), NOW())
		ON CONFLICT (address) DO UPDATE SET
			owner = EXCLUDED.owner,
			amount = EXCLUDED.amount,
			updated_at = NOW()`,
		a.Address.String(), a.Mint.String(), a.Owner.String(), strconv.FormatUint(a.Amount, 10),
	)
	return err
}

func (t *pgTx) DeleteTokenAccount(ctx context.Context, addr solana.PublicKey) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM token_accounts WHERE address = $1`, addr.String())
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

func (t *pgTx) DataAccount(ctx context.Context, addr solana.PublicKey) (*DataAccount, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT address, owner, data
		FROM data_accounts WHERE address = $1 FOR UPDATE`, addr.String())
	return scanDataAccount(row)
}

func (t *pgTx) PutDataAccount(ctx context.Context, d *DataAccount) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO data_accounts (address, owner, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (address) DO UPDATE SET
			owner = EXCLUDED.owner,
			data = EXCLUDED.data,
			updated_at = NOW()`,
		d.Address.String(), d.Owner.String(), d.Data,
	)
	return err
}

func (t *pgTx) DeleteDataAccount(ctx context.Context, addr solana.PublicKey) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM data_accounts WHERE address = $1`, addr.String())
	if err != nil {
		return err
	}
	return expectOneRow(result)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTokenAccount(s scanner) (*TokenAccount, error) {
	var address, mint, owner, amount string
	err := s.Scan(&address, &mint, &owner, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	a := &TokenAccount{}
	if a.Address, err = solana.PublicKeyFromBase58(address); err != nil {
		return nil, fmt.Errorf("corrupt account address %q: %w", address, err)
	}
	if a.Mint, err = solana.PublicKeyFromBase58(mint); err != nil {
		return nil, fmt.Errorf("corrupt account mint %q: %w", mint, err)
	}
	if a.Owner, err = solana.PublicKeyFromBase58(owner); err != nil {
		return nil, fmt.Errorf("corrupt account owner %q: %w", owner, err)
	}
	if a.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return nil, fmt.Errorf("corrupt account amount %q: %w", amount, err)
	}
	return a, nil
}

func scanDataAccount(s scanner) (*DataAccount, error) {
	var address, owner string
	d := &DataAccount{}
	err := s.Scan(&address, &owner, &d.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if d.Address, err = solana.PublicKeyFromBase58(address); err != nil {
		return nil, fmt.Errorf("corrupt data account address %q: %w", address, err)
	}
	if d.Owner, err = solana.PublicKeyFromBase58(owner); err != nil {
		return nil, fmt.Errorf("corrupt data account owner %q: %w", owner, err)
	}
	return d, nil
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func isConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == serializationFailure || pqErr.Code == deadlockDetected
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
