// Package ledger is the host ledger the auction program runs against.
//
// It keeps three kinds of accounts, all addressed by an ed25519 public key:
//  1. Mints: a token type and its mint authority
//  2. Token accounts: a balance of one mint, moved only by its owner
//  3. Data accounts: opaque bytes owned by a program
//
// Every mutation runs inside Atomic: either all staged writes commit or none
// do, and transactions commit in a serializable order.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound     = errors.New("account does not exist")
	ErrAccountExists       = errors.New("account already exists")
	ErrMintNotFound        = errors.New("mint does not exist")
	ErrMintAuthority       = errors.New("signer is not the mint authority")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrStoreUnavailable    = errors.New("ledger store unavailable")
)

// Mint describes a token type.
type Mint struct {
	Address   solana.PublicKey `json:"address"`
	Authority solana.PublicKey `json:"authority"` // zero once minting is disabled
	Decimals  uint8            `json:"decimals"`
	Supply    uint64           `json:"supply"`
}

// TokenAccount holds a balance of a single mint.
type TokenAccount struct {
	Address solana.PublicKey `json:"address"`
	Mint    solana.PublicKey `json:"mint"`
	Owner   solana.PublicKey `json:"owner"`
	Amount  uint64           `json:"amount"`
}

// DataAccount is program-owned state.
type DataAccount struct {
	Address solana.PublicKey `json:"address"`
	Owner   solana.PublicKey `json:"owner"`
	Data    []byte           `json:"data"`
}

// Tx is the view of the ledger inside one atomic transaction. Reads observe
// the transaction's own staged writes.
type Tx interface {
	Mint(ctx context.Context, addr solana.PublicKey) (*Mint, error)
	PutMint(ctx context.Context, m *Mint) error

	TokenAccount(ctx context.Context, addr solana.PublicKey) (*TokenAccount, error)
	PutTokenAccount(ctx context.Context, a *TokenAccount) error
	DeleteTokenAccount(ctx context.Context, addr solana.PublicKey) error

	DataAccount(ctx context.Context, addr solana.PublicKey) (*DataAccount, error)
	PutDataAccount(ctx context.Context, a *DataAccount) error
	DeleteDataAccount(ctx context.Context, addr solana.PublicKey) error
}

// Store persists ledger state.
type Store interface {
	// Atomic runs fn in a serializable transaction. Any error returned by fn
	// discards all of its writes.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	TokenAccount(ctx context.Context, addr solana.PublicKey) (*TokenAccount, error)
	DataAccount(ctx context.Context, addr solana.PublicKey) (*DataAccount, error)
	// DataAccountsByOwner lists accounts in base58 address order, starting
	// after the given address (the zero key starts from the beginning).
	DataAccountsByOwner(ctx context.Context, owner, after solana.PublicKey, limit int) ([]*DataAccount, error)
	Ping(ctx context.Context) error
}

// Ledger wraps a Store with the bootstrap operations of the token primitive.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// Atomic runs fn in one ledger transaction.
func (l *Ledger) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return l.store.Atomic(ctx, fn)
}

// CreateMint registers a new token type at addr.
func (l *Ledger) CreateMint(ctx context.Context, addr, authority solana.PublicKey, decimals uint8) error {
	return l.store.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.Mint(ctx, addr); err == nil {
			return ErrAccountExists
		} else if !errors.Is(err, ErrMintNotFound) {
			return err
		}
		return tx.PutMint(ctx, &Mint{Address: addr, Authority: authority, Decimals: decimals})
	})
}

// DisableMinting drops the mint authority so the supply is fixed.
func (l *Ledger) DisableMinting(ctx context.Context, mint, authority solana.PublicKey) error {
	return l.store.Atomic(ctx, func(tx Tx) error {
		m, err := tx.Mint(ctx, mint)
		if err != nil {
			return err
		}
		if m.Authority.IsZero() || !m.Authority.Equals(authority) {
			return ErrMintAuthority
		}
		m.Authority = solana.PublicKey{}
		return tx.PutMint(ctx, m)
	})
}

// CreateAccount initializes an empty token account for mint owned by owner.
func (l *Ledger) CreateAccount(ctx context.Context, addr, mint, owner solana.PublicKey) error {
	return l.store.Atomic(ctx, func(tx Tx) error {
		return InitializeAccount(ctx, tx, addr, mint, owner)
	})
}

// InitializeAccount is CreateAccount inside an existing transaction.
func InitializeAccount(ctx context.Context, tx Tx, addr, mint, owner solana.PublicKey) error {
	if _, err := tx.Mint(ctx, mint); err != nil {
		return err
	}
	if _, err := tx.TokenAccount(ctx, addr); err == nil {
		return ErrAccountExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	if _, err := tx.DataAccount(ctx, addr); err == nil {
		return ErrAccountExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	return tx.PutTokenAccount(ctx, &TokenAccount{Address: addr, Mint: mint, Owner: owner})
}

// MintTo issues amount new units of mint into dest.
func (l *Ledger) MintTo(ctx context.Context, mint, dest, authority solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.store.Atomic(ctx, func(tx Tx) error {
		m, err := tx.Mint(ctx, mint)
		if err != nil {
			return err
		}
		if m.Authority.IsZero() || !m.Authority.Equals(authority) {
			return ErrMintAuthority
		}
		acct, err := tx.TokenAccount(ctx, dest)
		if err != nil {
			return err
		}
		if !acct.Mint.Equals(mint) {
			return fmt.Errorf("mint %s cannot credit account of mint %s", mint, acct.Mint)
		}
		if m.Supply+amount < m.Supply || acct.Amount+amount < acct.Amount {
			return ErrInvalidAmount
		}
		m.Supply += amount
		acct.Amount += amount
		if err := tx.PutMint(ctx, m); err != nil {
			return err
		}
		return tx.PutTokenAccount(ctx, acct)
	})
}

// Account returns a token account.
func (l *Ledger) Account(ctx context.Context, addr solana.PublicKey) (*TokenAccount, error) {
	return l.store.TokenAccount(ctx, addr)
}

// Balance returns a token account balance. Closed or never-created accounts
// report ErrAccountNotFound, not zero.
func (l *Ledger) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	acct, err := l.store.TokenAccount(ctx, addr)
	if err != nil {
		return 0, err
	}
	return acct.Amount, nil
}

// Data returns a data account.
func (l *Ledger) Data(ctx context.Context, addr solana.PublicKey) (*DataAccount, error) {
	return l.store.DataAccount(ctx, addr)
}

// DataByOwner lists data accounts owned by a program, resuming after the
// given address.
func (l *Ledger) DataByOwner(ctx context.Context, owner, after solana.PublicKey, limit int) ([]*DataAccount, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.DataAccountsByOwner(ctx, owner, after, limit)
}
