// Package custody wraps the token-transfer primitive for the auction program.
//
// It moves assets into program-controlled holding accounts, between holding
// and owner accounts, and deallocates holding accounts once they are empty.
// It enforces only what the token primitive itself enforces (ownership, mint,
// balance); every amount or ownership policy lives in the auction program.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/yoshidan/anchor-auction/internal/ledger"
)

// AuthoritySeed is the seed of the program-derived authority that owns every
// holding account while an auction is open.
const AuthoritySeed = "escrow"

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotEmpty            = errors.New("holding account is not empty")
	ErrOwnerMismatch       = errors.New("authority does not own the account")
	ErrMintMismatch        = errors.New("accounts hold different mints")
	ErrSameAccount         = errors.New("source and destination are the same account")
)

// ProgramAuthority derives the authority address for programID.
func ProgramAuthority(programID solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(AuthoritySeed)}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive program authority: %w", err)
	}
	return addr, nil
}

// Bridge performs token movements inside one ledger transaction.
type Bridge struct {
	tx ledger.Tx
}

// New creates a bridge bound to tx.
func New(tx ledger.Tx) *Bridge {
	return &Bridge{tx: tx}
}

// Account returns a token account.
func (b *Bridge) Account(ctx context.Context, addr solana.PublicKey) (*ledger.TokenAccount, error) {
	return b.tx.TokenAccount(ctx, addr)
}

// Balance returns the balance of a token account.
func (b *Bridge) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	acct, err := b.tx.TokenAccount(ctx, addr)
	if err != nil {
		return 0, err
	}
	return acct.Amount, nil
}

// SetAuthority hands ownership of a token account from current to next.
func (b *Bridge) SetAuthority(ctx context.Context, holding, current, next solana.PublicKey) error {
	acct, err := b.tx.TokenAccount(ctx, holding)
	if err != nil {
		return err
	}
	if !acct.Owner.Equals(current) {
		return fmt.Errorf("%w: %s is owned by %s", ErrOwnerMismatch, holding, acct.Owner)
	}
	acct.Owner = next
	return b.tx.PutTokenAccount(ctx, acct)
}

// Transfer moves amount units from one account to another. authority must
// own the source account.
func (b *Bridge) Transfer(ctx context.Context, from, to, authority solana.PublicKey, amount uint64) error {
	if from.Equals(to) {
		return ErrSameAccount
	}
	src, err := b.tx.TokenAccount(ctx, from)
	if err != nil {
		return fmt.Errorf("source %s: %w", from, err)
	}
	dst, err := b.tx.TokenAccount(ctx, to)
	if err != nil {
		return fmt.Errorf("destination %s: %w", to, err)
	}
	if !src.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is owned by %s", ErrOwnerMismatch, from, src.Owner)
	}
	if !src.Mint.Equals(dst.Mint) {
		return fmt.Errorf("%w: %s vs %s", ErrMintMismatch, src.Mint, dst.Mint)
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientBalance, from, src.Amount, amount)
	}
	if dst.Amount+amount < dst.Amount {
		return fmt.Errorf("%w: destination overflow", ledger.ErrInvalidAmount)
	}

	src.Amount -= amount
	dst.Amount += amount
	if err := b.tx.PutTokenAccount(ctx, src); err != nil {
		return err
	}
	return b.tx.PutTokenAccount(ctx, dst)
}

// Drain moves the entire balance of from into to and returns the amount moved.
func (b *Bridge) Drain(ctx context.Context, from, to, authority solana.PublicKey) (uint64, error) {
	amount, err := b.Balance(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("source %s: %w", from, err)
	}
	if err := b.Transfer(ctx, from, to, authority, amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// Close deallocates an empty holding account.
func (b *Bridge) Close(ctx context.Context, holding, authority solana.PublicKey) error {
	acct, err := b.tx.TokenAccount(ctx, holding)
	if err != nil {
		return err
	}
	if !acct.Owner.Equals(authority) {
		return fmt.Errorf("%w: %s is owned by %s", ErrOwnerMismatch, holding, acct.Owner)
	}
	if acct.Amount != 0 {
		return fmt.Errorf("%w: %s holds %d", ErrNotEmpty, holding, acct.Amount)
	}
	return b.tx.DeleteTokenAccount(ctx, holding)
}
