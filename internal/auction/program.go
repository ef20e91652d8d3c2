package auction

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
	"github.com/yoshidan/anchor-auction/internal/custody"
	"github.com/yoshidan/anchor-auction/internal/ledger"
)

// Program validates and applies auction instructions against the ledger.
// It holds no state of its own; every call works on the transaction it is
// given.
type Program struct {
	ID        solana.PublicKey
	Authority solana.PublicKey // program-derived owner of every holding account
}

// NewProgram creates the program for id.
func NewProgram(id solana.PublicKey) (*Program, error) {
	authority, err := custody.ProgramAuthority(id)
	if err != nil {
		return nil, err
	}
	return &Program{ID: id, Authority: authority}, nil
}

// Receipt describes what a successful instruction did.
type Receipt struct {
	Instruction string
	Record      solana.PublicKey
	Auction     *Auction // state after the instruction; for Close, the final state before deletion

	Refunded     *Bid   // Bid: the outbid bidder
	RefundAmount uint64 // Bid: amount returned to Refunded

	ProceedsPaid uint64           // Close: FT paid to the exhibitor
	NFTReceiver  solana.PublicKey // Close: account that received the NFT
	Sold         bool             // Close: false when the NFT went back to the exhibitor
}

// Process is the single entry point: validate ix against the record and the
// accounts it names, then apply it. now is the ledger clock for this
// transaction. Any error leaves tx to be rolled back by the caller.
func (p *Program) Process(ctx context.Context, tx ledger.Tx, now int64, signers Signers, ix Instruction) (*Receipt, error) {
	if !signers.Has(ix.Signer()) {
		return nil, fmt.Errorf("%w: %s", ErrMissingSignature, ix.Signer())
	}

	var (
		r   *Receipt
		err error
	)
	switch ix := ix.(type) {
	case Exhibit:
		r, err = p.exhibit(ctx, tx, now, ix)
	case PlaceBid:
		r, err = p.bid(ctx, tx, now, ix)
	case Close:
		r, err = p.close(ctx, tx, now, ix)
	default:
		return nil, fmt.Errorf("unknown instruction %T", ix)
	}
	if err != nil {
		return nil, mapCustodyError(err)
	}
	r.Instruction = ix.Name()
	r.Record = ix.RecordAddress()
	return r, nil
}

func (p *Program) exhibit(ctx context.Context, tx ledger.Tx, now int64, ix Exhibit) (*Receipt, error) {
	bridge := custody.New(tx)

	source, err := tokenAccount(ctx, bridge, "nft source", ix.NFTSource)
	if err != nil {
		return nil, err
	}
	if !source.Owner.Equals(ix.Exhibitor) {
		return nil, fmt.Errorf("%w: nft source is not owned by the exhibitor", ErrAccountMismatch)
	}
	if source.Amount != 1 {
		return nil, fmt.Errorf("%w: nft source holds %d units, want exactly 1", ErrInvalidAmount, source.Amount)
	}
	mint, err := tx.Mint(ctx, source.Mint)
	if err != nil {
		return nil, err
	}
	if mint.Supply != 1 || mint.Decimals != 0 {
		return nil, fmt.Errorf("%w: mint %s is not a unique asset", ErrInvalidAmount, source.Mint)
	}
	if ix.AskingPrice == 0 {
		return nil, fmt.Errorf("%w: asking price must be positive", ErrInvalidAmount)
	}
	if ix.DurationSeconds <= 0 || ix.DurationSeconds > math.MaxInt64-now {
		return nil, fmt.Errorf("%w: %d seconds", ErrInvalidDuration, ix.DurationSeconds)
	}

	if err := p.requireFreshHolding(ctx, bridge, "nft holding", ix.NFTHolding, ix.Exhibitor, source.Mint); err != nil {
		return nil, err
	}
	proceeds, err := tokenAccount(ctx, bridge, "proceeds", ix.Proceeds)
	if err != nil {
		return nil, err
	}
	if proceeds.Mint.Equals(source.Mint) {
		return nil, fmt.Errorf("%w: proceeds account holds the exhibited asset", ErrAccountMismatch)
	}
	if err := requireUnusedAddress(ctx, tx, ix.Record); err != nil {
		return nil, err
	}

	if err := bridge.SetAuthority(ctx, ix.NFTHolding, ix.Exhibitor, p.Authority); err != nil {
		return nil, err
	}
	if err := bridge.Transfer(ctx, ix.NFTSource, ix.NFTHolding, ix.Exhibitor, 1); err != nil {
		return nil, err
	}

	a := &Auction{
		Exhibitor:            ix.Exhibitor,
		ExhibitingNFTHolding: ix.NFTHolding,
		ExhibitorProceeds:    ix.Proceeds,
		Price:                ix.AskingPrice,
		EndAt:                now + ix.DurationSeconds,
	}
	if err := p.store(ctx, tx, ix.Record, a); err != nil {
		return nil, err
	}
	return &Receipt{Auction: a}, nil
}

func (p *Program) bid(ctx context.Context, tx ledger.Tx, now int64, ix PlaceBid) (*Receipt, error) {
	bridge := custody.New(tx)

	a, err := p.load(ctx, tx, ix.Record)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, err
	}

	if a.Ended(now) {
		return nil, ErrAuctionExpired
	}
	if ix.Amount <= a.Price {
		return nil, fmt.Errorf("%w: %d <= %d", ErrBidTooLow, ix.Amount, a.Price)
	}
	if ix.Declared != a.Declared() {
		return nil, ErrStaleBidderReference
	}
	if a.HasBid() && a.HighestBid.Bidder.Equals(ix.Bidder) {
		return nil, ErrSelfOutbid
	}

	if err := p.requireLockedNFT(ctx, bridge, a); err != nil {
		return nil, err
	}

	proceeds, err := tokenAccount(ctx, bridge, "proceeds", a.ExhibitorProceeds)
	if err != nil {
		return nil, err
	}
	source, err := tokenAccount(ctx, bridge, "ft source", ix.FTSource)
	if err != nil {
		return nil, err
	}
	if !source.Owner.Equals(ix.Bidder) {
		return nil, fmt.Errorf("%w: ft source is not owned by the bidder", ErrAccountMismatch)
	}
	if !source.Mint.Equals(proceeds.Mint) {
		return nil, fmt.Errorf("%w: bid currency %s, auction currency %s", ErrAccountMismatch, source.Mint, proceeds.Mint)
	}
	if ix.FTHolding.Equals(ix.FTSource) || ix.FTHolding.Equals(a.ExhibitorProceeds) {
		return nil, fmt.Errorf("%w: ft holding must be a fresh account", ErrAccountMismatch)
	}
	if err := p.requireFreshHolding(ctx, bridge, "ft holding", ix.FTHolding, ix.Bidder, proceeds.Mint); err != nil {
		return nil, err
	}

	// Lock the new bid.
	if err := bridge.SetAuthority(ctx, ix.FTHolding, ix.Bidder, p.Authority); err != nil {
		return nil, err
	}
	if err := bridge.Transfer(ctx, ix.FTSource, ix.FTHolding, ix.Bidder, ix.Amount); err != nil {
		return nil, err
	}

	r := &Receipt{}

	// Refund the previous bidder in full and release their holding.
	if prev := a.HighestBid; prev != nil {
		refunded, err := bridge.Drain(ctx, prev.FTHolding, prev.RefundAccount, p.Authority)
		if err != nil {
			return nil, fmt.Errorf("refund previous bidder: %w", err)
		}
		if err := bridge.Close(ctx, prev.FTHolding, p.Authority); err != nil {
			return nil, fmt.Errorf("close previous holding: %w", err)
		}
		r.Refunded = prev
		r.RefundAmount = refunded
	}

	a.Price = ix.Amount
	a.HighestBid = &Bid{
		Bidder:        ix.Bidder,
		FTHolding:     ix.FTHolding,
		RefundAccount: ix.FTSource,
	}
	if err := p.store(ctx, tx, ix.Record, a); err != nil {
		return nil, err
	}
	r.Auction = a
	return r, nil
}

func (p *Program) close(ctx context.Context, tx ledger.Tx, now int64, ix Close) (*Receipt, error) {
	bridge := custody.New(tx)

	a, err := p.load(ctx, tx, ix.Record)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, ErrAlreadyClosed
		}
		return nil, err
	}

	if !a.Ended(now) {
		return nil, ErrAuctionNotYetEnded
	}

	switch {
	case !ix.Winner.Equals(a.Leader()):
		return nil, fmt.Errorf("%w: winner", ErrAccountMismatch)
	case !ix.Exhibitor.Equals(a.Exhibitor):
		return nil, fmt.Errorf("%w: exhibitor", ErrAccountMismatch)
	case !ix.NFTHolding.Equals(a.ExhibitingNFTHolding):
		return nil, fmt.Errorf("%w: nft holding", ErrAccountMismatch)
	case !ix.Proceeds.Equals(a.ExhibitorProceeds):
		return nil, fmt.Errorf("%w: proceeds", ErrAccountMismatch)
	case !ix.FTHolding.Equals(a.Declared().FTHolding):
		return nil, fmt.Errorf("%w: ft holding", ErrAccountMismatch)
	}

	if err := p.requireLockedNFT(ctx, bridge, a); err != nil {
		return nil, err
	}
	holding, err := tokenAccount(ctx, bridge, "nft holding", a.ExhibitingNFTHolding)
	if err != nil {
		return nil, err
	}
	receiver, err := tokenAccount(ctx, bridge, "nft receiver", ix.NFTReceiver)
	if err != nil {
		return nil, err
	}
	if !receiver.Mint.Equals(holding.Mint) {
		return nil, fmt.Errorf("%w: nft receiver holds mint %s", ErrAccountMismatch, receiver.Mint)
	}
	if !receiver.Owner.Equals(ix.Winner) {
		return nil, fmt.Errorf("%w: nft receiver is not owned by the winner", ErrAccountMismatch)
	}

	r := &Receipt{Auction: a, NFTReceiver: ix.NFTReceiver, Sold: a.HasBid()}

	if a.HasBid() {
		paid, err := bridge.Drain(ctx, a.HighestBid.FTHolding, a.ExhibitorProceeds, p.Authority)
		if err != nil {
			return nil, fmt.Errorf("pay exhibitor: %w", err)
		}
		if err := bridge.Close(ctx, a.HighestBid.FTHolding, p.Authority); err != nil {
			return nil, fmt.Errorf("close bid holding: %w", err)
		}
		r.ProceedsPaid = paid
	}

	if _, err := bridge.Drain(ctx, a.ExhibitingNFTHolding, ix.NFTReceiver, p.Authority); err != nil {
		return nil, fmt.Errorf("deliver asset: %w", err)
	}
	if err := bridge.Close(ctx, a.ExhibitingNFTHolding, p.Authority); err != nil {
		return nil, fmt.Errorf("close asset holding: %w", err)
	}
	if err := tx.DeleteDataAccount(ctx, ix.Record); err != nil {
		return nil, err
	}
	return r, nil
}

// requireLockedNFT checks that the asset is still in program custody: the
// holding exists, is owned by the program authority and holds the one unit.
func (p *Program) requireLockedNFT(ctx context.Context, bridge *custody.Bridge, a *Auction) error {
	holding, err := tokenAccount(ctx, bridge, "nft holding", a.ExhibitingNFTHolding)
	if err != nil {
		return err
	}
	if !holding.Owner.Equals(p.Authority) || holding.Amount != 1 {
		return fmt.Errorf("%w: exhibited asset is no longer in custody", ErrAccountMismatch)
	}
	return nil
}

// requireFreshHolding checks that addr is an empty token account of mint
// owned by owner, ready to be handed to the program authority.
func (p *Program) requireFreshHolding(ctx context.Context, bridge *custody.Bridge, role string, addr, owner, mint solana.PublicKey) error {
	holding, err := tokenAccount(ctx, bridge, role, addr)
	if err != nil {
		return err
	}
	switch {
	case !holding.Owner.Equals(owner):
		return fmt.Errorf("%w: %s is not owned by the signer", ErrAccountMismatch, role)
	case !holding.Mint.Equals(mint):
		return fmt.Errorf("%w: %s holds mint %s, want %s", ErrAccountMismatch, role, holding.Mint, mint)
	case holding.Amount != 0:
		return fmt.Errorf("%w: %s is not empty", ErrAccountMismatch, role)
	}
	return nil
}

func (p *Program) load(ctx context.Context, tx ledger.Tx, addr solana.PublicKey) (*Auction, error) {
	d, err := tx.DataAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !d.Owner.Equals(p.ID) {
		return nil, fmt.Errorf("%w: record is not owned by this program", ErrAccountMismatch)
	}
	a, err := Decode(d.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccountMismatch, err)
	}
	return a, nil
}

func (p *Program) store(ctx context.Context, tx ledger.Tx, addr solana.PublicKey, a *Auction) error {
	data, err := a.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.PutDataAccount(ctx, &ledger.DataAccount{Address: addr, Owner: p.ID, Data: data})
}

func requireUnusedAddress(ctx context.Context, tx ledger.Tx, addr solana.PublicKey) error {
	if _, err := tx.DataAccount(ctx, addr); err == nil {
		return fmt.Errorf("%w: record address already in use", ErrAccountMismatch)
	} else if !errors.Is(err, ledger.ErrAccountNotFound) {
		return err
	}
	if _, err := tx.TokenAccount(ctx, addr); err == nil {
		return fmt.Errorf("%w: record address is a token account", ErrAccountMismatch)
	} else if !errors.Is(err, ledger.ErrAccountNotFound) {
		return err
	}
	return nil
}

func tokenAccount(ctx context.Context, bridge *custody.Bridge, role string, addr solana.PublicKey) (*ledger.TokenAccount, error) {
	acct, err := bridge.Account(ctx, addr)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s %s does not exist", ErrAccountMismatch, role, addr)
	}
	return acct, err
}

// mapCustodyError folds ownership and mint failures from the token primitive
// into ErrAccountMismatch. Balance and emptiness failures keep their identity.
func mapCustodyError(err error) error {
	switch {
	case errors.Is(err, custody.ErrOwnerMismatch),
		errors.Is(err, custody.ErrMintMismatch),
		errors.Is(err, custody.ErrSameAccount):
		return fmt.Errorf("%w: %w", ErrAccountMismatch, err)
	}
	return err
}
