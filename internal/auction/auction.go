// Package auction implements the escrow auction program.
//
// Flow:
//  1. Exhibit → the exhibitor's NFT moves into a holding account owned by the
//     program authority; the auction record is created with the asking price
//  2. Bid → the bidder's FT moves into a fresh holding account owned by the
//     program authority; the previous highest bidder is refunded in full and
//     their holding account is closed
//  3. Close (after end) → locked FT goes to the exhibitor, the NFT goes to
//     the winner (or back to the exhibitor if nobody bid), both holding
//     accounts and the record are closed
package auction

import (
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/yoshidan/anchor-auction/internal/custody"
	"github.com/yoshidan/anchor-auction/internal/ledger"
	"github.com/yoshidan/anchor-auction/internal/pagination"
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidDuration      = errors.New("invalid auction duration")
	ErrAuctionExpired       = errors.New("auction has expired")
	ErrBidTooLow            = errors.New("bid must exceed the current price")
	ErrStaleBidderReference = errors.New("declared highest bidder does not match the auction")
	ErrAccountMismatch      = errors.New("account does not match the auction")
	ErrAuctionNotYetEnded   = errors.New("auction has not ended yet")
	ErrAlreadyClosed        = errors.New("auction already closed")
	ErrMissingSignature     = errors.New("required signer is missing")
	ErrSelfOutbid           = errors.New("bidder is already the highest bidder")
	ErrAuctionNotFound      = errors.New("auction not found")

	// Token primitive failures surface unchanged.
	ErrInsufficientBalance = custody.ErrInsufficientBalance
	ErrNotEmpty            = custody.ErrNotEmpty
)

// Code returns the stable error code for err, or "internal_error".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrAuctionExpired):
		return "auction_expired"
	case errors.Is(err, ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, ErrStaleBidderReference):
		return "stale_bidder_reference"
	case errors.Is(err, ErrAccountMismatch):
		return "account_mismatch"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNotEmpty):
		return "not_empty"
	case errors.Is(err, ErrAuctionNotYetEnded):
		return "auction_not_yet_ended"
	case errors.Is(err, ErrAlreadyClosed):
		return "already_closed"
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrSelfOutbid):
		return "self_outbid"
	case errors.Is(err, ErrAuctionNotFound):
		return "auction_not_found"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return "ledger_unavailable"
	case errors.Is(err, pagination.ErrInvalidCursor):
		return "invalid_cursor"
	}
	return "internal_error"
}

// Bid identifies the current highest bidder and where their funds live.
type Bid struct {
	Bidder        solana.PublicKey `json:"bidder"`
	FTHolding     solana.PublicKey `json:"ftHolding"`
	RefundAccount solana.PublicKey `json:"refundAccount"`
}

// Auction is the escrow record of one auction.
type Auction struct {
	Exhibitor            solana.PublicKey
	ExhibitingNFTHolding solana.PublicKey
	ExhibitorProceeds    solana.PublicKey
	Price                uint64
	EndAt                int64
	HighestBid           *Bid // nil until the first bid
}

// HasBid reports whether any bid was accepted.
func (a *Auction) HasBid() bool {
	return a.HighestBid != nil
}

// Ended reports whether the auction stopped accepting bids at now.
func (a *Auction) Ended(now int64) bool {
	return now >= a.EndAt
}

// Leader returns the party entitled to close the auction: the highest bidder,
// or the exhibitor when nobody bid.
func (a *Auction) Leader() solana.PublicKey {
	if a.HighestBid != nil {
		return a.HighestBid.Bidder
	}
	return a.Exhibitor
}

// Declared returns the bidder triple a Bid must echo back. With no bid this
// is the "nobody yet" triple stored on the wire.
func (a *Auction) Declared() Bid {
	if a.HighestBid != nil {
		return *a.HighestBid
	}
	return Bid{
		Bidder:        a.Exhibitor,
		FTHolding:     a.ExhibitingNFTHolding,
		RefundAccount: a.ExhibitorProceeds,
	}
}

// View is the JSON shape of an auction.
type View struct {
	Address              solana.PublicKey `json:"address"`
	Exhibitor            solana.PublicKey `json:"exhibitor"`
	ExhibitingNFTHolding solana.PublicKey `json:"exhibitingNftHolding"`
	ExhibitorProceeds    solana.PublicKey `json:"exhibitorProceeds"`
	Price                uint64           `json:"price"`
	EndAt                time.Time        `json:"endAt"`
	HasBid               bool             `json:"hasBid"`
	HighestBid           *Bid             `json:"highestBid,omitempty"`
	Ended                bool             `json:"ended"`
}

// NewView renders an auction as of now.
func NewView(addr solana.PublicKey, a *Auction, now int64) *View {
	v := &View{
		Address:              addr,
		Exhibitor:            a.Exhibitor,
		ExhibitingNFTHolding: a.ExhibitingNFTHolding,
		ExhibitorProceeds:    a.ExhibitorProceeds,
		Price:                a.Price,
		EndAt:                time.Unix(a.EndAt, 0).UTC(),
		HasBid:               a.HasBid(),
		Ended:                a.Ended(now),
	}
	if a.HighestBid != nil {
		b := *a.HighestBid
		v.HighestBid = &b
	}
	return v
}
