package realtime

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gagliardetto/solana-go"
	"github.com/yoshidan/anchor-auction/internal/auction"
)

// Subscription limits which auction events a client receives. Filters
// combine with AND; a subscription without filters matches everything.
type Subscription struct {
	AllEvents    bool     `json:"allEvents"`
	EventTypes   []string `json:"eventTypes,omitempty"`
	AuctionAddrs []string `json:"auctionAddrs,omitempty"` // records to watch
	PartyAddrs   []string `json:"partyAddrs,omitempty"`   // exhibitor, bidder or winner
	MinAmount    uint64   `json:"minAmount,omitempty"`    // bids below this are skipped
}

// maxWatched bounds the address lists of one subscription.
const maxWatched = 100

var errTooManyAddrs = errors.New("too many addresses in subscription")

// Validate checks event type names and that every address is a base58
// public key.
func (s Subscription) Validate() error {
	for _, t := range s.EventTypes {
		if !slices.Contains(auction.EventTypes, t) {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	if len(s.AuctionAddrs) > maxWatched || len(s.PartyAddrs) > maxWatched {
		return errTooManyAddrs
	}
	for _, list := range [][]string{s.AuctionAddrs, s.PartyAddrs} {
		for _, addr := range list {
			if _, err := solana.PublicKeyFromBase58(addr); err != nil {
				return fmt.Errorf("invalid address %q", addr)
			}
		}
	}
	return nil
}

// Matches reports whether e passes every filter of the subscription.
func (s Subscription) Matches(e auction.Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.AuctionAddrs) > 0 && !slices.Contains(s.AuctionAddrs, e.Auction) {
		return false
	}
	if len(s.PartyAddrs) > 0 && !slices.ContainsFunc(s.PartyAddrs, e.Involves) {
		return false
	}
	if s.MinAmount > 0 && e.Type == auction.EventBidPlaced && e.Amount < s.MinAmount {
		return false
	}
	return true
}
