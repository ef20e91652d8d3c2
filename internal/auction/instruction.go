package auction

import (
	"github.com/gagliardetto/solana-go"
)

// Instruction is one of Exhibit, PlaceBid or Close.
type Instruction interface {
	// Name is the instruction name used in logs and metrics.
	Name() string
	// Signer is the party that must sign the request.
	Signer() solana.PublicKey
	// RecordAddress is the auction record the instruction operates on.
	RecordAddress() solana.PublicKey

	isInstruction()
}

// Exhibit opens an auction.
type Exhibit struct {
	AskingPrice     uint64 `json:"askingPrice"`
	DurationSeconds int64  `json:"durationSeconds"`

	Exhibitor  solana.PublicKey `json:"exhibitor"`
	NFTSource  solana.PublicKey `json:"nftSource"`  // holds exactly one unit of the NFT
	NFTHolding solana.PublicKey `json:"nftHolding"` // fresh, empty, owned by the exhibitor
	Proceeds   solana.PublicKey `json:"proceeds"`   // FT account that is paid on settlement
	Record     solana.PublicKey `json:"record"`     // unused address for the auction record
}

// PlaceBid offers Amount for the auction at Record. Declared must be the
// record's current highest bidder triple as read by the caller.
type PlaceBid struct {
	Amount uint64 `json:"amount"`

	Bidder    solana.PublicKey `json:"bidder"`
	FTSource  solana.PublicKey `json:"ftSource"`
	FTHolding solana.PublicKey `json:"ftHolding"` // fresh, empty, owned by the bidder
	Declared  Bid              `json:"declared"`
	Record    solana.PublicKey `json:"record"`
}

// Close settles an ended auction.
type Close struct {
	Winner      solana.PublicKey `json:"winner"` // highest bidder, or exhibitor when nobody bid
	Exhibitor   solana.PublicKey `json:"exhibitor"`
	NFTHolding  solana.PublicKey `json:"nftHolding"`
	Proceeds    solana.PublicKey `json:"proceeds"`
	FTHolding   solana.PublicKey `json:"ftHolding"`   // the NFT holding address when nobody bid
	NFTReceiver solana.PublicKey `json:"nftReceiver"` // owned by the winner
	Record      solana.PublicKey `json:"record"`
}

func (Exhibit) Name() string  { return "exhibit" }
func (PlaceBid) Name() string { return "bid" }
func (Close) Name() string    { return "close" }

func (ix Exhibit) Signer() solana.PublicKey  { return ix.Exhibitor }
func (ix PlaceBid) Signer() solana.PublicKey { return ix.Bidder }
func (ix Close) Signer() solana.PublicKey    { return ix.Winner }

func (ix Exhibit) RecordAddress() solana.PublicKey  { return ix.Record }
func (ix PlaceBid) RecordAddress() solana.PublicKey { return ix.Record }
func (ix Close) RecordAddress() solana.PublicKey    { return ix.Record }

func (Exhibit) isInstruction()  {}
func (PlaceBid) isInstruction() {}
func (Close) isInstruction()    {}

// CloseFor builds the Close instruction for a record as stored, with the NFT
// delivered to receiver.
func CloseFor(record solana.PublicKey, a *Auction, receiver solana.PublicKey) Close {
	return Close{
		Winner:      a.Leader(),
		Exhibitor:   a.Exhibitor,
		NFTHolding:  a.ExhibitingNFTHolding,
		Proceeds:    a.ExhibitorProceeds,
		FTHolding:   a.Declared().FTHolding,
		NFTReceiver: receiver,
		Record:      record,
	}
}

// Signers is the set of parties that signed a request.
type Signers []solana.PublicKey

// Has reports whether pk signed.
func (s Signers) Has(pk solana.PublicKey) bool {
	for _, k := range s {
		if k.Equals(pk) {
			return true
		}
	}
	return false
}
