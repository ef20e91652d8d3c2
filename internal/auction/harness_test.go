package auction

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"github.com/yoshidan/anchor-auction/internal/ledger"
)

var testProgramID = solana.MustPublicKeyFromBase58("HGhUfApRyEBL758VLG5kq45UkEAsvaVcPvCxVHuXMdhU")

const testStart int64 = 1_700_000_000

// world is a ledger with one fungible token and the auction program, driven
// by an explicit clock.
type world struct {
	t        *testing.T
	ctx      context.Context
	ledger   *ledger.Ledger
	program  *Program
	now      int64
	ftMint   solana.PublicKey
	mintAuth solana.PublicKey
}

type exhibitor struct {
	wallet     *solana.Wallet
	key        solana.PublicKey
	nftMint    solana.PublicKey
	nftSource  solana.PublicKey
	nftHolding solana.PublicKey
	proceeds   solana.PublicKey
	record     solana.PublicKey
}

type bidder struct {
	wallet   *solana.Wallet
	key      solana.PublicKey
	ftSource solana.PublicKey
}

func newWorld(t *testing.T) *world {
	t.Helper()
	program, err := NewProgram(testProgramID)
	require.NoError(t, err)

	w := &world{
		t:        t,
		ctx:      context.Background(),
		ledger:   ledger.New(ledger.NewMemoryStore()),
		program:  program,
		now:      testStart,
		ftMint:   solana.NewWallet().PublicKey(),
		mintAuth: solana.NewWallet().PublicKey(),
	}
	require.NoError(t, w.ledger.CreateMint(w.ctx, w.ftMint, w.mintAuth, 6))
	return w
}

// tokenAccount creates an account of mint owned by owner holding amount.
func (w *world) tokenAccount(mint, owner solana.PublicKey, amount uint64) solana.PublicKey {
	w.t.Helper()
	addr := solana.NewWallet().PublicKey()
	require.NoError(w.t, w.ledger.CreateAccount(w.ctx, addr, mint, owner))
	if amount > 0 {
		require.NoError(w.t, w.ledger.MintTo(w.ctx, mint, addr, w.mintAuth, amount))
	}
	return addr
}

// newExhibitor creates a party holding a freshly minted unique asset, plus a
// fresh holding account, a proceeds account and an unused record address.
func (w *world) newExhibitor() *exhibitor {
	w.t.Helper()
	wallet := solana.NewWallet()
	e := &exhibitor{
		wallet:  wallet,
		key:     wallet.PublicKey(),
		nftMint: solana.NewWallet().PublicKey(),
		record:  solana.NewWallet().PublicKey(),
	}
	require.NoError(w.t, w.ledger.CreateMint(w.ctx, e.nftMint, w.mintAuth, 0))
	e.nftSource = w.tokenAccount(e.nftMint, e.key, 1)
	require.NoError(w.t, w.ledger.DisableMinting(w.ctx, e.nftMint, w.mintAuth))
	e.nftHolding = w.tokenAccount(e.nftMint, e.key, 0)
	e.proceeds = w.tokenAccount(w.ftMint, e.key, 0)
	return e
}

func (w *world) newBidder(balance uint64) *bidder {
	w.t.Helper()
	wallet := solana.NewWallet()
	b := &bidder{wallet: wallet, key: wallet.PublicKey()}
	b.ftSource = w.tokenAccount(w.ftMint, b.key, balance)
	return b
}

func (w *world) process(signer solana.PublicKey, ix Instruction) (*Receipt, error) {
	var r *Receipt
	err := w.ledger.Atomic(w.ctx, func(tx ledger.Tx) error {
		var err error
		r, err = w.program.Process(w.ctx, tx, w.now, Signers{signer}, ix)
		return err
	})
	return r, err
}

func (e *exhibitor) exhibit(price uint64, duration int64) Exhibit {
	return Exhibit{
		AskingPrice:     price,
		DurationSeconds: duration,
		Exhibitor:       e.key,
		NFTSource:       e.nftSource,
		NFTHolding:      e.nftHolding,
		Proceeds:        e.proceeds,
		Record:          e.record,
	}
}

func (w *world) mustExhibit(e *exhibitor, price uint64, duration int64) {
	w.t.Helper()
	_, err := w.process(e.key, e.exhibit(price, duration))
	require.NoError(w.t, err)
}

// bidOn builds a bid with a fresh holding and the record's current
// declared triple.
func (w *world) bidOn(e *exhibitor, b *bidder, amount uint64) PlaceBid {
	w.t.Helper()
	return PlaceBid{
		Amount:    amount,
		Bidder:    b.key,
		FTSource:  b.ftSource,
		FTHolding: w.tokenAccount(w.ftMint, b.key, 0),
		Declared:  w.record(e).Declared(),
		Record:    e.record,
	}
}

func (w *world) mustBid(e *exhibitor, b *bidder, amount uint64) PlaceBid {
	w.t.Helper()
	ix := w.bidOn(e, b, amount)
	_, err := w.process(b.key, ix)
	require.NoError(w.t, err)
	return ix
}

// closeBy builds a Close from the stored record, delivering the asset to a
// fresh account owned by the winner.
func (w *world) closeBy(e *exhibitor) (Close, solana.PublicKey) {
	w.t.Helper()
	a := w.record(e)
	receiver := w.tokenAccount(e.nftMint, a.Leader(), 0)
	return CloseFor(e.record, a, receiver), receiver
}

func (w *world) record(e *exhibitor) *Auction {
	w.t.Helper()
	d, err := w.ledger.Data(w.ctx, e.record)
	require.NoError(w.t, err)
	a, err := Decode(d.Data)
	require.NoError(w.t, err)
	return a
}

func (w *world) balance(addr solana.PublicKey) uint64 {
	w.t.Helper()
	bal, err := w.ledger.Balance(w.ctx, addr)
	require.NoError(w.t, err)
	return bal
}

func (w *world) requireGone(addr solana.PublicKey) {
	w.t.Helper()
	_, err := w.ledger.Balance(w.ctx, addr)
	require.ErrorIs(w.t, err, ledger.ErrAccountNotFound)
}
