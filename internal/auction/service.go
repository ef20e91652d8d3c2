package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/yoshidan/anchor-auction/internal/clock"
	"github.com/yoshidan/anchor-auction/internal/ledger"
	"github.com/yoshidan/anchor-auction/internal/logging"
	"github.com/yoshidan/anchor-auction/internal/metrics"
	"github.com/yoshidan/anchor-auction/internal/pagination"
	"github.com/yoshidan/anchor-auction/internal/syncutil"
	"github.com/yoshidan/anchor-auction/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultListLimit caps auction listings when the caller gives no limit.
const DefaultListLimit = 100

// Service runs auction commands against the ledger.
type Service struct {
	ledger  *ledger.Ledger
	program *Program
	clock   clock.Oracle
	locks   *syncutil.KeyedMutex // per-record, bounds contention before the ledger transaction
	events  EventPublisher
}

// NewService creates a new auction service.
func NewService(l *ledger.Ledger, program *Program, oracle clock.Oracle) *Service {
	return &Service{
		ledger:  l,
		program: program,
		clock:   oracle,
		locks:   syncutil.NewKeyedMutex(syncutil.DefaultShards),
	}
}

// WithEvents adds a publisher for realtime auction events.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// Program returns the program the service runs.
func (s *Service) Program() *Program {
	return s.program
}

// Exhibit opens an auction.
func (s *Service) Exhibit(ctx context.Context, signers Signers, ix Exhibit) (*View, error) {
	r, now, err := s.execute(ctx, signers, ix)
	if err != nil {
		return nil, err
	}

	metrics.ActiveAuctions.Inc()
	s.publish(Event{
		Type:      EventExhibited,
		Auction:   ix.Record.String(),
		Exhibitor: ix.Exhibitor.String(),
		Price:     r.Auction.Price,
		EndAt:     r.Auction.EndAt,
	})
	return NewView(ix.Record, r.Auction, now), nil
}

// Bid places a bid and refunds the previous highest bidder.
func (s *Service) Bid(ctx context.Context, signers Signers, ix PlaceBid) (*View, error) {
	r, now, err := s.execute(ctx, signers, ix)
	if err != nil {
		return nil, err
	}

	s.publish(Event{
		Type:      EventBidPlaced,
		Auction:   ix.Record.String(),
		Exhibitor: r.Auction.Exhibitor.String(),
		Bidder:    ix.Bidder.String(),
		Amount:    ix.Amount,
		Price:     r.Auction.Price,
		EndAt:     r.Auction.EndAt,
	})
	if r.Refunded != nil {
		metrics.RefundedVolume.Add(float64(r.RefundAmount))
		s.publish(Event{
			Type:          EventRefunded,
			Auction:       ix.Record.String(),
			Exhibitor:     r.Auction.Exhibitor.String(),
			Bidder:        r.Refunded.Bidder.String(),
			RefundAccount: r.Refunded.RefundAccount.String(),
			Amount:        r.RefundAmount,
		})
	}
	return NewView(ix.Record, r.Auction, now), nil
}

// Close settles an ended auction. The returned receipt carries the final
// state of the record, which no longer exists in the ledger.
func (s *Service) Close(ctx context.Context, signers Signers, ix Close) (*Receipt, error) {
	r, now, err := s.execute(ctx, signers, ix)
	if err != nil {
		return nil, err
	}

	metrics.ActiveAuctions.Dec()
	metrics.SettledVolume.Add(float64(r.ProceedsPaid))
	metrics.AuctionDuration.Observe(float64(now - r.Auction.EndAt))
	s.publish(Event{
		Type:         EventClosed,
		Auction:      ix.Record.String(),
		Exhibitor:    r.Auction.Exhibitor.String(),
		Winner:       ix.Winner.String(),
		Price:        r.Auction.Price,
		Sold:         r.Sold,
		ProceedsPaid: r.ProceedsPaid,
	})
	return r, nil
}

// execute runs one instruction in one ledger transaction.
func (s *Service) execute(ctx context.Context, signers Signers, ix Instruction) (*Receipt, int64, error) {
	record := ix.RecordAddress().String()
	attrs := []attribute.KeyValue{
		traces.Command(ix.Name()),
		traces.AuctionAddr(record),
		traces.Signer(ix.Signer().String()),
	}
	if bid, ok := ix.(PlaceBid); ok {
		attrs = append(attrs, traces.Amount(bid.Amount))
	}
	ctx, span := traces.StartSpan(ctx, "auction."+ix.Name(), attrs...)

	r, now, err := s.executeLocked(ctx, signers, ix)
	if err != nil {
		span.SetAttributes(traces.Result(Code(err)))
	}
	traces.End(span, err)

	logger := logging.L(ctx).With("command", ix.Name(), "auction", record, "signer", ix.Signer().String())
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(ix.Name(), Code(err)).Inc()
		if Code(err) == "internal_error" {
			logger.Error("auction command failed", "error", err)
		} else {
			logger.Warn("auction command rejected", "code", Code(err), "error", err)
		}
		return nil, 0, err
	}

	metrics.CommandsTotal.WithLabelValues(ix.Name(), "ok").Inc()
	logger.Info("auction command accepted", "price", r.Auction.Price, "endAt", r.Auction.EndAt)
	return r, now, nil
}

func (s *Service) executeLocked(ctx context.Context, signers Signers, ix Instruction) (*Receipt, int64, error) {
	unlock, err := s.locks.LockContext(ctx, ix.RecordAddress())
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("read clock: %w", err)
	}

	var r *Receipt
	err = s.ledger.Atomic(ctx, func(tx ledger.Tx) error {
		var err error
		r, err = s.program.Process(ctx, tx, now, signers, ix)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return r, now, nil
}

// Get returns the auction stored at addr.
func (s *Service) Get(ctx context.Context, addr solana.PublicKey) (*View, error) {
	a, err := s.load(ctx, addr)
	if err != nil {
		return nil, err
	}
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	return NewView(addr, a, now), nil
}

// BidAccounts returns the highest-bidder triple a bid on addr must declare.
func (s *Service) BidAccounts(ctx context.Context, addr solana.PublicKey) (Bid, error) {
	a, err := s.load(ctx, addr)
	if err != nil {
		return Bid{}, err
	}
	return a.Declared(), nil
}

// List returns open auctions in address order, one page at a time. The
// returned cursor resumes after the page and is empty on the last one. Data
// accounts owned by the program that are not auction records are skipped, so
// a page may hold fewer than limit auctions.
func (s *Service) List(ctx context.Context, cursor string, limit int) ([]*View, string, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var after solana.PublicKey
	if cursor != "" {
		key, err := pagination.Decode(cursor)
		if err != nil {
			return nil, "", err
		}
		if after, err = solana.PublicKeyFromBase58(key); err != nil {
			return nil, "", pagination.ErrInvalidCursor
		}
	}

	accounts, err := s.ledger.DataByOwner(ctx, s.program.ID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	accounts, next, _ := pagination.ComputePage(accounts, limit, func(d *ledger.DataAccount) string {
		return d.Address.String()
	})
	now, err := s.clock.Now(ctx)
	if err != nil {
		return nil, "", err
	}

	views := make([]*View, 0, len(accounts))
	for _, d := range accounts {
		if !IsRecord(d.Data) {
			continue
		}
		a, err := Decode(d.Data)
		if err != nil {
			logging.L(ctx).Warn("skipping undecodable auction record", "auction", d.Address.String(), "error", err)
			continue
		}
		views = append(views, NewView(d.Address, a, now))
	}
	return views, next, nil
}

func (s *Service) load(ctx context.Context, addr solana.PublicKey) (*Auction, error) {
	d, err := s.ledger.Data(ctx, addr)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, err
	}
	if !d.Owner.Equals(s.program.ID) || !IsRecord(d.Data) {
		return nil, ErrAuctionNotFound
	}
	return Decode(d.Data)
}

func (s *Service) publish(e Event) {
	if s.events == nil {
		return
	}
	e.At = time.Now().UTC()
	s.events.Publish(e)
}
