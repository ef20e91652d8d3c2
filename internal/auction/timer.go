package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yoshidan/anchor-auction/internal/metrics"
)

// DefaultScanInterval is how often the timer looks for ended auctions.
const DefaultScanInterval = 5 * time.Second

// scanPageSize is how many records one listing call decodes during a scan.
const scanPageSize = 500

// Timer periodically announces auctions that have ended but are not yet
// closed. Settlement itself stays with the winner, who must sign Close.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	announced map[string]struct{} // touched only by the timer goroutine
}

// NewTimer creates a new ended-auction timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Timer{
		service:   service,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		announced: make(map[string]struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeScan(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auction timer", "panic", fmt.Sprint(r))
		}
	}()
	t.scan(ctx)
}

// scan publishes one auction_ended event per ended auction and refreshes the
// active auction gauge.
func (t *Timer) scan(ctx context.Context) {
	var views []*View
	cursor := ""
	for {
		page, next, err := t.service.List(ctx, cursor, scanPageSize)
		if err != nil {
			t.logger.Warn("failed to list auctions", "error", err)
			return
		}
		views = append(views, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	metrics.ActiveAuctions.Set(float64(len(views)))

	live := make(map[string]struct{}, len(views))
	for _, v := range views {
		addr := v.Address.String()
		live[addr] = struct{}{}
		if !v.Ended {
			continue
		}
		if _, done := t.announced[addr]; done {
			continue
		}
		t.announced[addr] = struct{}{}

		leader := v.Exhibitor
		if v.HighestBid != nil {
			leader = v.HighestBid.Bidder
		}
		t.service.publish(Event{
			Type:      EventEnded,
			Auction:   addr,
			Exhibitor: v.Exhibitor.String(),
			Winner:    leader.String(),
			Price:     v.Price,
			EndAt:     v.EndAt.Unix(),
			HasBid:    v.HasBid,
		})
		t.logger.Info("auction ended",
			"auction", addr,
			"winner", leader.String(),
			"price", v.Price,
		)
	}

	// Closed auctions drop out of the listing.
	for addr := range t.announced {
		if _, ok := live[addr]; !ok {
			delete(t.announced, addr)
		}
	}
}
