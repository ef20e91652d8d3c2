package auction

import "time"

// Realtime event types published by the service.
const (
	EventExhibited = "auction_exhibited"
	EventBidPlaced = "bid_placed"
	EventRefunded  = "bid_refunded"
	EventEnded     = "auction_ended"
	EventClosed    = "auction_closed"
)

// EventTypes lists every event type in lifecycle order.
var EventTypes = []string{EventExhibited, EventBidPlaced, EventRefunded, EventEnded, EventClosed}

// Event is a state change of one auction record. Addresses are base58;
// fields that do not apply to the event type are left zero.
type Event struct {
	Type          string    `json:"-"`
	Auction       string    `json:"auction"`
	Exhibitor     string    `json:"exhibitor"`
	Bidder        string    `json:"bidder,omitempty"`
	Winner        string    `json:"winner,omitempty"`
	RefundAccount string    `json:"refundAccount,omitempty"`
	Amount        uint64    `json:"amount,omitempty"`
	Price         uint64    `json:"price,omitempty"`
	EndAt         int64     `json:"endAt,omitempty"`
	HasBid        bool      `json:"hasBid,omitempty"`
	Sold          bool      `json:"sold,omitempty"`
	ProceedsPaid  uint64    `json:"proceedsPaid,omitempty"`
	At            time.Time `json:"at"`
}

// Involves reports whether addr took part in the event as exhibitor,
// bidder or winner.
func (e Event) Involves(addr string) bool {
	if addr == "" {
		return false
	}
	return addr == e.Exhibitor || addr == e.Bidder || addr == e.Winner
}

// EventPublisher receives auction events for live subscribers.
type EventPublisher interface {
	Publish(Event)
}
