package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yoshidan/anchor-auction/internal/auction"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func addr() string {
	return solana.NewWallet().PublicKey().String()
}

// startHub runs a hub behind a test server and returns it with the ws URL.
func startHub(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, h *Hub, url string) *websocket.Conn {
	t.Helper()
	before := h.Stats().TotalClients
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return h.Stats().TotalClients > before }, 2*time.Second, 5*time.Millisecond)
	return conn
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f received
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func readEvent(t *testing.T, conn *websocket.Conn) auction.Event {
	t.Helper()
	f := readFrame(t, conn)
	var e auction.Event
	require.NoError(t, json.Unmarshal(f.Data, &e))
	e.Type = f.Type
	return e
}

func TestSubscription_Matches(t *testing.T) {
	record, seller, buyer := addr(), addr(), addr()
	bid := auction.Event{Type: auction.EventBidPlaced, Auction: record, Exhibitor: seller, Bidder: buyer, Amount: 150}
	closed := auction.Event{Type: auction.EventClosed, Auction: record, Exhibitor: seller, Winner: buyer}

	tests := []struct {
		name string
		sub  Subscription
		e    auction.Event
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, bid, true},
		{"no filters", Subscription{}, bid, true},
		{"type match", Subscription{EventTypes: []string{auction.EventBidPlaced}}, bid, true},
		{"type mismatch", Subscription{EventTypes: []string{auction.EventExhibited}}, bid, false},
		{"auction match", Subscription{AuctionAddrs: []string{record}}, bid, true},
		{"auction mismatch", Subscription{AuctionAddrs: []string{addr()}}, bid, false},
		{"party as exhibitor", Subscription{PartyAddrs: []string{seller}}, bid, true},
		{"party as bidder", Subscription{PartyAddrs: []string{buyer}}, bid, true},
		{"party as winner", Subscription{PartyAddrs: []string{buyer}}, closed, true},
		{"party mismatch", Subscription{PartyAddrs: []string{addr()}}, bid, false},
		{"bid below minimum", Subscription{MinAmount: 200}, bid, false},
		{"bid at minimum", Subscription{MinAmount: 150}, bid, true},
		{"minimum ignores other types", Subscription{MinAmount: 200}, closed, true},
		{"all events overrides filters", Subscription{AllEvents: true, EventTypes: []string{auction.EventExhibited}}, bid, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.e))
		})
	}
}

func TestSubscription_Validate(t *testing.T) {
	assert.NoError(t, Subscription{EventTypes: auction.EventTypes, AuctionAddrs: []string{addr()}}.Validate())
	assert.Error(t, Subscription{EventTypes: []string{"bid_cancelled"}}.Validate())
	assert.Error(t, Subscription{PartyAddrs: []string{"not-a-key"}}.Validate())

	many := make([]string, maxWatched+1)
	for i := range many {
		many[i] = addr()
	}
	assert.ErrorIs(t, Subscription{AuctionAddrs: many}.Validate(), errTooManyAddrs)
}

func TestParseSubscription(t *testing.T) {
	_, err := parseSubscription([]byte("{not json"))
	assert.ErrorIs(t, err, errMalformedSubscription)

	sub, err := parseSubscription([]byte(`{"eventTypes":["auction_closed"],"minAmount":5}`))
	require.NoError(t, err)
	assert.Equal(t, []string{auction.EventClosed}, sub.EventTypes)
	assert.Equal(t, uint64(5), sub.MinAmount)
}

func TestHub_Stats_Initial(t *testing.T) {
	assert.Equal(t, Stats{}, testHub().Stats())
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := testHub()
	for i := 0; i < eventQueueSize+10; i++ {
		h.Publish(auction.Event{Type: auction.EventBidPlaced})
	}
	assert.Len(t, h.events, eventQueueSize)
}

func TestHub_DeliversEventsToNewClients(t *testing.T) {
	h, url, _ := startHub(t)
	conn := dial(t, h, url)

	record := addr()
	h.Publish(auction.Event{Type: auction.EventExhibited, Auction: record, Price: 100, At: time.Now()})

	e := readEvent(t, conn)
	assert.Equal(t, auction.EventExhibited, e.Type)
	assert.Equal(t, record, e.Auction)
	assert.Equal(t, uint64(100), e.Price)

	stats := h.Stats()
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, int64(1), stats.TotalEvents)
	assert.Equal(t, 1, stats.TrackedAuctions)
}

func TestHub_SubscriptionFilters(t *testing.T) {
	h, url, _ := startHub(t)
	conn := dial(t, h, url)

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []string{auction.EventClosed}}))
	assert.Equal(t, FrameSubscribed, readFrame(t, conn).Type)

	record := addr()
	h.Publish(auction.Event{Type: auction.EventBidPlaced, Auction: record, Amount: 10})
	h.Publish(auction.Event{Type: auction.EventClosed, Auction: record, Sold: true})

	e := readEvent(t, conn)
	assert.Equal(t, auction.EventClosed, e.Type)
	assert.True(t, e.Sold)
}

func TestHub_ReplaysLatestEventOnSubscribe(t *testing.T) {
	h, url, _ := startHub(t)
	watched, other := addr(), addr()

	h.Publish(auction.Event{Type: auction.EventExhibited, Auction: watched, Price: 100})
	h.Publish(auction.Event{Type: auction.EventBidPlaced, Auction: watched, Amount: 120, Price: 120})
	h.Publish(auction.Event{Type: auction.EventExhibited, Auction: other, Price: 50})
	require.Eventually(t, func() bool { return h.Stats().TotalEvents == 3 }, 2*time.Second, 5*time.Millisecond)

	conn := dial(t, h, url)
	require.NoError(t, conn.WriteJSON(Subscription{AuctionAddrs: []string{watched}}))
	assert.Equal(t, FrameSubscribed, readFrame(t, conn).Type)

	e := readEvent(t, conn)
	assert.Equal(t, auction.EventBidPlaced, e.Type)
	assert.Equal(t, watched, e.Auction)
	assert.Equal(t, uint64(120), e.Price)
}

func TestHub_ForgetsClosedAuctions(t *testing.T) {
	h, _, _ := startHub(t)
	record := addr()

	h.Publish(auction.Event{Type: auction.EventExhibited, Auction: record})
	require.Eventually(t, func() bool { return h.Stats().TrackedAuctions == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Publish(auction.Event{Type: auction.EventClosed, Auction: record})
	require.Eventually(t, func() bool { return h.Stats().TrackedAuctions == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_RejectsInvalidSubscription(t *testing.T) {
	h, url, _ := startHub(t)
	conn := dial(t, h, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"auctionAddrs":["nope"]}`)))
	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Contains(t, string(f.Data), "invalid address")

	// The previous all-events subscription stays in place.
	h.Publish(auction.Event{Type: auction.EventEnded, Auction: addr()})
	assert.Equal(t, auction.EventEnded, readFrame(t, conn).Type)
}

func TestHub_Disconnect(t *testing.T) {
	h, url, _ := startHub(t)
	conn := dial(t, h, url)
	require.Equal(t, 1, h.Stats().ConnectedClients)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients)
}

func TestHub_ShutdownRejectsUpgrades(t *testing.T) {
	h, url, cancel := startHub(t)
	conn := dial(t, h, url)

	cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	// The client sees the server close its connection.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_CheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://auction.example/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	h := testHub()
	assert.True(t, h.upgrader.CheckOrigin(req("")))
	assert.True(t, h.upgrader.CheckOrigin(req("https://auction.example")))
	assert.False(t, h.upgrader.CheckOrigin(req("https://app.example")))

	h.WithOrigins([]string{"https://app.example"})
	assert.True(t, h.upgrader.CheckOrigin(req("https://app.example")))
	assert.True(t, h.upgrader.CheckOrigin(req("https://auction.example")))
	assert.False(t, h.upgrader.CheckOrigin(req("https://evil.example")))
}
