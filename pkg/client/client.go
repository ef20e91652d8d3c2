package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/yoshidan/anchor-auction/internal/auction"
	"github.com/yoshidan/anchor-auction/internal/auth"
	"github.com/yoshidan/anchor-auction/internal/retry"
)

// ErrNoWallet is returned when a command is sent by a read-only client.
var ErrNoWallet = errors.New("client has no wallet to sign with")

// Client wraps http.Client with request signing and retry of transient
// failures
type Client struct {
	baseURL    string
	httpClient *http.Client
	wallet     *solana.Wallet

	// Configuration
	MaxAttempts int           // Attempts per request on 429/503 (default: 3)
	RetryDelay  time.Duration // Initial backoff between attempts (default: 200ms)
}

// New creates a client for the API at baseURL. A nil wallet gives a
// read-only client.
func New(baseURL string, w *solana.Wallet) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		wallet:      w,
		MaxAttempts: 3,
		RetryDelay:  200 * time.Millisecond,
	}
}

// WithHTTPClient replaces the underlying http.Client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Signer returns the public key commands are signed with.
func (c *Client) Signer() (solana.PublicKey, error) {
	if c.wallet == nil {
		return solana.PublicKey{}, ErrNoWallet
	}
	return c.wallet.PublicKey(), nil
}

// Exhibit puts an asset up for auction. The client's wallet is the exhibitor.
func (c *Client) Exhibit(ctx context.Context, req auction.ExhibitRequest) (*auction.View, error) {
	var out struct {
		Auction *auction.View `json:"auction"`
	}
	if err := c.send(ctx, http.MethodPost, "/v1/auctions", req, &out); err != nil {
		return nil, err
	}
	return out.Auction, nil
}

// Bid places a bid as the client's wallet. req.Declared must name the
// current highest bidder; see BidOn.
func (c *Client) Bid(ctx context.Context, record solana.PublicKey, req auction.BidRequest) (*auction.View, error) {
	var out struct {
		Auction *auction.View `json:"auction"`
	}
	if err := c.send(ctx, http.MethodPost, "/v1/auctions/"+record.String()+"/bids", req, &out); err != nil {
		return nil, err
	}
	return out.Auction, nil
}

// BidOn fetches the declared bidder accounts and bids amount from ftSource,
// escrowing into the fresh ftHolding account.
func (c *Client) BidOn(ctx context.Context, record solana.PublicKey, amount uint64, ftSource, ftHolding solana.PublicKey) (*auction.View, error) {
	declared, err := c.BidAccounts(ctx, record)
	if err != nil {
		return nil, err
	}
	return c.Bid(ctx, record, auction.BidRequest{
		Amount:    amount,
		FTSource:  ftSource.String(),
		FTHolding: ftHolding.String(),
		Declared: auction.BidderRef{
			Bidder:        declared.Bidder.String(),
			FTHolding:     declared.FTHolding.String(),
			RefundAccount: declared.RefundAccount.String(),
		},
	})
}

// Close settles an ended auction as the client's wallet, which must be the
// winner (or the exhibitor when nobody bid).
func (c *Client) Close(ctx context.Context, record solana.PublicKey, req auction.CloseRequest) (*auction.CloseResult, error) {
	var out struct {
		Closed *auction.CloseResult `json:"closed"`
	}
	if err := c.send(ctx, http.MethodPost, "/v1/auctions/"+record.String()+"/close", req, &out); err != nil {
		return nil, err
	}
	return out.Closed, nil
}

// Auction returns the current state of an auction.
func (c *Client) Auction(ctx context.Context, record solana.PublicKey) (*auction.View, error) {
	var out struct {
		Auction *auction.View `json:"auction"`
	}
	if err := c.send(ctx, http.MethodGet, "/v1/auctions/"+record.String(), nil, &out); err != nil {
		return nil, err
	}
	return out.Auction, nil
}

// BidAccounts returns the highest-bidder triple the next bid must declare.
func (c *Client) BidAccounts(ctx context.Context, record solana.PublicKey) (auction.Bid, error) {
	var out struct {
		Declared auction.Bid `json:"declared"`
	}
	if err := c.send(ctx, http.MethodGet, "/v1/auctions/"+record.String()+"/bid-accounts", nil, &out); err != nil {
		return auction.Bid{}, err
	}
	return out.Declared, nil
}

// List returns one page of open auctions. Pass the previous page's
// NextCursor to continue; an empty cursor starts from the beginning.
func (c *Client) List(ctx context.Context, cursor string, limit int) (*Page, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/auctions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page Page
	if err := c.send(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// send performs one API call, signing POSTs and retrying transient
// statuses. out receives the decoded 2xx body.
func (c *Client) send(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var signer, signature string
	if method != http.MethodGet {
		if c.wallet == nil {
			return ErrNoWallet
		}
		// The signature covers the path without the query string.
		signPath := path
		if i := strings.IndexByte(signPath, '?'); i >= 0 {
			signPath = signPath[:i]
		}
		sig, err := auth.Sign(c.wallet.PrivateKey, method, signPath, body)
		if err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
		signer, signature = c.wallet.PublicKey().String(), sig
	}

	policy := retry.Policy{Attempts: c.MaxAttempts, BaseDelay: c.RetryDelay, MaxDelay: 5 * time.Second}
	return policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if signer != "" {
			req.Header.Set(auth.HeaderSigner, signer)
			req.Header.Set(auth.HeaderSignature, signature)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Permanent(fmt.Errorf("request failed: %w", err))
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := parseError(resp)
			if Transient(resp.StatusCode) {
				return apiErr
			}
			return retry.Permanent(apiErr)
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	})
}
