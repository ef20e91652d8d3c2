// Package client is a Go client for the auction API.
//
// Reads need no key. Commands are signed with the caller's wallet the same
// way the server verifies them: X-Signer carries the public key and
// X-Signature an ed25519 signature over "METHOD PATH\nbody".
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/yoshidan/anchor-auction/internal/auction"
)

// Error represents an API error response
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Page is one page of an auction listing.
type Page struct {
	Auctions   []*auction.View `json:"auctions"`
	Count      int             `json:"count"`
	NextCursor string          `json:"nextCursor"`
	HasMore    bool            `json:"hasMore"`
}

// Transient reports whether a response status is worth retrying. Both
// statuses are returned before any ledger write happens.
func Transient(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// parseError extracts the API error from a non-2xx response
func parseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	apiErr := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "http_error"
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
