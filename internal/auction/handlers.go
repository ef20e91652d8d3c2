package auction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/yoshidan/anchor-auction/internal/auth"
	"github.com/yoshidan/anchor-auction/internal/validation"
)

// Handler provides HTTP endpoints for auction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new auction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) auction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auctions", h.ListAuctions)
	r.GET("/auctions/:address", h.GetAuction)
	r.GET("/auctions/:address/bid-accounts", h.GetBidAccounts)
}

// RegisterProtectedRoutes sets up signed auction command routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/auctions", h.Exhibit)
	r.POST("/auctions/:address/bids", h.PlaceBid)
	r.POST("/auctions/:address/close", h.Close)
}

// ExhibitRequest is the body of POST /v1/auctions. The exhibitor is the signer.
type ExhibitRequest struct {
	AskingPrice     uint64 `json:"askingPrice"`
	DurationSeconds int64  `json:"durationSeconds"`
	NFTSource       string `json:"nftSource"`
	NFTHolding      string `json:"nftHolding"`
	Proceeds        string `json:"proceeds"`
	Record          string `json:"record"`
}

// BidderRef is the declared highest-bidder triple in a bid request.
type BidderRef struct {
	Bidder        string `json:"bidder"`
	FTHolding     string `json:"ftHolding"`
	RefundAccount string `json:"refundAccount"`
}

// BidRequest is the body of POST /v1/auctions/:address/bids. The bidder is
// the signer.
type BidRequest struct {
	Amount    uint64    `json:"amount"`
	FTSource  string    `json:"ftSource"`
	FTHolding string    `json:"ftHolding"`
	Declared  BidderRef `json:"declared"`
}

// CloseRequest is the body of POST /v1/auctions/:address/close. The winner
// is the signer. When only nftReceiver is given the remaining accounts are
// taken from the record as currently stored.
type CloseRequest struct {
	NFTReceiver string `json:"nftReceiver"`
	Exhibitor   string `json:"exhibitor,omitempty"`
	NFTHolding  string `json:"nftHolding,omitempty"`
	Proceeds    string `json:"proceeds,omitempty"`
	FTHolding   string `json:"ftHolding,omitempty"`
}

// CloseResult is the response of a successful close.
type CloseResult struct {
	Auction      *View            `json:"auction"` // final state; the record is gone
	Sold         bool             `json:"sold"`
	ProceedsPaid uint64           `json:"proceedsPaid"`
	NFTReceiver  solana.PublicKey `json:"nftReceiver"`
}

// Exhibit handles POST /v1/auctions
func (h *Handler) Exhibit(c *gin.Context) {
	signer, ok := h.signer(c)
	if !ok {
		return
	}

	var req ExhibitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.ValidPublicKey("nftSource", req.NFTSource),
		validation.ValidPublicKey("nftHolding", req.NFTHolding),
		validation.ValidPublicKey("proceeds", req.Proceeds),
		validation.ValidPublicKey("record", req.Record),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	ix := Exhibit{
		AskingPrice:     req.AskingPrice,
		DurationSeconds: req.DurationSeconds,
		Exhibitor:       signer,
		NFTSource:       pubkey(req.NFTSource),
		NFTHolding:      pubkey(req.NFTHolding),
		Proceeds:        pubkey(req.Proceeds),
		Record:          pubkey(req.Record),
	}

	view, err := h.service.Exhibit(c.Request.Context(), Signers{signer}, ix)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"auction": view})
}

// PlaceBid handles POST /v1/auctions/:address/bids
func (h *Handler) PlaceBid(c *gin.Context) {
	signer, ok := h.signer(c)
	if !ok {
		return
	}

	var req BidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.ValidPublicKey("ftSource", req.FTSource),
		validation.ValidPublicKey("ftHolding", req.FTHolding),
		validation.ValidPublicKey("declared.bidder", req.Declared.Bidder),
		validation.ValidPublicKey("declared.ftHolding", req.Declared.FTHolding),
		validation.ValidPublicKey("declared.refundAccount", req.Declared.RefundAccount),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	ix := PlaceBid{
		Amount:    req.Amount,
		Bidder:    signer,
		FTSource:  pubkey(req.FTSource),
		FTHolding: pubkey(req.FTHolding),
		Declared: Bid{
			Bidder:        pubkey(req.Declared.Bidder),
			FTHolding:     pubkey(req.Declared.FTHolding),
			RefundAccount: pubkey(req.Declared.RefundAccount),
		},
		Record: pubkey(c.Param("address")),
	}

	view, err := h.service.Bid(c.Request.Context(), Signers{signer}, ix)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"auction": view})
}

// Close handles POST /v1/auctions/:address/close
func (h *Handler) Close(c *gin.Context) {
	signer, ok := h.signer(c)
	if !ok {
		return
	}

	var req CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	validators := []func() *validation.ValidationError{
		validation.ValidPublicKey("nftReceiver", req.NFTReceiver),
	}
	explicit := req.Exhibitor != "" || req.NFTHolding != "" || req.Proceeds != "" || req.FTHolding != ""
	if explicit {
		validators = append(validators,
			validation.ValidPublicKey("exhibitor", req.Exhibitor),
			validation.ValidPublicKey("nftHolding", req.NFTHolding),
			validation.ValidPublicKey("proceeds", req.Proceeds),
			validation.ValidPublicKey("ftHolding", req.FTHolding),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	record := pubkey(c.Param("address"))
	ix := Close{
		Winner:      signer,
		NFTReceiver: pubkey(req.NFTReceiver),
		Record:      record,
	}
	if explicit {
		ix.Exhibitor = pubkey(req.Exhibitor)
		ix.NFTHolding = pubkey(req.NFTHolding)
		ix.Proceeds = pubkey(req.Proceeds)
		ix.FTHolding = pubkey(req.FTHolding)
	} else {
		a, err := h.service.load(c.Request.Context(), record)
		if err != nil {
			if errors.Is(err, ErrAuctionNotFound) {
				err = ErrAlreadyClosed
			}
			writeError(c, err)
			return
		}
		ix = CloseFor(record, a, ix.NFTReceiver)
		ix.Winner = signer
	}

	r, err := h.service.Close(c.Request.Context(), Signers{signer}, ix)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"closed": CloseResult{
		Auction:      NewView(record, r.Auction, r.Auction.EndAt),
		Sold:         r.Sold,
		ProceedsPaid: r.ProceedsPaid,
		NFTReceiver:  r.NFTReceiver,
	}})
}

// GetAuction handles GET /v1/auctions/:address
func (h *Handler) GetAuction(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), pubkey(c.Param("address")))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"auction": view})
}

// GetBidAccounts handles GET /v1/auctions/:address/bid-accounts
func (h *Handler) GetBidAccounts(c *gin.Context) {
	declared, err := h.service.BidAccounts(c.Request.Context(), pubkey(c.Param("address")))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"declared": declared})
}

// ListAuctions handles GET /v1/auctions
func (h *Handler) ListAuctions(c *gin.Context) {
	limit := DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 1000 {
				limit = 1000
			}
		}
	}

	views, next, err := h.service.List(c.Request.Context(), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"auctions":   views,
		"count":      len(views),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

func (h *Handler) signer(c *gin.Context) (solana.PublicKey, bool) {
	signer, ok := auth.GetSigner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": auth.ErrMissingSigner.Error(),
		})
	}
	return signer, ok
}

// StatusFor maps an auction error to its HTTP status.
func StatusFor(err error) int {
	switch Code(err) {
	case "invalid_amount", "invalid_duration", "account_mismatch", "self_outbid", "insufficient_balance",
		"invalid_cursor":
		return http.StatusBadRequest
	case "missing_signature":
		return http.StatusForbidden
	case "auction_not_found":
		return http.StatusNotFound
	case "auction_expired", "bid_too_low", "stale_bidder_reference",
		"auction_not_yet_ended", "already_closed", "not_empty":
		return http.StatusConflict
	case "ledger_unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "An unexpected error occurred"
	}
	c.JSON(status, gin.H{"error": Code(err), "message": msg})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// pubkey parses a key already checked by validation or the :address
// middleware.
func pubkey(s string) solana.PublicKey {
	pk, err := validation.ParsePublicKey(s)
	if err != nil {
		return solana.PublicKey{}
	}
	return pk
}
