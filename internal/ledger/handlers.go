package ledger

import (
	"errors"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

// Handler exposes read-only ledger queries over HTTP.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/token-accounts/:address", h.GetTokenAccount)
}

// GetTokenAccount handles GET /v1/token-accounts/:address
//
// A closed holding account answers 404 so clients can tell "gone" from
// "empty".
func (h *Handler) GetTokenAccount(c *gin.Context) {
	addr, err := solana.PublicKeyFromBase58(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a base58 public key",
		})
		return
	}

	acct, err := h.ledger.Account(c.Request.Context(), addr)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "Token account does not exist",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": acct})
}
