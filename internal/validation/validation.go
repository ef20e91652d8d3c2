// Package validation provides input validation helpers for the auction API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Auction requests
// are a handful of keys and integers.
const MaxRequestSize = 64 << 10

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPublicKey reports whether s is a base58 ed25519 public key.
func IsValidPublicKey(s string) bool {
	_, err := ParsePublicKey(s)
	return err == nil
}

// ParsePublicKey parses a base58 public key, ignoring surrounding whitespace.
func ParsePublicKey(s string) (solana.PublicKey, error) {
	return solana.PublicKeyFromBase58(strings.TrimSpace(s))
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// ValidPublicKey checks that a required field is a base58 public key.
func ValidPublicKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !IsValidPublicKey(value) {
			return &ValidationError{Field: field, Message: "must be a base58 public key"}
		}
		return nil
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidPublicKey(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a base58 public key",
			})
			return
		}
		c.Next()
	}
}
