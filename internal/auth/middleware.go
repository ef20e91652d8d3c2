package auth

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

// ContextKeySigner is the key for storing the verified signer in gin context
const ContextKeySigner = "authSigner"

// Middleware verifies the request signature, if present, and records the
// signer in context. Unsigned or badly signed requests pass through
// unauthenticated; RequireSigner rejects them.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		signer := c.GetHeader(HeaderSigner)
		signature := c.GetHeader(HeaderSignature)
		if signer == "" && signature == "" {
			c.Next()
			return
		}

		body, err := readBody(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Could not read request body",
			})
			return
		}

		pk, err := Verify(signer, signature, c.Request.Method, c.Request.URL.Path, body)
		if err == nil {
			c.Set(ContextKeySigner, pk)
		} else {
			c.Set(contextKeyAuthError, err)
		}
		c.Next()
	}
}

const contextKeyAuthError = "authError"

// RequireSigner rejects requests without a verified signature
func RequireSigner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetSigner(c); !ok {
			msg := ErrMissingSigner.Error()
			if err, exists := c.Get(contextKeyAuthError); exists {
				msg = err.(error).Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}
		c.Next()
	}
}

// GetSigner returns the verified signer (if authenticated)
func GetSigner(c *gin.Context) (solana.PublicKey, bool) {
	v, exists := c.Get(ContextKeySigner)
	if !exists {
		return solana.PublicKey{}, false
	}
	pk, ok := v.(solana.PublicKey)
	return pk, ok
}

// readBody reads the request body and puts it back for the handler.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
