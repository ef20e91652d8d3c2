// Package auth authenticates signed API requests.
//
// Authentication model:
// - Reads (auction views, token accounts): no auth required
// - Commands (exhibit, bid, close): the caller names itself in X-Signer and
//   signs the request with the matching ed25519 key in X-Signature
// - The signed message binds method, path and body, so a signature cannot
//   be replayed against a different auction
package auth

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	HeaderSigner    = "X-Signer"
	HeaderSignature = "X-Signature"
)

var (
	ErrMissingSigner = errors.New("X-Signer and X-Signature headers are required")
	ErrInvalidSigner = errors.New("X-Signer is not a base58 public key")
	ErrBadSignature  = errors.New("signature does not verify")
)

// Message is the byte string a client signs for a request.
func Message(method, path string, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+2+len(body))
	msg = append(msg, method...)
	msg = append(msg, ' ')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	return append(msg, body...)
}

// Sign produces the base58 X-Signature value for a request.
func Sign(key solana.PrivateKey, method, path string, body []byte) (string, error) {
	sig, err := key.Sign(Message(method, path, body))
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// Verify checks a signature for a request and returns the signer.
func Verify(signer, signature, method, path string, body []byte) (solana.PublicKey, error) {
	if signer == "" || signature == "" {
		return solana.PublicKey{}, ErrMissingSigner
	}
	pk, err := solana.PublicKeyFromBase58(signer)
	if err != nil {
		return solana.PublicKey{}, ErrInvalidSigner
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !sig.Verify(pk, Message(method, path, body)) {
		return solana.PublicKey{}, ErrBadSignature
	}
	return pk, nil
}
