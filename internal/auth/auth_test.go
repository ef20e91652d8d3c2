package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSignVerify(t *testing.T) {
	wallet := solana.NewWallet()
	body := []byte(`{"amount":201}`)

	sig, err := Sign(wallet.PrivateKey, "POST", "/v1/auctions/x/bids", body)
	require.NoError(t, err)

	pk, err := Verify(wallet.PublicKey().String(), sig, "POST", "/v1/auctions/x/bids", body)
	require.NoError(t, err)
	assert.True(t, pk.Equals(wallet.PublicKey()))
}

func TestVerify_Errors(t *testing.T) {
	wallet := solana.NewWallet()
	other := solana.NewWallet()
	body := []byte(`{"amount":201}`)
	sig, err := Sign(wallet.PrivateKey, "POST", "/v1/auctions/a/bids", body)
	require.NoError(t, err)

	tests := []struct {
		name      string
		signer    string
		signature string
		path      string
		body      []byte
		want      error
	}{
		{"missing signer", "", sig, "/v1/auctions/a/bids", body, ErrMissingSigner},
		{"missing signature", wallet.PublicKey().String(), "", "/v1/auctions/a/bids", body, ErrMissingSigner},
		{"bad signer", "not-a-key", sig, "/v1/auctions/a/bids", body, ErrInvalidSigner},
		{"garbled signature", wallet.PublicKey().String(), "zzz", "/v1/auctions/a/bids", body, ErrBadSignature},
		{"wrong key", other.PublicKey().String(), sig, "/v1/auctions/a/bids", body, ErrBadSignature},
		{"other auction", wallet.PublicKey().String(), sig, "/v1/auctions/b/bids", body, ErrBadSignature},
		{"tampered body", wallet.PublicKey().String(), sig, "/v1/auctions/a/bids", []byte(`{"amount":999}`), ErrBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.signer, tt.signature, "POST", tt.path, tt.body)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func newRouter() *gin.Engine {
	r := gin.New()
	r.Use(Middleware())
	r.POST("/v1/echo", RequireSigner(), func(c *gin.Context) {
		signer, _ := GetSigner(c)
		body, _ := io.ReadAll(c.Request.Body)
		c.JSON(http.StatusOK, gin.H{"signer": signer.String(), "body": string(body)})
	})
	r.GET("/v1/open", func(c *gin.Context) {
		_, ok := GetSigner(c)
		c.JSON(http.StatusOK, gin.H{"signed": ok})
	})
	return r
}

func TestMiddleware_ValidSignature(t *testing.T) {
	wallet := solana.NewWallet()
	body := `{"amount":201}`
	sig, err := Sign(wallet.PrivateKey, "POST", "/v1/echo", []byte(body))
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/echo", strings.NewReader(body))
	req.Header.Set(HeaderSigner, wallet.PublicKey().String())
	req.Header.Set(HeaderSignature, sig)
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), wallet.PublicKey().String())
	// Body is still readable by the handler.
	assert.Contains(t, w.Body.String(), `{\"amount\":201}`)
}

func TestMiddleware_RejectsBadSignature(t *testing.T) {
	wallet := solana.NewWallet()
	sig, err := Sign(wallet.PrivateKey, "POST", "/v1/echo", []byte(`{"amount":1}`))
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/echo", strings.NewReader(`{"amount":2}`))
	req.Header.Set(HeaderSigner, wallet.PublicKey().String())
	req.Header.Set(HeaderSignature, sig)
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "signature does not verify")
}

func TestMiddleware_Unsigned(t *testing.T) {
	r := newRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/echo", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"signed":false}`, w.Body.String())
}
