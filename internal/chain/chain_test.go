package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fodinet/fodibank/internal/domain"
)

// writeKeypair writes a Solana-style keypair file: a JSON array of 64
// numbers, secret key followed by public key.
func writeKeypair(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	nums := make([]int, len(priv))
	for i, b := range priv {
		nums[i] = int(b)
	}
	raw, err := json.Marshal(nums)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "treasury.json")
	require.NoError(t, os.WriteFile(path, raw, 0600))
	return path
}

func TestLoadTreasuryAndSign(t *testing.T) {
	tr, err := LoadTreasury(writeKeypair(t))
	require.NoError(t, err)
	assert.NotEmpty(t, tr.Address())

	st := tr.SignTransfer("recipient-addr", "mint-1", 400_000_000, 5000)
	assert.Equal(t, tr.Address(), st.From)
	assert.Equal(t, uint64(400_000_000), st.Amount)
	assert.True(t, Verify(st), "signature should verify against the source key")

	// Nonces are unique per transfer.
	st2 := tr.SignTransfer("recipient-addr", "mint-1", 1, 5000)
	assert.NotEqual(t, st.Nonce, st2.Nonce)

	// Tampering breaks verification.
	st.Amount++
	assert.False(t, Verify(st))
}

func TestLoadTreasuryErrors(t *testing.T) {
	_, err := LoadTreasury(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[1,2,3]`), 0600))
	_, err = LoadTreasury(bad)
	assert.ErrorContains(t, err, "3 bytes")
}

// rpcHandler scripts node responses per method.
func rpcHandler(t *testing.T, responses map[string]any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     uint64 `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch v := responses[req.Method].(type) {
		case *rpcError:
			resp["error"] = map[string]any{"code": v.Code, "message": v.Message}
		default:
			resp["result"] = v
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestSubmitTransfer(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]any{
		"sendTransfer": map[string]string{"signature": "sig-1"},
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL)
	sig, err := c.SubmitTransfer(context.Background(), SignedTransfer{To: "x"})
	require.NoError(t, err)
	assert.Equal(t, "sig-1", sig)
}

func TestSubmitTransferErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"invalid destination is permanent", codeInvalidDestination, domain.ErrChainPermanent},
		{"mint mismatch is permanent", codeMintMismatch, domain.ErrChainPermanent},
		{"congestion is transient", -32005, domain.ErrChainTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(rpcHandler(t, map[string]any{
				"sendTransfer": &rpcError{Code: tt.code, Message: "nope"},
			}))
			defer srv.Close()

			_, err := NewRPCClient(srv.URL).SubmitTransfer(context.Background(), SignedTransfer{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSubmitTransferNodeDown(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close() // connection refused

	_, err := NewRPCClient(srv.URL).SubmitTransfer(context.Background(), SignedTransfer{})
	assert.ErrorIs(t, err, domain.ErrChainTransient)
}

func TestConfirm(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]any{
		"getTransferStatus": map[string]string{"status": "confirmed"},
	}))
	defer srv.Close()

	v, err := NewRPCClient(srv.URL).Confirm(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictConfirmed, v)
}

func TestConfirmDeadlineIsTransient(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]any{
		"getTransferStatus": map[string]string{"status": "processing"},
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL)
	c.confirmPoll = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Confirm(ctx, "sig-1")
	assert.ErrorIs(t, err, domain.ErrChainTransient)
}

func TestTokenBalance(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]any{
		"getTokenBalance": map[string]uint64{"amount": 123456},
	}))
	defer srv.Close()

	amt, err := NewRPCClient(srv.URL).TokenBalance(context.Background(), "addr", "mint")
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), amt)
}

func TestGetTransfer(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]any{
		"getTransfer": TransferInfo{
			Signature: "sig-1", Source: "treasury", Destination: "addr-ABC",
			Mint: "mint-1", Amount: 400_000_000,
		},
	}))
	defer srv.Close()

	info, err := NewRPCClient(srv.URL).GetTransfer(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, "addr-ABC", info.Destination)
	assert.Equal(t, uint64(400_000_000), info.Amount)
}

func TestGetTransferMissing(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, map[string]any{
		"getTransfer": TransferInfo{},
	}))
	defer srv.Close()

	_, err := NewRPCClient(srv.URL).GetTransfer(context.Background(), "sig-unknown")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrChainPermanent))
}
