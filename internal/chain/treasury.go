package chain

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mr-tron/base58"
)

// Treasury is the signing identity owning outbound on-chain funds. It is
// loaded once at startup and held in memory for the process lifetime.
// The secret key must never appear in errors or log lines.
type Treasury struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	nonce atomic.Uint64
}

// LoadTreasury reads a Solana-style keypair file: a JSON array of 64
// bytes, secret key followed by public key.
func LoadTreasury(path string) (*Treasury, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read treasury keypair: %w", err)
	}
	// The file is a JSON array of numbers, not a base64 string, so it
	// cannot be unmarshalled into []byte directly.
	var nums []int
	if err := json.Unmarshal(raw, &nums); err != nil {
		return nil, fmt.Errorf("treasury keypair file is not a JSON byte array: %w", err)
	}
	if len(nums) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("treasury keypair has %d bytes, want %d", len(nums), ed25519.PrivateKeySize)
	}
	key := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("treasury keypair byte %d out of range", i)
		}
		key[i] = byte(n)
	}
	priv := ed25519.PrivateKey(key)
	return &Treasury{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Address returns the treasury's base58 public key.
func (t *Treasury) Address() string {
	return base58.Encode(t.pub)
}

// SignTransfer builds a signed transfer from the treasury to the given
// recipient, stamping a fresh nonce.
func (t *Treasury) SignTransfer(to, mint string, amount, fee uint64) SignedTransfer {
	st := SignedTransfer{
		From:   t.Address(),
		To:     to,
		Mint:   mint,
		Amount: amount,
		Fee:    fee,
		Nonce:  t.nonce.Add(1),
	}
	sig := ed25519.Sign(t.priv, st.Message())
	st.Signature = base58.Encode(sig)
	return st
}

// Verify checks a transfer's signature against its declared source key.
func Verify(st SignedTransfer) bool {
	pub, err := base58.Decode(st.From)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base58.Decode(st.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), st.Message(), sig)
}
