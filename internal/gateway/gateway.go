// Package gateway translates confirmed payment notifications from the
// fiat processor into purchase credits. Payloads are authenticated with an
// HMAC-SHA256 signature over the raw body; a bad signature is fatal to the
// request and nothing reaches the ledger.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fodinet/fodibank/internal/classify"
	"github.com/fodinet/fodibank/internal/domain"
)

// ErrBadSignature rejects webhooks whose HMAC does not verify.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Notification is the payment processor's confirmation payload.
type Notification struct {
	PaymentID  string `json:"payment_id"`
	UserID     string `json:"user_id"`
	GrossCents int64  `json:"gross_amount_cents"`
	Currency   string `json:"currency"`
}

// Gateway verifies and applies payment notifications.
type Gateway struct {
	secret     []byte
	classifier *classify.Classifier
}

// New creates a gateway with the shared webhook secret.
func New(secret []byte, c *classify.Classifier) (*Gateway, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty webhook secret", domain.ErrInvalidArgument)
	}
	return &Gateway{secret: secret, classifier: c}, nil
}

// Sign computes the hex HMAC-SHA256 of a payload. Exported for tests and
// for the processor-simulation tooling.
func (g *Gateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleNotification verifies the signature, decodes the payload and
// credits the purchase. The external payment id is used verbatim as the
// idempotency key, so replayed webhooks return the original transaction.
func (g *Gateway) HandleNotification(ctx context.Context, payload []byte, signature string) (classify.Result, error) {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return classify.Result{}, ErrBadSignature
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), want) {
		return classify.Result{}, ErrBadSignature
	}

	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return classify.Result{}, fmt.Errorf("%w: malformed notification: %v", domain.ErrInvalidArgument, err)
	}
	if n.UserID == "" {
		return classify.Result{}, fmt.Errorf("%w: notification without user id", domain.ErrInvalidArgument)
	}

	return g.classifier.Apply(ctx, domain.PurchaseSettled{
		PaymentID:  n.PaymentID,
		UserID:     n.UserID,
		GrossCents: n.GrossCents,
		Currency:   n.Currency,
	})
}
