package domain

// ─── Inbound Events ─────────────────────────────────────────────────────────
// Events are the raw facts produced by external collaborators (the reward
// engine, the fiat gateway, the chat handler). The classifier normalises
// them into canonical transactions before they reach the ledger.

// RewardEvent credits a user for a behavioural event.
type RewardEvent struct {
	UserID         string
	Amount         Amount // base units, already computed by policy
	Reason         string
	IdempotencyKey string
}

// BurnEvent debits a user, typically claw-back of a prior reward.
type BurnEvent struct {
	UserID         string
	Amount         Amount
	Reason         string
	IdempotencyKey string
}

// PurchaseSettled reports a confirmed fiat payment. The classifier converts
// the fiat amount to base units using the rate snapshot current at event
// time. PaymentID doubles as the idempotency key so replayed webhooks do
// not double-credit.
type PurchaseSettled struct {
	PaymentID  string
	UserID     string
	GrossCents int64
	Currency   string
}

// PeerTransfer moves tokens between two users of the ledger.
type PeerTransfer struct {
	FromUserID string
	ToUserID   string
	Amount     Amount
	Reason     string
}
