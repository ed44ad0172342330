package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fodinet/fodibank/internal/domain"
)

// webhookSignatureHeader carries the processor's hex HMAC of the body.
const webhookSignatureHeader = "X-Fodi-Signature"

// maxBodyBytes bounds command request bodies.
const maxBodyBytes = 1 << 20

// ─── Queries ────────────────────────────────────────────────────────────────

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.GetBalance(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	cursor, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: bad cursor", domain.ErrInvalidArgument))
		return
	}

	txs, next, err := s.ledger.History(chi.URLParam(r, "user"), limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txPage{Transactions: txs, NextCursor: encodeCursor(next)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	cursor, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: bad cursor", domain.ErrInvalidArgument))
		return
	}

	txs, next, err := s.ledger.Recent(limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txPage{Transactions: txs, NextCursor: encodeCursor(next)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.CollectStats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type txPage struct {
	Transactions []domain.Transaction `json:"transactions"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

// ─── Commands ───────────────────────────────────────────────────────────────

type creditRequest struct {
	UserID         string        `json:"user_id"`
	Amount         domain.Amount `json:"amount"`
	Reason         string        `json:"reason"`
	IdempotencyKey string        `json:"idempotency_key"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.classifier.Apply(r.Context(), domain.RewardEvent{
		UserID: req.UserID, Amount: req.Amount,
		Reason: req.Reason, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.classifier.Apply(r.Context(), domain.BurnEvent{
		UserID: req.UserID, Amount: req.Amount,
		Reason: req.Reason, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transferRequest struct {
	FromUserID string        `json:"from_user_id"`
	ToUserID   string        `json:"to_user_id"`
	Amount     domain.Amount `json:"amount"`
	Reason     string        `json:"reason"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.classifier.Apply(r.Context(), domain.PeerTransfer{
		FromUserID: req.FromUserID, ToUserID: req.ToUserID,
		Amount: req.Amount, Reason: req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type withdrawRequest struct {
	UserID         string        `json:"user_id"`
	Amount         domain.Amount `json:"amount"`
	Recipient      string        `json:"recipient_address"`
	Reason         string        `json:"reason"`
	IdempotencyKey string        `json:"idempotency_key"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	txID, err := s.ledger.ReserveForReflect(r.Context(), req.UserID, req.Amount,
		req.Recipient, req.Reason, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tx_id":  txID,
		"status": string(domain.StatusReflecting),
	})
}

func (s *Server) handleFiatWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err))
		return
	}
	res, err := s.gateway.HandleNotification(r.Context(), payload, r.Header.Get(webhookSignatureHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Reward Triggers ────────────────────────────────────────────────────────

type rewardOrderRequest struct {
	UserID          string `json:"user_id"`
	OrderID         string `json:"order_id"`
	OrderTotalCents int64  `json:"order_total_cents"`
	IdempotencyKey  string `json:"idempotency_key"`
}

func (s *Server) handleRewardOrder(w http.ResponseWriter, r *http.Request) {
	var req rewardOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.rewards.OrderCompleted(r.Context(), req.UserID, req.OrderID, req.OrderTotalCents, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rewardCancelRequest struct {
	UserID         string        `json:"user_id"`
	OrderID        string        `json:"order_id"`
	GrantedReward  domain.Amount `json:"granted_reward"`
	IdempotencyKey string        `json:"idempotency_key"`
}

func (s *Server) handleRewardCancel(w http.ResponseWriter, r *http.Request) {
	var req rewardCancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.rewards.OrderCancelled(r.Context(), req.UserID, req.OrderID, req.GrantedReward, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rewardStreakRequest struct {
	UserID         string `json:"user_id"`
	StreakDays     int    `json:"streak_days"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleRewardStreak(w http.ResponseWriter, r *http.Request) {
	var req rewardStreakRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.rewards.LoginStreak(r.Context(), req.UserID, req.StreakDays, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// decodeBody decodes a JSON request body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: malformed request body: %v", domain.ErrInvalidArgument, err))
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
