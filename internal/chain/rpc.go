package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fodinet/fodibank/internal/domain"
)

// RPCClient implements Transport over the node's JSON-RPC 2.0 endpoint.
type RPCClient struct {
	url    string
	client *http.Client
	reqID  atomic.Uint64

	// confirmPoll is the interval between verdict polls in Confirm.
	confirmPoll time.Duration
}

// NewRPCClient creates a client for the given endpoint.
func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		url:         url,
		client:      &http.Client{Timeout: 30 * time.Second},
		confirmPoll: time.Second,
	}
}

// ─── JSON-RPC Plumbing ──────────────────────────────────────────────────────

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Node error codes that cannot succeed on retry. Everything else
// (network faults, timeouts, stale blockhashes, congestion) is transient.
const (
	codeInvalidDestination = -40001
	codeMintMismatch       = -40002
	codeBadSignature       = -40003
	codeDuplicateNonce     = -40004
)

func classify(err error) error {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codeInvalidDestination, codeMintMismatch, codeBadSignature, codeDuplicateNonce:
			return fmt.Errorf("%w: %v", domain.ErrChainPermanent, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrChainTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrChainTransient, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrChainTransient, err)
}

// call performs one JSON-RPC round trip and decodes the result into out.
func (c *RPCClient) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(fmt.Errorf("http status %d from node", resp.StatusCode))
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return classify(fmt.Errorf("decode %s response: %v", method, err))
	}
	if rr.Error != nil {
		return classify(rr.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return classify(fmt.Errorf("decode %s result: %v", method, err))
		}
	}
	return nil
}

// ─── Transport Implementation ───────────────────────────────────────────────

// SubmitTransfer broadcasts the signed transfer.
func (c *RPCClient) SubmitTransfer(ctx context.Context, t SignedTransfer) (string, error) {
	var result struct {
		Signature string `json:"signature"`
	}
	if err := c.call(ctx, "sendTransfer", []any{t}, &result); err != nil {
		return "", err
	}
	if result.Signature == "" {
		return "", fmt.Errorf("%w: node accepted transfer but returned no signature", domain.ErrChainTransient)
	}
	return result.Signature, nil
}

// Confirm polls the node until the transfer reaches a verdict or the
// context expires. A deadline expiry is transient: the caller retries.
func (c *RPCClient) Confirm(ctx context.Context, signature string) (Verdict, error) {
	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()

	for {
		var result struct {
			Status string `json:"status"`
		}
		err := c.call(ctx, "getTransferStatus", []any{signature}, &result)
		if err != nil {
			return VerdictPending, err
		}
		switch result.Status {
		case "confirmed", "finalized":
			return VerdictConfirmed, nil
		case "failed":
			return VerdictFailed, nil
		}

		select {
		case <-ctx.Done():
			return VerdictPending, fmt.Errorf("%w: confirmation deadline expired for %s",
				domain.ErrChainTransient, signature)
		case <-ticker.C:
		}
	}
}

// TokenBalance returns addr's holdings of the given mint in base units.
func (c *RPCClient) TokenBalance(ctx context.Context, addr, mint string) (uint64, error) {
	var result struct {
		Amount uint64 `json:"amount"`
	}
	if err := c.call(ctx, "getTokenBalance", []any{addr, mint}, &result); err != nil {
		return 0, err
	}
	return result.Amount, nil
}

// GetTransfer fetches a finalised transfer by signature. A missing
// transfer is reported as permanent: the chain has no record of it.
func (c *RPCClient) GetTransfer(ctx context.Context, signature string) (*TransferInfo, error) {
	var result TransferInfo
	if err := c.call(ctx, "getTransfer", []any{signature}, &result); err != nil {
		return nil, err
	}
	if result.Signature == "" {
		return nil, fmt.Errorf("%w: transfer %s not found on chain", domain.ErrChainPermanent, signature)
	}
	return &result, nil
}
