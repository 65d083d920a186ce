// Package ledger implements evidence anchoring against an account-based
// distributed ledger reached over JSON-RPC.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transaction is the unsigned anchoring transaction. The payload carries the
// content fingerprint and store pointer; the ledger only cares that the bytes
// are immutable once included.
type Transaction struct {
	From    string `json:"from"`
	Nonce   uint64 `json:"nonce"`
	GasCost uint64 `json:"gasCost"`
	Payload string `json:"payload"`
}

// SignedTransaction pairs a transaction with its signature.
type SignedTransaction struct {
	Transaction
	Signature string `json:"signature"`
}

// TxReceipt is the ledger's inclusion proof for a submitted transaction.
type TxReceipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// RPCError is a JSON-RPC level error returned by the ledger node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// Client is a minimal JSON-RPC client for the ledger node. It exposes only
// the four calls anchoring needs: nonce query, cost estimate, submission, and
// receipt polling.
type Client struct {
	endpoint   string
	httpClient *http.Client
	tracer     trace.Tracer

	reqID atomic.Uint64
}

// NewClient creates a ledger RPC client for the given node endpoint.
func NewClient(endpoint string, tracer trace.Tracer) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tracer:     tracer,
	}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	ctx, span := c.tracer.Start(ctx, "ledger_client."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", method)),
	)
	defer span.End()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rpc transport error")
		return fmt.Errorf("ledger rpc %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ledger rpc %s: unexpected status %d", method, httpResp.StatusCode)
		span.RecordError(err)
		return err
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		span.RecordError(err)
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if resp.Error != nil {
		span.RecordError(resp.Error)
		span.SetStatus(codes.Error, resp.Error.Message)
		return resp.Error
	}

	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshal rpc result: %w", err)
		}
	}
	return nil
}

// PendingNonce returns the next sequence number for the account, including
// transactions already accepted into the node's pending pool.
func (c *Client) PendingNonce(ctx context.Context, account string) (uint64, error) {
	var nonce uint64
	if err := c.call(ctx, "account_pendingNonce", []any{account}, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// EstimateCost asks the node for the resource cost of including the transaction.
func (c *Client) EstimateCost(ctx context.Context, tx Transaction) (uint64, error) {
	var cost uint64
	if err := c.call(ctx, "tx_estimateCost", []any{tx}, &cost); err != nil {
		return 0, err
	}
	return cost, nil
}

// SubmitTransaction submits a signed transaction and returns its hash.
func (c *Client) SubmitTransaction(ctx context.Context, tx SignedTransaction) (string, error) {
	var txHash string
	if err := c.call(ctx, "tx_submit", []any{tx}, &txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

// TransactionReceipt polls for the inclusion receipt of a submitted
// transaction. It returns (nil, nil) while the transaction is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	var receipt *TxReceipt
	if err := c.call(ctx, "tx_getReceipt", []any{txHash}, &receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}
