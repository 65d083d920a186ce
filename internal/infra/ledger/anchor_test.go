package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

// fakeNode is an in-memory ledger node speaking the JSON-RPC surface the
// anchorer uses. Nonce bookkeeping mirrors a real account model: the pending
// nonce advances on accepted submissions and duplicates are rejected.
type fakeNode struct {
	mu           sync.Mutex
	pendingNonce uint64
	seenNonces   map[uint64]bool
	submitted    []SignedTransaction

	// confirmAfter controls how many receipt polls return pending before the
	// receipt appears. Negative means never confirm.
	confirmAfter int
	receiptPolls int

	// failSubmissions makes the first N submissions fail with an RPC error.
	failSubmissions int
	submitCalls     int
}

func newFakeNode() *fakeNode {
	return &fakeNode{seenNonces: make(map[uint64]bool)}
}

func (n *fakeNode) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		writeResult := func(result any) {
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		}
		writeError := func(code int, msg string) {
			resp := map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": code, "message": msg},
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		}

		n.mu.Lock()
		defer n.mu.Unlock()

		switch req.Method {
		case "account_pendingNonce":
			writeResult(n.pendingNonce)

		case "tx_estimateCost":
			writeResult(uint64(21000))

		case "tx_submit":
			n.submitCalls++
			if n.submitCalls <= n.failSubmissions {
				writeError(-32000, "node unavailable")
				return
			}

			params, _ := json.Marshal(req.Params)
			var txs []SignedTransaction
			require.NoError(t, json.Unmarshal(params, &txs))
			require.Len(t, txs, 1)
			tx := txs[0]

			if n.seenNonces[tx.Nonce] {
				writeError(-32001, "nonce already used")
				return
			}
			n.seenNonces[tx.Nonce] = true
			n.pendingNonce++
			n.submitted = append(n.submitted, tx)
			writeResult("0xtx" + string(rune('a'+len(n.submitted))))

		case "tx_getReceipt":
			n.receiptPolls++
			if n.confirmAfter < 0 || n.receiptPolls <= n.confirmAfter {
				writeResult(nil)
				return
			}
			writeResult(TxReceipt{TxHash: "0xtx", BlockNumber: 42})

		default:
			writeError(-32601, "method not found")
		}
	}
}

func newTestAnchor(t *testing.T, node *fakeNode, opts ...AnchorOption) (*Anchor, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(node.handler(t))
	t.Cleanup(srv.Close)

	signer, err := GenerateSigner()
	require.NoError(t, err)

	tracer := noop.NewTracerProvider().Tracer("test")
	client := NewClient(srv.URL, tracer)

	base := []AnchorOption{
		WithConfirmWait(200 * time.Millisecond),
		WithPollInterval(20 * time.Millisecond),
	}
	return NewAnchor(client, signer, logger.Noop(), tracer, append(base, opts...)...), srv
}

func TestAnchor_ConfirmedReceipt(t *testing.T) {
	node := newFakeNode()
	node.confirmAfter = 1
	anchor, _ := newTestAnchor(t, node)

	fp := protection.ComputeFingerprint([]byte("content"))
	receipt, err := anchor.Anchor(context.Background(), fp, "cas://ptr")
	require.NoError(t, err)

	assert.True(t, receipt.Confirmed)
	assert.NotEmpty(t, receipt.TxHash)
	require.NotNil(t, receipt.BlockNumber)
	assert.Equal(t, uint64(42), *receipt.BlockNumber)
}

func TestAnchor_ConfirmationTimeoutIsSoft(t *testing.T) {
	node := newFakeNode()
	node.confirmAfter = -1 // never include the transaction
	anchor, _ := newTestAnchor(t, node)

	fp := protection.ComputeFingerprint([]byte("content"))
	receipt, err := anchor.Anchor(context.Background(), fp, "cas://ptr")
	require.NoError(t, err, "an unconfirmed submission is a soft outcome, not an error")

	assert.False(t, receipt.Confirmed)
	assert.NotEmpty(t, receipt.TxHash)
	assert.Nil(t, receipt.BlockNumber)
}

func TestAnchor_SubmissionRetriesThenSucceeds(t *testing.T) {
	node := newFakeNode()
	node.confirmAfter = 0
	node.failSubmissions = 2 // two transient failures, third attempt lands
	anchor, _ := newTestAnchor(t, node)

	fp := protection.ComputeFingerprint([]byte("content"))
	receipt, err := anchor.Anchor(context.Background(), fp, "cas://ptr")
	require.NoError(t, err)

	assert.True(t, receipt.Confirmed)
	assert.Equal(t, 3, node.submitCalls)
}

func TestAnchor_SubmissionExhaustionFailsHard(t *testing.T) {
	node := newFakeNode()
	node.failSubmissions = 100 // every submission rejected
	anchor, _ := newTestAnchor(t, node, WithSubmitAttempts(3))

	fp := protection.ComputeFingerprint([]byte("content"))
	_, err := anchor.Anchor(context.Background(), fp, "cas://ptr")

	require.Error(t, err)
	assert.ErrorIs(t, err, protection.ErrAnchorFailed)
	assert.Equal(t, 3, node.submitCalls)
}

func TestAnchor_ZeroSubmitAttemptsStillSubmitsOnce(t *testing.T) {
	node := newFakeNode()
	node.failSubmissions = 100 // every submission rejected
	anchor, _ := newTestAnchor(t, node, WithSubmitAttempts(0))

	fp := protection.ComputeFingerprint([]byte("content"))
	_, err := anchor.Anchor(context.Background(), fp, "cas://ptr")

	require.Error(t, err)
	assert.ErrorIs(t, err, protection.ErrAnchorFailed)
	assert.Equal(t, 1, node.submitCalls, "zero attempts must clamp to a single try, not retry forever")
}

func TestAnchor_ConcurrentCallersGetSequentialNonces(t *testing.T) {
	node := newFakeNode()
	node.confirmAfter = 0
	anchor, _ := newTestAnchor(t, node)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp := protection.ComputeFingerprint([]byte{byte(i)})
			_, err := anchor.Anchor(context.Background(), fp, "cas://ptr")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, node.submitted, callers)

	var nonces []uint64
	for _, tx := range node.submitted {
		nonces = append(nonces, tx.Nonce)
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i, nonce := range nonces {
		assert.Equal(t, uint64(i), nonce, "nonces must be distinct and sequential")
	}
}

func TestSigner_SignAndVerify(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	tx := Transaction{From: signer.Account(), Nonce: 7, GasCost: 21000, Payload: "fp:ptr"}
	signed, err := signer.SignTransaction(tx)
	require.NoError(t, err)

	assert.True(t, signer.Verify(tx, signed.Signature))

	tampered := tx
	tampered.Payload = "fp:other"
	assert.False(t, signer.Verify(tampered, signed.Signature))
}
