package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

var _ protection.Anchorer = (*Anchor)(nil)

const (
	defaultConfirmWait    = 15 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultSubmitAttempts = 5
)

// AnchorOption configures an Anchor.
type AnchorOption func(*Anchor)

// WithConfirmWait bounds how long Anchor waits for inclusion before returning
// an unconfirmed receipt.
func WithConfirmWait(d time.Duration) AnchorOption {
	return func(a *Anchor) { a.confirmWait = d }
}

// WithPollInterval sets the receipt polling cadence.
func WithPollInterval(d time.Duration) AnchorOption {
	return func(a *Anchor) { a.pollInterval = d }
}

// WithSubmitAttempts caps submission retries before the anchor fails hard.
// Zero is clamped to one: the attempt count feeds backoff.WithMaxRetries as
// n-1, and an unsigned underflow there would mean unbounded retries.
func WithSubmitAttempts(n uint64) AnchorOption {
	return func(a *Anchor) {
		if n == 0 {
			n = 1
		}
		a.submitAttempts = n
	}
}

// Anchor records content fingerprints on the ledger. It owns the full
// discipline the account model demands: serialized nonce acquisition, cost
// estimation, signing, bounded submission retries, and a bounded confirmation
// wait.
//
// The failure policy is two-tier. Submission errors exhaust their retries and
// then surface as protection.ErrAnchorFailed. A transaction that was accepted
// but not included within the confirmation window is NOT a failure: the
// receipt comes back with Confirmed=false and the caller keeps the off-chain
// record as provisional evidence.
type Anchor struct {
	client *Client
	signer *Signer

	// mu serializes the nonce-fetch-to-submit window. The ledger rejects
	// out-of-order or duplicate sequence numbers, so two concurrent anchors
	// from the one signing account must not interleave here. Receipt polling
	// happens outside the lock.
	mu sync.Mutex

	confirmWait    time.Duration
	pollInterval   time.Duration
	submitAttempts uint64

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAnchor creates an Anchor backed by the given RPC client and signer.
func NewAnchor(client *Client, signer *Signer, log *logger.Logger, tracer trace.Tracer, opts ...AnchorOption) *Anchor {
	a := &Anchor{
		client:         client,
		signer:         signer,
		confirmWait:    defaultConfirmWait,
		pollInterval:   defaultPollInterval,
		submitAttempts: defaultSubmitAttempts,
		logger:         log.With("component", "ledger_anchor", "account", signer.Account()),
		tracer:         tracer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Anchor submits the evidence transaction for a fingerprint and content
// pointer, then waits a bounded window for inclusion.
func (a *Anchor) Anchor(ctx context.Context, fingerprint protection.Fingerprint, pointer string) (protection.EvidenceReceipt, error) {
	ctx, span := a.tracer.Start(ctx, "ledger_anchor.anchor",
		trace.WithAttributes(
			attribute.String("fingerprint", string(fingerprint)),
			attribute.String("pointer", pointer),
		),
	)
	defer span.End()

	txHash, err := a.submit(ctx, fingerprint, pointer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return protection.EvidenceReceipt{}, err
	}
	span.SetAttributes(attribute.String("tx_hash", txHash))

	receipt, err := a.awaitConfirmation(ctx, txHash)
	if err != nil {
		span.RecordError(err)
		return protection.EvidenceReceipt{}, err
	}

	if !receipt.Confirmed {
		a.logger.Warn(ctx, "Anchor transaction submitted but unconfirmed within wait window",
			"tx_hash", txHash,
			"confirm_wait", a.confirmWait.String(),
		)
	}
	return receipt, nil
}

// submit holds the nonce lock across acquire-estimate-sign-submit so
// concurrent anchors from this account get distinct, sequential nonces.
func (a *Anchor) submit(ctx context.Context, fingerprint protection.Fingerprint, pointer string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nonce, err := a.client.PendingNonce(ctx, a.signer.Account())
	if err != nil {
		return "", fmt.Errorf("%w: nonce query: %v", protection.ErrAnchorFailed, err)
	}

	tx := Transaction{
		From:    a.signer.Account(),
		Nonce:   nonce,
		Payload: string(fingerprint) + ":" + pointer,
	}

	cost, err := a.client.EstimateCost(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("%w: cost estimate: %v", protection.ErrAnchorFailed, err)
	}
	tx.GasCost = cost

	signed, err := a.signer.SignTransaction(tx)
	if err != nil {
		return "", fmt.Errorf("%w: signing: %v", protection.ErrAnchorFailed, err)
	}

	var txHash string
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxElapsedTime = 0 // the attempt cap bounds retries

	operation := func() error {
		hash, submitErr := a.client.SubmitTransaction(ctx, signed)
		if submitErr != nil {
			a.logger.Warn(ctx, "Anchor submission attempt failed", "nonce", nonce, "error", submitErr)
			return submitErr
		}
		txHash = hash
		return nil
	}

	retrier := backoff.WithContext(backoff.WithMaxRetries(expBackoff, a.submitAttempts-1), ctx)
	if err := backoff.Retry(operation, retrier); err != nil {
		return "", fmt.Errorf("%w: submission rejected after %d attempts: %v", protection.ErrAnchorFailed, a.submitAttempts, err)
	}

	a.logger.Info(ctx, "Anchor transaction submitted", "nonce", nonce, "tx_hash", txHash)
	return txHash, nil
}

// awaitConfirmation polls for the inclusion receipt until the wait window
// closes. Timing out is a valid soft outcome, not an error.
func (a *Anchor) awaitConfirmation(ctx context.Context, txHash string) (protection.EvidenceReceipt, error) {
	ctx, span := a.tracer.Start(ctx, "ledger_anchor.await_confirmation",
		trace.WithAttributes(attribute.String("tx_hash", txHash)),
	)
	defer span.End()

	deadline := time.NewTimer(a.confirmWait)
	defer deadline.Stop()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			// Polling hiccups are tolerated until the window closes.
			a.logger.Debug(ctx, "Receipt poll failed", "tx_hash", txHash, "error", err)
		}
		if receipt != nil {
			block := receipt.BlockNumber
			span.SetAttributes(attribute.Int64("block_number", int64(block)))
			return protection.EvidenceReceipt{
				TxHash:      txHash,
				BlockNumber: &block,
				Confirmed:   true,
			}, nil
		}

		select {
		case <-ctx.Done():
			return protection.EvidenceReceipt{}, ctx.Err()
		case <-deadline.C:
			span.SetAttributes(attribute.Bool("confirmed", false))
			return protection.EvidenceReceipt{TxHash: txHash, Confirmed: false}, nil
		case <-ticker.C:
		}
	}
}
