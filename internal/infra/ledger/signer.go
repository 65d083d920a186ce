package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer signs anchoring transactions with the service's ledger identity.
type Signer struct {
	privateKey ed25519.PrivateKey
	account    string
}

// NewSigner creates a signer from a hex-encoded ed25519 private key. The
// ledger account is derived from the corresponding public key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}

	privateKey := ed25519.PrivateKey(keyBytes)
	pubKey := privateKey.Public().(ed25519.PublicKey)

	return &Signer{
		privateKey: privateKey,
		account:    "0x" + hex.EncodeToString(pubKey),
	}, nil
}

// GenerateSigner creates a signer with a fresh random key, for tests and
// local development.
func GenerateSigner() (*Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	pubKey := privateKey.Public().(ed25519.PublicKey)
	return &Signer{
		privateKey: privateKey,
		account:    "0x" + hex.EncodeToString(pubKey),
	}, nil
}

// Account returns the ledger account this signer controls.
func (s *Signer) Account() string { return s.account }

// SignTransaction signs the canonical JSON encoding of the transaction.
func (s *Signer) SignTransaction(tx Transaction) (SignedTransaction, error) {
	canonical, err := json.Marshal(tx)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("encode transaction for signing: %w", err)
	}

	sig := ed25519.Sign(s.privateKey, canonical)
	return SignedTransaction{
		Transaction: tx,
		Signature:   hex.EncodeToString(sig),
	}, nil
}

// Verify checks a signature produced by this signer's account. Used in tests;
// the ledger performs the authoritative verification.
func (s *Signer) Verify(tx Transaction, signatureHex string) bool {
	canonical, err := json.Marshal(tx)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.privateKey.Public().(ed25519.PublicKey), canonical, sig)
}
