package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignedEnvelope is the wire form a wallet returns after signing prepared
// transaction bytes. The signature covers sha256 of the unsigned bytes.
type SignedEnvelope struct {
	TransactionID  string      `json:"transaction_id"`
	PayerAccountID string      `json:"payer_account_id"`
	BodyDigest     string      `json:"body_digest"` // sha256 hex of the unsigned bytes
	Signatures     []Signature `json:"signatures"`
}

type Signature struct {
	PublicKey string `json:"public_key"` // ed25519, hex
	Signature string `json:"signature"`  // hex
}

func ParseEnvelope(signed []byte) (*SignedEnvelope, error) {
	var env SignedEnvelope
	if err := json.Unmarshal(signed, &env); err != nil {
		return nil, fmt.Errorf("%w: undecodable envelope", ErrSignatureMismatch)
	}
	return &env, nil
}

// Verify checks the envelope against what was prepared. Every signature
// must verify, and when payerKey is non-empty at least one of them must
// come from that registered key. Any mismatch fails closed; the payload is
// never treated as pre-authorized.
func (e *SignedEnvelope) Verify(prepared *PreparedTransaction, payerKey string) error {
	if e.TransactionID != prepared.TransactionID {
		return fmt.Errorf("%w: transaction id %q does not match prepared %q",
			ErrSignatureMismatch, e.TransactionID, prepared.TransactionID)
	}
	if e.PayerAccountID != prepared.PayerAccountID {
		return fmt.Errorf("%w: signer account %q does not match expected payer %q",
			ErrSignatureMismatch, e.PayerAccountID, prepared.PayerAccountID)
	}
	if len(e.Signatures) == 0 {
		return fmt.Errorf("%w: no signatures present", ErrSignatureMismatch)
	}

	bodyHash := sha256.Sum256(prepared.UnsignedBytes)
	if e.BodyDigest != hex.EncodeToString(bodyHash[:]) {
		return fmt.Errorf("%w: body digest does not match prepared bytes", ErrSignatureMismatch)
	}

	payerSigned := payerKey == ""
	for i, sig := range e.Signatures {
		pubKey, err := hex.DecodeString(sig.PublicKey)
		if err != nil || len(pubKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: signature %d has an invalid public key", ErrSignatureMismatch, i)
		}
		raw, err := hex.DecodeString(sig.Signature)
		if err != nil || len(raw) != ed25519.SignatureSize {
			return fmt.Errorf("%w: signature %d is malformed", ErrSignatureMismatch, i)
		}
		if !ed25519.Verify(pubKey, bodyHash[:], raw) {
			return fmt.Errorf("%w: signature %d does not verify", ErrSignatureMismatch, i)
		}
		if strings.EqualFold(sig.PublicKey, payerKey) {
			payerSigned = true
		}
	}
	if !payerSigned {
		return fmt.Errorf("%w: no signature from the payer's registered key", ErrSignatureMismatch)
	}
	return nil
}
