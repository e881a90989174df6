// Package receipts provides cryptographic receipt signing for dispatched
// payments.
//
// Every transfer that leaves the wallet (single sends and batch lanes alike)
// produces a signed receipt that operators and counterparties can
// independently verify.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no HMAC secret configured)")
)

// PaymentPath identifies which dispatch path issued the receipt.
type PaymentPath string

const (
	PathDirect PaymentPath = "direct"
	PathBatch  PaymentPath = "batch"
)

// Receipt is a cryptographically signed proof that the service processed a
// payment.
type Receipt struct {
	ID          string      `json:"id"`
	PaymentPath PaymentPath `json:"paymentPath"`
	Reference   string      `json:"reference"` // batch ID for batch lanes
	From        string      `json:"from"`      // sending wallet address
	To          string      `json:"to"`        // recipient address
	Token       string      `json:"token"`     // token contract address
	Amount      string      `json:"amount"`    // decimal amount
	TxHash      string      `json:"transactionHash,omitempty"`
	Status      string      `json:"status"`      // "confirmed", "pending", or "failed"
	PayloadHash string      `json:"payloadHash"` // SHA-256 of canonical payload
	Signature   string      `json:"signature"`   // HMAC-SHA256 signature
	IssuedAt    time.Time   `json:"issuedAt"`    // when the receipt was signed
	ExpiresAt   time.Time   `json:"expiresAt"`   // when the signature expires
	Memo        string      `json:"memo,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// IssueRequest is the input for creating a receipt.
type IssueRequest struct {
	Path      PaymentPath
	Reference string
	From      string
	To        string
	Token     string
	Amount    string
	TxHash    string
	Status    string
	Memo      string
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receiptId"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipt data.
type Store interface {
	Create(ctx context.Context, receipt *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListByAddress(ctx context.Context, addr string, limit int) ([]*Receipt, error)
	ListByReference(ctx context.Context, reference string) ([]*Receipt, error)
}

// receiptPayload is the canonical struct signed by HMAC.
// Field order must be deterministic (JSON marshalling of struct is by field order).
type receiptPayload struct {
	Amount    string `json:"amount"`
	From      string `json:"from"`
	Path      string `json:"path"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	To        string `json:"to"`
	Token     string `json:"token"`
	TxHash    string `json:"txHash"`
}
