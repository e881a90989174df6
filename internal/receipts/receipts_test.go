package receipts

import (
	"context"
	"testing"
	"time"
)

const (
	testSender = "0x1111111111111111111111111111111111111111"
	testRcpt   = "0x2222222222222222222222222222222222222222"
	testToken  = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	testSecret = "test-hmac-secret-for-receipts"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), NewSigner(testSecret))
}

func issueTestReceipt(t *testing.T, svc *Service, path PaymentPath, ref, status string) string {
	t.Helper()
	id, err := svc.IssueReceipt(context.Background(), IssueRequest{
		Path:      path,
		Reference: ref,
		From:      testSender,
		To:        testRcpt,
		Token:     testToken,
		Amount:    "0.005000",
		TxHash:    "0xabc123",
		Status:    status,
		Memo:      "test receipt",
	})
	if err != nil {
		t.Fatalf("IssueReceipt failed: %v", err)
	}
	return id
}

func TestIssueReceipt_Success(t *testing.T) {
	svc := newTestService()
	issueTestReceipt(t, svc, PathDirect, "pay_123", "confirmed")

	receipts, err := svc.ListByAddress(context.Background(), testSender, 10)
	if err != nil {
		t.Fatalf("ListByAddress failed: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}

	r := receipts[0]
	if r.PaymentPath != PathDirect {
		t.Errorf("expected path direct, got %s", r.PaymentPath)
	}
	if r.Reference != "pay_123" {
		t.Errorf("expected reference pay_123, got %s", r.Reference)
	}
	if r.From != testSender {
		t.Errorf("expected from %s, got %s", testSender, r.From)
	}
	if r.Amount != "0.005000" {
		t.Errorf("expected amount 0.005000, got %s", r.Amount)
	}
	if r.Signature == "" || r.PayloadHash == "" {
		t.Error("expected signature and payload hash to be set")
	}
	if r.ExpiresAt.Before(r.IssuedAt) {
		t.Error("expiry must be after issuance")
	}
}

func TestIssueReceipt_SigningDisabled(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewSigner(""))

	id, err := svc.IssueReceipt(context.Background(), IssueRequest{
		Path: PathDirect, Reference: "x", From: testSender, To: testRcpt,
		Token: testToken, Amount: "1", Status: "confirmed",
	})
	if err != nil {
		t.Fatalf("disabled signing must be a no-op, got %v", err)
	}
	if id != "" {
		t.Errorf("expected empty id, got %q", id)
	}
}

func TestVerify_ValidReceipt(t *testing.T) {
	svc := newTestService()
	id := issueTestReceipt(t, svc, PathBatch, "batch_42", "confirmed")

	resp, err := svc.Verify(context.Background(), id)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.Valid {
		t.Errorf("expected valid signature: %+v", resp)
	}
	if resp.Expired {
		t.Error("fresh receipt must not be expired")
	}
}

func TestVerify_TamperedReceipt(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewSigner(testSecret))

	id, err := svc.IssueReceipt(context.Background(), IssueRequest{
		Path: PathDirect, Reference: "pay_1", From: testSender, To: testRcpt,
		Token: testToken, Amount: "10", Status: "confirmed",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Tamper with the stored amount.
	r, _ := store.Get(context.Background(), id)
	r.Amount = "9999"
	_ = store.Create(context.Background(), r)

	resp, err := svc.Verify(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Valid {
		t.Error("tampered receipt must fail verification")
	}
}

func TestVerify_NotFound(t *testing.T) {
	svc := newTestService()

	resp, err := svc.Verify(context.Background(), "rcpt_missing")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Valid {
		t.Error("missing receipt must not verify")
	}
	if resp.Error == "" {
		t.Error("expected an error message")
	}
}

func TestListByReference(t *testing.T) {
	svc := newTestService()
	issueTestReceipt(t, svc, PathBatch, "batch_7", "confirmed")
	issueTestReceipt(t, svc, PathBatch, "batch_7", "failed")
	issueTestReceipt(t, svc, PathBatch, "batch_8", "confirmed")

	receipts, err := svc.ListByReference(context.Background(), "batch_7")
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts for batch_7, got %d", len(receipts))
	}
}

func TestSignerRoundTrip(t *testing.T) {
	signer := NewSigner("secret-a")
	payload := receiptPayload{Amount: "1", From: "a", To: "b", Status: "confirmed"}

	sig, issuedAt, expiresAt, err := signer.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}
	if !signer.Verify(payload, sig) {
		t.Error("signature must verify with the same secret")
	}

	other := NewSigner("secret-b")
	if other.Verify(payload, sig) {
		t.Error("signature must not verify with a different secret")
	}

	ia, _ := time.Parse(time.RFC3339, issuedAt)
	ea, _ := time.Parse(time.RFC3339, expiresAt)
	if !ea.After(ia) {
		t.Error("expiry must be after issuance")
	}
}
