package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/payrail/internal/amount"
	"github.com/mbd888/payrail/internal/dispatch"
	"github.com/mbd888/payrail/internal/metrics"
	"github.com/mbd888/payrail/internal/noncepool"
	"github.com/mbd888/payrail/internal/receipts"
	"github.com/mbd888/payrail/internal/security"
	"github.com/mbd888/payrail/internal/wallet"
)

// Deps wires the payment core into the tool handlers. Everything runs
// in-process: there is no HTTP hop between a tool call and the guard.
type Deps struct {
	Guard        *security.Guard
	Dispatcher   *dispatch.Dispatcher
	Wallet       wallet.Submitter
	Nonces       *noncepool.Manager
	Receipts     *receipts.Service
	Account      common.Address
	DefaultToken string
	ConfirmWait  time.Duration
	Logger       *slog.Logger
}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ConfirmWait <= 0 {
		deps.ConfirmWait = wallet.DefaultConfirmationTimeout
	}
	return &Handlers{deps: deps}
}

func (h *Handlers) token(req mcp.CallToolRequest) string {
	if t := req.GetString("token", ""); t != "" {
		return t
	}
	return h.deps.DefaultToken
}

// HandleValidatePayment runs every check without sending anything.
func (h *Handlers) HandleValidatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	amt := req.GetString("amount", "")
	if recipient == "" || amt == "" {
		return mcp.NewToolResultError("recipient and amount are required"), nil
	}
	token := h.token(req)

	if _, err := h.deps.Guard.ValidatePayment(security.Payment{
		Token:     token,
		Recipient: recipient,
		Amount:    amt,
	}); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment would be denied: %v", err)), nil
	}

	allowance := h.deps.Guard.Allowance(token)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Payment allowed.\n\nToken: %s\nAmount: %s\nRecipient: %s\n\n"+
			"Remaining today: %s (aggregate %s)\nSpent today: %s across %d payments",
		token, amt, recipient,
		allowance.TokenRemaining, allowance.AggregateRemaining,
		allowance.SpentToday, allowance.TransactionsToday)), nil
}

// HandleSendPayment validates, reserves, signs, and broadcasts one transfer.
func (h *Handlers) HandleSendPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	amt := req.GetString("amount", "")
	if recipient == "" || amt == "" {
		return mcp.NewToolResultError("recipient and amount are required"), nil
	}
	token := h.token(req)
	memo := req.GetString("memo", "")
	wait := req.GetBool("wait_for_confirmation", true)

	res, err := h.deps.Guard.ReservePayment(security.Payment{
		Token:     token,
		Recipient: recipient,
		Amount:    amt,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment denied: %v", err)), nil
	}

	nonce, err := h.deps.Nonces.NextNonce(ctx, h.deps.Account)
	if err != nil {
		res.Release()
		return mcp.NewToolResultError(fmt.Sprintf("Nonce allocation failed: %v", err)), nil
	}

	submitted, err := h.deps.Wallet.SubmitTransfer(ctx,
		common.HexToAddress(token), common.HexToAddress(recipient), res.Amount, nonce)
	if err != nil {
		res.Release()
		h.deps.Nonces.Reset(h.deps.Account)
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		return mcp.NewToolResultError(fmt.Sprintf(
			"Submission failed: %v\nNo budget was consumed; the nonce cache was reset.", err)), nil
	}

	h.deps.Nonces.MarkPending(h.deps.Account, nonce)
	metrics.PaymentsTotal.WithLabelValues("submitted").Inc()

	status := "pending"
	if wait {
		if _, err := h.deps.Wallet.WaitForConfirmation(ctx, submitted.TxHash, h.deps.ConfirmWait); err != nil {
			// The transfer may still land; the budget stays reserved.
			metrics.PaymentsTotal.WithLabelValues("failed").Inc()
			receiptID := h.issueReceipt(ctx, receipts.PathDirect, submitted.TxHash, token, recipient, amt, submitted.TxHash, "failed", memo)
			return mcp.NewToolResultError(fmt.Sprintf(
				"Confirmation failed: %v\nTransaction: %s\nReceipt: %s", err, submitted.TxHash, receiptID)), nil
		}
		h.deps.Nonces.MarkConfirmed(h.deps.Account, nonce)
		metrics.PaymentsTotal.WithLabelValues("confirmed").Inc()
		status = "confirmed"
	}

	receiptID := h.issueReceipt(ctx, receipts.PathDirect, submitted.TxHash, token, recipient, amt, submitted.TxHash, status, memo)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s.\n\n", status)
	fmt.Fprintf(&sb, "Amount: %s\nRecipient: %s\nToken: %s\n", amt, recipient, token)
	fmt.Fprintf(&sb, "Transaction: %s\nNonce: %d\n", submitted.TxHash, nonce)
	if receiptID != "" {
		fmt.Fprintf(&sb, "Receipt: %s\n", receiptID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSendConcurrentPayments reserves a batch and fans it out across lanes.
func (h *Handlers) HandleSendConcurrentPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawPayments, ok := req.GetArguments()["payments"].([]any)
	if !ok || len(rawPayments) == 0 {
		return mcp.NewToolResultError("payments must be a non-empty array"), nil
	}
	batchTotal := req.GetString("batch_total", "")
	if batchTotal == "" {
		return mcp.NewToolResultError("batch_total is required and never inferred from line items"), nil
	}
	startKey := req.GetInt("start_nonce_key", 0)
	wait := req.GetBool("wait_for_confirmation", true)

	requests := make([]dispatch.Request, 0, len(rawPayments))
	recipients := make([]string, 0, len(rawPayments))
	amounts := make([]string, 0, len(rawPayments))
	for i, raw := range rawPayments {
		m, ok := raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("payment %d is not an object", i)), nil
		}
		p := dispatch.Request{
			Token:     stringField(m, "token", h.deps.DefaultToken),
			Recipient: stringField(m, "recipient", ""),
			Amount:    stringField(m, "amount", ""),
			Memo:      stringField(m, "memo", ""),
		}
		if p.Recipient == "" || p.Amount == "" {
			return mcp.NewToolResultError(fmt.Sprintf("payment %d needs recipient and amount", i)), nil
		}
		// A batch reserves budget in exactly one token; a line naming a
		// different one would spend it against the wrong daily limit.
		if !strings.EqualFold(p.Token, h.deps.DefaultToken) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"payment %d: token %s does not match the batch token %s; batches settle in a single token",
				i, p.Token, h.deps.DefaultToken)), nil
		}
		requests = append(requests, p)
		recipients = append(recipients, p.Recipient)
		amounts = append(amounts, p.Amount)
	}

	// The caller states the total explicitly; it must agree with the lines.
	lineSum, err := dispatch.Total(requests)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if total, ok := amount.ParsePositive(batchTotal); ok && lineSum.Cmp(total) != 0 {
		return mcp.NewToolResultError(fmt.Sprintf(
			"batch_total %s does not match the sum of line amounts (%s)",
			batchTotal, amount.Format(lineSum))), nil
	}

	res, err := h.deps.Guard.ReserveBatch(security.Batch{
		Token:      h.deps.DefaultToken,
		Recipients: recipients,
		Amounts:    amounts,
		Total:      batchTotal,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Batch denied: %v", err)), nil
	}

	out, err := h.deps.Dispatcher.Dispatch(ctx, requests, startKey, wait)
	if err != nil {
		res.Release()
		return mcp.NewToolResultError(fmt.Sprintf("Batch rejected: %v", err)), nil
	}

	// Settle the reservation against what actually went out: failed lanes
	// give their budget back.
	spent := new(big.Int)
	for _, r := range out.Results {
		if r.Status == dispatch.StatusFailed {
			continue
		}
		if v, ok := amount.ParsePositive(r.Amount); ok {
			spent.Add(spent, v)
		}
	}
	h.deps.Guard.Settle(res, spent)

	for _, r := range out.Results {
		h.issueReceipt(ctx, receipts.PathBatch, out.BatchID, r.Token, r.Recipient, r.Amount, r.TxHash, string(r.Status), r.Memo)
	}

	var sb strings.Builder
	if out.Success {
		fmt.Fprintf(&sb, "Batch %s completed.\n\n", out.BatchID)
	} else {
		fmt.Fprintf(&sb, "Batch %s completed with failures.\n\n", out.BatchID)
	}
	fmt.Fprintf(&sb, "Payments: %d total, %d confirmed, %d failed\n",
		out.TotalPayments, out.ConfirmedPayments, out.FailedPayments)
	fmt.Fprintf(&sb, "Chunks: %d, Duration: %dms\n\n", out.ChunksProcessed, out.DurationMs)
	for i, r := range out.Results {
		fmt.Fprintf(&sb, "%d. [lane %d] %s -> %s: %s", i+1, r.NonceKey, r.Amount, r.Recipient, r.Status)
		if r.TxHash != "" {
			fmt.Fprintf(&sb, " (%s)", r.TxHash)
		}
		if r.Error != "" {
			fmt.Fprintf(&sb, " — %s", r.Error)
		}
		sb.WriteString("\n")
	}
	if out.FailedPayments > 0 {
		sb.WriteString("\nFailed lanes gave their budget back; resubmit them with fresh nonce keys.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRecordPayment commits an externally-validated spend.
func (h *Handlers) HandleRecordPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amt := req.GetString("amount", "")
	if amt == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	token := h.token(req)

	h.deps.Guard.RecordPayment(token, amt)

	allowance := h.deps.Guard.Allowance(token)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Recorded %s against %s.\nSpent today: %s, remaining: %s",
		amt, token, allowance.SpentToday, allowance.TokenRemaining)), nil
}

// HandleGetSpendingLimits reports today's usage against configured ceilings.
func (h *Handlers) HandleGetSpendingLimits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := h.token(req)
	usage := h.deps.Guard.Limits()
	allowance := h.deps.Guard.Allowance(token)

	var sb strings.Builder
	sb.WriteString("Spending limits (today, UTC):\n\n")
	if len(usage) == 0 {
		sb.WriteString("No limits configured — all payments are denied by default.\n")
	}
	for _, u := range usage {
		fmt.Fprintf(&sb, "%s\n  spent %s of %s daily (%d payments, per-tx max %s)\n",
			u.Token, u.Spent, u.DailyLimit, u.Transactions, u.PerTxLimit)
	}
	fmt.Fprintf(&sb, "\nDefault token remaining: %s (aggregate %s)\n",
		allowance.TokenRemaining, allowance.AggregateRemaining)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetAddressAllowlist reports the recipient screening configuration.
func (h *Handlers) HandleGetAddressAllowlist(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := h.deps.Guard.AllowlistMode()
	entries := h.deps.Guard.AllowlistEntries()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Address screening mode: %s\n", mode)
	if len(entries) == 0 {
		sb.WriteString("No addresses configured.\n")
		return mcp.NewToolResultText(sb.String()), nil
	}
	fmt.Fprintf(&sb, "%d configured addresses:\n", len(entries))
	for _, e := range entries {
		if e.Label != "" {
			fmt.Fprintf(&sb, "  %s (%s)\n", e.Address, e.Label)
		} else {
			fmt.Fprintf(&sb, "  %s\n", e.Address)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPendingNonces reports submitted-but-unconfirmed nonces.
func (h *Handlers) HandleGetPendingNonces(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending := h.deps.Nonces.PendingNonces(h.deps.Account)
	if len(pending) == 0 {
		return mcp.NewToolResultText("No pending nonces — all submitted transactions have resolved."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending nonces for %s:\n", len(pending), h.deps.Account.Hex())
	for _, n := range pending {
		fmt.Fprintf(&sb, "  %d\n", n)
	}
	sb.WriteString("\nIf these are stuck, resynchronize with the chain before dispatching more.\n")
	return mcp.NewToolResultText(sb.String()), nil
}

// issueReceipt signs and stores a receipt, returning its ID. Best effort:
// a receipt failure never fails the payment that produced it.
func (h *Handlers) issueReceipt(ctx context.Context, path receipts.PaymentPath, ref, token, to, amt, txHash, status, memo string) string {
	id, err := h.deps.Receipts.IssueReceipt(ctx, receipts.IssueRequest{
		Path:      path,
		Reference: ref,
		From:      h.deps.Account.Hex(),
		To:        to,
		Token:     token,
		Amount:    amt,
		TxHash:    txHash,
		Status:    status,
		Memo:      memo,
	})
	if err != nil {
		h.deps.Logger.Warn("receipt issuance failed", "reference", ref, "error", err)
		return ""
	}
	return id
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
