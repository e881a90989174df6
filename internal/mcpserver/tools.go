package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the payrail MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolValidatePayment = mcp.NewTool("validate_payment",
	mcp.WithDescription(
		"Check whether a proposed payment would be allowed without sending anything. "+
			"Runs the recipient allow/block list, rate limits, and spending limits, "+
			"and reports the remaining daily allowance for the token."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to validate, as a decimal string (e.g. '1.50')")),
	mcp.WithString("token",
		mcp.Description("ERC-20 token contract address. Defaults to the configured settlement token.")),
)

var ToolSendPayment = mcp.NewTool("send_payment",
	mcp.WithDescription(
		"Send a single token payment to a recipient. The payment is validated "+
			"against spending limits, rate limits, and the address allowlist, then "+
			"signed and broadcast. A signed receipt is issued for the transfer."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to send, as a decimal string (e.g. '1.50')")),
	mcp.WithString("token",
		mcp.Description("ERC-20 token contract address. Defaults to the configured settlement token.")),
	mcp.WithString("memo",
		mcp.Description("Optional memo recorded with the receipt (never sent on chain)")),
	mcp.WithBoolean("wait_for_confirmation",
		mcp.Description("Wait for the transaction to be mined before returning (default true)")),
)

var ToolSendConcurrentPayments = mcp.NewTool("send_concurrent_payments",
	mcp.WithDescription(
		"Send multiple token payments in parallel, each on its own nonce key lane. "+
			"Payments are validated as a batch (every recipient is screened, the batch "+
			"total is reserved against daily limits), then submitted in chunks. One "+
			"payment's failure never aborts the others; the result reports each lane."),
	mcp.WithArray("payments",
		mcp.Required(),
		mcp.Description("List of payments, each {recipient, amount, token?, memo?}. Order is preserved in the results.")),
	mcp.WithString("batch_total",
		mcp.Required(),
		mcp.Description("Sum of all payment amounts as a decimal string. Must be supplied explicitly, is never inferred, and is cross-checked against the line amounts.")),
	mcp.WithNumber("start_nonce_key",
		mcp.Description("First nonce key lane to use, 0-255 (default 0). start + count must not exceed 256.")),
	mcp.WithBoolean("wait_for_confirmation",
		mcp.Description("Wait for every submitted payment to be mined (default true)")),
)

var ToolRecordPayment = mcp.NewTool("record_payment",
	mcp.WithDescription(
		"Record an already-completed payment against today's spending limits. "+
			"Use when a payment was validated and sent through another path."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount that was spent, as a decimal string")),
	mcp.WithString("token",
		mcp.Description("ERC-20 token contract address. Defaults to the configured settlement token.")),
)

var ToolGetSpendingLimits = mcp.NewTool("get_spending_limits",
	mcp.WithDescription(
		"Show today's spending against the configured limits: per-token usage, "+
			"per-transaction ceilings, and the remaining daily allowance."),
	mcp.WithString("token",
		mcp.Description("Report allowance for this token. Defaults to the configured settlement token.")),
)

var ToolGetAddressAllowlist = mcp.NewTool("get_address_allowlist",
	mcp.WithDescription(
		"Show the recipient screening configuration: the mode (disabled, allowlist, "+
			"or blocklist) and the configured addresses with their labels."),
)

var ToolGetPendingNonces = mcp.NewTool("get_pending_nonces",
	mcp.WithDescription(
		"Show the wallet's in-flight transaction nonces — submitted but not yet "+
			"confirmed. Useful for detecting stuck lanes before dispatching more payments."),
)
