// Package security is the enforcement facade in front of every payment.
//
// It composes the spending ledger, the sliding-window rate limiter, and the
// recipient allow/block list behind one Guard. Callers never talk to the
// layers individually: the Guard runs the checks in a fixed order (amount,
// recipient screening, rate window, spending limits) and, on the reserving
// paths, hands back a single release closure that undoes every reservation
// it made.
package security

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/mbd888/payrail/internal/allowlist"
	"github.com/mbd888/payrail/internal/amount"
	"github.com/mbd888/payrail/internal/metrics"
	"github.com/mbd888/payrail/internal/ratelimit"
	"github.com/mbd888/payrail/internal/spendlimit"
)

// Rate limit categories the Guard consumes. Configure them in
// ratelimit.Config; a missing category is unlimited.
const (
	CategoryPayment   = "payment"   // global, per process
	CategoryRecipient = "recipient" // keyed by recipient address
	CategoryBatch     = "batch"     // global, one slot per batch dispatch
)

// Payment is a proposed single transfer, amounts still in decimal string
// form as received from the caller.
type Payment struct {
	Token     string
	Recipient string
	Amount    string
}

// Batch is a proposed multi-recipient dispatch. Total is required and is
// never inferred from the line items.
type Batch struct {
	Token      string
	Recipients []string
	Amounts    []string
	Total      string
}

// Guard runs every enforcement layer for a proposed payment.
// Construct one per process and inject it into handlers; all methods are
// safe for concurrent use.
type Guard struct {
	limits *spendlimit.Ledger
	rates  *ratelimit.Limiter
	addrs  *allowlist.List
	logger *slog.Logger
}

// New builds a Guard from already-constructed layers.
func New(limits *spendlimit.Ledger, rates *ratelimit.Limiter, addrs *allowlist.List, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{limits: limits, rates: rates, addrs: addrs, logger: logger}
}

// countDenial classifies err into a denial metric. Returns err unchanged.
func (g *Guard) countDenial(err error) error {
	if err == nil {
		return nil
	}
	var limitErr *spendlimit.LimitExceededError
	var rateErr *ratelimit.RateLimitedError
	var blockErr *allowlist.BlockedError
	switch {
	case errors.Is(err, spendlimit.ErrInvalidAmount):
		metrics.PaymentDenialsTotal.WithLabelValues(metrics.DenyInvalidAmount).Inc()
	case errors.As(err, &limitErr):
		metrics.PaymentDenialsTotal.WithLabelValues(metrics.DenyLimitExceeded).Inc()
	case errors.As(err, &rateErr):
		metrics.PaymentDenialsTotal.WithLabelValues(metrics.DenyRateLimited).Inc()
	case errors.As(err, &blockErr):
		metrics.PaymentDenialsTotal.WithLabelValues(metrics.DenyAddressBlocked).Inc()
	}
	return err
}

// ValidatePayment runs every check for a single payment without reserving
// anything. On success it returns the parsed amount in smallest units.
//
// All checks run before any external call, so a denial has no side effects.
func (g *Guard) ValidatePayment(p Payment) (*big.Int, error) {
	amt, ok := amount.ParsePositive(p.Amount)
	if !ok {
		return nil, g.countDenial(fmt.Errorf("%w: %q", spendlimit.ErrInvalidAmount, p.Amount))
	}
	if err := g.addrs.Validate(p.Recipient); err != nil {
		return nil, g.countDenial(err)
	}
	if err := g.rates.Validate(CategoryPayment, ""); err != nil {
		return nil, g.countDenial(err)
	}
	if err := g.rates.Validate(CategoryRecipient, p.Recipient); err != nil {
		return nil, g.countDenial(err)
	}
	if err := g.limits.Validate(p.Token, amt); err != nil {
		return nil, g.countDenial(err)
	}
	return amt, nil
}

// Reservation is a granted budget hold. Release gives every slot back;
// calling it more than once is a no-op. Amount is the parsed charge in
// smallest units.
type Reservation struct {
	Amount *big.Int
	rate   []func()
	spend  func(actual *big.Int)
}

// Release reverses the reservation across all layers.
func (r *Reservation) Release() {
	if r.spend != nil {
		r.spend(nil)
	}
	for i := len(r.rate) - 1; i >= 0; i-- {
		r.rate[i]()
	}
}

// ReservePayment atomically checks and reserves budget for a single payment:
// a rate slot in the global and per-recipient windows, plus the amount in
// the spending ledger. If any layer denies, the earlier layers' slots are
// given back before the error is returned.
func (g *Guard) ReservePayment(p Payment) (*Reservation, error) {
	amt, ok := amount.ParsePositive(p.Amount)
	if !ok {
		return nil, g.countDenial(fmt.Errorf("%w: %q", spendlimit.ErrInvalidAmount, p.Amount))
	}
	if err := g.addrs.Validate(p.Recipient); err != nil {
		return nil, g.countDenial(err)
	}

	res := &Reservation{Amount: amt}

	releaseGlobal, err := g.rates.CheckAndRecord(CategoryPayment, "")
	if err != nil {
		return nil, g.countDenial(err)
	}
	res.rate = append(res.rate, releaseGlobal)

	releaseRecipient, err := g.rates.CheckAndRecord(CategoryRecipient, p.Recipient)
	if err != nil {
		res.Release()
		return nil, g.countDenial(err)
	}
	res.rate = append(res.rate, releaseRecipient)

	releaseSpend, err := g.limits.ReserveAndValidate(p.Token, amt)
	if err != nil {
		res.Release()
		return nil, g.countDenial(err)
	}
	res.spend = releaseSpend

	return res, nil
}

// ReserveBatch reserves budget for a whole batch: every recipient is
// screened individually, one batch rate slot is taken, and the batch total
// is reserved in the spending ledger as a single charge.
func (g *Guard) ReserveBatch(b Batch) (*Reservation, error) {
	if len(b.Recipients) == 0 || len(b.Recipients) != len(b.Amounts) {
		return nil, errors.New("security: recipients and amounts must be non-empty and equal length")
	}
	if b.Total == "" {
		return nil, g.countDenial(spendlimit.ErrBatchTotalRequired)
	}
	total, ok := amount.ParsePositive(b.Total)
	if !ok {
		return nil, g.countDenial(fmt.Errorf("%w: %q", spendlimit.ErrInvalidAmount, b.Total))
	}

	// Screen every recipient, not just the first: one blocked address
	// denies the whole batch before anything is reserved.
	maxLine := new(big.Int)
	for i, rcpt := range b.Recipients {
		if err := g.addrs.Validate(rcpt); err != nil {
			return nil, g.countDenial(err)
		}
		line, ok := amount.ParsePositive(b.Amounts[i])
		if !ok {
			return nil, g.countDenial(fmt.Errorf("%w: %q", spendlimit.ErrInvalidAmount, b.Amounts[i]))
		}
		if line.Cmp(maxLine) > 0 {
			maxLine = line
		}
	}

	res := &Reservation{Amount: total}

	releaseRate, err := g.rates.CheckAndRecord(CategoryBatch, "")
	if err != nil {
		return nil, g.countDenial(err)
	}
	res.rate = append(res.rate, releaseRate)

	releaseSpend, err := g.limits.ReserveAndValidateBatch(b.Token, maxLine, spendlimit.Batch{
		Total:      total,
		Recipients: len(b.Recipients),
	})
	if err != nil {
		res.Release()
		return nil, g.countDenial(err)
	}
	res.spend = releaseSpend

	return res, nil
}

// Settle resolves a reservation against what actually went through: the
// spent amount stays committed and the unspent remainder is refunded, in a
// single ledger critical section so no concurrent reservation can slip into
// a momentarily-freed budget. Rate slots stay consumed — the requests
// happened even if some lanes failed. Pass nil or zero spent to refund the
// whole reservation.
func (g *Guard) Settle(res *Reservation, spent *big.Int) {
	if res == nil {
		return
	}
	if res.spend != nil {
		res.spend(spent)
	}
}

// RecordPayment commits a spend that was validated through a different path.
// Unparseable or non-positive amounts are a silent no-op, matching the
// ledger's Record semantics.
func (g *Guard) RecordPayment(token, amountStr string) {
	amt, ok := amount.ParsePositive(amountStr)
	if !ok {
		g.logger.Warn("record skipped: invalid amount", "token", token)
		return
	}
	g.limits.Record(token, amt)
	g.rates.Record(CategoryPayment, "")
}

// Limits reports current-day usage per token for the introspection tools.
func (g *Guard) Limits() []spendlimit.TokenUsage {
	return g.limits.Snapshot()
}

// Allowance reports remaining headroom for one token.
func (g *Guard) Allowance(token string) spendlimit.Allowance {
	return g.limits.RemainingAllowance(token)
}

// AllowlistMode returns the configured screening mode.
func (g *Guard) AllowlistMode() allowlist.Mode {
	return g.addrs.Mode()
}

// AllowlistEntries returns the configured address set, sorted.
func (g *Guard) AllowlistEntries() []allowlist.Entry {
	return g.addrs.Entries()
}
