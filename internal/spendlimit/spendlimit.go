// Package spendlimit enforces per-token and aggregate daily spending limits.
//
// All state is in-process and owned by the Ledger; accumulators reset lazily
// when the UTC calendar day changes. There is no background timer and no
// persistence: limits are per-process by design.
package spendlimit

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/payrail/internal/amount"
)

var (
	// ErrInvalidAmount is returned for nil, zero, or negative amounts.
	ErrInvalidAmount = errors.New("spendlimit: invalid amount")
	// ErrBatchTotalRequired is returned when a batch validation omits the
	// batch total. The total is never inferred from a single line item.
	ErrBatchTotalRequired = errors.New("spendlimit: batch total is required")
)

// Limit scopes reported in LimitExceededError.
const (
	ScopeTransaction = "transaction"
	ScopeDaily       = "daily"
	ScopeAggregate   = "aggregate_daily"
	ScopeBatchTotal  = "batch_total"
	ScopeBatchSize   = "batch_size"
)

// LimitExceededError reports which ceiling a payment would cross.
// Limit and Current are formatted amounts; for ScopeBatchSize they are counts.
type LimitExceededError struct {
	Scope     string
	Token     string
	Limit     string
	Current   string
	Requested string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("spendlimit: %s limit exceeded for %s: requested %s, current %s, limit %s",
		e.Scope, e.Token, e.Requested, e.Current, e.Limit)
}

// Config holds the configured ceilings. All amounts are in smallest units.
// A token with no per-transaction or daily limit and no wildcard is denied
// outright: missing configuration never means unlimited.
type Config struct {
	PerTransaction         map[string]*big.Int // token -> max single payment
	Daily                  map[string]*big.Int // token -> max per UTC day
	WildcardPerTransaction *big.Int            // fallback for unlisted tokens
	WildcardDaily          *big.Int
	AggregateDaily         *big.Int // cap across all tokens per day
	MaxBatchSize           int      // max recipients per batch
	MaxBatchTotal          *big.Int // cap on a batch's summed amount
}

// Batch carries the batch-level inputs to validation.
type Batch struct {
	Total      *big.Int // required; sum of all line items
	Recipients int
}

// dayRecord accumulates one token's spend for the current day.
type dayRecord struct {
	spent *big.Int
	count int
}

// Ledger tracks daily spend against configured limits.
// All methods are safe for concurrent use.
type Ledger struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	perToken  map[string]*dayRecord
	aggregate *big.Int
	dayKey    string
}

// New creates a Ledger. One instance per process; tests construct their own.
func New(cfg Config) *Ledger {
	return &Ledger{
		cfg:       cfg,
		now:       time.Now,
		perToken:  make(map[string]*dayRecord),
		aggregate: new(big.Int),
	}
}

// WithClock overrides the time source. For tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// DayKey returns the UTC calendar day key for t (e.g. "2026-08-31").
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// rolloverLocked clears all accumulators if the day has changed.
// Callers must hold l.mu. This is the only reset mechanism.
func (l *Ledger) rolloverLocked() {
	key := DayKey(l.now())
	if key == l.dayKey {
		return
	}
	l.dayKey = key
	l.perToken = make(map[string]*dayRecord)
	l.aggregate = new(big.Int)
}

func (l *Ledger) perTxLimit(token string) *big.Int {
	// A nil map value is treated as unconfigured, never dereferenced.
	if v, ok := l.cfg.PerTransaction[token]; ok && v != nil {
		return v
	}
	if l.cfg.WildcardPerTransaction != nil {
		return l.cfg.WildcardPerTransaction
	}
	return new(big.Int) // default deny
}

func (l *Ledger) dailyLimit(token string) *big.Int {
	if v, ok := l.cfg.Daily[token]; ok && v != nil {
		return v
	}
	if l.cfg.WildcardDaily != nil {
		return l.cfg.WildcardDaily
	}
	return new(big.Int)
}

func normalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// Validate checks a single payment against all limits without mutating state.
func (l *Ledger) Validate(token string, amt *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.validateLocked(normalizeToken(token), amt, nil)
}

// ValidateBatch checks a batch payment. amt is the largest single line item;
// batch.Total is the summed amount and is required.
func (l *Ledger) ValidateBatch(token string, amt *big.Int, batch Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.validateLocked(normalizeToken(token), amt, &batch)
}

// validateLocked runs the ordered limit checks. Callers hold l.mu and have
// rolled the day over.
func (l *Ledger) validateLocked(token string, amt *big.Int, batch *Batch) error {
	if amt == nil || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	if limit := l.perTxLimit(token); amt.Cmp(limit) > 0 {
		return &LimitExceededError{
			Scope:     ScopeTransaction,
			Token:     token,
			Limit:     amount.Format(limit),
			Current:   "0.000000",
			Requested: amount.Format(amt),
		}
	}

	// The amount charged against daily accumulators: the batch total for
	// batches, the line amount otherwise.
	charge := amt
	if batch != nil {
		if batch.Total == nil {
			return ErrBatchTotalRequired
		}
		if batch.Total.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if l.cfg.MaxBatchSize > 0 && batch.Recipients > l.cfg.MaxBatchSize {
			return &LimitExceededError{
				Scope:     ScopeBatchSize,
				Token:     token,
				Limit:     fmt.Sprintf("%d", l.cfg.MaxBatchSize),
				Current:   "0",
				Requested: fmt.Sprintf("%d", batch.Recipients),
			}
		}
		if l.cfg.MaxBatchTotal == nil || batch.Total.Cmp(l.cfg.MaxBatchTotal) > 0 {
			limit := "0.000000"
			if l.cfg.MaxBatchTotal != nil {
				limit = amount.Format(l.cfg.MaxBatchTotal)
			}
			return &LimitExceededError{
				Scope:     ScopeBatchTotal,
				Token:     token,
				Limit:     limit,
				Current:   "0.000000",
				Requested: amount.Format(batch.Total),
			}
		}
		charge = batch.Total
	}

	rec := l.perToken[token]
	spent := new(big.Int)
	if rec != nil {
		spent = rec.spent
	}
	projected := new(big.Int).Add(spent, charge)
	if limit := l.dailyLimit(token); projected.Cmp(limit) > 0 {
		return &LimitExceededError{
			Scope:     ScopeDaily,
			Token:     token,
			Limit:     amount.Format(limit),
			Current:   amount.Format(spent),
			Requested: amount.Format(charge),
		}
	}

	aggLimit := l.cfg.AggregateDaily
	if aggLimit == nil {
		aggLimit = new(big.Int)
	}
	aggProjected := new(big.Int).Add(l.aggregate, charge)
	if aggProjected.Cmp(aggLimit) > 0 {
		return &LimitExceededError{
			Scope:     ScopeAggregate,
			Token:     token,
			Limit:     amount.Format(aggLimit),
			Current:   amount.Format(l.aggregate),
			Requested: amount.Format(charge),
		}
	}

	return nil
}

// commitLocked adds charge to the day's accumulators. Callers hold l.mu.
func (l *Ledger) commitLocked(token string, charge *big.Int) {
	rec := l.perToken[token]
	if rec == nil {
		rec = &dayRecord{spent: new(big.Int)}
		l.perToken[token] = rec
	}
	rec.spent.Add(rec.spent, charge)
	rec.count++
	l.aggregate.Add(l.aggregate, charge)
}

// ReserveAndValidate atomically validates a payment and commits it into the
// day's accumulators. On success it returns a settle function: call it with
// nil (or non-positive) to release the whole reservation, or with the amount
// that actually went through to keep that much committed and refund the rest.
// Either way the adjustment happens in one ledger critical section, so no
// concurrent reservation can observe the budget momentarily free. An actual
// above the reservation is clamped to it; calling settle again is a no-op.
//
// Validate-then-Record across two calls is racy under concurrency; this is
// the safe path for anything that may later fail and need to give the
// budget back.
func (l *Ledger) ReserveAndValidate(token string, amt *big.Int) (func(*big.Int), error) {
	return l.reserve(normalizeToken(token), amt, nil)
}

// ReserveAndValidateBatch is ReserveAndValidate for batches: the batch total
// is validated and reserved as one charge.
func (l *Ledger) ReserveAndValidateBatch(token string, amt *big.Int, batch Batch) (func(*big.Int), error) {
	return l.reserve(normalizeToken(token), amt, &batch)
}

func (l *Ledger) reserve(token string, amt *big.Int, batch *Batch) (func(*big.Int), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	if err := l.validateLocked(token, amt, batch); err != nil {
		return nil, err
	}

	charge := amt
	if batch != nil {
		charge = batch.Total
	}
	l.commitLocked(token, charge)

	reservedDay := l.dayKey
	var once sync.Once
	settle := func(actual *big.Int) {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.rolloverLocked()

			spent := new(big.Int)
			if actual != nil && actual.Sign() > 0 {
				spent.Set(actual)
				if spent.Cmp(charge) > 0 {
					spent.Set(charge)
				}
			}

			// The day rolled over: the reservation was already wiped with
			// the rest of yesterday's accumulators. Anything actually spent
			// still counts against the new day.
			if l.dayKey != reservedDay {
				if spent.Sign() > 0 {
					l.commitLocked(token, spent)
				}
				return
			}

			refund := new(big.Int).Sub(charge, spent)
			if rec := l.perToken[token]; rec != nil {
				rec.spent.Sub(rec.spent, refund)
				if rec.spent.Sign() < 0 {
					rec.spent.SetInt64(0)
				}
				// A full release also uncounts the transaction.
				if spent.Sign() == 0 && rec.count > 0 {
					rec.count--
				}
			}
			l.aggregate.Sub(l.aggregate, refund)
			if l.aggregate.Sign() < 0 {
				l.aggregate.SetInt64(0)
			}
		})
	}
	return settle, nil
}

// Record commits a spend without validation, for callers that validated via
// a different path. Nil and non-positive amounts are silently ignored.
func (l *Ledger) Record(token string, amt *big.Int) {
	if amt == nil || amt.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	l.commitLocked(normalizeToken(token), amt)
}

// Allowance is the remaining headroom for a token, clamped at zero.
type Allowance struct {
	Token              string `json:"token"`
	TokenRemaining     string `json:"tokenRemaining"`
	AggregateRemaining string `json:"aggregateRemaining"`
	SpentToday         string `json:"spentToday"`
	TransactionsToday  int    `json:"transactionsToday"`
}

// RemainingAllowance reports how much more the token may spend today.
func (l *Ledger) RemainingAllowance(token string) Allowance {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	token = normalizeToken(token)
	spent := new(big.Int)
	count := 0
	if rec := l.perToken[token]; rec != nil {
		spent = rec.spent
		count = rec.count
	}

	tokenRemaining := new(big.Int).Sub(l.dailyLimit(token), spent)
	if tokenRemaining.Sign() < 0 {
		tokenRemaining.SetInt64(0)
	}

	aggLimit := l.cfg.AggregateDaily
	if aggLimit == nil {
		aggLimit = new(big.Int)
	}
	aggRemaining := new(big.Int).Sub(aggLimit, l.aggregate)
	if aggRemaining.Sign() < 0 {
		aggRemaining.SetInt64(0)
	}

	return Allowance{
		Token:              token,
		TokenRemaining:     amount.Format(tokenRemaining),
		AggregateRemaining: amount.Format(aggRemaining),
		SpentToday:         amount.Format(spent),
		TransactionsToday:  count,
	}
}

// TokenUsage is one token's accumulated spend in a snapshot.
type TokenUsage struct {
	Token        string `json:"token"`
	Spent        string `json:"spent"`
	Transactions int    `json:"transactions"`
	DailyLimit   string `json:"dailyLimit"`
	PerTxLimit   string `json:"perTransactionLimit"`
}

// Snapshot reports current-day usage for every token seen today plus every
// configured token, for the operational API.
func (l *Ledger) Snapshot() []TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	seen := make(map[string]bool)
	var out []TokenUsage
	add := func(token string) {
		if seen[token] {
			return
		}
		seen[token] = true
		spent := new(big.Int)
		count := 0
		if rec := l.perToken[token]; rec != nil {
			spent = rec.spent
			count = rec.count
		}
		out = append(out, TokenUsage{
			Token:        token,
			Spent:        amount.Format(spent),
			Transactions: count,
			DailyLimit:   amount.Format(l.dailyLimit(token)),
			PerTxLimit:   amount.Format(l.perTxLimit(token)),
		})
	}
	for token := range l.cfg.Daily {
		add(token)
	}
	for token := range l.perToken {
		add(token)
	}
	return out
}
