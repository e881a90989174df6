// Package dispatch fans a batch of transfers out across nonce key lanes.
//
// A batch is an ordered list of transfer requests plus a starting nonce key.
// Requests are split into fixed-size chunks; chunks run strictly in order,
// but every request inside a chunk is submitted in parallel. One lane's
// failure never aborts its siblings or later chunks: it is captured in that
// lane's result and the batch returns normally with success=false.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/payrail/internal/amount"
	"github.com/mbd888/payrail/internal/idgen"
	"github.com/mbd888/payrail/internal/metrics"
	"github.com/mbd888/payrail/internal/noncepool"
	"github.com/mbd888/payrail/internal/traces"
	"github.com/mbd888/payrail/internal/wallet"
)

// ErrNonceRangeExceeded is returned when a batch would run past lane 255.
// Lanes never wrap; the caller must shrink the batch or lower the start key.
var ErrNonceRangeExceeded = errors.New("dispatch: batch exceeds nonce key range [0,255]")

// ErrEmptyBatch is returned for a batch with no requests.
var ErrEmptyBatch = errors.New("dispatch: batch has no requests")

const (
	DefaultChunkSize       = 5
	DefaultInterChunkDelay = 1 * time.Second
)

// Status of one lane's transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Request is one transfer in a batch. Amount is a decimal string; Memo is
// recorded alongside the result but never put on chain.
type Request struct {
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Memo      string `json:"memo,omitempty"`
}

// Result is one lane's outcome. Results are produced once per batch and
// never mutated after return; their order matches the input order and
// NonceKey identifies the lane so callers can correlate positionally.
type Result struct {
	Request
	NonceKey int    `json:"nonceKey"`
	TxHash   string `json:"transactionHash,omitempty"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Outcome aggregates a batch. Partial failure is a normal return, not an
// error: inspect Success and FailedPayments.
type Outcome struct {
	BatchID           string   `json:"batchId"`
	Success           bool     `json:"success"`
	TotalPayments     int      `json:"totalPayments"`
	ConfirmedPayments int      `json:"confirmedPayments"`
	FailedPayments    int      `json:"failedPayments"`
	ChunksProcessed   int      `json:"chunksProcessed"`
	DurationMs        int64    `json:"durationMs"`
	Results           []Result `json:"results"`
}

// Config tunes the dispatcher.
type Config struct {
	ChunkSize           int           // requests submitted in parallel per chunk
	InterChunkDelay     time.Duration // pause between chunks, not within
	ConfirmationTimeout time.Duration // per-lane confirmation wait
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	switch {
	case c.InterChunkDelay == 0:
		c.InterChunkDelay = DefaultInterChunkDelay
	case c.InterChunkDelay < 0:
		// Negative means explicitly no delay.
		c.InterChunkDelay = 0
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = wallet.DefaultConfirmationTimeout
	}
	return c
}

// Dispatcher submits batches for one sending account.
type Dispatcher struct {
	cfg      Config
	submit   wallet.Submitter
	nonces   *noncepool.Manager
	account  common.Address
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config, submit wallet.Submitter, nonces *noncepool.Manager, account common.Address, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		submit:   submit,
		nonces:   nonces,
		account:  account,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch submits requests in parallel chunks, assigning lane startKey+i to
// request i. When waitForConfirmation is set, each submitted lane is awaited
// independently, also in parallel within its chunk.
//
// Only precondition violations return an error; per-lane failures come back
// inside the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, requests []Request, startKey int, waitForConfirmation bool) (*Outcome, error) {
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}
	if startKey < 0 || startKey > noncepool.MaxNonceKey {
		return nil, fmt.Errorf("%w: start key %d", noncepool.ErrInvalidNonceKey, startKey)
	}
	if startKey+len(requests) > noncepool.MaxNonceKey+1 {
		return nil, fmt.Errorf("%w: start %d + %d requests", ErrNonceRangeExceeded, startKey, len(requests))
	}

	batchID := idgen.WithPrefix("batch_")
	ctx, span := traces.StartSpan(ctx, "dispatch.batch",
		traces.BatchID(batchID),
		traces.NonceKey(startKey),
	)
	defer span.End()

	start := d.now()
	results := make([]Result, len(requests))

	chunks := 0
	for offset := 0; offset < len(requests); offset += d.cfg.ChunkSize {
		end := offset + d.cfg.ChunkSize
		if end > len(requests) {
			end = len(requests)
		}

		// Fire every submission in the chunk before awaiting any of them.
		var wg sync.WaitGroup
		for i := offset; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = d.runLane(ctx, requests[i], startKey+i, waitForConfirmation)
			}(i)
		}
		wg.Wait()
		chunks++

		// Pause between chunks so we do not trip the RPC endpoint's own
		// rate limits. Never after the last chunk.
		if end < len(requests) && d.cfg.InterChunkDelay > 0 {
			timer := time.NewTimer(d.cfg.InterChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				// Stop issuing new lanes, but report what already ran.
				// Already-broadcast transfers cannot be recalled.
				for j := end; j < len(requests); j++ {
					results[j] = Result{
						Request:  requests[j],
						NonceKey: startKey + j,
						Status:   StatusFailed,
						Error:    ctx.Err().Error(),
					}
				}
				return d.aggregate(batchID, start, chunks, results), nil
			case <-timer.C:
			}
		}
	}

	return d.aggregate(batchID, start, chunks, results), nil
}

// runLane executes one request on its lane. All failure paths are captured
// in the returned Result; runLane never panics the batch.
func (d *Dispatcher) runLane(ctx context.Context, req Request, nonceKey int, wait bool) Result {
	res := Result{Request: req, NonceKey: nonceKey, Status: StatusFailed}

	amt, ok := amount.ParsePositive(req.Amount)
	if !ok {
		res.Error = fmt.Sprintf("invalid amount %q", req.Amount)
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		return res
	}

	nonce, err := d.nonces.NonceForKey(ctx, d.account, nonceKey)
	if err != nil {
		res.Error = err.Error()
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		return res
	}

	submitted, err := d.submit.SubmitTransfer(ctx,
		common.HexToAddress(req.Token),
		common.HexToAddress(req.Recipient),
		amt, nonce)
	if err != nil {
		d.logger.Warn("lane submission failed",
			"nonceKey", nonceKey, "recipient", req.Recipient, "error", err)
		res.Error = err.Error()
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		return res
	}

	d.nonces.MarkPending(d.account, nonce)
	res.TxHash = submitted.TxHash
	res.Status = StatusPending
	metrics.PaymentsTotal.WithLabelValues("submitted").Inc()

	if !wait {
		return res
	}

	if _, err := d.submit.WaitForConfirmation(ctx, submitted.TxHash, d.cfg.ConfirmationTimeout); err != nil {
		d.logger.Warn("lane confirmation failed",
			"nonceKey", nonceKey, "tx", submitted.TxHash, "error", err)
		res.Status = StatusFailed
		res.Error = err.Error()
		metrics.PaymentsTotal.WithLabelValues("failed").Inc()
		return res
	}

	d.nonces.MarkConfirmed(d.account, nonce)
	res.Status = StatusConfirmed
	metrics.PaymentsTotal.WithLabelValues("confirmed").Inc()
	return res
}

func (d *Dispatcher) aggregate(batchID string, start time.Time, chunks int, results []Result) *Outcome {
	out := &Outcome{
		BatchID:         batchID,
		TotalPayments:   len(results),
		ChunksProcessed: chunks,
		DurationMs:      time.Since(start).Milliseconds(),
		Results:         results,
	}
	for _, r := range results {
		switch r.Status {
		case StatusConfirmed:
			out.ConfirmedPayments++
		case StatusFailed:
			out.FailedPayments++
		}
	}
	out.Success = out.FailedPayments == 0

	outcome := "ok"
	if !out.Success {
		outcome = "partial_failure"
	}
	metrics.BatchesTotal.WithLabelValues(outcome).Inc()
	metrics.BatchDuration.Observe(float64(out.DurationMs) / 1000)
	metrics.BatchLanes.Observe(float64(len(results)))

	d.logger.Info("batch dispatched",
		"batchId", batchID,
		"total", out.TotalPayments,
		"confirmed", out.ConfirmedPayments,
		"failed", out.FailedPayments,
		"chunks", out.ChunksProcessed,
		"durationMs", out.DurationMs,
	)
	return out
}

// Total sums a batch's line amounts in smallest units. Returns an error on
// the first unparseable line; callers still pass an explicit batch total to
// the guard, this is for cross-checking and receipts.
func Total(requests []Request) (*big.Int, error) {
	sum := new(big.Int)
	for i, r := range requests {
		amt, ok := amount.ParsePositive(r.Amount)
		if !ok {
			return nil, fmt.Errorf("dispatch: request %d has invalid amount %q", i, r.Amount)
		}
		sum.Add(sum, amt)
	}
	return sum, nil
}
