package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payrail/internal/noncepool"
	"github.com/mbd888/payrail/internal/wallet"
)

var (
	sender = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// fakeChain reports a fixed pending-inclusive count.
type fakeChain struct {
	nonce uint64
}

func (f fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

// fakeSubmitter records submissions and fails on demand per recipient.
type fakeSubmitter struct {
	mu          sync.Mutex
	submits     int
	nonceKeys   map[string]uint64 // recipient -> nonce used
	failSubmit  map[string]bool   // recipient -> fail submission
	failConfirm map[string]bool   // recipient -> fail confirmation
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		nonceKeys:   make(map[string]uint64),
		failSubmit:  make(map[string]bool),
		failConfirm: make(map[string]bool),
	}
}

func (f *fakeSubmitter) SubmitTransfer(_ context.Context, _, to common.Address, _ *big.Int, nonce uint64) (*wallet.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rcpt := strings.ToLower(to.Hex())
	if f.failSubmit[rcpt] {
		return nil, errors.New("rpc: nonce too low")
	}
	f.submits++
	f.nonceKeys[rcpt] = nonce
	return &wallet.SubmitResult{
		TxHash: "0xtx-" + rcpt,
		To:     to.Hex(),
		Nonce:  nonce,
	}, nil
}

func (f *fakeSubmitter) WaitForConfirmation(_ context.Context, txHash string, _ time.Duration) (*wallet.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rcpt := strings.TrimPrefix(txHash, "0xtx-")
	if f.failConfirm[rcpt] {
		return nil, wallet.ErrTransactionFailed
	}
	return &wallet.Confirmation{TxHash: txHash, BlockNumber: 1}, nil
}

func recipient(i int) string {
	return fmt.Sprintf("0x%040x", i+0xa000)
}

func makeRequests(n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{Token: token, Recipient: recipient(i), Amount: "1.00"}
	}
	return reqs
}

func newDispatcher(sub wallet.Submitter, chunkSize int) *Dispatcher {
	return New(Config{ChunkSize: chunkSize, InterChunkDelay: -1}, sub, noncepool.New(fakeChain{}), sender, nil)
}

func TestDispatchChunking(t *testing.T) {
	sub := newFakeSubmitter()
	d := newDispatcher(sub, 5)

	out, err := d.Dispatch(context.Background(), makeRequests(17), 0, false)
	require.NoError(t, err)

	assert.Equal(t, 17, out.TotalPayments)
	assert.Equal(t, 4, out.ChunksProcessed) // 5+5+5+2
	assert.True(t, out.Success)
	assert.Equal(t, 0, out.FailedPayments)
	assert.Len(t, out.Results, 17)
}

func TestDispatchAssignsSequentialNonceKeys(t *testing.T) {
	sub := newFakeSubmitter()
	d := newDispatcher(sub, 3)

	out, err := d.Dispatch(context.Background(), makeRequests(7), 10, false)
	require.NoError(t, err)

	for i, res := range out.Results {
		assert.Equal(t, 10+i, res.NonceKey, "result %d", i)
		assert.Equal(t, recipient(i), res.Recipient, "order preserved")
	}
}

func TestDispatchChainNoncesAreDistinctWithinChunk(t *testing.T) {
	sub := newFakeSubmitter()
	d := New(Config{ChunkSize: 5, InterChunkDelay: -1},
		sub, noncepool.New(fakeChain{nonce: 100}), sender, nil)

	// All three lanes run in one parallel chunk. The account has a single
	// chain nonce sequence, so the submitted nonces must be 100, 101, 102
	// in some order — the same nonce twice would be dropped by the mempool.
	out, err := d.Dispatch(context.Background(), makeRequests(3), 0, false)
	require.NoError(t, err)
	require.Equal(t, 3, sub.submits)

	seen := make(map[uint64]bool)
	for rcpt, nonce := range sub.nonceKeys {
		assert.False(t, seen[nonce], "nonce %d submitted twice (recipient %s)", nonce, rcpt)
		seen[nonce] = true
		assert.GreaterOrEqual(t, nonce, uint64(100))
		assert.Less(t, nonce, uint64(103))
	}
	assert.True(t, out.Success)
}

func TestDispatchNonceRangeRejectedBeforeSubmission(t *testing.T) {
	sub := newFakeSubmitter()
	d := newDispatcher(sub, 5)

	_, err := d.Dispatch(context.Background(), makeRequests(10), 250, false)
	assert.ErrorIs(t, err, ErrNonceRangeExceeded)
	assert.Equal(t, 0, sub.submits, "nothing may be submitted")

	// 246 + 10 = 256 is exactly the last valid layout.
	out, err := d.Dispatch(context.Background(), makeRequests(10), 246, false)
	require.NoError(t, err)
	assert.Equal(t, 255, out.Results[9].NonceKey)
}

func TestDispatchInvalidStartKey(t *testing.T) {
	d := newDispatcher(newFakeSubmitter(), 5)

	for _, key := range []int{-1, 256} {
		_, err := d.Dispatch(context.Background(), makeRequests(1), key, false)
		assert.ErrorIs(t, err, noncepool.ErrInvalidNonceKey, "key %d", key)
	}
}

func TestDispatchEmptyBatch(t *testing.T) {
	d := newDispatcher(newFakeSubmitter(), 5)

	_, err := d.Dispatch(context.Background(), nil, 0, false)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestDispatchFailureIsolation(t *testing.T) {
	sub := newFakeSubmitter()
	sub.failSubmit[recipient(1)] = true
	d := newDispatcher(sub, 5)

	out, err := d.Dispatch(context.Background(), makeRequests(3), 0, true)
	require.NoError(t, err, "partial failure is a normal return")

	assert.False(t, out.Success)
	assert.Equal(t, 3, out.TotalPayments)
	assert.Equal(t, 2, out.ConfirmedPayments)
	assert.Equal(t, 1, out.FailedPayments)

	assert.Equal(t, StatusConfirmed, out.Results[0].Status)
	assert.Equal(t, StatusFailed, out.Results[1].Status)
	assert.Equal(t, StatusConfirmed, out.Results[2].Status)
	assert.NotEmpty(t, out.Results[1].Error)
	assert.Empty(t, out.Results[1].TxHash)
}

func TestDispatchConfirmationFailureIsPerLane(t *testing.T) {
	sub := newFakeSubmitter()
	sub.failConfirm[recipient(0)] = true
	d := newDispatcher(sub, 5)

	out, err := d.Dispatch(context.Background(), makeRequests(2), 0, true)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, out.Results[0].Status)
	assert.NotEmpty(t, out.Results[0].TxHash, "submission succeeded, only confirmation failed")
	assert.Equal(t, StatusConfirmed, out.Results[1].Status)
	assert.Equal(t, 1, out.FailedPayments)
}

func TestDispatchWithoutConfirmationLeavesPending(t *testing.T) {
	sub := newFakeSubmitter()
	d := newDispatcher(sub, 5)

	out, err := d.Dispatch(context.Background(), makeRequests(2), 0, false)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, 0, out.ConfirmedPayments)
	for _, res := range out.Results {
		assert.Equal(t, StatusPending, res.Status)
		assert.NotEmpty(t, res.TxHash)
	}
}

func TestDispatchInvalidLineAmountFailsOnlyThatLane(t *testing.T) {
	sub := newFakeSubmitter()
	d := newDispatcher(sub, 5)

	reqs := makeRequests(3)
	reqs[1].Amount = "not-a-number"

	out, err := d.Dispatch(context.Background(), reqs, 0, false)
	require.NoError(t, err)

	assert.Equal(t, 1, out.FailedPayments)
	assert.Equal(t, StatusFailed, out.Results[1].Status)
	assert.Contains(t, out.Results[1].Error, "invalid amount")
	assert.Equal(t, StatusPending, out.Results[0].Status)
}

func TestDispatchCancellationStopsNewChunks(t *testing.T) {
	sub := newFakeSubmitter()
	d := New(Config{ChunkSize: 2, InterChunkDelay: 500 * time.Millisecond},
		sub, noncepool.New(fakeChain{}), sender, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := d.Dispatch(ctx, makeRequests(4), 0, false)
	require.NoError(t, err)

	assert.Equal(t, 1, out.ChunksProcessed)
	assert.Equal(t, 2, sub.submits, "second chunk never issued")
	assert.Equal(t, 2, out.FailedPayments)
	assert.Equal(t, StatusFailed, out.Results[2].Status)
	assert.Contains(t, out.Results[2].Error, "context")
}

func TestTotalSumsLineItems(t *testing.T) {
	reqs := []Request{
		{Token: token, Recipient: recipient(0), Amount: "1.50"},
		{Token: token, Recipient: recipient(1), Amount: "2.25"},
	}
	total, err := Total(reqs)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_750_000), total)

	reqs[1].Amount = "x"
	_, err = Total(reqs)
	assert.Error(t, err)
}
