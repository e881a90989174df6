// Package noncepool allocates per-account transaction sequence numbers.
//
// Nonce keys in [0,255] label the lanes of a concurrent batch so results can
// be correlated positionally, but every allocation draws from a single
// per-account sequence seeded once from the chain's pending-inclusive count.
// A chain account has exactly one nonce sequence: two lanes seeded from the
// same pending count would submit colliding nonces and the mempool would
// drop all but one. Parallel lanes therefore get distinct, consecutive
// nonces, which can be broadcast together and mine in order. All state is
// in-process and resynchronized explicitly after failures.
package noncepool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/payrail/internal/retry"
	"github.com/mbd888/payrail/internal/syncutil"
)

// MaxNonceKey is the highest valid lane index.
const MaxNonceKey = 255

// ErrInvalidNonceKey is returned for lane indexes outside [0,255].
var ErrInvalidNonceKey = errors.New("noncepool: nonce key out of range [0,255]")

// ChainReader supplies the authoritative pending-inclusive transaction count
// for an account. Satisfied by go-ethereum's ethclient and by test fakes.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

const (
	seedRetryAttempts = 3
	seedRetryDelay    = 200 * time.Millisecond
)

type accountState struct {
	next uint64
}

// Manager allocates and tracks nonces. All methods are safe for concurrent
// use; allocation serializes per account so the chain is queried at most
// once for the seed and concurrent callers never receive the same nonce.
type Manager struct {
	chain ChainReader
	locks *syncutil.ContextKeyMutex

	mu       sync.Mutex
	accounts map[string]*accountState
	pending  map[string]map[uint64]struct{}
}

// New creates a nonce manager backed by the given chain reader.
func New(chain ChainReader) *Manager {
	return &Manager{
		chain:    chain,
		locks:    syncutil.NewContextKeyMutex(),
		accounts: make(map[string]*accountState),
		pending:  make(map[string]map[uint64]struct{}),
	}
}

func accountKey(account common.Address) string {
	return strings.ToLower(account.Hex())
}

// NextNonce returns and advances the account's sequence, seeding it from the
// chain on first use.
func (m *Manager) NextNonce(ctx context.Context, account common.Address) (uint64, error) {
	return m.allocate(ctx, account)
}

// NonceForKey validates the lane key and allocates the account's next nonce.
// Lanes share the account sequence: the key correlates a batch slot with its
// result, it does not select an independent counter.
func (m *Manager) NonceForKey(ctx context.Context, account common.Address, key int) (uint64, error) {
	if key < 0 || key > MaxNonceKey {
		return 0, fmt.Errorf("%w: %d", ErrInvalidNonceKey, key)
	}
	return m.allocate(ctx, account)
}

func (m *Manager) allocate(ctx context.Context, account common.Address) (uint64, error) {
	acct := accountKey(account)

	// Serialize per account so concurrent first calls seed exactly once, and
	// so a waiter can bail out while another holder is on the RPC.
	unlock, err := m.locks.Lock(ctx, acct)
	if err != nil {
		return 0, err
	}
	defer unlock()

	m.mu.Lock()
	st, ok := m.accounts[acct]
	m.mu.Unlock()

	if !ok {
		seed, err := retry.DoValue(ctx, seedRetryAttempts, seedRetryDelay, func() (uint64, error) {
			return m.chain.PendingNonceAt(ctx, account)
		})
		if err != nil {
			return 0, fmt.Errorf("noncepool: seed %s: %w", account.Hex(), err)
		}
		st = &accountState{next: seed}
		m.mu.Lock()
		m.accounts[acct] = st
		m.mu.Unlock()
	}

	m.mu.Lock()
	nonce := st.next
	st.next++
	m.mu.Unlock()
	return nonce, nil
}

// MarkPending records a submitted-but-unconfirmed nonce for diagnostics.
func (m *Manager) MarkPending(account common.Address, nonce uint64) {
	acct := accountKey(account)
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.pending[acct]
	if !ok {
		set = make(map[uint64]struct{})
		m.pending[acct] = set
	}
	set[nonce] = struct{}{}
}

// MarkConfirmed clears a nonce from the pending set.
func (m *Manager) MarkConfirmed(account common.Address, nonce uint64) {
	acct := accountKey(account)
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.pending[acct]; ok {
		delete(set, nonce)
		if len(set) == 0 {
			delete(m.pending, acct)
		}
	}
}

// HasPending reports whether the account has unresolved in-flight nonces.
func (m *Manager) HasPending(account common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[accountKey(account)]) > 0
}

// PendingNonces returns the account's in-flight nonces in ascending order.
func (m *Manager) PendingNonces(account common.Address) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.pending[accountKey(account)]
	out := make([]uint64, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reset drops all cached sequence and pending state for an account. The next
// allocation re-seeds from the chain. Call after a failure that may have
// desynchronized the local counter from chain state.
func (m *Manager) Reset(account common.Address) {
	acct := accountKey(account)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, acct)
	delete(m.pending, acct)
}

// SyncWithChain drops cached state and re-seeds the account's sequence from
// the chain, returning the fresh count. Explicit resynchronization for
// callers that do not want to wait for a failure.
func (m *Manager) SyncWithChain(ctx context.Context, account common.Address) (uint64, error) {
	seed, err := retry.DoValue(ctx, seedRetryAttempts, seedRetryDelay, func() (uint64, error) {
		return m.chain.PendingNonceAt(ctx, account)
	})
	if err != nil {
		return 0, fmt.Errorf("noncepool: sync %s: %w", account.Hex(), err)
	}

	m.Reset(account)

	m.mu.Lock()
	m.accounts[accountKey(account)] = &accountState{next: seed}
	m.mu.Unlock()
	return seed, nil
}
