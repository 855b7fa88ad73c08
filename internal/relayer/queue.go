// Package relayer queues signed meta-transactions and relays them to the
// execution layer one at a time, strict FIFO by admission.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"predictmarket/internal/chain"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRelayed   Status = "relayed"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var (
	ErrRateLimited     = errors.New("rate limit exceeded: too many meta-transactions in the current window")
	ErrDeadlineElapsed = errors.New("deadline has already elapsed")
)

// MetaTransaction is one queue entry. Lifecycle transitions are monotonic
// (pending → relayed → confirmed | failed) and owned exclusively by the
// processing loop; readers get copies.
type MetaTransaction struct {
	ID        string       `json:"id"`
	User      string       `json:"user"`
	Proxy     string       `json:"proxy"`
	Target    string       `json:"target"`
	Data      hexutil.Bytes `json:"data"`
	Signature hexutil.Bytes `json:"signature"`
	Deadline  int64        `json:"deadline"`
	Nonce     *big.Int     `json:"nonce"`
	Status    Status       `json:"status"`
	TxHash    *string      `json:"tx_hash,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ProxyDirectory is what admission needs from the wallet directory.
type ProxyDirectory interface {
	GetProxyAddress(ctx context.Context, user string) (common.Address, error)
	GetNonce(ctx context.Context, user string) (*big.Int, error)
}

type Options struct {
	ProcessInterval time.Duration
	InterTxDelay    time.Duration
	RateLimitCount  int
	RateLimitWindow time.Duration
	RetentionCap    int
	ConfirmTimeout  time.Duration
	MinBalanceWei   *big.Int
}

type Queue struct {
	chain     chain.Client
	directory ProxyDirectory
	logger    *zap.Logger
	opts      Options
	limiter   *slidingWindow

	mu      sync.Mutex
	entries map[string]*MetaTransaction

	// cycleBusy guards against overlapping processing cycles.
	cycleBusy atomic.Bool
}

func NewQueue(chainClient chain.Client, directory ProxyDirectory, logger *zap.Logger, opts Options) *Queue {
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = 3 * time.Second
	}
	if opts.InterTxDelay <= 0 {
		opts.InterTxDelay = 500 * time.Millisecond
	}
	if opts.RetentionCap <= 0 {
		opts.RetentionCap = 1000
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 90 * time.Second
	}
	return &Queue{
		chain:     chainClient,
		directory: directory,
		logger:    logger,
		opts:      opts,
		limiter:   newSlidingWindow(opts.RateLimitCount, opts.RateLimitWindow),
		entries:   map[string]*MetaTransaction{},
	}
}

// TxID derives the deterministic transaction id so duplicate submissions of
// the same intent collapse to one entry.
func TxID(user, target common.Address, data []byte, nonce *big.Int, deadline int64) string {
	if nonce == nil {
		nonce = big.NewInt(0)
	}
	// Calldata is hashed and the nonce padded so variable-length fields
	// cannot shift bytes between positions and collide across intents.
	digest := crypto.Keccak256(
		user.Bytes(),
		target.Bytes(),
		crypto.Keccak256(data),
		common.LeftPadBytes(nonce.Bytes(), 32),
		common.LeftPadBytes(big.NewInt(deadline).Bytes(), 32),
	)
	return hexutil.Encode(digest)
}

// Add admits a signed meta-transaction. Admission failures are synchronous
// and non-retryable here; the caller resubmits with a fresh nonce/deadline.
func (q *Queue) Add(ctx context.Context, user, target common.Address, data, signature []byte, deadline int64) (string, error) {
	if q == nil {
		return "", fmt.Errorf("relayer queue unavailable")
	}
	now := time.Now().UTC()
	if deadline <= now.Unix() {
		return "", ErrDeadlineElapsed
	}
	if !q.limiter.allow(user.Hex(), now) {
		return "", ErrRateLimited
	}

	// Always a fresh read: a cached nonce could already be consumed.
	nonce, err := q.directory.GetNonce(ctx, user.Hex())
	if err != nil {
		return "", fmt.Errorf("nonce fetch failed: %w", err)
	}
	proxyAddr, err := q.directory.GetProxyAddress(ctx, user.Hex())
	if err != nil {
		return "", err
	}

	id := TxID(user, target, data, nonce, deadline)

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries[id]; exists {
		return id, nil
	}
	q.entries[id] = &MetaTransaction{
		ID:        id,
		User:      strings.ToLower(user.Hex()),
		Proxy:     proxyAddr.Hex(),
		Target:    target.Hex(),
		Data:      append([]byte(nil), data...),
		Signature: append([]byte(nil), signature...),
		Deadline:  deadline,
		Nonce:     new(big.Int).Set(nonce),
		Status:    StatusPending,
		CreatedAt: now,
	}
	return id, nil
}

// Get returns a snapshot of one entry, nil when unknown.
func (q *Queue) Get(txID string) *MetaTransaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[txID]
	if !ok {
		return nil
	}
	cp := *entry
	return &cp
}

// Stats counts entries by lifecycle status.
func (q *Queue) Stats() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[Status]int{
		StatusPending:   0,
		StatusRelayed:   0,
		StatusConfirmed: 0,
		StatusFailed:    0,
	}
	for _, entry := range q.entries {
		out[entry.Status]++
	}
	return out
}

// Run drives the processing loop until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.ProcessCycle(ctx)
		}
	}
}

// ProcessCycle relays all pending entries oldest-first, then prunes terminal
// history beyond the retention cap. At most one cycle runs at a time.
func (q *Queue) ProcessCycle(ctx context.Context) {
	if !q.cycleBusy.CompareAndSwap(false, true) {
		return
	}
	defer q.cycleBusy.Store(false)

	for _, id := range q.pendingFIFO() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		q.relayOne(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.opts.InterTxDelay):
		}
	}

	q.prune()
}

func (q *Queue) pendingFIFO() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := make([]*MetaTransaction, 0)
	for _, entry := range q.entries {
		if entry.Status == StatusPending {
			pending = append(pending, entry)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	ids := make([]string, len(pending))
	for i, entry := range pending {
		ids[i] = entry.ID
	}
	return ids
}

// relayOne moves a single entry through relayed → confirmed/failed. A failure
// is terminal for the entry and must not halt the rest of the cycle.
func (q *Queue) relayOne(ctx context.Context, id string) {
	q.mu.Lock()
	entry, ok := q.entries[id]
	if !ok || entry.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	// Re-check the deadline at relay time: an entry admitted just before its
	// deadline could otherwise relay after expiry.
	if entry.Deadline <= time.Now().UTC().Unix() {
		entry.Status = StatusFailed
		entry.Error = ErrDeadlineElapsed.Error()
		q.mu.Unlock()
		return
	}
	entry.Status = StatusRelayed
	call := chain.ProxyCall{
		Target:    common.HexToAddress(entry.Target),
		Data:      append([]byte(nil), entry.Data...),
		Signature: append([]byte(nil), entry.Signature...),
		Deadline:  big.NewInt(entry.Deadline),
		Nonce:     new(big.Int).Set(entry.Nonce),
	}
	proxyAddr := common.HexToAddress(entry.Proxy)
	q.mu.Unlock()

	txHash, err := q.chain.SubmitMetaTransaction(ctx, proxyAddr, call)
	if err != nil {
		q.finish(id, StatusFailed, nil, fmt.Sprintf("submission failed: %v", err))
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, q.opts.ConfirmTimeout)
	ok, err = q.chain.WaitMined(waitCtx, txHash)
	cancel()

	hashHex := txHash.Hex()
	switch {
	case err != nil:
		q.finish(id, StatusFailed, &hashHex, fmt.Sprintf("confirmation failed: %v", err))
	case !ok:
		q.finish(id, StatusFailed, &hashHex, "transaction reverted")
	default:
		q.finish(id, StatusConfirmed, &hashHex, "")
	}
}

func (q *Queue) finish(id string, status Status, txHash *string, errDetail string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return
	}
	entry.Status = status
	entry.TxHash = txHash
	entry.Error = errDetail

	if q.logger != nil {
		if status == StatusFailed {
			q.logger.Warn("meta-transaction failed",
				zap.String("tx_id", id),
				zap.String("user", entry.User),
				zap.String("error", errDetail),
			)
		} else {
			q.logger.Info("meta-transaction confirmed",
				zap.String("tx_id", id),
				zap.String("user", entry.User),
			)
		}
	}
}

// prune evicts terminal entries beyond the retention cap, oldest first.
func (q *Queue) prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	terminal := make([]*MetaTransaction, 0)
	for _, entry := range q.entries {
		if entry.Status == StatusConfirmed || entry.Status == StatusFailed {
			terminal = append(terminal, entry)
		}
	}
	if len(terminal) <= q.opts.RetentionCap {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})
	for _, entry := range terminal[:len(terminal)-q.opts.RetentionCap] {
		delete(q.entries, entry.ID)
	}
}

// CheckBalance polls the relayer's operating balance and logs an alert when
// it drops below the configured floor. Liveness only: admission never blocks
// on it.
func (q *Queue) CheckBalance(ctx context.Context) error {
	if q == nil || q.chain == nil || q.opts.MinBalanceWei == nil {
		return nil
	}
	balance, err := q.chain.Balance(ctx, q.chain.RelayerAddress())
	if err != nil {
		return err
	}
	if balance.Cmp(q.opts.MinBalanceWei) < 0 && q.logger != nil {
		q.logger.Warn("relayer balance below minimum",
			zap.String("balance_wei", balance.String()),
			zap.String("min_wei", q.opts.MinBalanceWei.String()),
			zap.String("relayer", q.chain.RelayerAddress().Hex()),
		)
	}
	return nil
}
