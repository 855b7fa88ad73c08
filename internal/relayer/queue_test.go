package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"predictmarket/internal/chain"
)

type stubChain struct {
	submitted []common.Address
	submitErr map[string]error
	waitOK    bool
	waitErr   error
	balance   *big.Int
	relayer   common.Address
}

func (s *stubChain) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (s *stubChain) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return nil, nil
}
func (s *stubChain) ProxyNonce(ctx context.Context, proxy common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *stubChain) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *stubChain) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if s.balance == nil {
		return big.NewInt(0), nil
	}
	return s.balance, nil
}
func (s *stubChain) DeployProxy(ctx context.Context, user common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}
func (s *stubChain) SubmitMetaTransaction(ctx context.Context, proxy common.Address, call chain.ProxyCall) (common.Hash, error) {
	if err := s.submitErr[call.Target.Hex()]; err != nil {
		return common.Hash{}, err
	}
	s.submitted = append(s.submitted, call.Target)
	return common.HexToHash(fmt.Sprintf("0x%064x", len(s.submitted))), nil
}
func (s *stubChain) WaitMined(ctx context.Context, hash common.Hash) (bool, error) {
	return s.waitOK, s.waitErr
}
func (s *stubChain) RelayerAddress() common.Address { return s.relayer }

type stubDirectory struct {
	nonce *big.Int
	proxy common.Address
	err   error
}

func (s *stubDirectory) GetProxyAddress(ctx context.Context, user string) (common.Address, error) {
	return s.proxy, s.err
}

func (s *stubDirectory) GetNonce(ctx context.Context, user string) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.nonce == nil {
		return big.NewInt(0), nil
	}
	return s.nonce, nil
}

func newTestQueue(ch *stubChain, opts Options) *Queue {
	if opts.InterTxDelay == 0 {
		opts.InterTxDelay = time.Millisecond
	}
	dir := &stubDirectory{proxy: common.HexToAddress("0x00000000000000000000000000000000000000aa")}
	return NewQueue(ch, dir, nil, opts)
}

func futureDeadline() int64 { return time.Now().UTC().Add(time.Hour).Unix() }

func TestAdd_RejectsElapsedDeadline(t *testing.T) {
	q := newTestQueue(&stubChain{}, Options{})
	_, err := q.Add(context.Background(),
		common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		[]byte{0x01}, []byte{0x02}, time.Now().UTC().Add(-time.Second).Unix())
	if !errors.Is(err, ErrDeadlineElapsed) {
		t.Fatalf("err=%v want ErrDeadlineElapsed", err)
	}
}

func TestAdd_RateLimitPerUser(t *testing.T) {
	q := newTestQueue(&stubChain{}, Options{RateLimitCount: 10, RateLimitWindow: time.Minute})
	ctx := context.Background()
	user := common.HexToAddress("0x1")

	for i := 0; i < 10; i++ {
		_, err := q.Add(ctx, user, common.HexToAddress("0x2"),
			[]byte{byte(i)}, []byte{0x02}, futureDeadline())
		if err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
	}
	_, err := q.Add(ctx, user, common.HexToAddress("0x2"),
		[]byte{0xff}, []byte{0x02}, futureDeadline())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th submission err=%v want ErrRateLimited", err)
	}

	// Other users are unaffected.
	if _, err := q.Add(ctx, common.HexToAddress("0x9"), common.HexToAddress("0x2"),
		[]byte{0x01}, []byte{0x02}, futureDeadline()); err != nil {
		t.Fatalf("other user: %v", err)
	}
}

func TestAdd_DeterministicIDDeduplicates(t *testing.T) {
	q := newTestQueue(&stubChain{}, Options{RateLimitCount: 10, RateLimitWindow: time.Minute})
	ctx := context.Background()
	deadline := futureDeadline()

	id1, err := q.Add(ctx, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		[]byte{0x01}, []byte{0x02}, deadline)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	id2, err := q.Add(ctx, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		[]byte{0x01}, []byte{0x02}, deadline)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %s vs %s", id1, id2)
	}
	if got := q.Stats()[StatusPending]; got != 1 {
		t.Fatalf("pending=%d want 1", got)
	}
}

func TestTxID_FieldBoundariesDoNotCollide(t *testing.T) {
	user := common.HexToAddress("0x1")
	target := common.HexToAddress("0x2")

	// Bytes sliding between calldata and the nonce must change the id:
	// big.NewInt(0).Bytes() is empty, so without framing these two
	// intents would hash identically.
	a := TxID(user, target, []byte{0x01, 0x02}, big.NewInt(0), 100)
	b := TxID(user, target, []byte{0x01}, big.NewInt(2), 100)
	if a == b {
		t.Fatalf("data/nonce boundary collision: %s", a)
	}

	c := TxID(user, target, nil, big.NewInt(1), 100)
	d := TxID(user, target, []byte{0x01}, big.NewInt(0), 100)
	if c == d {
		t.Fatalf("empty-data collision: %s", c)
	}

	if a != TxID(user, target, []byte{0x01, 0x02}, big.NewInt(0), 100) {
		t.Fatalf("id not deterministic")
	}
}

func TestProcessCycle_StrictFIFO(t *testing.T) {
	ch := &stubChain{waitOK: true}
	q := newTestQueue(ch, Options{RateLimitCount: 10, RateLimitWindow: time.Minute})
	ctx := context.Background()

	targets := []common.Address{
		common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		common.HexToAddress("0x00000000000000000000000000000000000000b3"),
	}
	for i, target := range targets {
		if _, err := q.Add(ctx, common.HexToAddress("0x1"), target,
			[]byte{byte(i)}, []byte{0x02}, futureDeadline()); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	q.ProcessCycle(ctx)

	if len(ch.submitted) != 3 {
		t.Fatalf("submitted=%d want 3", len(ch.submitted))
	}
	for i, target := range targets {
		if ch.submitted[i] != target {
			t.Fatalf("position %d relayed %s want %s", i, ch.submitted[i].Hex(), target.Hex())
		}
	}
	if got := q.Stats()[StatusConfirmed]; got != 3 {
		t.Fatalf("confirmed=%d want 3", got)
	}
}

func TestProcessCycle_FailureDoesNotHaltCycleOrRetry(t *testing.T) {
	bad := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	good := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	ch := &stubChain{
		waitOK:    true,
		submitErr: map[string]error{bad.Hex(): errors.New("boom")},
	}
	q := newTestQueue(ch, Options{RateLimitCount: 10, RateLimitWindow: time.Minute})
	ctx := context.Background()

	if _, err := q.Add(ctx, common.HexToAddress("0x1"), bad, []byte{0x01}, []byte{0x02}, futureDeadline()); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := q.Add(ctx, common.HexToAddress("0x1"), good, []byte{0x02}, []byte{0x02}, futureDeadline()); err != nil {
		t.Fatalf("add: %v", err)
	}

	q.ProcessCycle(ctx)

	stats := q.Stats()
	if stats[StatusFailed] != 1 || stats[StatusConfirmed] != 1 {
		t.Fatalf("stats=%v want 1 failed 1 confirmed", stats)
	}

	// Failures are terminal: the next cycle must not resubmit.
	before := len(ch.submitted)
	q.ProcessCycle(ctx)
	if len(ch.submitted) != before {
		t.Fatalf("failed entry was retried")
	}
}

func TestProcessCycle_DeadlineRecheckedAtRelayTime(t *testing.T) {
	ch := &stubChain{waitOK: true}
	q := newTestQueue(ch, Options{RateLimitCount: 10, RateLimitWindow: time.Minute})
	ctx := context.Background()

	id, err := q.Add(ctx, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		[]byte{0x01}, []byte{0x02}, futureDeadline())
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// The deadline passes while the entry waits in the queue.
	q.mu.Lock()
	q.entries[id].Deadline = time.Now().UTC().Add(-time.Second).Unix()
	q.mu.Unlock()

	q.ProcessCycle(ctx)

	entry := q.Get(id)
	if entry.Status != StatusFailed {
		t.Fatalf("status=%s want failed", entry.Status)
	}
	if len(ch.submitted) != 0 {
		t.Fatalf("expired entry was relayed on-chain")
	}
}

func TestProcessCycle_RevertMarksFailed(t *testing.T) {
	ch := &stubChain{waitOK: false}
	q := newTestQueue(ch, Options{RateLimitCount: 10, RateLimitWindow: time.Minute})
	ctx := context.Background()

	id, err := q.Add(ctx, common.HexToAddress("0x1"), common.HexToAddress("0x2"),
		[]byte{0x01}, []byte{0x02}, futureDeadline())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	q.ProcessCycle(ctx)

	entry := q.Get(id)
	if entry.Status != StatusFailed {
		t.Fatalf("status=%s want failed", entry.Status)
	}
	if entry.TxHash == nil {
		t.Fatal("reverted entry should keep its tx hash")
	}
}

func TestPrune_EvictsOldestTerminalBeyondCap(t *testing.T) {
	q := newTestQueue(&stubChain{}, Options{RetentionCap: 2})

	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("tx-%d", i)
		q.entries[id] = &MetaTransaction{
			ID:        id,
			Status:    StatusConfirmed,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	pending := &MetaTransaction{ID: "tx-pending", Status: StatusPending, CreatedAt: base}
	q.entries[pending.ID] = pending

	q.prune()

	if q.Get("tx-0") != nil || q.Get("tx-1") != nil {
		t.Fatal("oldest terminal entries survived pruning")
	}
	if q.Get("tx-2") == nil || q.Get("tx-3") == nil {
		t.Fatal("newest terminal entries were pruned")
	}
	// Pending entries are never pruned regardless of age.
	if q.Get("tx-pending") == nil {
		t.Fatal("pending entry was pruned")
	}
}

func TestGet_UnknownReturnsNil(t *testing.T) {
	q := newTestQueue(&stubChain{}, Options{})
	if q.Get("nope") != nil {
		t.Fatal("expected nil for unknown tx id")
	}
}

func TestCheckBalance_NoFloorConfigured(t *testing.T) {
	q := newTestQueue(&stubChain{balance: big.NewInt(1)}, Options{})
	if err := q.CheckBalance(context.Background()); err != nil {
		t.Fatalf("check balance: %v", err)
	}
}

func TestCheckBalance_BelowFloor(t *testing.T) {
	ch := &stubChain{balance: big.NewInt(5)}
	q := newTestQueue(ch, Options{MinBalanceWei: big.NewInt(10)})
	// Low balance alerts but never errors: admission must not depend on it.
	if err := q.CheckBalance(context.Background()); err != nil {
		t.Fatalf("check balance: %v", err)
	}
}
