package nonce

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"

	"predictmarket/internal/repository"
)

// nonceRepo stubs only the nonce surface; the embedded interface covers the
// methods these tests never touch.
type nonceRepo struct {
	repository.Repository
	nonces map[string]uint64
}

func (r *nonceRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func (r *nonceRepo) GetUserNonce(ctx context.Context, user string) (uint64, error) {
	return r.nonces[user], nil
}

func (r *nonceRepo) GetUserNonceForUpdateTx(ctx context.Context, tx *gorm.DB, user string) (uint64, error) {
	return r.nonces[user], nil
}

func (r *nonceRepo) SaveUserNonceTx(ctx context.Context, tx *gorm.DB, user string, nonce uint64) error {
	r.nonces[user] = nonce
	return nil
}

func TestValidateAndUpdate_Monotonic(t *testing.T) {
	repo := &nonceRepo{nonces: map[string]uint64{}}
	store := &Store{Repo: repo}
	ctx := context.Background()

	if err := store.ValidateAndUpdate(ctx, "0xAbC", 1); err != nil {
		t.Fatalf("first nonce: %v", err)
	}
	// Gaps are allowed; only ordering matters.
	if err := store.ValidateAndUpdate(ctx, "0xAbC", 10); err != nil {
		t.Fatalf("gapped nonce: %v", err)
	}

	current, err := store.Current(ctx, "0xABC")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != 10 {
		t.Fatalf("current=%d want 10", current)
	}
}

func TestValidateAndUpdate_RejectsReplayAndEqual(t *testing.T) {
	repo := &nonceRepo{nonces: map[string]uint64{"0xabc": 5}}
	store := &Store{Repo: repo}
	ctx := context.Background()

	for _, nonce := range []uint64{3, 5} {
		err := store.ValidateAndUpdate(ctx, "0xabc", nonce)
		if !errors.Is(err, ErrStale) {
			t.Fatalf("nonce %d: err=%v want ErrStale", nonce, err)
		}
	}
	// A rejected submission must not move the counter.
	if repo.nonces["0xabc"] != 5 {
		t.Fatalf("nonce moved to %d on rejection", repo.nonces["0xabc"])
	}
}

func TestValidateAndUpdate_PerUserIsolation(t *testing.T) {
	repo := &nonceRepo{nonces: map[string]uint64{}}
	store := &Store{Repo: repo}
	ctx := context.Background()

	if err := store.ValidateAndUpdate(ctx, "0xaaa", 7); err != nil {
		t.Fatalf("user a: %v", err)
	}
	if err := store.ValidateAndUpdate(ctx, "0xbbb", 1); err != nil {
		t.Fatalf("user b starts fresh: %v", err)
	}
}

func TestValidateAndUpdate_NormalizesAddressCase(t *testing.T) {
	repo := &nonceRepo{nonces: map[string]uint64{}}
	store := &Store{Repo: repo}
	ctx := context.Background()

	if err := store.ValidateAndUpdate(ctx, "0xAbCd", 1); err != nil {
		t.Fatalf("mixed case: %v", err)
	}
	err := store.ValidateAndUpdate(ctx, "0xABCD", 1)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("case variant bypassed the counter: %v", err)
	}
}

func TestValidateAndUpdate_RequiresUser(t *testing.T) {
	store := &Store{Repo: &nonceRepo{nonces: map[string]uint64{}}}
	if err := store.ValidateAndUpdate(context.Background(), "  ", 1); err == nil {
		t.Fatal("expected error for empty user")
	}
}
