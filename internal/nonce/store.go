// Package nonce enforces per-user monotonic counters for replay protection
// on signed order submissions.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"predictmarket/internal/repository"
)

// ErrStale is returned when a submitted nonce is not strictly greater than
// the highest previously accepted nonce for the user.
var ErrStale = errors.New("nonce is not strictly greater than the last accepted nonce")

type Store struct {
	Repo repository.Repository
}

// ValidateAndUpdate accepts nonce iff it is strictly greater than the stored
// value, and advances the stored value atomically with acceptance.
func (s *Store) ValidateAndUpdate(ctx context.Context, user string, nonce uint64) error {
	if s == nil || s.Repo == nil {
		return fmt.Errorf("nonce store unavailable")
	}
	user = strings.ToLower(strings.TrimSpace(user))
	if user == "" {
		return fmt.Errorf("user address is required")
	}
	return s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		current, err := s.Repo.GetUserNonceForUpdateTx(ctx, tx, user)
		if err != nil {
			return err
		}
		if nonce <= current {
			return fmt.Errorf("%w: got %d, have %d", ErrStale, nonce, current)
		}
		return s.Repo.SaveUserNonceTx(ctx, tx, user, nonce)
	})
}

// Current returns the highest accepted nonce for the user, zero if none.
func (s *Store) Current(ctx context.Context, user string) (uint64, error) {
	if s == nil || s.Repo == nil {
		return 0, fmt.Errorf("nonce store unavailable")
	}
	return s.Repo.GetUserNonce(ctx, strings.ToLower(strings.TrimSpace(user)))
}
