package engine

import "errors"

// Validation errors are synchronous and never leave partial state behind.
var (
	ErrMarketNotFound  = errors.New("market does not exist")
	ErrMarketExpired   = errors.New("market has expired")
	ErrMarketResolved  = errors.New("market is already resolved")
	ErrOrderExpired    = errors.New("order has expired")
	ErrPriceOutOfRange = errors.New("price must be between 0.01 and 0.99")
	ErrSizeNotPositive = errors.New("size must be greater than zero")

	// ErrInsufficientLiquidity rejects a Fill-or-Kill order atomically.
	ErrInsufficientLiquidity = errors.New("Fill-or-Kill order rejected: insufficient liquidity")
)

// IsValidationError reports whether err belongs to the synchronous rejection
// taxonomy callers should surface as a bad request.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrMarketNotFound,
		ErrMarketExpired,
		ErrMarketResolved,
		ErrOrderExpired,
		ErrPriceOutOfRange,
		ErrSizeNotPositive,
		ErrInsufficientLiquidity,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
