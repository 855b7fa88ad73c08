// Package proxy derives and tracks the deterministic gasless wallet each
// trader owns on the execution layer.
package proxy

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"predictmarket/internal/chain"
)

// Record is one cached wallet entry. The derived address never changes; only
// the deployment flag and the verification block are revisited.
type Record struct {
	Address           common.Address `json:"address"`
	Deployed          bool           `json:"deployed"`
	LastVerifiedBlock uint64         `json:"last_verified_block"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Directory derives proxy wallet addresses via CREATE2 and caches deployment
// state keyed by normalized user address. Staleness is measured in block
// height rather than wall-clock time: a deployment that lands between polls
// during congestion would slip past any duration-based window.
type Directory struct {
	Chain   chain.Client
	Logger  *zap.Logger
	Factory common.Address
	Impl    common.Address

	// StaleAfterBlocks forces revalidation once the head has advanced this
	// far past the entry's verification block. Zero means 50.
	StaleAfterBlocks uint64

	mu    sync.Mutex
	cache map[string]*Record
}

const defaultStaleAfterBlocks = 50

// EIP-1167 minimal proxy creation code, split around the implementation
// address it delegates to.
var (
	minimalProxyPrefix = common.Hex2Bytes("3d602d80600a3d3981f3363d3d373d3d3d363d73")
	minimalProxySuffix = common.Hex2Bytes("5af43d82803e903d91602b57fd5bf3")
)

// DeriveAddress is the pure CREATE2 derivation: a function of the factory,
// the implementation, and the user address only.
func DeriveAddress(factory, impl, user common.Address) common.Address {
	initCode := make([]byte, 0, len(minimalProxyPrefix)+common.AddressLength+len(minimalProxySuffix))
	initCode = append(initCode, minimalProxyPrefix...)
	initCode = append(initCode, impl.Bytes()...)
	initCode = append(initCode, minimalProxySuffix...)

	var salt [32]byte
	copy(salt[:], crypto.Keccak256(user.Bytes()))

	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(initCode))
}

func normalize(user string) (common.Address, string, error) {
	trimmed := strings.TrimSpace(user)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, "", fmt.Errorf("invalid address: %q", user)
	}
	addr := common.HexToAddress(trimmed)
	return addr, strings.ToLower(addr.Hex()), nil
}

func (d *Directory) staleAfter() uint64 {
	if d.StaleAfterBlocks > 0 {
		return d.StaleAfterBlocks
	}
	return defaultStaleAfterBlocks
}

// lookup returns a fresh record, revalidating deployment state against the
// chain when the cache entry is missing or block-stale.
func (d *Directory) lookup(ctx context.Context, user string) (*Record, error) {
	if d == nil || d.Chain == nil {
		return nil, fmt.Errorf("proxy directory unavailable")
	}
	addr, key, err := normalize(user)
	if err != nil {
		return nil, err
	}

	head, err := d.Chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.cache == nil {
		d.cache = map[string]*Record{}
	}
	entry, ok := d.cache[key]
	d.mu.Unlock()

	if ok && head >= entry.LastVerifiedBlock && head-entry.LastVerifiedBlock < d.staleAfter() {
		return entry, nil
	}

	derived := DeriveAddress(d.Factory, d.Impl, addr)
	code, err := d.Chain.CodeAt(ctx, derived)
	if err != nil {
		return nil, err
	}

	fresh := &Record{
		Address:           derived,
		Deployed:          len(code) > 0,
		LastVerifiedBlock: head,
		CreatedAt:         time.Now().UTC(),
	}
	if ok {
		fresh.CreatedAt = entry.CreatedAt
	}

	d.mu.Lock()
	d.cache[key] = fresh
	d.mu.Unlock()

	return fresh, nil
}

// GetProxyAddress returns the deterministic wallet address for a user.
func (d *Directory) GetProxyAddress(ctx context.Context, user string) (common.Address, error) {
	entry, err := d.lookup(ctx, user)
	if err != nil {
		return common.Address{}, err
	}
	return entry.Address, nil
}

// IsDeployed reports whether the user's wallet exists on the execution layer.
func (d *Directory) IsDeployed(ctx context.Context, user string) (bool, error) {
	entry, err := d.lookup(ctx, user)
	if err != nil {
		return false, err
	}
	return entry.Deployed, nil
}

// Status returns the full cached record for directory reads.
func (d *Directory) Status(ctx context.Context, user string) (*Record, error) {
	return d.lookup(ctx, user)
}

// EnsureDeployed deploys the user's wallet if absent. Idempotent: an already
// deployed wallet returns its address with no transaction.
func (d *Directory) EnsureDeployed(ctx context.Context, user string) (common.Address, *common.Hash, error) {
	entry, err := d.lookup(ctx, user)
	if err != nil {
		return common.Address{}, nil, err
	}
	if entry.Deployed {
		return entry.Address, nil, nil
	}

	addr, key, err := normalize(user)
	if err != nil {
		return common.Address{}, nil, err
	}
	txHash, err := d.Chain.DeployProxy(ctx, addr)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("proxy deploy failed: %w", err)
	}
	if d.Logger != nil {
		d.Logger.Info("proxy wallet deploy submitted",
			zap.String("user", key),
			zap.String("proxy", entry.Address.Hex()),
			zap.String("tx", txHash.Hex()),
		)
	}

	// Invalidate so the next read re-checks deployment on-chain.
	d.mu.Lock()
	delete(d.cache, key)
	d.mu.Unlock()

	return entry.Address, &txHash, nil
}

// GetNonce reads the wallet's live meta-transaction counter. An undeployed
// wallet has no contract state, so its nonce is zero. The counter is never
// served from cache: a relayed transaction advances it out from under any
// local copy.
func (d *Directory) GetNonce(ctx context.Context, user string) (*big.Int, error) {
	entry, err := d.lookup(ctx, user)
	if err != nil {
		return nil, err
	}
	if !entry.Deployed {
		return big.NewInt(0), nil
	}
	return d.Chain.ProxyNonce(ctx, entry.Address)
}
