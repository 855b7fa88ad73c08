// Package chain is the boundary to the blockchain execution layer. The rest
// of the service only builds, validates, and forwards requests through the
// Client interface; settlement logic lives on-chain.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ProxyCall is one relayed invocation of a user's proxy wallet.
type ProxyCall struct {
	Target    common.Address
	Data      []byte
	Signature []byte
	Deadline  *big.Int
	Nonce     *big.Int
}

type Client interface {
	// BlockNumber returns the current chain head height.
	BlockNumber(ctx context.Context) (uint64, error)
	// CodeAt reports deployed bytecode; empty means the address has no contract.
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	// ProxyNonce reads the live meta-transaction counter of a deployed proxy.
	ProxyNonce(ctx context.Context, proxy common.Address) (*big.Int, error)
	// Allowance reads an ERC20 allowance (used to elide redundant approvals).
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	// Balance returns the native balance of an account in wei.
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	// DeployProxy asks the factory to instantiate the user's wallet.
	DeployProxy(ctx context.Context, user common.Address) (common.Hash, error)
	// SubmitMetaTransaction relays a signed call through the user's proxy.
	SubmitMetaTransaction(ctx context.Context, proxy common.Address, call ProxyCall) (common.Hash, error)
	// WaitMined blocks until the transaction is mined; ok is false on revert.
	WaitMined(ctx context.Context, hash common.Hash) (ok bool, err error)
	// RelayerAddress is the operator account paying for relayed transactions.
	RelayerAddress() common.Address
}
