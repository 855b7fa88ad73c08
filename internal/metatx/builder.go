// Package metatx assembles and validates the signed payloads that enter the
// relayer queue, and hosts the EIP-712 digests for orders and proxy calls.
package metatx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"predictmarket/internal/chain"
)

var (
	ErrEmptyBatch       = errors.New("batch must contain at least one call")
	ErrBatchTooLarge    = errors.New("batch exceeds the maximum call count")
	ErrTargetNotAllowed = errors.New("call target is not an allowed contract")
	ErrGasCapExceeded   = errors.New("batch gas limit exceeds the cap")
	ErrValueCapExceeded = errors.New("call value exceeds the cap")
	ErrDeadlineElapsed  = errors.New("deadline has already elapsed")
	ErrNonceMismatch    = errors.New("nonce does not match the wallet's current nonce")
	ErrArrayMismatch    = errors.New("target, value, and data arrays must have equal length")
	ErrBadSignature     = errors.New("signature does not match the claimed sender")
	ErrUnknownCallKind  = errors.New("unknown call kind")
)

// CallKind discriminates the known operations a batch may carry. Arbitrary
// target/data pairs are rejected; the allowlist is the second gate.
type CallKind string

const (
	CallSplit   CallKind = "split"
	CallMerge   CallKind = "merge"
	CallFill    CallKind = "fill"
	CallApprove CallKind = "approve"
)

// Call is one typed call descriptor inside a batch.
type Call struct {
	Kind   CallKind
	Target common.Address
	Value  *big.Int
	Data   []byte

	// Approve-only fields, used by the redundancy check.
	Token   common.Address
	Spender common.Address
	Amount  *big.Int
}

// Batch is a user-signed group of calls relayed as one meta-transaction.
type Batch struct {
	Sender    common.Address
	Calls     []Call
	GasLimit  uint64
	Nonce     *big.Int
	Deadline  int64
	Signature []byte
}

// NonceReader is the directory dependency: the wallet's live counter.
type NonceReader interface {
	GetNonce(ctx context.Context, user string) (*big.Int, error)
}

type Builder struct {
	Chain  chain.Client
	Nonces NonceReader
	Domain SigningDomain

	// Allowlist is the execution layer's known contract set; targets outside
	// it never pass validation.
	Allowlist map[common.Address]bool

	MaxBatchSize int
	GasCap       uint64
	ValueCap     *big.Int
}

const defaultMaxBatchSize = 10

func (b *Builder) maxBatch() int {
	if b.MaxBatchSize > 0 {
		return b.MaxBatchSize
	}
	return defaultMaxBatchSize
}

// Compose builds typed calls from the parallel arrays a client submits,
// rejecting length mismatches before anything else looks at the batch.
func Compose(kinds []CallKind, targets []common.Address, values []*big.Int, datas [][]byte) ([]Call, error) {
	if len(targets) != len(values) || len(targets) != len(datas) || len(targets) != len(kinds) {
		return nil, ErrArrayMismatch
	}
	calls := make([]Call, 0, len(targets))
	for i := range targets {
		switch kinds[i] {
		case CallSplit, CallMerge, CallFill, CallApprove:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownCallKind, kinds[i])
		}
		value := values[i]
		if value == nil {
			value = big.NewInt(0)
		}
		calls = append(calls, Call{
			Kind:   kinds[i],
			Target: targets[i],
			Value:  value,
			Data:   datas[i],
		})
	}
	return calls, nil
}

// Validate runs the admission checks in their fixed order. The batch is not
// mutated; a nil error means it may be signed and queued as-is.
func (b *Builder) Validate(ctx context.Context, batch *Batch) error {
	if b == nil || batch == nil {
		return fmt.Errorf("builder unavailable")
	}
	if len(batch.Calls) == 0 {
		return ErrEmptyBatch
	}
	if len(batch.Calls) > b.maxBatch() {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(batch.Calls), b.maxBatch())
	}
	for i := range batch.Calls {
		call := &batch.Calls[i]
		if !b.Allowlist[call.Target] {
			return fmt.Errorf("%w: %s", ErrTargetNotAllowed, call.Target.Hex())
		}
		if b.ValueCap != nil && call.Value != nil && call.Value.Cmp(b.ValueCap) > 0 {
			return fmt.Errorf("%w: call %d", ErrValueCapExceeded, i)
		}
	}
	if b.GasCap > 0 && batch.GasLimit > b.GasCap {
		return fmt.Errorf("%w: %d > %d", ErrGasCapExceeded, batch.GasLimit, b.GasCap)
	}
	if batch.Deadline <= time.Now().UTC().Unix() {
		return ErrDeadlineElapsed
	}

	if b.Nonces != nil {
		current, err := b.Nonces.GetNonce(ctx, batch.Sender.Hex())
		if err != nil {
			return err
		}
		// Batches are not re-orderable, so the nonce must match exactly;
		// neither lower nor higher is acceptable.
		if batch.Nonce == nil || batch.Nonce.Cmp(current) != 0 {
			return ErrNonceMismatch
		}
	}

	return b.verifySignature(batch)
}

func (b *Builder) verifySignature(batch *Batch) error {
	digest, err := BatchDigest(batch, b.Domain)
	if err != nil {
		return err
	}
	signer, err := RecoverSigner(digest, batch.Signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Hex(), batch.Sender.Hex()) {
		return ErrBadSignature
	}
	return nil
}

// BatchDigest hashes the batch calls into one meta-transaction digest.
func BatchDigest(batch *Batch, d SigningDomain) ([]byte, error) {
	if batch == nil || len(batch.Calls) == 0 {
		return nil, ErrEmptyBatch
	}
	payload := EncodeCalls(batch.Calls)
	// The digest binds the first target as the entry point; the encoded call
	// list covers the rest.
	return MetaTxDigest(batch.Sender, batch.Calls[0].Target, payload, batch.Nonce, batch.Deadline, d)
}

// EncodeCalls flattens the batch into the byte payload the proxy executes.
func EncodeCalls(calls []Call) []byte {
	var out []byte
	for i := range calls {
		out = append(out, calls[i].Target.Bytes()...)
		value := calls[i].Value
		if value == nil {
			value = big.NewInt(0)
		}
		out = append(out, common.LeftPadBytes(value.Bytes(), 32)...)
		out = append(out, common.LeftPadBytes(big.NewInt(int64(len(calls[i].Data))).Bytes(), 32)...)
		out = append(out, calls[i].Data...)
	}
	return out
}

// ElideRedundantApprovals drops approve calls whose on-chain allowance
// already covers the requested amount. It must run strictly before the batch
// is signed: dropping calls afterwards would break the signature.
func (b *Builder) ElideRedundantApprovals(ctx context.Context, batch *Batch) error {
	if b == nil || b.Chain == nil || batch == nil {
		return nil
	}
	if len(batch.Signature) != 0 {
		return fmt.Errorf("approval elision must happen before signing")
	}

	kept := batch.Calls[:0]
	for i := range batch.Calls {
		call := batch.Calls[i]
		if call.Kind != CallApprove || call.Amount == nil {
			kept = append(kept, call)
			continue
		}
		allowance, err := b.Chain.Allowance(ctx, call.Token, batch.Sender, call.Spender)
		if err != nil {
			return err
		}
		if allowance.Cmp(call.Amount) >= 0 {
			continue
		}
		kept = append(kept, call)
	}
	batch.Calls = kept
	return nil
}
