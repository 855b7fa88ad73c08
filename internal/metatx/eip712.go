package metatx

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"predictmarket/internal/models"
)

// Signing domain for order intents. ChainID and verifying contract come from
// chain config so test and production deployments produce distinct digests.
type SigningDomain struct {
	ChainID           int64
	VerifyingContract common.Address
}

const (
	domainName    = "Prediction Market CLOB"
	domainVersion = "1"

	// Order amounts are signed in the collateral's smallest unit.
	collateralDecimals = 6
)

var collateralBase = decimal.New(1, collateralDecimals)

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderTypes = apitypes.Types{
	"EIP712Domain": eip712DomainType,
	"Order": {
		{Name: "marketId", Type: "string"},
		{Name: "maker", Type: "address"},
		{Name: "side", Type: "uint8"},
		{Name: "outcome", Type: "uint8"},
		{Name: "price", Type: "uint256"},
		{Name: "size", Type: "uint256"},
		{Name: "salt", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
	},
}

var metaTxTypes = apitypes.Types{
	"EIP712Domain": eip712DomainType,
	"MetaTransaction": {
		{Name: "user", Type: "address"},
		{Name: "target", Type: "address"},
		{Name: "dataHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

func domain(d SigningDomain) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           math.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// toBaseUnits converts a decimal amount to the collateral's smallest unit,
// truncating sub-unit dust.
func toBaseUnits(v decimal.Decimal) *big.Int {
	return v.Mul(collateralBase).Truncate(0).BigInt()
}

func sideCode(side string) int64 {
	if side == models.OrderSideSell {
		return 1
	}
	return 0
}

func outcomeCode(outcome bool) int64 {
	if outcome {
		return 1
	}
	return 0
}

// OrderDigest computes the EIP-712 signing hash for an order intent.
func OrderDigest(order *models.Order, d SigningDomain) ([]byte, error) {
	if order == nil {
		return nil, fmt.Errorf("order is nil")
	}
	salt, ok := new(big.Int).SetString(strings.TrimSpace(order.Salt), 10)
	if !ok {
		salt = big.NewInt(0)
	}
	expiration := big.NewInt(0)
	if order.ExpiresAt != nil {
		expiration = big.NewInt(order.ExpiresAt.Unix())
	}

	td := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain:      domain(d),
		Message: apitypes.TypedDataMessage{
			"marketId":   order.MarketID,
			"maker":      common.HexToAddress(order.Maker).Hex(),
			"side":       big.NewInt(sideCode(order.Side)),
			"outcome":    big.NewInt(outcomeCode(order.Outcome)),
			"price":      toBaseUnits(order.Price),
			"size":       toBaseUnits(order.Size),
			"salt":       salt,
			"nonce":      new(big.Int).SetUint64(order.Nonce),
			"expiration": expiration,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// MetaTxDigest computes the EIP-712 signing hash for a relayed proxy call.
func MetaTxDigest(user, target common.Address, data []byte, nonce *big.Int, deadline int64, d SigningDomain) ([]byte, error) {
	if nonce == nil {
		nonce = big.NewInt(0)
	}
	var dataHash [32]byte
	copy(dataHash[:], crypto.Keccak256(data))

	td := apitypes.TypedData{
		Types:       metaTxTypes,
		PrimaryType: "MetaTransaction",
		Domain:      domain(d),
		Message: apitypes.TypedDataMessage{
			"user":     user.Hex(),
			"target":   target.Hex(),
			"dataHash": hexutil.Encode(dataHash[:]),
			"nonce":    nonce,
			"deadline": big.NewInt(deadline),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// RecoverSigner recovers the address that produced a 65-byte signature over
// digest, accepting both 0/1 and 27/28 recovery ids.
func RecoverSigner(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyOrderSignature checks that the order's signature recovers to its
// claimed maker.
func VerifyOrderSignature(order *models.Order, d SigningDomain) error {
	digest, err := OrderDigest(order, d)
	if err != nil {
		return err
	}
	sig, err := hexutil.Decode(strings.TrimSpace(order.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Hex(), strings.TrimSpace(order.Maker)) {
		return ErrBadSignature
	}
	return nil
}
