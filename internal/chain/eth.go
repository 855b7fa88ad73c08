package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"predictmarket/internal/config"
)

const factoryABIJSON = `[{"type":"function","name":"createProxy","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"proxy","type":"address"}],"stateMutability":"nonpayable"}]`

const proxyABIJSON = `[{"type":"function","name":"nonce","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},{"type":"function","name":"execute","inputs":[{"name":"target","type":"address"},{"name":"data","type":"bytes"},{"name":"signature","type":"bytes"},{"name":"deadline","type":"uint256"},{"name":"nonce","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}]`

const erc20ABIJSON = `[{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}]`

// EthClient is the ethclient-backed production implementation of Client.
type EthClient struct {
	rpc     *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	factory common.Address
	logger  *zap.Logger

	factoryABI abi.ABI
	proxyABI   abi.ABI
	erc20ABI   abi.ABI
}

func Dial(cfg config.ChainConfig, logger *zap.Logger) (*EthClient, error) {
	rpc, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial execution layer: %w", err)
	}

	raw := strings.TrimPrefix(strings.TrimSpace(cfg.RelayerKey), "0x")
	if raw == "" {
		return nil, fmt.Errorf("chain.relayer_key is required")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid relayer key: %w", err)
	}

	factoryABI, err := abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		return nil, err
	}
	proxyABI, err := abi.JSON(strings.NewReader(proxyABIJSON))
	if err != nil {
		return nil, err
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, err
	}

	return &EthClient{
		rpc:        rpc,
		chainID:    big.NewInt(cfg.ChainID),
		key:        key,
		from:       crypto.PubkeyToAddress(key.PublicKey),
		factory:    common.HexToAddress(cfg.ProxyFactory),
		logger:     logger,
		factoryABI: factoryABI,
		proxyABI:   proxyABI,
		erc20ABI:   erc20ABI,
	}, nil
}

func (c *EthClient) RelayerAddress() common.Address {
	if c == nil {
		return common.Address{}
	}
	return c.from
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

func (c *EthClient) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return c.rpc.CodeAt(ctx, addr, nil)
}

func (c *EthClient) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.rpc.BalanceAt(ctx, addr, nil)
}

func (c *EthClient) ProxyNonce(ctx context.Context, proxy common.Address) (*big.Int, error) {
	data, err := c.proxyABI.Pack("nonce")
	if err != nil {
		return nil, err
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &proxy, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := c.proxyABI.Unpack("nonce", out)
	if err != nil {
		return nil, err
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce return type")
	}
	return n, nil
}

func (c *EthClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := c.erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := c.erc20ABI.Unpack("allowance", out)
	if err != nil {
		return nil, err
	}
	n, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance return type")
	}
	return n, nil
}

func (c *EthClient) DeployProxy(ctx context.Context, user common.Address) (common.Hash, error) {
	data, err := c.factoryABI.Pack("createProxy", user)
	if err != nil {
		return common.Hash{}, err
	}
	return c.send(ctx, c.factory, data)
}

func (c *EthClient) SubmitMetaTransaction(ctx context.Context, proxy common.Address, call ProxyCall) (common.Hash, error) {
	deadline := call.Deadline
	if deadline == nil {
		deadline = big.NewInt(0)
	}
	nonce := call.Nonce
	if nonce == nil {
		nonce = big.NewInt(0)
	}
	data, err := c.proxyABI.Pack("execute", call.Target, call.Data, call.Signature, deadline, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	return c.send(ctx, proxy, data)
}

func (c *EthClient) WaitMined(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := waitReceipt(ctx, c.rpc, hash)
	if err != nil {
		return false, err
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func (c *EthClient) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, err
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas estimation failed: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	if c.logger != nil {
		c.logger.Debug("transaction submitted",
			zap.String("to", to.Hex()),
			zap.String("hash", signed.Hash().Hex()),
		)
	}
	return signed.Hash(), nil
}
