package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/ligun0805/pharos-autobot/internal/retry"
)

var ErrReverted = errors.New("transaction reverted")

// Call describes a transaction before nonce assignment and signing.
type Call struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
}

func (c Call) msg() ethereum.CallMsg {
	return ethereum.CallMsg{From: c.From, To: &c.To, Value: c.Value, Data: c.Data, GasPrice: c.GasPrice}
}

// Client is the RPC side of the runner: reads, estimates and signed broadcasts.
type Client struct {
	ec      *ethclient.Client
	chainID *big.Int
	log     *zap.Logger
}

// Dial connects with keep-alives and a request timeout, and checks the node's chain id.
func Dial(ctx context.Context, rpcURL string, chainID *big.Int, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		},
	}
	rc, err := rpc.DialHTTPWithClient(rpcURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	ec := ethclient.NewClient(rc)

	remote, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if chainID == nil {
		chainID = remote
	} else if remote.Cmp(chainID) != 0 {
		ec.Close()
		return nil, fmt.Errorf("rpc chain id %s does not match configured %s", remote, chainID)
	}
	return &Client{ec: ec, chainID: new(big.Int).Set(chainID), log: logger}, nil
}

func (c *Client) Close()            { c.ec.Close() }
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "-32005")
}

// callWithRetry performs eth_call, retrying only when the provider throttles.
func (c *Client) callWithRetry(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return retry.DoValue(ctx, retry.Options{Name: "eth_call", MaxRetries: 2, BaseDelay: 200 * time.Millisecond, Logger: c.log},
		func(ctx context.Context) ([]byte, error) {
			ret, err := c.ec.CallContract(ctx, msg, nil)
			if err != nil && !isRateLimitError(err) {
				return nil, retry.Permanent(err)
			}
			return ret, err
		})
}

func (c *Client) rawERC20(ctx context.Context, token common.Address, method string, args ...any) ([]byte, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ret, err := c.callWithRetry(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s(%s): %w", method, token.Hex(), err)
	}
	return ret, nil
}

func (c *Client) callERC20(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	ret, err := c.rawERC20(ctx, token, method, args...)
	if err != nil {
		return nil, err
	}
	out, err := erc20ABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := c.callERC20(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := c.callERC20(ctx, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// TokenDecimals returns decimals(); a token answering with no data counts as 18.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	ret, err := c.rawERC20(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	if len(ret) == 0 {
		return NativeDecimals, nil
	}
	out, err := erc20ABI.Unpack("decimals", ret)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

func (c *Client) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.ec.BalanceAt(ctx, owner, nil)
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	return c.ec.SuggestGasPrice(ctx)
}

func (c *Client) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	return c.ec.EstimateGas(ctx, call.msg())
}

// Send signs call with key at the pending nonce, broadcasts it and waits for the receipt.
// A receipt with failed status returns ErrReverted together with the receipt.
func (c *Client) Send(ctx context.Context, key *ecdsa.PrivateKey, call Call) (*types.Receipt, error) {
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.ec.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice := call.GasPrice
	if gasPrice == nil {
		if gasPrice, err = c.GasPrice(ctx); err != nil {
			return nil, fmt.Errorf("gas price: %w", err)
		}
	}
	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}

	tx := buildLegacyTx(nonce, call.To, value, call.Gas, gasPrice, call.Data)
	signed, err := signTx(tx, c.chainID, key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.ec.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	c.log.Debug("tx sent",
		zap.String("hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", call.Gas),
		zap.String("gasPriceGwei", fmtGwei(gasPrice)),
		zap.String("value", fmtETH(value)))

	receipt, err := bind.WaitMined(ctx, c.ec, signed)
	if err != nil {
		return nil, fmt.Errorf("wait %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s: %w", signed.Hash().Hex(), ErrReverted)
	}
	return receipt, nil
}
