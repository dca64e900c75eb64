package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc   = common.HexToAddress("0x72df0bcd7276f2dFbAc900D1CE63c272C4BCcCED")
	usdt   = common.HexToAddress("0xD4071393f8716661958F766DF660033b3d35fD29")
	router = common.HexToAddress("0x3541423f25a1ca5c98fdbcf478405d3f0aad1164")
	owner  = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

	// answers every call with empty data
	bareToken = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

func TestToBaseUnits(t *testing.T) {
	assert.Equal(t, "123456000000000000", ToBaseUnits(decimal.RequireFromString("0.123456"), 18).String())
	assert.Equal(t, "1000000", ToBaseUnits(decimal.RequireFromString("1"), 6).String())
	assert.Equal(t, "1", ToBaseUnits(decimal.RequireFromString("1.9"), 0).String())
	assert.Equal(t, "0.5", FormatUnits(big.NewInt(500000), 6))
	assert.Equal(t, "0", FormatUnits(nil, 6))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "1.500000", fmtETH(big.NewInt(1_500_000_000_000_000_000)))
	assert.Equal(t, "2.50", fmtGwei(big.NewInt(2_500_000_000)))
}

func TestWithMargin(t *testing.T) {
	assert.Equal(t, uint64(120_000), WithMargin(100_000, 20))
	assert.Equal(t, uint64(25_310), WithMargin(21_092, 20))
	assert.Equal(t, uint64(21_000), WithMargin(21_000, 0))
}

func TestEncodeSwapExactTokensForTokens(t *testing.T) {
	amount := big.NewInt(123)
	deadline := big.NewInt(1_700_000_600)
	data, err := EncodeSwapExactTokensForTokens(amount, big.NewInt(0), []common.Address{usdc, usdt}, owner, deadline)
	require.NoError(t, err)

	method, err := routerABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "swapExactTokensForTokens", method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, "123", args[0].(*big.Int).String())
	assert.Equal(t, 0, args[1].(*big.Int).Sign())
	assert.Equal(t, []common.Address{usdc, usdt}, args[2])
	assert.Equal(t, owner, args[3])
	assert.Equal(t, deadline.String(), args[4].(*big.Int).String())
}

func TestEncodeSwapExactETHForTokens(t *testing.T) {
	weth := common.HexToAddress("0x76aaaDA469D23216bE5f7C596fA25F282Ff9b364")
	data, err := EncodeSwapExactETHForTokens(big.NewInt(0), []common.Address{weth, usdc}, owner, big.NewInt(10))
	require.NoError(t, err)

	method, err := routerABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "swapExactETHForTokens", method.Name)
	assert.True(t, method.IsPayable())
}

func TestEncodeApprove(t *testing.T) {
	data, err := EncodeApprove(router, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, "095ea7b3", common.Bytes2Hex(data[:4]))
	assert.Equal(t, common.LeftPadBytes(router.Bytes(), 32), data[4:36])
}

func TestSignTxRecoversSender(t *testing.T) {
	key, err := gethcrypto.HexToECDSA("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	chainID := big.NewInt(688688)

	tx := buildLegacyTx(3, router, big.NewInt(0), 100_000, big.NewInt(1_000_000_000), []byte{0x01})
	signed, err := signTx(tx, chainID, key)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, owner, from)
	assert.Equal(t, "688688", signed.ChainId().String())
	assert.Equal(t, uint64(3), signed.Nonce())
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func uint256Hex(v int64) string {
	return hexutil.Encode(common.LeftPadBytes(big.NewInt(v).Bytes(), 32))
}

func newFakeNode(t *testing.T, chainIDHex string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		var result any
		switch req.Method {
		case "eth_chainId":
			result = chainIDHex
		case "eth_getBalance":
			result = "0xde0b6b3a7640000"
		case "eth_call":
			var call map[string]string
			_ = json.Unmarshal(req.Params[0], &call)
			input := call["input"]
			if input == "" {
				input = call["data"]
			}
			switch {
			case strings.EqualFold(call["to"], bareToken.Hex()):
				result = "0x"
			case strings.HasPrefix(input, "0x70a08231"):
				result = uint256Hex(2_500_000)
			case strings.HasPrefix(input, "0x313ce567"):
				result = uint256Hex(6)
			case strings.HasPrefix(input, "0xdd62ed3e"):
				result = uint256Hex(0)
			default:
				result = "0x"
			}
		default:
			t.Errorf("unexpected method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func TestClientReads(t *testing.T) {
	server := newFakeNode(t, "0xa8230")
	defer server.Close()

	ctx := context.Background()
	c, err := Dial(ctx, server.URL, big.NewInt(688688), nil)
	require.NoError(t, err)
	defer c.Close()

	bal, err := c.TokenBalance(ctx, usdc, owner)
	require.NoError(t, err)
	assert.Equal(t, "2500000", bal.String())

	dec, err := c.TokenDecimals(ctx, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), dec)

	dec, err = c.TokenDecimals(ctx, bareToken)
	require.NoError(t, err)
	assert.Equal(t, uint8(NativeDecimals), dec)

	allowance, err := c.Allowance(ctx, usdc, owner, router)
	require.NoError(t, err)
	assert.Equal(t, 0, allowance.Sign())

	native, err := c.NativeBalance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", native.String())
}

func TestDialChainIDMismatch(t *testing.T) {
	server := newFakeNode(t, "0x1")
	defer server.Close()

	_, err := Dial(context.Background(), server.URL, big.NewInt(688688), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	c, err := Dial(context.Background(), server.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", c.ChainID().String())
	c.Close()
}

func TestIsRateLimitError(t *testing.T) {
	assert.False(t, isRateLimitError(errors.New("execution reverted")))
	assert.True(t, isRateLimitError(errors.New("429 Too Many Requests")))
	assert.True(t, isRateLimitError(errors.New("rpc error -32005: limit exceeded")))
	assert.False(t, isRateLimitError(nil))
}
