package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const chainlinkABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

const defaultFeedDecimals = 8

var (
	chainlinkABI abi.ABI
	// readings above 1e30 (1e12 USD per token) are treated as corrupt
	maxSanePrice = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(chainlinkABIJSON))
	if err != nil {
		panic("failed to parse Chainlink ABI: " + err.Error())
	}
	chainlinkABI = parsed
}

// ChainlinkReader reads aggregator feeds keyed by token address.
type ChainlinkReader struct {
	caller ethereum.ContractCaller
	feeds  map[common.Address]common.Address
}

// NewChainlinkReader builds a reader over token -> aggregator mappings.
func NewChainlinkReader(caller ethereum.ContractCaller, feeds map[common.Address]common.Address) *ChainlinkReader {
	return &ChainlinkReader{caller: caller, feeds: feeds}
}

// Read returns the latest feed answer scaled to 1e18.
func (c *ChainlinkReader) Read(ctx context.Context, token common.Address) (Reading, error) {
	feed, ok := c.feeds[token]
	if !ok {
		return Reading{}, ErrNoSource
	}

	out, err := callContract(ctx, c.caller, chainlinkABI, feed, "latestRoundData")
	if err != nil {
		return Reading{}, err
	}
	if len(out) != 5 {
		return Reading{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok1 := out[1].(*big.Int)
	updatedAt, ok2 := out[3].(*big.Int)
	if !ok1 || !ok2 {
		return Reading{}, errors.New("failed to decode latestRoundData output")
	}
	if answer.Sign() <= 0 {
		return Reading{}, fmt.Errorf("%w: non-positive answer %s", ErrInvalidPrice, answer)
	}

	decimals := uint8(defaultFeedDecimals)
	if dec, err := callContract(ctx, c.caller, chainlinkABI, feed, "decimals"); err == nil && len(dec) == 1 {
		if d, ok := dec[0].(uint8); ok {
			decimals = d
		}
	}

	price := scaleTo18(answer, decimals)
	if price.Sign() == 0 || price.Cmp(maxSanePrice) > 0 {
		return Reading{}, fmt.Errorf("%w: %s out of range", ErrInvalidPrice, price)
	}

	return Reading{Price: price, UpdatedAt: time.Unix(updatedAt.Int64(), 0)}, nil
}

func scaleTo18(v *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case decimals < 18:
		return out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil))
	case decimals > 18:
		return out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil))
	default:
		return out
	}
}

func callContract(ctx context.Context, caller ethereum.ContractCaller, contract abi.ABI, addr common.Address, method string, args ...interface{}) ([]interface{}, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), err)
	}
	return contract.Unpack(method, res)
}

var _ Reader = (*ChainlinkReader)(nil)
