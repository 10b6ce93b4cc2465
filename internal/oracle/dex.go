package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	uniswapV3PoolABIJSON = `[{"inputs":[],"name":"slot0","outputs":[{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},{"internalType":"int24","name":"tick","type":"int24"},{"internalType":"uint16","name":"observationIndex","type":"uint16"},{"internalType":"uint16","name":"observationCardinality","type":"uint16"},{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},{"internalType":"uint8","name":"feeProtocol","type":"uint8"},{"internalType":"bool","name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
	uniswapV2PairABIJSON = `[{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"reserve0","type":"uint112"},{"internalType":"uint112","name":"reserve1","type":"uint112"},{"internalType":"uint32","name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`
)

var (
	uniswapV3ABI abi.ABI
	uniswapV2ABI abi.ABI
	q192         = new(big.Int).Lsh(big.NewInt(1), 192)
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(uniswapV3PoolABIJSON))
	if err != nil {
		panic("failed to parse Uniswap V3 ABI: " + err.Error())
	}
	uniswapV3ABI = parsed

	parsed, err = abi.JSON(strings.NewReader(uniswapV2PairABIJSON))
	if err != nil {
		panic("failed to parse Uniswap V2 ABI: " + err.Error())
	}
	uniswapV2ABI = parsed
}

// UniswapV3Reader derives a price from a concentrated-liquidity pool's sqrtPriceX96.
// Both pool tokens are assumed to carry 18 decimals.
type UniswapV3Reader struct {
	caller ethereum.ContractCaller
	pools  map[common.Address]common.Address
}

// NewUniswapV3Reader builds a reader over token -> pool mappings.
func NewUniswapV3Reader(caller ethereum.ContractCaller, pools map[common.Address]common.Address) *UniswapV3Reader {
	return &UniswapV3Reader{caller: caller, pools: pools}
}

// Read returns the token price in the pool's quote token, scaled to 1e18.
func (u *UniswapV3Reader) Read(ctx context.Context, token common.Address) (Reading, error) {
	pool, ok := u.pools[token]
	if !ok {
		return Reading{}, ErrNoSource
	}

	slot0, err := callContract(ctx, u.caller, uniswapV3ABI, pool, "slot0")
	if err != nil {
		return Reading{}, err
	}
	if len(slot0) == 0 {
		return Reading{}, errors.New("unexpected slot0 response")
	}
	sqrtPrice, ok := slot0[0].(*big.Int)
	if !ok {
		return Reading{}, errors.New("failed to decode slot0 output")
	}

	token0, err := readToken0(ctx, u.caller, uniswapV3ABI, pool)
	if err != nil {
		return Reading{}, err
	}

	price, err := sqrtPriceToPrice(sqrtPrice, token0 == token)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Price: price}, nil
}

// sqrtPriceToPrice converts sqrtPriceX96 into a 1e18-scaled price of the
// tracked token; (sqrtP/2^96)^2 is token1 per token0.
func sqrtPriceToPrice(sqrtPrice *big.Int, tokenIs0 bool) (*big.Int, error) {
	if sqrtPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: zero sqrtPriceX96", ErrInvalidPrice)
	}
	squared := new(big.Int).Mul(sqrtPrice, sqrtPrice)

	var price *big.Int
	if tokenIs0 {
		price = new(big.Int).Mul(squared, Scale)
		price.Quo(price, q192)
	} else {
		price = new(big.Int).Mul(q192, Scale)
		price.Quo(price, squared)
	}
	if price.Sign() == 0 {
		return nil, fmt.Errorf("%w: price rounds to zero", ErrInvalidPrice)
	}
	return price, nil
}

// UniswapV2Reader derives a price from a constant-product pair's reserves.
type UniswapV2Reader struct {
	caller ethereum.ContractCaller
	pairs  map[common.Address]common.Address
}

// NewUniswapV2Reader builds a reader over token -> pair mappings.
func NewUniswapV2Reader(caller ethereum.ContractCaller, pairs map[common.Address]common.Address) *UniswapV2Reader {
	return &UniswapV2Reader{caller: caller, pairs: pairs}
}

// Read returns quoteReserve/tokenReserve scaled to 1e18.
func (u *UniswapV2Reader) Read(ctx context.Context, token common.Address) (Reading, error) {
	pair, ok := u.pairs[token]
	if !ok {
		return Reading{}, ErrNoSource
	}

	reserves, err := callContract(ctx, u.caller, uniswapV2ABI, pair, "getReserves")
	if err != nil {
		return Reading{}, err
	}
	if len(reserves) != 3 {
		return Reading{}, errors.New("unexpected getReserves response")
	}
	reserve0, ok0 := reserves[0].(*big.Int)
	reserve1, ok1 := reserves[1].(*big.Int)
	if !ok0 || !ok1 {
		return Reading{}, errors.New("failed to decode getReserves output")
	}

	token0, err := readToken0(ctx, u.caller, uniswapV2ABI, pair)
	if err != nil {
		return Reading{}, err
	}

	tokenReserve, quoteReserve := reserve1, reserve0
	if token0 == token {
		tokenReserve, quoteReserve = reserve0, reserve1
	}
	if tokenReserve.Sign() == 0 || quoteReserve.Sign() == 0 {
		return Reading{}, fmt.Errorf("%w: empty reserves", ErrInvalidPrice)
	}

	price := new(big.Int).Mul(quoteReserve, Scale)
	price.Quo(price, tokenReserve)
	return Reading{Price: price}, nil
}

func readToken0(ctx context.Context, caller ethereum.ContractCaller, contract abi.ABI, pool common.Address) (common.Address, error) {
	out, err := callContract(ctx, caller, contract, pool, "token0")
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, errors.New("unexpected token0 response")
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("failed to decode token0 output")
	}
	return addr, nil
}

// DEXReader prefers the concentrated-liquidity pool and falls back to the reserve pair.
type DEXReader struct {
	v3 Reader
	v2 Reader
}

// NewDEXReader combines the two pool readers; either may be nil.
func NewDEXReader(v3, v2 Reader) *DEXReader {
	return &DEXReader{v3: v3, v2: v2}
}

// Read tries V3 then V2.
func (d *DEXReader) Read(ctx context.Context, token common.Address) (Reading, error) {
	errV3 := ErrNoSource
	if d.v3 != nil {
		reading, err := d.v3.Read(ctx, token)
		if err == nil {
			return reading, nil
		}
		errV3 = err
	}

	errV2 := ErrNoSource
	if d.v2 != nil {
		reading, err := d.v2.Read(ctx, token)
		if err == nil {
			return reading, nil
		}
		errV2 = err
	}

	switch {
	case errors.Is(errV2, ErrNoSource):
		return Reading{}, errV3
	case errors.Is(errV3, ErrNoSource):
		return Reading{}, errV2
	default:
		return Reading{}, errors.Join(errV3, errV2)
	}
}

var (
	_ Reader = (*UniswapV3Reader)(nil)
	_ Reader = (*UniswapV2Reader)(nil)
	_ Reader = (*DEXReader)(nil)
)
