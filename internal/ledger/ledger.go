package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const lendingABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"bytes32","name":"positionId","type":"bytes32"},{"indexed":true,"internalType":"address","name":"owner","type":"address"},{"indexed":false,"internalType":"uint256","name":"collateral","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"debt","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"PositionUpdated","type":"event"}]`

const positionUpdatedEvent = "PositionUpdated"

// ErrDecode marks a log that could not be decoded into a PositionUpdate.
var ErrDecode = errors.New("ledger: decode position update")

var lendingABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(lendingABIJSON))
	if err != nil {
		panic("failed to parse lending ABI: " + err.Error())
	}
	lendingABI = parsed
}

// Client is the subset of an Ethereum RPC client the event source needs.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// PositionUpdate is a decoded PositionUpdated event.
type PositionUpdate struct {
	PositionID  common.Hash
	Owner       common.Address
	Collateral  *big.Int
	Debt        *big.Int
	Timestamp   uint64
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// PositionUpdatedTopic returns the event signature hash.
func PositionUpdatedTopic() common.Hash {
	return lendingABI.Events[positionUpdatedEvent].ID
}

// Query builds the log filter for PositionUpdated on the lending contract.
func Query(contract common.Address, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{PositionUpdatedTopic()}},
	}
}

// Decode converts a raw log into a PositionUpdate.
func Decode(log types.Log) (PositionUpdate, error) {
	if len(log.Topics) != 3 {
		return PositionUpdate{}, fmt.Errorf("%w: expected 3 topics, got %d", ErrDecode, len(log.Topics))
	}
	if log.Topics[0] != PositionUpdatedTopic() {
		return PositionUpdate{}, fmt.Errorf("%w: unexpected signature %s", ErrDecode, log.Topics[0].Hex())
	}

	values, err := lendingABI.Unpack(positionUpdatedEvent, log.Data)
	if err != nil {
		return PositionUpdate{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(values) != 3 {
		return PositionUpdate{}, fmt.Errorf("%w: expected 3 data fields, got %d", ErrDecode, len(values))
	}

	collateral, ok1 := values[0].(*big.Int)
	debt, ok2 := values[1].(*big.Int)
	ts, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return PositionUpdate{}, fmt.Errorf("%w: unexpected field types", ErrDecode)
	}

	return PositionUpdate{
		PositionID:  log.Topics[1],
		Owner:       common.BytesToAddress(log.Topics[2].Bytes()),
		Collateral:  collateral,
		Debt:        debt,
		Timestamp:   ts.Uint64(),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}, nil
}

// EncodeLog builds a PositionUpdated log; used by simulations and tests.
func EncodeLog(contract common.Address, u PositionUpdate) (types.Log, error) {
	data, err := lendingABI.Events[positionUpdatedEvent].Inputs.NonIndexed().Pack(u.Collateral, u.Debt, new(big.Int).SetUint64(u.Timestamp))
	if err != nil {
		return types.Log{}, fmt.Errorf("pack position update: %w", err)
	}
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{PositionUpdatedTopic(), u.PositionID, common.BytesToHash(u.Owner.Bytes())},
		Data:        data,
		BlockNumber: u.BlockNumber,
		TxHash:      u.TxHash,
		Index:       u.LogIndex,
	}, nil
}
