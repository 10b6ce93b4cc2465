package sink

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const streamsABIJSON = `[{"inputs":[{"components":[{"internalType":"bytes32","name":"id","type":"bytes32"},{"internalType":"bytes32","name":"schemaId","type":"bytes32"},{"internalType":"bytes","name":"data","type":"bytes"}],"internalType":"struct DataStream[]","name":"dataStreams","type":"tuple[]"}],"name":"esstores","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var streamsABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(streamsABIJSON))
	if err != nil {
		panic("failed to parse streams ABI: " + err.Error())
	}
	streamsABI = parsed
}

type dataStream struct {
	Id       [32]byte
	SchemaId [32]byte
	Data     []byte
}

// Transactor submits a contract method call; *bind.BoundContract satisfies it.
type Transactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

// StreamsBackend writes records to the data-streams contract.
type StreamsBackend struct {
	contract Transactor
	opts     *bind.TransactOpts
	timeout  time.Duration
}

// StreamsOptions configure the on-chain backend.
type StreamsOptions struct {
	Address    common.Address
	PrivateKey string
	ChainID    *big.Int
	Timeout    time.Duration
}

// NewStreamsBackend binds the streams contract with a keyed transactor.
func NewStreamsBackend(client bind.ContractBackend, opts StreamsOptions) (*StreamsBackend, error) {
	if opts.Address == (common.Address{}) {
		return nil, errors.New("streams contract address not configured")
	}
	key, err := ParsePrivateKey(opts.PrivateKey)
	if err != nil {
		return nil, err
	}
	if opts.ChainID == nil || opts.ChainID.Sign() == 0 {
		return nil, errors.New("chain id required for signing")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, opts.ChainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	contract := bind.NewBoundContract(opts.Address, streamsABI, client, client, client)
	return NewStreamsBackendWithTransactor(contract, auth, opts.Timeout), nil
}

// NewStreamsBackendWithTransactor wraps an already bound contract.
func NewStreamsBackendWithTransactor(contract Transactor, auth *bind.TransactOpts, timeout time.Duration) *StreamsBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StreamsBackend{contract: contract, opts: auth, timeout: timeout}
}

// Name implements Backend.
func (s *StreamsBackend) Name() string { return "streams" }

// Put submits the record and returns the transaction hash without waiting for inclusion.
func (s *StreamsBackend) Put(ctx context.Context, rec Record) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := *s.opts
	opts.Context = ctx

	tx, err := s.contract.Transact(&opts, "esstores", []dataStream{{Id: rec.ID, SchemaId: rec.SchemaID, Data: rec.Data}})
	if err != nil {
		return "", fmt.Errorf("submit record: %w", err)
	}
	if tx == nil {
		return "", errors.New("submit record: no transaction returned")
	}
	return tx.Hash().Hex(), nil
}

// ParsePrivateKey accepts a hex key with or without 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("private key not configured")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

var _ Backend = (*StreamsBackend)(nil)
