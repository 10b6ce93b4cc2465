package rescue

import (
	"context"
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

const rescueHelperABIJSON = `[
  {"inputs":[],"name":"owner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"bytes32","name":"positionId","type":"bytes32"},{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"newCollateral","type":"uint256"},{"internalType":"uint256","name":"debt","type":"uint256"}],"name":"rescueTopUp","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var rescueHelperABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(rescueHelperABIJSON))
	if err != nil {
		panic("failed to parse rescue helper ABI: " + err.Error())
	}
	rescueHelperABI = parsed
}

// ErrReverted is returned when a rescue transaction is mined with a failed status.
var ErrReverted = errors.New("rescue transaction reverted")

// Contract is the privileged rescue helper.
type Contract interface {
	// Sender is the address rescues are signed by.
	Sender() common.Address
	Owner(ctx context.Context) (common.Address, error)
	// RescueTopUp submits the top-up and blocks until it is mined.
	RescueTopUp(ctx context.Context, positionID common.Hash, owner common.Address, newCollateral, debt *big.Int) (common.Hash, error)
}

// ContractFactory binds the helper once a signing credential is known.
type ContractFactory func(privateKey string) (Contract, error)

// EthBackend is what an *ethclient.Client provides.
type EthBackend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type boundContract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

type receiptWaiter func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

// ContractOptions configure EthContract.
type ContractOptions struct {
	Address        common.Address
	ChainID        *big.Int
	RequestTimeout time.Duration
	ConfirmTimeout time.Duration
}

// EthContract talks to the helper through go-ethereum bindings.
type EthContract struct {
	contract       boundContract
	auth           *bind.TransactOpts
	wait           receiptWaiter
	requestTimeout time.Duration
	confirmTimeout time.Duration
}

// NewContractFactory returns a factory binding the helper at opts.Address on backend.
func NewContractFactory(backend EthBackend, opts ContractOptions) ContractFactory {
	return func(privateKey string) (Contract, error) {
		if privateKey == "" {
			return nil, ErrNoSigner
		}
		if opts.Address == (common.Address{}) {
			return nil, errors.New("rescue helper address not configured")
		}
		if opts.ChainID == nil || opts.ChainID.Sign() == 0 {
			return nil, errors.New("chain id required for signing")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse bot private key: %w", err)
		}
		auth, err := bind.NewKeyedTransactorWithChainID(key, opts.ChainID)
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
		bound := bind.NewBoundContract(opts.Address, rescueHelperABI, backend, backend, backend)
		wait := func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
			return bind.WaitMined(ctx, backend, tx)
		}
		return newEthContract(bound, auth, wait, opts), nil
	}
}

func newEthContract(contract boundContract, auth *bind.TransactOpts, wait receiptWaiter, opts ContractOptions) *EthContract {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	return &EthContract{
		contract:       contract,
		auth:           auth,
		wait:           wait,
		requestTimeout: opts.RequestTimeout,
		confirmTimeout: opts.ConfirmTimeout,
	}
}

// Sender implements Contract.
func (c *EthContract) Sender() common.Address { return c.auth.From }

// Owner reads the helper's privileged controller.
func (c *EthContract) Owner(ctx context.Context) (common.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "owner"); err != nil {
		return common.Address{}, fmt.Errorf("call owner: %w", err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("owner returned %d values", len(out))
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("owner returned %T", out[0])
	}
	return owner, nil
}

// RescueTopUp signs and sends rescueTopUp, then waits for the receipt. The
// wait is detached from ctx cancellation: a submitted rescue runs to
// confirmation or the confirm timeout.
func (c *EthContract) RescueTopUp(ctx context.Context, positionID common.Hash, owner common.Address, newCollateral, debt *big.Int) (common.Hash, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	opts := *c.auth
	opts.Context = sendCtx
	tx, err := c.contract.Transact(&opts, "rescueTopUp", [32]byte(positionID), owner, newCollateral, debt)
	if err != nil {
		return common.Hash{}, fmt.Errorf("send rescueTopUp: %w", err)
	}

	waitCtx, cancelWait := context.WithTimeout(context.WithoutCancel(ctx), c.confirmTimeout)
	defer cancelWait()
	receipt, err := c.wait(waitCtx, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("wait for rescue %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

var _ Contract = (*EthContract)(nil)
