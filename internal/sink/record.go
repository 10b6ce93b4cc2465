package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PositionSchema is the field layout of every record, in encoding order.
const PositionSchema = "string positionId, address owner, string protocol, address collateralToken, address debtToken, uint256 collateralAmount, uint256 debtAmount, uint256 collateralValueUSD, uint256 debtValueUSD, uint256 healthFactor, uint256 liquidationPrice, uint256 liquidationThreshold, uint256 lastUpdatedAt, string status"

var (
	positionArgs abi.Arguments
	schemaID     = crypto.Keccak256Hash([]byte(PositionSchema))
)

func init() {
	args, err := parseSchema(PositionSchema)
	if err != nil {
		panic("failed to parse position schema: " + err.Error())
	}
	positionArgs = args
}

func parseSchema(schema string) (abi.Arguments, error) {
	var args abi.Arguments
	for _, field := range strings.Split(schema, ",") {
		parts := strings.Fields(field)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed schema field %q", field)
		}
		typ, err := abi.NewType(parts[0], "", nil)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", parts[1], err)
		}
		args = append(args, abi.Argument{Name: parts[1], Type: typ})
	}
	return args, nil
}

// SchemaID is keccak256 of PositionSchema.
func SchemaID() common.Hash {
	return schemaID
}

// Payload is one position assessment ready to be persisted.
type Payload struct {
	PositionID           common.Hash
	Owner                common.Address
	Protocol             string
	CollateralToken      common.Address
	DebtToken            common.Address
	CollateralAmount     *big.Int
	DebtAmount           *big.Int
	CollateralValueUSD   *big.Int
	DebtValueUSD         *big.Int
	HealthFactor         *big.Int
	LiquidationPrice     *big.Int
	LiquidationThreshold *big.Int
	LastUpdatedAt        uint64
	Status               string
	BlockNumber          uint64
}

// Record is an encoded payload keyed by its deterministic id.
type Record struct {
	ID       common.Hash
	SchemaID common.Hash
	Data     []byte
	Payload  Payload
}

// Encode packs the payload in schema order. The record id is the position id,
// so a later write for the same position replaces the earlier one.
func Encode(p Payload) (Record, error) {
	data, err := positionArgs.Pack(
		p.PositionID.Hex(),
		p.Owner,
		p.Protocol,
		p.CollateralToken,
		p.DebtToken,
		nonNil(p.CollateralAmount),
		nonNil(p.DebtAmount),
		nonNil(p.CollateralValueUSD),
		nonNil(p.DebtValueUSD),
		nonNil(p.HealthFactor),
		nonNil(p.LiquidationPrice),
		nonNil(p.LiquidationThreshold),
		new(big.Int).SetUint64(p.LastUpdatedAt),
		p.Status,
	)
	if err != nil {
		return Record{}, fmt.Errorf("encode position: %w", err)
	}
	return Record{ID: p.PositionID, SchemaID: schemaID, Data: data, Payload: p}, nil
}

// Decode unpacks schema-encoded data. A zero liquidation price decodes as nil.
func Decode(data []byte) (Payload, error) {
	values, err := positionArgs.Unpack(data)
	if err != nil {
		return Payload{}, fmt.Errorf("decode position: %w", err)
	}
	if len(values) != len(positionArgs) {
		return Payload{}, errors.New("decode position: field count mismatch")
	}

	idHex, _ := values[0].(string)
	p := Payload{
		PositionID:           common.HexToHash(idHex),
		Owner:                values[1].(common.Address),
		Protocol:             values[2].(string),
		CollateralToken:      values[3].(common.Address),
		DebtToken:            values[4].(common.Address),
		CollateralAmount:     values[5].(*big.Int),
		DebtAmount:           values[6].(*big.Int),
		CollateralValueUSD:   values[7].(*big.Int),
		DebtValueUSD:         values[8].(*big.Int),
		HealthFactor:         values[9].(*big.Int),
		LiquidationThreshold: values[11].(*big.Int),
		LastUpdatedAt:        values[12].(*big.Int).Uint64(),
		Status:               values[13].(string),
	}
	if liq := values[10].(*big.Int); liq.Sign() > 0 {
		p.LiquidationPrice = liq
	}
	return p, nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

type payloadJSON struct {
	PositionID           string  `json:"positionId"`
	Owner                string  `json:"owner"`
	Protocol             string  `json:"protocol"`
	CollateralToken      string  `json:"collateralToken"`
	DebtToken            string  `json:"debtToken"`
	CollateralAmount     string  `json:"collateralAmount"`
	DebtAmount           string  `json:"debtAmount"`
	CollateralValueUSD   string  `json:"collateralValueUSD"`
	DebtValueUSD         string  `json:"debtValueUSD"`
	HealthFactor         string  `json:"healthFactor"`
	LiquidationPrice     *string `json:"liquidationPrice"`
	LiquidationThreshold string  `json:"liquidationThreshold"`
	LastUpdatedAt        uint64  `json:"lastUpdatedAt"`
	Status               string  `json:"status"`
	BlockNumber          uint64  `json:"blockNumber"`
	SchemaID             string  `json:"schemaId"`
}

// MarshalJSON renders amounts as decimal strings.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := payloadJSON{
		PositionID:           p.PositionID.Hex(),
		Owner:                p.Owner.Hex(),
		Protocol:             p.Protocol,
		CollateralToken:      p.CollateralToken.Hex(),
		DebtToken:            p.DebtToken.Hex(),
		CollateralAmount:     nonNil(p.CollateralAmount).String(),
		DebtAmount:           nonNil(p.DebtAmount).String(),
		CollateralValueUSD:   nonNil(p.CollateralValueUSD).String(),
		DebtValueUSD:         nonNil(p.DebtValueUSD).String(),
		HealthFactor:         nonNil(p.HealthFactor).String(),
		LiquidationThreshold: nonNil(p.LiquidationThreshold).String(),
		LastUpdatedAt:        p.LastUpdatedAt,
		Status:               p.Status,
		BlockNumber:          p.BlockNumber,
		SchemaID:             schemaID.Hex(),
	}
	if p.LiquidationPrice != nil {
		s := p.LiquidationPrice.String()
		out.LiquidationPrice = &s
	}
	return json.Marshal(out)
}
