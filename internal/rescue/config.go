package rescue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"position-relayer/internal/config"
)

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// RateLimit bounds how often rescues may run.
type RateLimit struct {
	MaxRescuesPerHour      int `json:"maxRescuesPerHour"`
	MinDelayBetweenRescues int `json:"minDelayBetweenRescues"`
}

// Config is the actuator's runtime configuration. It is never mutated after
// construction; updates build a new value and swap it in whole.
type Config struct {
	Enabled            bool
	AutoRescue         bool
	MinHealthFactor    string
	MaxTopUpAmount     string
	RateLimit          RateLimit
	MonitoredPositions []common.Hash

	minHealthFactor *big.Int
	maxTopUp        *big.Int
	monitored       map[common.Hash]struct{}
	privateKey      string
}

// DefaultConfig returns the disabled defaults.
func DefaultConfig() Config {
	cfg, err := NewConfig(ConfigInput{
		MinHealthFactor: "1.0",
		MaxTopUpAmount:  "100000000000000000",
		RateLimit:       RateLimit{MaxRescuesPerHour: 10, MinDelayBetweenRescues: 300},
	})
	if err != nil {
		panic(err)
	}
	return cfg
}

// ConfigInput is the unvalidated form of Config.
type ConfigInput struct {
	Enabled            bool
	AutoRescue         bool
	MinHealthFactor    string
	MaxTopUpAmount     string
	RateLimit          RateLimit
	MonitoredPositions []string
	PrivateKey         string
}

// NewConfig validates in and derives the scaled thresholds.
func NewConfig(in ConfigInput) (Config, error) {
	minHF, err := ParseHealthFactor(in.MinHealthFactor)
	if err != nil {
		return Config{}, &ValidationError{Field: "minHealthFactor", Message: err.Error()}
	}
	maxTopUp, err := parseAmount(in.MaxTopUpAmount)
	if err != nil {
		return Config{}, &ValidationError{Field: "maxTopUpAmount", Message: err.Error()}
	}
	if in.RateLimit.MaxRescuesPerHour < 0 {
		return Config{}, &ValidationError{Field: "rateLimit.maxRescuesPerHour", Message: "must not be negative"}
	}
	if in.RateLimit.MinDelayBetweenRescues < 0 {
		return Config{}, &ValidationError{Field: "rateLimit.minDelayBetweenRescues", Message: "must not be negative"}
	}

	cfg := Config{
		Enabled:         in.Enabled,
		AutoRescue:      in.AutoRescue,
		MinHealthFactor: strings.TrimSpace(in.MinHealthFactor),
		MaxTopUpAmount:  maxTopUp.String(),
		RateLimit:       in.RateLimit,
		minHealthFactor: minHF,
		maxTopUp:        maxTopUp,
		monitored:       make(map[common.Hash]struct{}, len(in.MonitoredPositions)),
		privateKey:      strings.TrimSpace(in.PrivateKey),
	}
	for _, raw := range in.MonitoredPositions {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := ParsePositionID(raw)
		if err != nil {
			return Config{}, &ValidationError{Field: "monitoredPositions", Message: err.Error()}
		}
		if _, dup := cfg.monitored[id]; dup {
			continue
		}
		cfg.monitored[id] = struct{}{}
		cfg.MonitoredPositions = append(cfg.MonitoredPositions, id)
	}
	return cfg, nil
}

// FromSettings builds the startup config.
func FromSettings(s config.BotConfig) (Config, error) {
	return NewConfig(ConfigInput{
		Enabled:         s.Enabled,
		AutoRescue:      s.AutoRescue,
		MinHealthFactor: s.MinHealthFactor,
		MaxTopUpAmount:  s.MaxTopUpAmount,
		RateLimit: RateLimit{
			MaxRescuesPerHour:      s.MaxRescuesPerHour,
			MinDelayBetweenRescues: s.MinDelaySeconds,
		},
		MonitoredPositions: s.MonitoredPositions,
		PrivateKey:         s.PrivateKey,
	})
}

// MinHealthFactorScaled returns the 1e18-scaled threshold.
func (c Config) MinHealthFactorScaled() *big.Int { return new(big.Int).Set(c.minHealthFactor) }

// MaxTopUp returns the top-up amount.
func (c Config) MaxTopUp() *big.Int { return new(big.Int).Set(c.maxTopUp) }

// HasSigner reports whether a signing credential is configured.
func (c Config) HasSigner() bool { return c.privateKey != "" }

// Monitors reports whether id passes the allow-list; an empty list admits all.
func (c Config) Monitors(id common.Hash) bool {
	if len(c.monitored) == 0 {
		return true
	}
	_, ok := c.monitored[id]
	return ok
}

// ConfigUpdate is the JSON body accepted by UpdateConfig. The four core fields
// are required; omitted optional fields keep their current values.
type ConfigUpdate struct {
	Enabled            *bool      `json:"enabled"`
	AutoRescue         *bool      `json:"autoRescue"`
	MinHealthFactor    *string    `json:"minHealthFactor"`
	MaxTopUpAmount     *string    `json:"maxTopUpAmount"`
	RateLimit          *RateLimit `json:"rateLimit,omitempty"`
	MonitoredPositions *[]string  `json:"monitoredPositions,omitempty"`
}

// DecodeConfigUpdate parses body, mapping type mismatches onto ValidationError.
func DecodeConfigUpdate(body []byte) (ConfigUpdate, error) {
	var upd ConfigUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return ConfigUpdate{}, &ValidationError{Field: typeErr.Field, Message: "expected " + typeErr.Type.String()}
		}
		return ConfigUpdate{}, &ValidationError{Field: "body", Message: err.Error()}
	}
	return upd, nil
}

// Apply builds the replacement config from current and upd. The signing
// credential is carried over; it cannot be set over HTTP.
func (upd ConfigUpdate) Apply(current Config) (Config, error) {
	switch {
	case upd.Enabled == nil:
		return Config{}, &ValidationError{Field: "enabled", Message: "required boolean"}
	case upd.AutoRescue == nil:
		return Config{}, &ValidationError{Field: "autoRescue", Message: "required boolean"}
	case upd.MinHealthFactor == nil:
		return Config{}, &ValidationError{Field: "minHealthFactor", Message: "required decimal string"}
	case upd.MaxTopUpAmount == nil:
		return Config{}, &ValidationError{Field: "maxTopUpAmount", Message: "required integer string"}
	}

	in := ConfigInput{
		Enabled:         *upd.Enabled,
		AutoRescue:      *upd.AutoRescue,
		MinHealthFactor: *upd.MinHealthFactor,
		MaxTopUpAmount:  *upd.MaxTopUpAmount,
		RateLimit:       current.RateLimit,
		PrivateKey:      current.privateKey,
	}
	if upd.RateLimit != nil {
		in.RateLimit = *upd.RateLimit
	}
	if upd.MonitoredPositions != nil {
		in.MonitoredPositions = *upd.MonitoredPositions
	} else {
		for _, id := range current.MonitoredPositions {
			in.MonitoredPositions = append(in.MonitoredPositions, id.Hex())
		}
	}
	return NewConfig(in)
}

// ParseHealthFactor converts a positive decimal such as "1.0" to a 1e18-scaled integer.
func ParseHealthFactor(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.New("not a decimal number")
	}
	if !d.IsPositive() {
		return nil, errors.New("must be greater than zero")
	}
	return d.Shift(18).Floor().BigInt(), nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, errors.New("not an integer")
	}
	if v.Sign() <= 0 {
		return nil, errors.New("must be greater than zero")
	}
	return v, nil
}

// ParsePositionID accepts a 0x-prefixed or bare hex id of at most 32 bytes,
// left-padding shorter values.
func ParsePositionID(s string) (common.Hash, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" || len(s) > 64 {
		return common.Hash{}, fmt.Errorf("position id %q must be 1-32 bytes of hex", s)
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return common.Hash{}, fmt.Errorf("position id %q is not hex", s)
		}
	}
	return common.HexToHash(s), nil
}
