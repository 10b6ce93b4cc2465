package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoSource means a reader has nothing configured for the token.
	ErrNoSource = errors.New("oracle: no source configured")
	// ErrStalePrice means a reading is older than the staleness limit.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrInvalidPrice means a reading was out of range or failed validation.
	ErrInvalidPrice = errors.New("oracle: invalid price")
	// ErrUnavailable means every configured live source failed on transport.
	ErrUnavailable = errors.New("oracle: price sources unavailable")
)

// Scale is the fixed-point unit for prices and health factors (1e18).
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Kind selects which static fallback applies to a token.
type Kind string

const (
	KindCollateral Kind = "collateral"
	KindDebt       Kind = "debt"
)

// ParseKind accepts "collateral" (default when empty) or "debt".
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindCollateral:
		return KindCollateral, nil
	case KindDebt:
		return KindDebt, nil
	default:
		return "", fmt.Errorf("unknown token kind %q", s)
	}
}

// Source names where a price came from.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceDEX      Source = "dex"
	SourceFallback Source = "fallback"
)

// Reading is a raw price observation from one source.
type Reading struct {
	Price     *big.Int
	UpdatedAt time.Time
}

// Reader resolves a token's USD price from one kind of source.
type Reader interface {
	Read(ctx context.Context, token common.Address) (Reading, error)
}

// PricePoint is a resolved, cached price.
type PricePoint struct {
	Token     common.Address
	PriceUSD  *big.Int
	Source    Source
	FetchedAt time.Time
	Staleness time.Duration
}

// Prices pairs the collateral and debt token prices.
type Prices struct {
	Collateral PricePoint
	Debt       PricePoint
}

// Fallback holds the static prices keyed by token kind.
type Fallback struct {
	Collateral *big.Int
	Debt       *big.Int
}

// DefaultFallback is $2 per collateral token and $1.5 per debt token.
func DefaultFallback() Fallback {
	return Fallback{
		Collateral: new(big.Int).Mul(big.NewInt(2), Scale),
		Debt:       new(big.Int).Mul(big.NewInt(15), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)),
	}
}

// Price returns the fallback for kind.
func (f Fallback) Price(kind Kind) *big.Int {
	if kind == KindDebt && f.Debt != nil {
		return new(big.Int).Set(f.Debt)
	}
	if f.Collateral != nil {
		return new(big.Int).Set(f.Collateral)
	}
	return DefaultFallback().Price(kind)
}

// Options parameterise the oracle.
type Options struct {
	CacheTTL        time.Duration
	MaxStaleness    time.Duration
	MaxDeviationPct int64
	RequestTimeout  time.Duration
	Fallback        Fallback
	Primary         Reader
	DEX             Reader
	Now             func() time.Time
}

// cacheEntry outlives its TTL: an expired entry is no longer served but its
// price still validates the next reading.
type cacheEntry struct {
	point PricePoint
}

// Oracle resolves token prices with caching, validation, and source fallthrough.
type Oracle struct {
	opts   Options
	logger zerolog.Logger
	group  singleflight.Group

	mu     sync.RWMutex
	cache  map[common.Address]cacheEntry
	hits   uint64
	misses uint64
}

// New constructs an Oracle.
func New(opts Options, logger zerolog.Logger) *Oracle {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.MaxStaleness <= 0 {
		opts.MaxStaleness = time.Hour
	}
	if opts.MaxDeviationPct <= 0 {
		opts.MaxDeviationPct = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Fallback.Collateral == nil || opts.Fallback.Debt == nil {
		def := DefaultFallback()
		if opts.Fallback.Collateral == nil {
			opts.Fallback.Collateral = def.Collateral
		}
		if opts.Fallback.Debt == nil {
			opts.Fallback.Debt = def.Debt
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Oracle{
		opts:   opts,
		logger: logger.With().Str("component", "price_oracle").Logger(),
		cache:  make(map[common.Address]cacheEntry),
	}
}

// GetTokenPrice returns the cached price or resolves a fresh one. Concurrent
// callers share one resolution, which is not tied to any single caller's
// context; a caller whose context ends gets ctx.Err() and the others still
// receive the price.
func (o *Oracle) GetTokenPrice(ctx context.Context, token common.Address, kind Kind) (PricePoint, error) {
	if point, ok := o.fresh(token); ok {
		return point, nil
	}

	flight := context.WithoutCancel(ctx)
	ch := o.group.DoChan(groupKey(token, kind), func() (interface{}, error) {
		if point, ok := o.fresh(token); ok {
			return point, nil
		}
		o.countMiss()
		return o.resolve(flight, token, kind)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return PricePoint{}, res.Err
		}
		return res.Val.(PricePoint), nil
	case <-ctx.Done():
		return PricePoint{}, ctx.Err()
	}
}

// GetPrices resolves both tokens concurrently.
func (o *Oracle) GetPrices(ctx context.Context, collateralToken, debtToken common.Address) (Prices, error) {
	var prices Prices
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := o.GetTokenPrice(gctx, collateralToken, KindCollateral)
		prices.Collateral = p
		return err
	})
	g.Go(func() error {
		p, err := o.GetTokenPrice(gctx, debtToken, KindDebt)
		prices.Debt = p
		return err
	})
	if err := g.Wait(); err != nil {
		return Prices{}, err
	}
	return prices, nil
}

// RefreshTokenPrice drops the cached entry and resolves again. With no entry
// left there is no deviation reference, so the new reading is accepted as is.
func (o *Oracle) RefreshTokenPrice(ctx context.Context, token common.Address, kind Kind) (PricePoint, error) {
	o.mu.Lock()
	delete(o.cache, token)
	o.mu.Unlock()
	o.group.Forget(groupKey(token, kind))
	return o.GetTokenPrice(ctx, token, kind)
}

// ClearCache empties the cache.
func (o *Oracle) ClearCache() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache = make(map[common.Address]cacheEntry)
}

// PriceSource reports the cached point for a token, if any.
func (o *Oracle) PriceSource(token common.Address) (PricePoint, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.cache[token]
	if !ok {
		return PricePoint{}, false
	}
	return entry.point, true
}

// CacheEntryStats describes one cached token.
type CacheEntryStats struct {
	Token     string        `json:"token"`
	Age       time.Duration `json:"-"`
	AgeMillis int64         `json:"ageMs"`
	Source    Source        `json:"source"`
	PriceUSD  string        `json:"priceUSD"`
	Staleness int64         `json:"stalenessSec,omitempty"`
}

// CacheStats summarises cache content and hit rate.
type CacheStats struct {
	Size    int               `json:"size"`
	Hits    uint64            `json:"hits"`
	Misses  uint64            `json:"misses"`
	Entries []CacheEntryStats `json:"entries"`
}

// GetCacheStats returns a snapshot of the cache.
func (o *Oracle) GetCacheStats() CacheStats {
	now := o.opts.Now()
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := CacheStats{Size: len(o.cache), Hits: o.hits, Misses: o.misses, Entries: make([]CacheEntryStats, 0, len(o.cache))}
	for token, entry := range o.cache {
		age := now.Sub(entry.point.FetchedAt)
		stats.Entries = append(stats.Entries, CacheEntryStats{
			Token:     token.Hex(),
			Age:       age,
			AgeMillis: age.Milliseconds(),
			Source:    entry.point.Source,
			PriceUSD:  entry.point.PriceUSD.String(),
			Staleness: int64(entry.point.Staleness / time.Second),
		})
	}
	sort.Slice(stats.Entries, func(i, j int) bool { return stats.Entries[i].Token < stats.Entries[j].Token })
	return stats
}

// fresh serves an unexpired entry and counts the hit. Misses are counted by
// the resolution that follows, once per shared flight.
func (o *Oracle) fresh(token common.Address) (PricePoint, bool) {
	now := o.opts.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.cache[token]
	if ok && now.Sub(entry.point.FetchedAt) < o.opts.CacheTTL {
		o.hits++
		return entry.point, true
	}
	return PricePoint{}, false
}

func (o *Oracle) countMiss() {
	o.mu.Lock()
	o.misses++
	o.mu.Unlock()
}

// reference is the last cached price from any source, expired or not.
func (o *Oracle) reference(token common.Address) *big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if entry, ok := o.cache[token]; ok {
		return entry.point.PriceUSD
	}
	return nil
}

func (o *Oracle) store(point PricePoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[point.Token] = cacheEntry{point: point}
}

func (o *Oracle) resolve(ctx context.Context, token common.Address, kind Kind) (PricePoint, error) {
	reference := o.reference(token)
	logger := o.logger.With().Str("token", token.Hex()).Logger()

	var transport []error
	sources := []struct {
		source Source
		reader Reader
	}{
		{SourceOracle, o.opts.Primary},
		{SourceDEX, o.opts.DEX},
	}

	for _, src := range sources {
		if src.reader == nil {
			continue
		}

		reading, err := o.read(ctx, src.reader, token)
		switch {
		case errors.Is(err, ErrNoSource):
			continue
		case errors.Is(err, ErrStalePrice), errors.Is(err, ErrInvalidPrice):
			logger.Warn().Err(err).Str("source", string(src.source)).Msg("price reading rejected")
			continue
		case err != nil:
			logger.Warn().Err(err).Str("source", string(src.source)).Msg("price source failed")
			transport = append(transport, fmt.Errorf("%s: %w", src.source, err))
			continue
		}

		if !withinDeviation(reading.Price, reference, o.opts.MaxDeviationPct) {
			logger.Warn().
				Str("source", string(src.source)).
				Str("price", reading.Price.String()).
				Str("reference", reference.String()).
				Msg("price deviates from cached value, trying next source")
			continue
		}

		now := o.opts.Now()
		point := PricePoint{Token: token, PriceUSD: reading.Price, Source: src.source, FetchedAt: now}
		if !reading.UpdatedAt.IsZero() {
			point.Staleness = now.Sub(reading.UpdatedAt)
		}
		o.store(point)
		return point, nil
	}

	if len(transport) > 0 {
		return PricePoint{}, fmt.Errorf("%w for %s: %w", ErrUnavailable, token.Hex(), errors.Join(transport...))
	}

	point := PricePoint{Token: token, PriceUSD: o.opts.Fallback.Price(kind), Source: SourceFallback, FetchedAt: o.opts.Now()}
	logger.Debug().Str("kind", string(kind)).Msg("using fallback price")
	o.store(point)
	return point, nil
}

func (o *Oracle) read(ctx context.Context, reader Reader, token common.Address) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()

	reading, err := reader.Read(ctx, token)
	if err != nil {
		return Reading{}, err
	}
	if reading.Price == nil || reading.Price.Sign() <= 0 {
		return Reading{}, ErrInvalidPrice
	}
	if !reading.UpdatedAt.IsZero() {
		if age := o.opts.Now().Sub(reading.UpdatedAt); age > o.opts.MaxStaleness {
			return Reading{}, fmt.Errorf("%w: %s old", ErrStalePrice, age.Truncate(time.Second))
		}
	}
	return reading, nil
}

// withinDeviation accepts price when |price-ref|*100/ref is below maxPct.
func withinDeviation(price, ref *big.Int, maxPct int64) bool {
	if ref == nil || ref.Sign() == 0 {
		return true
	}
	diff := new(big.Int).Sub(price, ref)
	diff.Abs(diff)
	pct := diff.Mul(diff, big.NewInt(100))
	pct.Quo(pct, ref)
	return pct.Cmp(big.NewInt(maxPct)) < 0
}

func groupKey(token common.Address, kind Kind) string {
	return token.Hex() + "/" + string(kind)
}
