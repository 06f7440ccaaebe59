// Package pricing reads the GPU offer cache maintained by the price-ingestion
// service. Offers are stored in Redis as a JSON list per provider under
// "CLEAN_OFFERS:<PROVIDER>"; this package only ever reads them.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/telemetry"
)

const (
	// KeyPrefix prefixes the per-provider offer list key.
	KeyPrefix = "CLEAN_OFFERS:"

	// MaxStale bounds how long a last-known-good offer list is served after
	// the cache becomes empty or unreachable.
	MaxStale = 5 * time.Minute
)

// Offer is one rentable configuration as published by the ingestion service.
type Offer struct {
	Provider     string  `json:"provider"`
	GPUModel     string  `json:"gpuModel"`
	LaunchID     string  `json:"launchId"`
	PricePerHour float64 `json:"pricePerHour"`
	Region       string  `json:"region"`
	IsAvailable  bool    `json:"isAvailable"`
}

// Getter is the subset of a Redis client the source needs.
type Getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type cachedOffers struct {
	offers []Offer
	at     time.Time
}

// Source serves offers and target prices from the offer cache.
type Source struct {
	client Getter
	logger *telemetry.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastKnown map[engine.ProviderName]cachedOffers
}

var _ engine.PriceSource = (*Source)(nil)

// NewSource creates a source over client.
func NewSource(client Getter, logger *telemetry.Logger) *Source {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Source{
		client:    client,
		logger:    logger.NewComponentLogger("pricing"),
		now:       time.Now,
		lastKnown: make(map[engine.ProviderName]cachedOffers),
	}
}

// read fetches the live offer list. A missing key is an empty list.
func (s *Source) read(ctx context.Context, provider engine.ProviderName) ([]Offer, error) {
	raw, err := s.client.Get(ctx, KeyPrefix+string(provider)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offers for %s: %w", provider, err)
	}

	var offers []Offer
	if err := json.Unmarshal([]byte(raw), &offers); err != nil {
		return nil, fmt.Errorf("decode offers for %s: %w", provider, err)
	}
	return offers, nil
}

// TargetPrice implements engine.PriceSource. It returns the cheapest live
// offer whose GPU model contains, or is contained in, instanceType (case
// insensitive), or whose launch id equals it. No match is a price of 0.
func (s *Source) TargetPrice(ctx context.Context, provider engine.ProviderName, instanceType string) (float64, error) {
	offers, err := s.read(ctx, provider)
	if err != nil {
		return 0, err
	}

	want := strings.ToUpper(strings.TrimSpace(instanceType))
	if want == "" {
		return 0, nil
	}

	best := 0.0
	for _, o := range offers {
		if o.PricePerHour <= 0 || !matches(o, want) {
			continue
		}
		if best == 0 || o.PricePerHour < best {
			best = o.PricePerHour
		}
	}
	return best, nil
}

func matches(o Offer, want string) bool {
	if strings.EqualFold(strings.TrimSpace(o.LaunchID), want) {
		return true
	}
	model := strings.ToUpper(strings.TrimSpace(o.GPUModel))
	if model == "" {
		return false
	}
	return strings.Contains(model, want) || strings.Contains(want, model)
}

// Offers returns the provider's offer list. When the cache is empty or
// unreachable, the last non-empty list seen within MaxStale is served instead;
// past that an empty list is returned.
func (s *Source) Offers(ctx context.Context, provider engine.ProviderName) []Offer {
	offers, err := s.read(ctx, provider)
	if err != nil {
		s.logger.WithProvider(string(provider)).WithError(err).Warn("offer cache read failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && len(offers) > 0 {
		s.lastKnown[provider] = cachedOffers{offers: offers, at: s.now()}
		return offers
	}

	cached, ok := s.lastKnown[provider]
	if !ok || s.now().Sub(cached.at) > MaxStale {
		return []Offer{}
	}
	return cached.offers
}

// Index returns the offers of every provider keyed by lower-case provider name.
func (s *Source) Index(ctx context.Context) map[string][]Offer {
	index := make(map[string][]Offer, len(engine.Providers))
	for _, p := range engine.Providers {
		index[strings.ToLower(string(p))] = s.Offers(ctx, p)
	}
	return index
}

// Nop is a price source that never knows a price, which disables the
// egress check.
type Nop struct{}

// TargetPrice implements engine.PriceSource.
func (Nop) TargetPrice(context.Context, engine.ProviderName, string) (float64, error) {
	return 0, nil
}
