package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teraunit/teraunit/pkg/engine"
)

// fakeRedis serves canned values per key.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) set(t *testing.T, provider engine.ProviderName, offers []Offer) {
	t.Helper()
	raw, err := json.Marshal(offers)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.values[KeyPrefix+string(provider)] = string(raw)
	f.mu.Unlock()
}

func (f *fakeRedis) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestTargetPrice(t *testing.T) {
	fake := newFakeRedis()
	fake.set(t, engine.ProviderLambda, []Offer{
		{GPUModel: "NVIDIA A100", LaunchID: "gpu_1x_a100", PricePerHour: 1.29},
		{GPUModel: "NVIDIA A100 80GB", LaunchID: "gpu_1x_a100_sxm4", PricePerHour: 1.79},
		{GPUModel: "NVIDIA H100", LaunchID: "gpu_1x_h100_pcie", PricePerHour: 2.49},
		{GPUModel: "", LaunchID: "broken", PricePerHour: 0.01},
		{GPUModel: "NVIDIA A10", LaunchID: "gpu_1x_a10", PricePerHour: 0},
	})
	src := NewSource(fake, nil)

	tests := []struct {
		name         string
		provider     engine.ProviderName
		instanceType string
		want         float64
	}{
		{"model contained in request", engine.ProviderLambda, "nvidia a100 80gb pcie", 1.29},
		{"request contained in model", engine.ProviderLambda, "H100", 2.49},
		{"launch id", engine.ProviderLambda, "gpu_1x_a100_sxm4", 1.79},
		{"zero priced offers ignored", engine.ProviderLambda, "gpu_1x_a10", 0},
		{"no match", engine.ProviderLambda, "RTX 4090", 0},
		{"blank request", engine.ProviderLambda, "  ", 0},
		{"missing key", engine.ProviderRunPod, "A100", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := src.TargetPrice(context.Background(), tt.provider, tt.instanceType)
			if err != nil {
				t.Fatalf("TargetPrice() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("TargetPrice() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTargetPriceErrors(t *testing.T) {
	fake := newFakeRedis()
	src := NewSource(fake, nil)

	fake.mu.Lock()
	fake.values[KeyPrefix+"VAST"] = "not json"
	fake.mu.Unlock()
	if price, err := src.TargetPrice(context.Background(), engine.ProviderVast, "A100"); err == nil || price != 0 {
		t.Errorf("TargetPrice() = %v, %v; want 0 and a decode error", price, err)
	}

	fake.fail(errors.New("connection refused"))
	if price, err := src.TargetPrice(context.Background(), engine.ProviderLambda, "A100"); err == nil || price != 0 {
		t.Errorf("TargetPrice() = %v, %v; want 0 and a read error", price, err)
	}
}

func TestOffersLastKnownGood(t *testing.T) {
	fake := newFakeRedis()
	src := NewSource(fake, nil)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return now }

	live := []Offer{{Provider: "VAST", GPUModel: "RTX 4090", LaunchID: "991", PricePerHour: 0.35, IsAvailable: true}}
	fake.set(t, engine.ProviderVast, live)

	if got := src.Offers(context.Background(), engine.ProviderVast); len(got) != 1 || got[0].LaunchID != "991" {
		t.Fatalf("Offers() = %+v, want live offers", got)
	}

	// Cache outage within the staleness bound serves the previous list
	fake.fail(errors.New("timeout"))
	now = now.Add(MaxStale - time.Second)
	if got := src.Offers(context.Background(), engine.ProviderVast); len(got) != 1 {
		t.Errorf("Offers() = %+v, want last known good", got)
	}

	now = now.Add(2 * time.Second)
	if got := src.Offers(context.Background(), engine.ProviderVast); len(got) != 0 {
		t.Errorf("Offers() = %+v, want empty after MaxStale", got)
	}
}

func TestOffersEmptyListDoesNotOverwrite(t *testing.T) {
	fake := newFakeRedis()
	src := NewSource(fake, nil)

	fake.set(t, engine.ProviderRunPod, []Offer{{GPUModel: "NVIDIA A40", PricePerHour: 0.4}})
	src.Offers(context.Background(), engine.ProviderRunPod)

	fake.set(t, engine.ProviderRunPod, []Offer{})
	if got := src.Offers(context.Background(), engine.ProviderRunPod); len(got) != 1 {
		t.Errorf("Offers() = %+v, want last known good after an empty scrape", got)
	}
}

func TestIndex(t *testing.T) {
	fake := newFakeRedis()
	fake.set(t, engine.ProviderLambda, []Offer{{GPUModel: "NVIDIA A100", PricePerHour: 1.29}})
	src := NewSource(fake, nil)

	index := src.Index(context.Background())
	for _, key := range []string{"lambda", "runpod", "vast"} {
		if _, ok := index[key]; !ok {
			t.Errorf("Index() missing %q", key)
		}
	}
	if len(index["lambda"]) != 1 || len(index["vast"]) != 0 {
		t.Errorf("Index() = %+v", index)
	}
}

func TestNop(t *testing.T) {
	if price, err := (Nop{}).TargetPrice(context.Background(), engine.ProviderLambda, "A100"); price != 0 || err != nil {
		t.Errorf("Nop.TargetPrice() = %v, %v", price, err)
	}
}
