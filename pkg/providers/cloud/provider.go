// Package cloud drives the GPU provider APIs: launching an instance with the
// heartbeat agent embedded, terminating it, and checking a credential before
// anything is created.
//
// Each provider is one Provider implementation. The Executor dispatches on
// the provider name and is the only entry point the rest of the system uses.
package cloud

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/teraunit/teraunit/pkg/engine"
)

// Provider speaks one provider's wire protocol.
type Provider interface {
	// Name returns the provider this implementation serves.
	Name() engine.ProviderName

	// Launch creates one instance running agentScript at boot and returns
	// the provider-assigned id.
	Launch(ctx context.Context, req engine.LaunchRequest, key, agentScript string) (string, error)

	// Terminate destroys an instance. An instance that no longer exists is not an error.
	Terminate(ctx context.Context, instanceID, key string) error

	// Verify checks the credential and any resource the launch depends on.
	Verify(ctx context.Context, req engine.LaunchRequest, key string) error
}

// Registry maps provider names to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[engine.ProviderName]Provider
}

// NewRegistry creates a registry holding providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[engine.ProviderName]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider for name.
func (r *Registry) Get(name engine.ProviderName) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, engine.NewPolicyRejection(engine.ErrCodeUnsupportedProvider,
			fmt.Sprintf("provider %q is not supported (available: %s)", name, joinNames(r.names())))
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []engine.ProviderName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

// names must be called with r.mu held.
func (r *Registry) names() []engine.ProviderName {
	names := make([]engine.ProviderName, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func joinNames(names []engine.ProviderName) string {
	if len(names) == 0 {
		return "none"
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

// Config configures the built-in providers.
type Config struct {
	// CallbackURL is the heartbeat endpoint the agent reports to.
	CallbackURL string `yaml:"callback_url" validate:"required,url"`

	LambdaBaseURL string `yaml:"lambda_base_url" validate:"omitempty,url"`
	RunPodURL     string `yaml:"runpod_url" validate:"omitempty,url"`
	VastBaseURL   string `yaml:"vast_base_url" validate:"omitempty,url"`

	RunPodImage string `yaml:"runpod_image"`
	VastImage   string `yaml:"vast_image"`

	Client ClientConfig `yaml:"client"`
}

// Default endpoints and images.
const (
	DefaultLambdaBaseURL = "https://cloud.lambda.ai"
	DefaultRunPodURL     = "https://api.runpod.io/graphql"
	DefaultVastBaseURL   = "https://console.vast.ai"

	DefaultRunPodImage = "runpod/pytorch:2.0.1-py3.10-cuda11.8.0-devel"
	DefaultVastImage   = "pytorch/pytorch:2.0.1-cuda11.7-cudnn8-devel"
)

// DefaultConfig returns the production endpoints.
func DefaultConfig() Config {
	return Config{
		LambdaBaseURL: DefaultLambdaBaseURL,
		RunPodURL:     DefaultRunPodURL,
		VastBaseURL:   DefaultVastBaseURL,
		RunPodImage:   DefaultRunPodImage,
		VastImage:     DefaultVastImage,
		Client: ClientConfig{
			Timeout:           DefaultTimeout,
			RequestsPerSecond: 5,
			Burst:             5,
		},
	}
}

// NewDefaultRegistry builds a registry with Lambda, RunPod and Vast sharing one traced HTTP client.
func NewDefaultRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.LambdaBaseURL == "" {
		cfg.LambdaBaseURL = def.LambdaBaseURL
	}
	if cfg.RunPodURL == "" {
		cfg.RunPodURL = def.RunPodURL
	}
	if cfg.VastBaseURL == "" {
		cfg.VastBaseURL = def.VastBaseURL
	}
	if cfg.RunPodImage == "" {
		cfg.RunPodImage = def.RunPodImage
	}
	if cfg.VastImage == "" {
		cfg.VastImage = def.VastImage
	}

	httpClient := newHTTPClient(cfg.Client)
	return NewRegistry(
		NewLambda(cfg.LambdaBaseURL, newAPIClient(engine.ProviderLambda, httpClient, cfg.Client)),
		NewRunPod(cfg.RunPodURL, cfg.RunPodImage, newAPIClient(engine.ProviderRunPod, httpClient, cfg.Client)),
		NewVast(cfg.VastBaseURL, cfg.VastImage, newAPIClient(engine.ProviderVast, httpClient, cfg.Client)),
	)
}
