package engine

import (
	"fmt"
	"strings"
	"time"
)

// ProviderName identifies a supported cloud provider.
type ProviderName string

const (
	// ProviderLambda is Lambda Cloud (REST API, cloud-init user data).
	ProviderLambda ProviderName = "LAMBDA"

	// ProviderRunPod is RunPod (GraphQL API, container docker args).
	ProviderRunPod ProviderName = "RUNPOD"

	// ProviderVast is Vast.ai (REST API, marketplace offers).
	ProviderVast ProviderName = "VAST"
)

// Providers lists every supported provider in a stable order.
var Providers = []ProviderName{ProviderLambda, ProviderRunPod, ProviderVast}

// ParseProvider resolves a provider name case-insensitively.
func ParseProvider(s string) (ProviderName, error) {
	p := ProviderName(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// String returns the provider name.
func (p ProviderName) String() string {
	return string(p)
}

// LaunchRequest describes a single instance launch.
type LaunchRequest struct {
	// Provider selects the cloud provider.
	Provider ProviderName `json:"provider" validate:"required,oneof=LAMBDA RUNPOD VAST"`

	// APIKey is the caller's provider credential. It is sealed before storage
	// and never logged.
	APIKey string `json:"apiKey" validate:"required"`

	// InstanceType is the provider's instance type, GPU type or offer id.
	InstanceType string `json:"instanceType" validate:"required"`

	// Region is the target region.
	Region string `json:"region" validate:"required_if=Provider LAMBDA"`

	// SSHKeyName is the name of a key registered with the provider.
	SSHKeyName string `json:"sshKeyName" validate:"required_if=Provider LAMBDA"`

	// DatasetSizeGB is the amount of data the workload moves, used for egress economics.
	DatasetSizeGB int `json:"datasetSizeGb" validate:"gte=0"`

	// SourceRegion is where the data currently lives, used for sovereignty.
	SourceRegion string `json:"sourceRegion"`

	// CurrentHourlyCost is what the workload costs today, used for egress economics.
	CurrentHourlyCost float64 `json:"currentGpuHourlyCost" validate:"gte=0"`

	// Origin is the resolved client address of the caller. Set by the HTTP boundary.
	Origin string `json:"-"`
}

// HeartbeatIdentity is minted per launch and embedded into the instance's agent.
type HeartbeatIdentity struct {
	// ID is a UUID identifying the instance's heartbeat stream.
	ID string

	// Token is the raw bearer token the agent presents. Only its hash is stored.
	Token string

	// TokenHash is the lowercase hex SHA-256 of Token.
	TokenHash string
}

// IdentityMinter mints a fresh heartbeat identity for each launch.
type IdentityMinter func() (HeartbeatIdentity, error)

// LaunchResult is returned by a successful admission.
type LaunchResult struct {
	// Provider is the provider the instance was launched on.
	Provider ProviderName `json:"provider"`

	// InstanceID is the provider-assigned instance id.
	InstanceID string `json:"instanceId"`

	// HeartbeatID is the orchestrator-minted heartbeat id.
	HeartbeatID string `json:"heartbeatId"`

	// ExpiresAt is the lease deadline, if leases are enabled.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CompositeID returns "{PROVIDER}::{id}".
func (r LaunchResult) CompositeID() string {
	return CompositeID(r.Provider, r.InstanceID)
}

// CompositeID formats a provider and instance id as "{PROVIDER}::{id}".
func CompositeID(provider ProviderName, instanceID string) string {
	return string(provider) + "::" + instanceID
}

// Instance is a ledger record of a launched instance.
type Instance struct {
	InstanceID         string       `json:"instanceId"`
	HeartbeatID        string       `json:"heartbeatId"`
	HeartbeatTokenHash string       `json:"-"`
	Provider           ProviderName `json:"provider"`
	SealedCredential   string       `json:"-"`
	StartTime          time.Time    `json:"startTime"`
	LastHeartbeat      time.Time    `json:"lastHeartbeat"`
	ExpiresAt          *time.Time   `json:"expiresAt,omitempty"`
	Active             bool         `json:"active"`
}

// InstanceSummary is the operator-facing view of an active instance.
type InstanceSummary struct {
	Provider      ProviderName `json:"provider"`
	InstanceID    string       `json:"instanceId"`
	HeartbeatID   string       `json:"heartbeatId"`
	StartTime     time.Time    `json:"startTime"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	ExpiresAt     *time.Time   `json:"expiresAt,omitempty"`
}

// Summary returns the operator-facing view of the record. Secrets are omitted.
func (i *Instance) Summary() InstanceSummary {
	return InstanceSummary{
		Provider:      i.Provider,
		InstanceID:    i.InstanceID,
		HeartbeatID:   i.HeartbeatID,
		StartTime:     i.StartTime,
		LastHeartbeat: i.LastHeartbeat,
		ExpiresAt:     i.ExpiresAt,
	}
}

// TerminateOutcome is the result of a manual termination request.
type TerminateOutcome string

const (
	TerminateNotFound        TerminateOutcome = "NOT_FOUND"
	TerminateAlreadyInactive TerminateOutcome = "ALREADY_INACTIVE"
	TerminateTerminated      TerminateOutcome = "TERMINATED"
)

// ReclaimReason records why an instance was reclaimed.
type ReclaimReason string

const (
	ReclaimZombie ReclaimReason = "zombie"
	ReclaimLease  ReclaimReason = "lease_expired"
	ReclaimManual ReclaimReason = "manual"
)

// ReapReport summarises one reaper tick.
type ReapReport struct {
	Zombies   int           `json:"zombies"`
	Expired   int           `json:"expired"`
	Reclaimed int           `json:"reclaimed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}
