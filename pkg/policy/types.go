package policy

import (
	"time"

	"github.com/teraunit/teraunit/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block a launch.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the launch.
	SeverityError Severity = "error"

	// SeverityCritical blocks the launch.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin policies survive operator reloads.
	Builtin bool `json:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document policies evaluate as `input`.
type Input struct {
	Launch  LaunchInput  `json:"launch"`
	Context InputContext `json:"context"`
}

// LaunchInput is the policy view of a launch request. Credentials are never included.
type LaunchInput struct {
	Provider          string  `json:"provider"`
	InstanceType      string  `json:"instance_type"`
	Region            string  `json:"region"`
	SourceRegion      string  `json:"source_region"`
	SSHKeyName        string  `json:"ssh_key_name"`
	DatasetSizeGB     float64 `json:"dataset_size_gb"`
	CurrentHourlyCost float64 `json:"current_hourly_cost"`
	Origin            string  `json:"origin"`
}

// InputContext carries evaluation metadata.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// NewLaunchInput builds the policy input for req.
func NewLaunchInput(req engine.LaunchRequest, now time.Time) *Input {
	return &Input{
		Launch: LaunchInput{
			Provider:          string(req.Provider),
			InstanceType:      req.InstanceType,
			Region:            req.Region,
			SourceRegion:      req.SourceRegion,
			SSHKeyName:        req.SSHKeyName,
			DatasetSizeGB:     float64(req.DatasetSizeGB),
			CurrentHourlyCost: req.CurrentHourlyCost,
			Origin:            req.Origin,
		},
		Context: InputContext{
			Timestamp: now.UTC(),
			Operation: "launch",
		},
	}
}
