package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/teraunit/teraunit/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 1 || policies[0].Name != "sovereignty" {
		t.Fatalf("Expected only the sovereignty built-in, got %+v", policies)
	}
	if !policies[0].Builtin || !policies[0].Enabled {
		t.Error("sovereignty policy should be an enabled built-in")
	}
}

func TestEvaluateLaunch_Sovereignty(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name        string
		source      string
		target      string
		wantAllowed bool
	}{
		{"no source region", "", "us-east-1", true},
		{"blank source region", "   ", "eu-west-1", true},
		{"eu to eu", "eu-central-1", "eu-west-1", true},
		{"us to us", "us-east-1", "us-west-2", true},
		{"eu to us", "eu-central-1", "us-east-1", false},
		{"us to eu", "us-east-1", "eu-west-1", false},
		{"case insensitive", "EU-Central-1", "eu-west-1", true},
		{"eu to empty target", "eu-west-1", "", false},
		{"non-eu to empty target", "asia-east1", "", true},
		{"europe without prefix is not eu", "europe-west4", "us-east-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := engine.LaunchRequest{
				Provider:     engine.ProviderLambda,
				InstanceType: "gpu_1x_a100",
				Region:       tt.target,
				SourceRegion: tt.source,
			}

			decision, err := eng.EvaluateLaunch(context.Background(), req)
			if err != nil {
				t.Fatalf("EvaluateLaunch() error = %v", err)
			}
			if decision.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (violations: %+v)", decision.Allowed, tt.wantAllowed, decision.Violations)
			}
			if !tt.wantAllowed {
				v := decision.Violations[0]
				if v.Code != CodeSovereignty || v.Policy != "sovereignty" {
					t.Errorf("unexpected violation %+v", v)
				}
				if v.Message != "Data transfer between EU and Non-EU zones is prohibited." {
					t.Errorf("unexpected message %q", v.Message)
				}
			}
		})
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	req := engine.LaunchRequest{Provider: engine.ProviderVast, Region: "us-east-1", SourceRegion: "eu-west-1"}

	if err := eng.DisablePolicy("sovereignty"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	decision, err := eng.EvaluateLaunch(context.Background(), req)
	if err != nil || !decision.Allowed {
		t.Fatalf("disabled policy still blocks: %+v, %v", decision, err)
	}

	if err := eng.EnablePolicy("sovereignty"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	decision, _ = eng.EvaluateLaunch(context.Background(), req)
	if decision.Allowed {
		t.Error("re-enabled policy does not block")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("EnablePolicy(missing) should fail")
	}
}

func TestReplaceOperatorPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	operator := []Policy{
		{
			Name:     "dataset-cap",
			Severity: SeverityError,
			Enabled:  true,
			Rego: `package teraunit.admission.datasetcap

deny contains violation if {
	input.launch.dataset_size_gb > 1000
	violation := {"code": "DATASET_TOO_LARGE", "message": "dataset too large"}
}
`,
		},
		{
			Name:     "vast-advisory",
			Severity: SeverityWarning,
			Enabled:  true,
			Rego: `package teraunit.admission.advisory

deny contains msg if {
	input.launch.provider == "VAST"
	msg := "vast instances are community hosted"
}
`,
		},
	}

	if err := eng.ReplaceOperatorPolicies(ctx, operator); err != nil {
		t.Fatalf("ReplaceOperatorPolicies() error = %v", err)
	}
	if got := len(eng.ListPolicies()); got != 3 {
		t.Fatalf("ListPolicies() = %d policies, want 3", got)
	}

	big := engine.LaunchRequest{Provider: engine.ProviderRunPod, DatasetSizeGB: 2000}
	decision, err := eng.EvaluateLaunch(ctx, big)
	if err != nil {
		t.Fatalf("EvaluateLaunch() error = %v", err)
	}
	if decision.Allowed || decision.Violations[0].Code != "DATASET_TOO_LARGE" {
		t.Errorf("dataset cap not enforced: %+v", decision)
	}

	// Warnings never block
	vast := engine.LaunchRequest{Provider: engine.ProviderVast, DatasetSizeGB: 10}
	decision, _ = eng.EvaluateLaunch(ctx, vast)
	if !decision.Allowed {
		t.Errorf("warning-level policy blocked: %+v", decision)
	}

	// A broken reload leaves the previous set untouched
	broken := []Policy{{Name: "broken", Enabled: true, Severity: SeverityError, Rego: "package x\n deny contains {"}}
	if err := eng.ReplaceOperatorPolicies(ctx, broken); err == nil {
		t.Fatal("ReplaceOperatorPolicies(broken) should fail")
	}
	if got := len(eng.ListPolicies()); got != 3 {
		t.Errorf("policies after failed reload = %d, want 3", got)
	}

	// An empty reload drops operator policies but keeps built-ins
	if err := eng.ReplaceOperatorPolicies(ctx, nil); err != nil {
		t.Fatalf("ReplaceOperatorPolicies(nil) error = %v", err)
	}
	if got := len(eng.ListPolicies()); got != 1 {
		t.Errorf("policies after empty reload = %d, want 1", got)
	}
}

func TestOperatorPolicyCannotShadowBuiltin(t *testing.T) {
	eng := newTestEngine(t)

	shadow := []Policy{{
		Name:     "sovereignty",
		Severity: SeverityError,
		Enabled:  true,
		Rego:     "package teraunit.admission.noop\n\ndeny contains msg if {\n\tfalse\n\tmsg := \"never\"\n}\n",
	}}
	if err := eng.ReplaceOperatorPolicies(context.Background(), shadow); err != nil {
		t.Fatalf("ReplaceOperatorPolicies() error = %v", err)
	}

	p, err := eng.GetPolicy("sovereignty")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if !p.Builtin {
		t.Error("built-in sovereignty policy was replaced")
	}
}

func TestCreateViolation(t *testing.T) {
	p := &Policy{Name: "p", Severity: SeverityError}

	tests := []struct {
		name     string
		in       interface{}
		wantCode string
		wantMsg  string
		wantSev  Severity
	}{
		{"string", "plain message", engine.ErrCodePolicyViolation, "plain message", SeverityError},
		{"object", map[string]interface{}{"code": "X", "message": "m"}, "X", "m", SeverityError},
		{"severity override", map[string]interface{}{"message": "m", "severity": "warning"}, engine.ErrCodePolicyViolation, "m", SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := createViolation(p, tt.in)
			if v.Code != tt.wantCode || v.Message != tt.wantMsg || v.severity != tt.wantSev {
				t.Errorf("createViolation() = %+v", v)
			}
		})
	}
}
