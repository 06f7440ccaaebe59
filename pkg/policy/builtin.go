package policy

// Violation codes produced by built-in policies.
const (
	CodeSovereignty = "SOVEREIGNTY_VIOLATION"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		sovereigntyPolicy(),
	}
}

// sovereigntyPolicy keeps data inside its jurisdiction class. A region is EU
// when its name starts with "eu-"; a request without a source region is compliant.
func sovereigntyPolicy() Policy {
	return Policy{
		Name:        "sovereignty",
		Description: "Blocks moves between EU and non-EU regions",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package teraunit.admission.sovereignty

is_eu(region) := startswith(lower(region), "eu-")

deny contains violation if {
	src := trim_space(input.launch.source_region)
	src != ""
	is_eu(src) != is_eu(trim_space(input.launch.region))
	violation := {
		"code": "SOVEREIGNTY_VIOLATION",
		"message": "Data transfer between EU and Non-EU zones is prohibited.",
	}
}
`,
	}
}
