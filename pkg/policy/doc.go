// Package policy evaluates launch requests against Rego admission policies
// using Open Policy Agent.
//
// The engine always carries the built-in sovereignty policy, which rejects
// moves between EU and non-EU regions. Operators may add their own policies
// as .rego files (or .json definitions wrapping Rego) in a directory that is
// watched and hot-reloaded.
//
// A policy contributes violations through a `deny` set in its package:
//
//	package teraunit.admission.limits
//
//	deny contains violation if {
//		input.launch.dataset_size_gb > 5000
//		violation := {"code": "DATASET_TOO_LARGE", "message": "dataset exceeds 5 TB"}
//	}
//
// Violations with severity "error" or "critical" block the launch; "warning"
// and "info" violations are logged only. Operator policies default to "error".
//
// The input document has the shape:
//
//	{
//	  "launch": {
//	    "provider": "LAMBDA",
//	    "instance_type": "gpu_1x_a100",
//	    "region": "us-east-1",
//	    "source_region": "eu-central-1",
//	    "ssh_key_name": "ops",
//	    "dataset_size_gb": 100,
//	    "current_hourly_cost": 1.1,
//	    "origin": "203.0.113.7"
//	  },
//	  "context": {"timestamp": "...", "operation": "launch"}
//	}
//
// Credentials are never part of the input.
package policy
