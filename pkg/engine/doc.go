// Package engine provides the core types and lifecycle logic of the teraunit
// fleet orchestrator.
//
// # Overview
//
// Every rented GPU instance goes through the same lifecycle:
//
//  1. Admit - a launch request passes the admission guards (Admission)
//  2. Provision - the provider launches the instance with a heartbeat agent (Executor)
//  3. Register - the credential is sealed and a ledger record is written (Sealer, Ledger)
//  4. Monitor - the agent pings the control plane every minute (Fleet.RegisterHeartbeat)
//  5. Reap - silent or over-lease instances are terminated (Reaper)
//
// # Admission
//
// Admission.Launch runs the guards in a fixed order and stops at the first
// rejection:
//
//   - structural validation of the request
//   - admission policies, including the built-in sovereignty policy
//   - the per-origin velocity fuse
//   - read-only credential verification against the provider
//   - egress economics, when a current cost and a market price are known
//
// Only then is the instance provisioned. A ledger record never exists for an
// instance that was not launched, and a launched instance that cannot be
// recorded is terminated again.
//
// # Reclamation
//
// The Reaper scans the ledger on a fixed tick for zombies (no heartbeat within
// the stale timeout) and expired leases. A record only becomes inactive after
// the provider confirmed the terminate call; a failed call leaves it active
// so the next tick retries. Manual termination through Fleet.Terminate shares
// the same path and the same per-record lock.
//
// # Error Classification
//
// Rejections and failures are *FleetError values carrying a category and a
// code:
//
//   - policy: sovereignty, operator policies, velocity fuse, egress, invalid requests
//   - auth: the provider credential could not be verified
//   - provider: the provider rejected or failed a call
//   - integrity: a sealed credential could not be opened
//   - internal: ledger, counter store or other local failures
//
// Use the predicates to inspect them:
//
//	if engine.IsPolicyRejection(err) {
//	    // show "BLOCKED"
//	}
//
// # Thread Safety
//
// Admission, Fleet and Reaper are safe for concurrent use.
package engine
