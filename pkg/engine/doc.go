// Package engine provides the core types and the orchestration driver for fabprov.
//
// # Overview
//
// A catalog is flattened into ResourceSpecs that form a forest: workspaces
// are roots and every other kind (data containers, compute containers,
// artifacts and access grants) sits directly inside one workspace. The
// DAGBuilder validates that shape and assigns creation levels.
//
// Each resource gets an idempotency key derived from its kind, display name
// and its parent's key. The key addresses a ProvisioningRecord in a
// RecordStore, which is how a rerun knows what already exists.
//
// # Driver
//
// Driver.Run walks the forest with bounded parallelism:
//
//  1. A token preflight fails the run early when credentials are wrong.
//  2. A resource starts only after its parent's record is durably succeeded.
//     Children of a parent that failed are skipped and never persisted.
//  3. A pending record is written before the first create call, and a
//     terminal record after it. A succeeded record is reused as-is; failed
//     and timed-out records are carried forward unless Force is set.
//  4. Create returns created, already_exists (resolved through Lookup),
//     accepted (handed to the Poller) or failed.
//  5. A RunSummary is written once at the end, even when the run is
//     cancelled or the preflight fails.
//
// The run status is succeeded when everything succeeded, partial when only
// optional children did not, failed when a workspace or a required child did
// not, and cancelled when the run context ended first.
//
// # Collaborators
//
// The engine only depends on the interfaces in interfaces.go. Concrete
// implementations live in pkg/auth, pkg/fabric, pkg/poller, pkg/stores and
// pkg/summary; tests use hand-written fakes.
package engine
