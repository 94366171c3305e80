// Package engine provides the deployment orchestrator for per-user lab resources.
//
// # Overview
//
// A deployment record moves through two workflows, each triggered by a change
// event on the record:
//
//  1. INSERT - the Provisioner creates the user's namespace (when the lab asks
//     for one) and the user, recording each step in the StateStore.
//  2. REMOVE - the Teardown removes the user and the namespace, driven only by
//     the created_user and created_namespace flags.
//
// The Handler demultiplexes stream events to the two workflows. The Dispatcher
// creates records from queue messages and keeps their TTL fresh, and the Reaper
// feeds expired records back through the REMOVE path.
//
// # Steps
//
// Every step is written to the store before the next one starts. A step moves
// PENDING -> IN_PROGRESS -> SUCCESS or FAILED and never back. A FAILED step does
// not stop the steps after it; the overall deployment_status becomes PARTIAL.
//
// # Actions
//
// Provisioning actions are external and reached through ActionInvoker. A result
// with status 200 is the only success. Transport failures are InvocationErrors
// and abort the workflow.
//
// # Retry
//
// WithRetry bounds the attempts of one invocation. AuthNotReady treats 401/403
// as "not yet authorized" and is only used for the post-creation probe:
//
//	policy := engine.NewProbePolicy("post-action", 5, time.Second)
//	result, err := engine.WithRetry(ctx, policy, invoke)
//
// # Error Classification
//
//   - Transient: InvocationError, RetryExhausted
//   - Permanent: ActionFailed, NotFound, Validation
//   - Store: StoreUnavailable
//   - Config: ConfigurationError
//   - Conflict: InvalidTransition
package engine
