// Package engine provides the core of the tandem orchestration engine.
//
// # Overview
//
// tandem turns generation requests into validated artifacts. It races
// several interchangeable approaches against each other, memoizes the
// winners and pushes the resulting payloads through a validate-then-apply
// task pipeline:
//
//  1. ResourcePool - Exclusive tokens guarding scarce backend endpoints
//  2. RacingScheduler - Runs every approach concurrently, first success wins
//  3. SolutionCache - Write-once memoization keyed by request fingerprint
//  4. TaskRunner - Priority queue plus worker pool that validates and applies payloads
//  5. PipelineOrchestrator - INIT, ANALYZE, PLAN, PARALLEL_EXECUTE, VALIDATE_INTEGRATE, FINALIZE
//
// # Approaches
//
// Generation strategies implement the Approach interface:
//
//	type Approach interface {
//	    Name() string
//	    Priority() int
//	    RequiresToken() bool
//	    Execute(ctx context.Context, req Request, token *PoolToken) (string, error)
//	}
//
// Approaches that require a token receive one drawn from the ResourcePool;
// the scheduler releases it when Execute returns, whatever the outcome.
// When a race is decided the remaining approaches see their context cancelled.
//
// # Task State Machine
//
//	PENDING -> RUNNING -> VALIDATING -> APPLYING -> COMPLETED
//	                \__________\___________\______> FAILED
//	PENDING -> CANCELLED
//
// Transitions never revisit a state. Tasks whose dependencies ended FAILED
// or CANCELLED fail with DEPENDENCY_UNMET; tasks whose dependencies are
// still in progress stay PENDING.
//
// # Error Classification
//
// Every failure is an *EngineError carrying a class and a code:
//
//   - Transient: BACKEND_UNAVAILABLE, BACKEND_TIMEOUT, CANCELLED
//   - Throttled: POOL_EXHAUSTED
//   - Conflict: DEPENDENCY_UNMET, TOKEN_NOT_HELD
//   - Permanent: VALIDATION_ERROR, APPLY_ERROR, ALL_APPROACHES_FAILED
//
// Callers branch on the code:
//
//	if engine.HasCode(err, engine.ErrCodePoolExhausted) {
//	    // try again later
//	}
//
// # Thread Safety
//
// The pool, cache, runner and orchestrator are safe for concurrent use.
// Accessors return copies; callers never observe a task or run mid-update.
package engine
