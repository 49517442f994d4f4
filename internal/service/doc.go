// Package service wires the orchestration engine into a long running host.
//
// The Supervisor opens the configured store, builds the engine, the
// recovery scanner and the operator Controller, and then runs one of two
// execution modes until its context is cancelled:
//
//	local   the scheduler polls the store and claims eligible processes
//	redis   operator commands enqueue jobs and this host consumes them
//
// Startup order matters. The recovery scan runs to completion before any
// claim is made, so work left Running by a crashed host is demoted to
// Interrupted first and can then be resumed. The readiness check of the
// health endpoint fails until the scan succeeded.
//
//	Supervisor.Do
//	    |
//	    +-- health and metrics endpoint (optional)
//	    +-- recovery.Scanner.Run
//	    +-- scheduler.Do | redisq.Queue.Consume
//	    +-- Controller.Wait
//
// Shutdown cancels every execution with a shutdown cause. Executions then
// record themselves as Interrupted with the "host shutting down" message.
package service
