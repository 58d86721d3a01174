// Package sched is the realtime task coordinator: a due-time heap drives
// a shared dispatch pool that runs registered periodic task bodies under
// jitter and deadline observation.
//
// Simultaneously-due tasks run in (priority, registration order) order,
// deterministically. At most one execution of a task is in flight at any
// time; a slow run delays but never parallelizes with its own next run.
// Task failures are contained at the dispatch boundary: the cadence of a
// failing task continues, and crossing the consecutive-failure threshold
// marks it degraded (visible, never silently dropped).
//
// Isolated device loops are not executed here. They are registered with
// Body.Worker and the scheduler only polls their liveness through a
// WorkerProber; the high-rate loop itself runs in an isolated process
// owned by the worker supervisor.
package sched
