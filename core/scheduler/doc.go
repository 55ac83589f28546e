// Package scheduler maintains the daemon's collection of zone-bound
// housekeeping tasks and hands them to worker threads as they fall due.
//
// A task is identified by its t-tuple (owner, class, type); two tasks with
// the same t-tuple are the same task. The scheduler keeps the set indexed
// twice, ordered by due time for PopDue and ordered by identity for
// duplicate detection and unscheduling, and lazily maintains a pool of
// per-identity locks: every task that has ever carried a given t-tuple
// shares one lock, which a worker holds for the whole callback invocation
// so same-identity tasks never run concurrently.
//
// All exported operations are safe for concurrent use. None of them holds
// the scheduler lock across a user callback. Beware not to call an
// exported operation from within a task callback that already runs under
// an identity lock the operation might need.
package scheduler
