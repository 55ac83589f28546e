// Package worker runs the scheduler's tasks on a fixed pool of threads.
//
// Each task worker loops: pop a due task, take its identity lock, run the
// callback, and act on the verdict (destroy, reschedule at a given time,
// or defer with exponential backoff). Subtask runners drain the
// scheduler's fan-out queue, executing the pool's SubtaskFunc and
// reporting completion back to the producing worker.
//
// A callback receives the executing Worker as its opaque context and can
// use it to hand subtasks to the pool (Dispatch) and block until they are
// all consumed (WaitSubtasks).
//
// Threads are created through the crash registry so a fatal signal can
// produce a backtrace of every worker.
package worker
