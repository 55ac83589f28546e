// Package crash makes fatal failures of a multi-threaded daemon
// diagnosable. It keeps a process-wide registry of worker threads, traps
// the fatal signals (abort, segmentation fault, FPE, illegal instruction,
// bus error, bad syscall), and on receipt of one emits a description line
// followed by a stack backtrace of every registered thread before letting
// the default action terminate the process. SIGQUIT is reserved as an
// internal, non-fatal poke that dumps backtraces and continues.
//
// Threads are created through ThreadCreate so the registry always knows
// about them; Start releases a thread created in the parked state, Signal
// pokes a single thread into dumping its stack, and Join waits for exit.
//
// Output goes through the two printf-style alert functions supplied to
// Init: the fatal function for backtraces and crash banners, the problem
// function for non-fatal trouble. Both default to stderr until Init is
// called.
//
// Faults raised by Go code itself (a nil dereference, an integer division
// by zero) are handled by the runtime as panics before signal delivery;
// this package covers externally delivered signals and deliberate aborts.
package crash
