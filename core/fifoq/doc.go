// Package fifoq provides the bounded fan-out queue a worker uses to hand
// fine-grained subtasks to its peers and wait for their completion.
//
// A producing worker pushes items tagged with its own Tally; consuming
// workers pop items, execute them, and Report the outcome against that
// Tally. The producer then blocks in WaitFor until the number of reported
// completions reaches the number of items it handed out.
//
// The queue holds at most MaxCount items. A full queue exerts
// backpressure: Push waits for room, but gives up once the caller's retry
// budget reaches MaxTries and returns ErrQueueFull, telling the caller to
// drain via WaitFor before retrying.
//
// Lock ordering: code that holds a scheduler lock may take the queue lock,
// never the reverse.
package fifoq
