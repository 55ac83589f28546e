package crash

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Thread is a registered worker thread. It is created parked; Start
// releases it, Join waits for the run function to return.
type Thread struct {
	next, prev *Thread

	name string
	gid  uint64
	run  func()

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
}

// The registry is a circular doubly-linked list that the crash path walks
// to reach every live thread.
var (
	threadMu    sync.Mutex
	threadList  *Thread
	threadBlock = sync.NewCond(&threadMu)
)

// ThreadCreate registers a new thread and launches its goroutine. The run
// function does not execute until Start is called.
func ThreadCreate(name string, run func()) *Thread {
	t := &Thread{
		name:    name,
		run:     run,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	register(t)

	go func() {
		defer close(t.done)
		defer unregister(t)

		threadMu.Lock()
		t.gid = currentGoroutineID()
		threadMu.Unlock()

		<-t.started
		t.run()
	}()
	return t
}

// Start releases a parked thread. Calling Start more than once is harmless.
func (t *Thread) Start() {
	t.startOnce.Do(func() { close(t.started) })
}

// Signal pokes the thread into dumping its stack to the fatal alert
// function. The caller is blocked until the dump is written.
func (t *Thread) Signal() {
	threadMu.Lock()
	defer threadMu.Unlock()
	dumpLocked(t)
	threadBlock.Signal()
}

// Join blocks until the thread's run function has returned.
func (t *Thread) Join() {
	<-t.done
}

// Name returns the name the thread was registered under.
func (t *Thread) Name() string { return t.name }

func register(t *Thread) {
	threadMu.Lock()
	defer threadMu.Unlock()
	if threadList != nil {
		t.next = threadList
		t.prev = threadList.prev
		threadList.prev.next = t
		threadList.prev = t
	} else {
		t.next = t
		t.prev = t
	}
	threadList = t
}

func unregister(t *Thread) {
	threadMu.Lock()
	defer threadMu.Unlock()
	if threadList == nil {
		return
	}
	t.next.prev = t.prev
	t.prev.next = t.next
	if threadList == t {
		if t.next == t {
			threadList = nil
		} else {
			threadList = t.next
		}
	}
	t.next, t.prev = nil, nil
	threadBlock.Signal()
}

// registeredThreadsLocked snapshots the ring. Caller must hold threadMu.
func registeredThreadsLocked() []*Thread {
	if threadList == nil {
		return nil
	}
	var out []*Thread
	for t := threadList; ; {
		out = append(out, t)
		t = t.next
		if t == threadList {
			break
		}
	}
	return out
}

// ThreadCount reports how many threads are currently registered.
func ThreadCount() int {
	threadMu.Lock()
	defer threadMu.Unlock()
	return len(registeredThreadsLocked())
}

// dumpAllThreadsLocked walks the ring and dumps every registered thread's stack.
// Caller must hold threadMu.
func dumpAllThreadsLocked() {
	for _, t := range registeredThreadsLocked() {
		dumpLocked(t)
	}
}

// dumpLocked writes the backtrace of a single registered thread, frame by
// frame, stopping at the main frame. Stacks with no resolvable match fall
// back to a one-line notice. Caller must hold threadMu.
func dumpLocked(t *Thread) {
	block := goroutineStack(t.gid)
	if block == nil {
		fatal("thread %s: no stack available\n", t.name)
		return
	}
	fatal("thread %s:\n", t.name)
	for _, line := range bytes.Split(block, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		fatal("\t%s\n", line)
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("main.main(")) {
			break
		}
	}
}

// goroutineStack captures all goroutine stacks and returns the block
// belonging to the given goroutine id, header stripped. Returns nil when
// the goroutine no longer exists.
func goroutineStack(gid uint64) []byte {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	header := []byte("goroutine " + strconv.FormatUint(gid, 10) + " ")
	for _, block := range bytes.Split(buf[:n], []byte("\n\n")) {
		if bytes.HasPrefix(block, header) {
			if i := bytes.IndexByte(block, '\n'); i >= 0 {
				return block[i+1:]
			}
			return block
		}
	}
	return nil
}

// currentGoroutineID parses the id of the calling goroutine from its stack
// header. The header format ("goroutine N [state]:") has been stable since
// Go 1.0 and there is no library in the dependency set that exposes it.
func currentGoroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}
