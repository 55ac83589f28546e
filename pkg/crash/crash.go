package crash

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// AlertFunc is a printf-style sink for crash output.
type AlertFunc func(format string, args ...any)

var (
	alertMu  sync.RWMutex
	fatalFn  AlertFunc = stderrAlert
	reportFn AlertFunc = stderrAlert
)

func stderrAlert(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}

// Init installs the alert functions. The fatal function receives crash
// banners and backtraces, the problem function everything recoverable.
func Init(fatalAlert, problemAlert AlertFunc) {
	alertMu.Lock()
	defer alertMu.Unlock()
	if fatalAlert != nil {
		fatalFn = fatalAlert
	}
	if problemAlert != nil {
		reportFn = problemAlert
	}
}

func fatal(format string, args ...any) {
	alertMu.RLock()
	fn := fatalFn
	alertMu.RUnlock()
	fn(format, args...)
}

func report(format string, args ...any) {
	alertMu.RLock()
	fn := reportFn
	alertMu.RUnlock()
	fn(format, args...)
}

var fatalSignals = []os.Signal{
	unix.SIGABRT,
	unix.SIGSEGV,
	unix.SIGFPE,
	unix.SIGILL,
	unix.SIGBUS,
	unix.SIGSYS,
}

var (
	trapOnce sync.Once
	sigCh    chan os.Signal
)

// TrapSignals installs the crash handlers. SIGQUIT becomes the internal
// backtrace poke; the fatal signals dump every registered thread and then
// re-raise with the default action restored so the process terminates the
// way the kernel intended. argv0 is recorded in the crash banner.
func TrapSignals(argv0 string) error {
	trapOnce.Do(func() {
		sigCh = make(chan os.Signal, 8)
		signal.Notify(sigCh, unix.SIGQUIT)
		signal.Notify(sigCh, fatalSignals...)
		go handleSignals(argv0)
	})
	return nil
}

func handleSignals(argv0 string) {
	for sig := range sigCh {
		if sig == unix.SIGQUIT {
			threadMu.Lock()
			dumpAllThreadsLocked()
			threadBlock.Signal()
			threadMu.Unlock()
			continue
		}
		handleFatal(argv0, sig)
	}
}

func handleFatal(argv0 string, sig os.Signal) {
	// Restore the default action first so the re-raise below terminates.
	signal.Reset(sig)

	fatal("%s in %s\n", signalName(sig), argv0)

	threadMu.Lock()
	dumpAllThreadsLocked()
	threadMu.Unlock()

	if us, ok := sig.(unix.Signal); ok {
		_ = unix.Kill(unix.Getpid(), us)
	} else {
		os.Exit(1)
	}
}

func signalName(sig os.Signal) string {
	switch sig {
	case unix.SIGQUIT:
		return "Interrupted"
	case unix.SIGABRT:
		return "Aborted"
	case unix.SIGSEGV:
		return "Segmentation fault"
	case unix.SIGFPE:
		return "Floating point error"
	case unix.SIGILL:
		return "Illegal instruction"
	case unix.SIGBUS:
		return "Bus error"
	case unix.SIGSYS:
		return "System error"
	default:
		return "Unknown error"
	}
}

// DisableCoreDump sets the core-size resource limit to zero. Daemons that
// handle key material call this at startup so secrets never hit disk.
func DisableCoreDump() error {
	rlim := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		report("cannot disable core dumps: %v\n", err)
		return err
	}
	return nil
}

// DumpCurrent writes the calling goroutine's own stack through the fatal
// alert function. Useful from recover blocks.
func DumpCurrent() {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	fatal("%s", buf[:n])
}
