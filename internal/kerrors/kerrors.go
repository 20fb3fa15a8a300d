// Package kerrors carries the substrate's error sentinels and the
// unrecoverable-fault path (panic-with-dump).
//
// Recoverable conditions are returned in-band (Err_t, or a sentinel like
// PFN_INVALID); unrecoverable conditions call Panic, which never returns.
package kerrors

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
)

// Err_t is a negative error sentinel, mirroring the teacher's defs.Err_t
// convention: zero means success, a negative value names the failure.
type Err_t int

const (
	EFAULT       Err_t = -1 /// bad user address
	ENOMEM       Err_t = -2 /// no free frame or KVA
	ENOHEAP      Err_t = -3 /// kernel heap exhausted
	EINVAL       Err_t = -4 /// malformed argument
	ENAMETOOLONG Err_t = -5 /// string exceeded caller's bound
)

func (e Err_t) Error() string {
	switch e {
	case 0:
		return "success"
	case EFAULT:
		return "bad address"
	case ENOMEM:
		return "out of memory"
	case ENOHEAP:
		return "kernel heap exhausted"
	case EINVAL:
		return "invalid argument"
	case ENAMETOOLONG:
		return "name too long"
	default:
		return fmt.Sprintf("err(%d)", int(e))
	}
}

// PanicHook lets tests observe (and, in the test build, survive) a call to
// Panic instead of the process actually dying. Production code never sets
// it; §8's "panic hook" testable property relies on this.
var PanicHook atomic.Value // func(format string, args ...interface{})

// ConsoleReset is invoked before the dump is printed so a wedged console
// lock doesn't swallow the last message the operator will ever see.
var ConsoleReset func()

var panicMu sync.Mutex

// Panic prints a formatted dump, unlocks the console, and halts every CPU.
// It never returns control to the caller under normal operation; tests
// install a PanicHook to intercept it instead.
func Panic(format string, args ...interface{}) {
	panicMu.Lock()
	defer panicMu.Unlock()

	if h, ok := PanicHook.Load().(func(string, ...interface{})); ok && h != nil {
		h(format, args...)
		return
	}
	if ConsoleReset != nil {
		ConsoleReset()
	}
	fmt.Fprintf(os.Stderr, "PANIC: "+format+"\n", args...)
	fmt.Fprint(os.Stderr, CallStack(2))
	HaltAll()
	select {} // never returns
}

// CallStack renders the call chain starting skip frames up from CallStack
// itself (skip 0 is CallStack, 1 its caller), one "file:line" per line,
// deepest frame first.
func CallStack(skip int) string {
	s := ""
	for i := skip; ; i++ {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

// HaltAll stops every CPU. The production implementation is supplied by
// percpu (wired at init to avoid an import cycle); tests leave it nil and
// rely on PanicHook intercepting before this is reached.
var HaltAll = func() {}
