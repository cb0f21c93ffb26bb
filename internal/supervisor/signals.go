package supervisor

import "syscall"

// allowedSignals is the POSIX signal allow-list from spec.md §6. Any name
// not in this table is rejected (interactive sessions close with code
// 4005 for an unknown signal name).
var allowedSignals = map[string]syscall.Signal{
	"SIGABRT":   syscall.SIGABRT,
	"SIGALRM":   syscall.SIGALRM,
	"SIGBUS":    syscall.SIGBUS,
	"SIGCHLD":   syscall.SIGCHLD,
	"SIGCONT":   syscall.SIGCONT,
	"SIGFPE":    syscall.SIGFPE,
	"SIGHUP":    syscall.SIGHUP,
	"SIGILL":    syscall.SIGILL,
	"SIGINT":    syscall.SIGINT,
	"SIGKILL":   syscall.SIGKILL,
	"SIGPIPE":   syscall.SIGPIPE,
	"SIGPOLL":   syscall.SIGPOLL,
	"SIGPROF":   syscall.SIGPROF,
	"SIGQUIT":   syscall.SIGQUIT,
	"SIGSEGV":   syscall.SIGSEGV,
	"SIGSTOP":   syscall.SIGSTOP,
	"SIGSYS":    syscall.SIGSYS,
	"SIGTERM":   syscall.SIGTERM,
	"SIGTRAP":   syscall.SIGTRAP,
	"SIGTSTP":   syscall.SIGTSTP,
	"SIGTTIN":   syscall.SIGTTIN,
	"SIGTTOU":   syscall.SIGTTOU,
	"SIGUSR1":   syscall.SIGUSR1,
	"SIGUSR2":   syscall.SIGUSR2,
	"SIGURG":    syscall.SIGURG,
	"SIGVTALRM": syscall.SIGVTALRM,
	"SIGXCPU":   syscall.SIGXCPU,
	"SIGXFSZ":   syscall.SIGXFSZ,
	"SIGWINCH":  syscall.SIGWINCH,
}

var signalNames = func() map[syscall.Signal]string {
	m := make(map[syscall.Signal]string, len(allowedSignals))
	for name, sig := range allowedSignals {
		m[sig] = name
	}
	return m
}()

// IsAllowedSignal reports whether name is in the POSIX allow-list.
func IsAllowedSignal(name string) bool {
	_, ok := allowedSignals[name]
	return ok
}

// signalName maps a raw signal number back to its canonical name, falling
// back to Go's syscall.Signal.String() text (e.g. "signal 34") for
// anything outside the allow-list (only reachable
// for signals the child died from that we didn't send ourselves).
func signalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return sig.String()
}
