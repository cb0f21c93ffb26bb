package supervisor

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// RunChild is the re-exec'd helper's entrypoint (see IsChildInvocation).
// os.Args at this point is:
//
//	[0] = this binary's path
//	[1] = ReexecMarker
//	[2] = the real command to become
//	[3:] = the real argv (argv[0] onward)
//
// It applies the rlimits encoded in the environment, then syscall.Exec's
// into the real command so it becomes the supervised process in place —
// no further fork, no lingering helper process to account for.
func RunChild(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("supervisor: malformed re-exec invocation")
	}
	realCmd := args[2]
	realArgv := args[3:]

	limits, err := decodeLimits(os.Getenv(limitsEnvKey))
	if err != nil {
		return err
	}

	if err := applyLimits(limits); err != nil {
		return fmt.Errorf("supervisor: apply limits: %w", err)
	}

	env := os.Environ()
	if err := syscall.Exec(realCmd, realArgv, env); err != nil {
		return fmt.Errorf("supervisor: exec %s: %w", realCmd, err)
	}
	return nil // unreachable on success
}

func applyLimits(l Limits) error {
	if l.MemoryBytes > 0 {
		rlim := unix.Rlimit{Cur: uint64(l.MemoryBytes), Max: uint64(l.MemoryBytes)}
		if err := unix.Setrlimit(unix.RLIMIT_AS, &rlim); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
		if err := unix.Setrlimit(unix.RLIMIT_DATA, &rlim); err != nil {
			return fmt.Errorf("RLIMIT_DATA: %w", err)
		}
	}
	if l.MaxProcesses > 0 {
		rlim := unix.Rlimit{Cur: uint64(l.MaxProcesses), Max: uint64(l.MaxProcesses)}
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &rlim); err != nil {
			return fmt.Errorf("RLIMIT_NPROC: %w", err)
		}
	}
	if l.MaxOpenFiles > 0 {
		rlim := unix.Rlimit{Cur: uint64(l.MaxOpenFiles), Max: uint64(l.MaxOpenFiles)}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
			return fmt.Errorf("RLIMIT_NOFILE: %w", err)
		}
	}
	if l.MaxFileSizeBytes > 0 {
		rlim := unix.Rlimit{Cur: uint64(l.MaxFileSizeBytes), Max: uint64(l.MaxFileSizeBytes)}
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &rlim); err != nil {
			return fmt.Errorf("RLIMIT_FSIZE: %w", err)
		}
	}
	return nil
}
