//go:build !windows

// Package lifecycle implements the broker's startup lock, graceful
// shutdown, and background reaper: exactly one broker instance per
// project may be running.
//
// The stale-PID liveness probe follows dmora-agentrun/engine/cli's own
// //go:build !windows split and its signalProcess helper's use of a
// zero-signal probe idiom, generalized from "is my own child still
// running" to "is the PID recorded in a lock file still running."
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/relaycast/broker/internal/brokererr"
)

// Lock is an acquired PID lock file. Release deletes it.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock creates the PID lock file at path, classifying any
// collision as lock held, stale PID, or permission denied, each with a
// one-line remediation. force, when true, reclaims a lock whose
// recorded PID is no longer alive instead of failing with stale_pid.
func AcquireLock(path string, force bool) (*Lock, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			if _, werr := f.WriteString(strconv.Itoa(os.Getpid())); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, brokererr.New(brokererr.CodeBadCWD, "write lock file: "+werr.Error(), werr)
			}
			return &Lock{path: path, file: f}, nil
		}
		if errors.Is(err, os.ErrPermission) {
			return nil, brokererr.New(brokererr.CodePermissionDenied,
				fmt.Sprintf("cannot create lock file %s: %v (remediation: check ownership/permissions of the state directory)", path, err), err)
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, brokererr.New(brokererr.CodeBadCWD,
				fmt.Sprintf("cannot create lock file %s: %v", path, err), err)
		}

		existing, rerr := readPIDFile(path)
		if rerr != nil {
			return nil, brokererr.New(brokererr.CodeBadCWD, "read existing lock file: "+rerr.Error(), rerr)
		}
		if processAlive(existing) {
			return nil, brokererr.New(brokererr.CodeLockHeld,
				fmt.Sprintf("another broker already holds %s (pid %d) (remediation: run 'broker status' to inspect it, or 'broker down' to stop it)", path, existing), nil)
		}
		if !force {
			return nil, brokererr.New(brokererr.CodeStalePID,
				fmt.Sprintf("lock file %s names pid %d, which is no longer running (remediation: run 'broker down' to clear it, or retry with --force)", path, existing), nil)
		}
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, brokererr.New(brokererr.CodeBadCWD, "remove stale lock file: "+rmErr.Error(), rmErr)
		}
		// Loop back and retry the O_EXCL create now that the stale file
		// is gone.
	}
}

// Release closes and removes the lock file. Safe to call once; callers
// must not reuse the Lock afterward.
func (l *Lock) Release() error {
	defer l.file.Close()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return pid, nil
}

// processAlive reports whether pid names a live process, using the
// zero-signal probe idiom (send signal 0; EPERM still means "alive,
// owned by someone else").
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil || errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
