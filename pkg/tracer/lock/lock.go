package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// DefaultPath is the well-known marker guarding the shared ftrace facility.
const DefaultPath = "/var/tmp/.tcpretrans.lock"

// ConflictError reports that another instance already holds the lock. The
// marker is never stolen, even when the owning process is gone; the operator
// decides whether it is stale.
type ConflictError struct {
	Path  string
	Pid   int
	Comm  string
	Alive bool
}

func (e *ConflictError) Error() string {
	if e.Alive {
		return fmt.Sprintf("lock %s already held by running process %d (%s)", e.Path, e.Pid, e.Comm)
	}
	return fmt.Sprintf("lock %s held by pid %d which is not running, remove the file if it is stale", e.Path, e.Pid)
}

// Lock is an advisory, filesystem-based mutual exclusion marker holding the
// owning pid.
type Lock struct {
	path string
	held bool
}

func New(path string) *Lock {
	if path == "" {
		path = DefaultPath
	}
	return &Lock{path: path}
}

func (l *Lock) Path() string {
	return l.path
}

// Acquire writes the current pid into the marker. If the marker already
// exists it fails with a ConflictError without touching any shared state.
func (l *Lock) Acquire() error {
	if data, err := os.ReadFile(l.path); err == nil {
		return l.conflict(data)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed read lock %s, err: %w", l.path, err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			// lost the race against another starting instance
			data, rerr := os.ReadFile(l.path)
			if rerr == nil {
				return l.conflict(data)
			}
		}
		return fmt.Errorf("failed create lock %s, err: %w", l.path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		return fmt.Errorf("failed write lock %s, err: %w", l.path, err)
	}
	l.held = true
	return nil
}

func (l *Lock) conflict(data []byte) error {
	ce := &ConflictError{Path: l.path}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("lock %s exists with unreadable owner %q, remove the file if it is stale", l.path, strings.TrimSpace(string(data)))
	}
	ce.Pid = pid
	if proc, err := procfs.NewProc(pid); err == nil {
		ce.Alive = true
		if comm, err := proc.Comm(); err == nil {
			ce.Comm = comm
		}
	}
	return ce
}

// Release removes the marker. Releasing an absent marker is not an error, so
// every shutdown path can call it unconditionally.
func (l *Lock) Release() error {
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed remove lock %s, err: %w", l.path, err)
	}
	return nil
}

// Held reports whether this instance currently owns the marker.
func (l *Lock) Held() bool {
	return l.held
}
