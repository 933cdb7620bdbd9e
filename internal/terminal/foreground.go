package terminal

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// ForegroundGroup returns the foreground process group of the terminal f.
func ForegroundGroup(f *os.File) (int, error) {
	pgid, err := unix.IoctlGetInt(int(f.Fd()), unix.TIOCGPGRP)
	if err != nil {
		return 0, fmt.Errorf("get foreground group: %w", err)
	}
	return pgid, nil
}

// SetForeground makes pgid the foreground process group of the terminal f.
// SIGTTOU is ignored for the duration of the call, since a background caller
// would otherwise be stopped by it.
func SetForeground(f *os.File, pgid int) error {
	signal.Ignore(syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTOU)

	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.TIOCSPGRP, pgid); err != nil {
		return fmt.Errorf("set foreground group %d: %w", pgid, err)
	}
	return nil
}

// Reclaim puts the calling process's group back in the foreground of f.
func Reclaim(f *os.File) error {
	return SetForeground(f, unix.Getpgrp())
}

// OwnsForeground reports whether f is the controlling terminal of the calling
// process and the caller's process group is in its foreground.
func OwnsForeground(f *os.File) bool {
	if !IsTerminal(f) {
		return false
	}
	pgid, err := ForegroundGroup(f)
	return err == nil && pgid == unix.Getpgrp()
}
