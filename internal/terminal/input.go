package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrCanceled is returned by Input.Read after Cancel.
var ErrCanceled = errors.New("input canceled")

// maxSelectFD is FD_SETSIZE.
const maxSelectFD = 1024

// Input is a cancellable reader over stdin.
//
// Reads wait in select(2) on stdin and a private pipe; Cancel writes to the
// pipe. The descriptor's file status flags are left alone: O_NONBLOCK is
// shared by every descriptor of the open file, including a stdout that
// refers to the same terminal.
type Input struct {
	fd     int
	wakeR  int
	wakeW  int
	cancel sync.Once
	closed sync.Once
}

// OpenInput prepares in for cancellable reads.
func OpenInput(in *os.File) (*Input, error) {
	fd := int(in.Fd())
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	if fd >= maxSelectFD || p[0] >= maxSelectFD {
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, errors.New("descriptor out of select range")
	}
	return &Input{fd: fd, wakeR: p[0], wakeW: p[1]}, nil
}

// Read reads from stdin, blocking until data, end of input or Cancel.
func (i *Input) Read(p []byte) (int, error) {
	for {
		var rset unix.FdSet
		rset.Set(i.fd)
		rset.Set(i.wakeR)
		nfd := i.fd
		if i.wakeR > nfd {
			nfd = i.wakeR
		}

		if _, err := unix.Select(nfd+1, &rset, nil, nil, nil); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("wait for input: %w", err)
		}
		if rset.IsSet(i.wakeR) {
			return 0, ErrCanceled
		}
		if !rset.IsSet(i.fd) {
			continue
		}

		n, err := unix.Read(i.fd, p)
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
			continue
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Cancel interrupts a blocked Read and makes future reads fail.
func (i *Input) Cancel() error {
	var err error
	i.cancel.Do(func() {
		_, err = unix.Write(i.wakeW, []byte{0})
	})
	return err
}

// Close releases the wake pipe. It does not close stdin.
func (i *Input) Close() error {
	var err error
	i.closed.Do(func() {
		err = errors.Join(unix.Close(i.wakeR), unix.Close(i.wakeW))
	})
	return err
}

// Canceled reports whether err is the result of Cancel.
func Canceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
