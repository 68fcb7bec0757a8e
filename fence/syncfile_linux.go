// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build linux

package fence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type syncFileToken struct {
	mu       sync.Mutex
	fd       int
	signaled bool
}

// FromSyncFile returns a token for a Linux sync_file descriptor, as
// exported by a kernel driver for an in-flight job. The file becomes
// readable once every fence it contains has signaled. The token takes
// ownership of fd and closes it on Close.
func FromSyncFile(fd int) (Token, error) {
	if fd < 0 {
		return nil, fmt.Errorf("fence: invalid sync_file fd %d", fd)
	}
	return &syncFileToken{fd: fd}, nil
}

func (t *syncFileToken) Poll() (bool, error) {
	return t.Wait(0)
}

func (t *syncFileToken) Wait(timeout time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return false, ErrTokenClosed
	}
	if t.signaled {
		return true, nil
	}

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("fence: poll sync_file: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		break
	}

	re := fds[0].Revents
	if re&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("fence: sync_file error (revents=%#x)", re)
	}
	if re&unix.POLLIN != 0 {
		t.signaled = true
		return true, nil
	}
	return false, nil
}

func (t *syncFileToken) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return
	}
	if err := unix.Close(t.fd); err != nil {
		slogger().Warn("fence: close sync_file", "fd", t.fd, "err", err)
	}
	t.fd = -1
}
