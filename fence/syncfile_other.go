// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package fence

// FromSyncFile is only available on Linux.
func FromSyncFile(int) (Token, error) {
	return nil, ErrUnsupported
}
