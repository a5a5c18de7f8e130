// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

//go:build linux || darwin

package tape

import (
	"fmt"
	"os"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"
)

// mapFile maps all of f read-only. If populate is set the kernel is asked
// to fault every page in now rather than on first access.
func mapFile(f *os.File, size int, populate bool) ([]byte, error) {
	flags := unix.MAP_SHARED
	if populate {
		flags |= mapPopulate
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, flags)
	if err != nil {
		return nil, fmt.Errorf("tape: mmap %s: %w", f.Name(), err)
	}
	// Queries touch scattered blocks; read-ahead would only evict useful
	// pages.
	if !populate {
		if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
			log.Warningf("madvise(%s, MADV_RANDOM) failed: %v", f.Name(), err)
		}
	}
	return data, nil
}

// unmapFile releases a mapping made by mapFile.
func unmapFile(data []byte) error {
	return unix.Munmap(data)
}
