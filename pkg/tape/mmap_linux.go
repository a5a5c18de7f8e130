// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

//go:build linux

package tape

import (
	"golang.org/x/sys/unix"
)

// Linux can pre-fault a mapping in the mmap call itself.
const mapPopulate = unix.MAP_POPULATE
