// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

//go:build darwin

package tape

// Darwin has no MAP_POPULATE; pages are faulted in on first access.
const mapPopulate = 0
