// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"errors"
)

var (
	// ErrCorruptTape is returned when a tape file, its header, or one of
	// its entity blocks is not what the writer would have produced.
	ErrCorruptTape = errors.New("corrupt tape")

	// ErrEmptyHistory is returned when adding an entity with no versions.
	ErrEmptyHistory = errors.New("entity has no versions")

	// ErrLengthMismatch is returned when times and records differ in length.
	ErrLengthMismatch = errors.New("times and records differ in length")

	// ErrUnsortedTimes is returned when an entity's timestamps decrease.
	ErrUnsortedTimes = errors.New("timestamps are not monotonically non-decreasing")

	// ErrDuplicateEntity is returned when the same id is added twice.
	ErrDuplicateEntity = errors.New("entity already recorded")

	// ErrTapeTooLarge is returned when a block or the body outgrows the
	// 32-bit lengths and offsets of the header format.
	ErrTapeTooLarge = errors.New("tape exceeds format limits")

	// ErrTooFewSamples is returned by the dictionary trainer when it has not
	// seen enough data to build a useful dictionary.
	ErrTooFewSamples = errors.New("too few samples to train a dictionary")

	// ErrFinished is returned when using a Recorder after Finish.
	ErrFinished = errors.New("recorder already finished")
)
