// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

// entityEncoder turns one entity's history into the raw (uncompressed)
// block format. It is reused across entities to keep its buffer.
type entityEncoder[T, P any] struct {
	newDiffer patch.Factory[T, P]
	every     int
	buf       bytes.Buffer
	enc       *msgpack.Encoder
}

func newEntityEncoder[T, P any](newDiffer patch.Factory[T, P], every int) *entityEncoder[T, P] {
	e := &entityEncoder[T, P]{newDiffer: newDiffer, every: every}
	e.enc = msgpack.NewEncoder(&e.buf)
	// Sorted keys keep identical documents byte-identical, which is what
	// the dictionary and the compressor feed on.
	e.enc.SetSortMapKeys(true)
	return e
}

// encode returns the raw block for records and the offset of each
// checkpoint within it. Version i is written in full iff it is a checkpoint
// and as a delta against version i-1 otherwise, so every version appears
// exactly once and the last one is always reachable. The returned slice is
// only valid until the next call.
func (e *entityEncoder[T, P]) encode(records []T) ([]byte, []uint, error) {
	e.buf.Reset()
	differ := e.newDiffer()
	positions := make([]uint, 0, numCheckpoints(len(records), e.every))

	for i, v := range records {
		if isCheckpoint(i, e.every) {
			positions = append(positions, uint(e.buf.Len()))
			patch.Checkpoint(differ)
			if err := e.enc.Encode(v); err != nil {
				return nil, nil, fmt.Errorf("tape: encode snapshot %d: %w", i, err)
			}
			continue
		}
		p, err := differ.Diff(records[i-1], v)
		if err != nil {
			return nil, nil, fmt.Errorf("tape: diff version %d: %w", i, err)
		}
		if err := e.enc.Encode(p); err != nil {
			return nil, nil, fmt.Errorf("tape: encode delta %d: %w", i, err)
		}
	}
	return e.buf.Bytes(), positions, nil
}

// checkHistory validates a history before it is encoded.
func checkHistory[T any](id uuid.UUID, times []int64, records []T) error {
	if len(times) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyHistory, id)
	}
	if len(times) != len(records) {
		return fmt.Errorf("%w: %s has %d times and %d records", ErrLengthMismatch, id, len(times), len(records))
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			return fmt.Errorf("%w: %s at version %d (%d < %d)", ErrUnsortedTimes, id, i, times[i], times[i-1])
		}
	}
	return nil
}
