// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package patch defines how successive versions of a record type are turned
// into structural deltas and how those deltas are replayed.
//
// A tape stores an entity's history as full snapshots interleaved with
// deltas. The storage engine never looks inside either: it only needs a
// Differ for the record type, and both T and P must be serializable by
// msgpack.
package patch

import (
	"errors"
)

var (
	// ErrInvalidPatchData is returned when a delta is truncated, malformed,
	// or does not fit the value it is applied to.
	ErrInvalidPatchData = errors.New("invalid patch data")

	// ErrInvalidOpCode is returned when a delta contains an operation tag
	// that this version does not know about.
	ErrInvalidOpCode = errors.New("invalid patch op code")

	// ErrPathResolution is returned when a delta refers to an interned path
	// id that has no mapping.
	ErrPathResolution = errors.New("unresolved patch path")
)

// Differ computes the delta between two versions of T and replays it.
//
// Apply must be deterministic and must succeed for any P produced by Diff on
// the same type. Apply may modify v in place and return it; callers never
// reuse the value passed in. Deltas are forward-only.
type Differ[T, P any] interface {
	Diff(prev, next T) (P, error)
	Apply(v T, p P) (T, error)
}

// Checkpointer is implemented by differs that keep state between deltas,
// e.g. a path interning table. Checkpoint is called every time a full
// snapshot is written or read, so any such state covers exactly one
// checkpoint range. A reader that starts replay at a checkpoint therefore
// sees the same state the writer had.
type Checkpointer interface {
	Checkpoint()
}

// Factory creates a fresh Differ. The engine calls it once per entity it
// encodes and once per reconstruction, so stateful differs are never shared.
type Factory[T, P any] func() Differ[T, P]

// Checkpoint notifies d that a snapshot boundary was crossed, if it cares.
func Checkpoint[T, P any](d Differ[T, P]) {
	if c, ok := d.(Checkpointer); ok {
		c.Checkpoint()
	}
}

// Cloner is implemented by differs whose Apply modifies its input. Before
// handing out a value that replay will keep building on, the engine clones
// it so earlier results are not changed by later deltas.
type Cloner[T any] interface {
	Clone(v T) T
}

// Clone returns a copy of v if d knows how to make one, or v itself.
func Clone[T, P any](d Differ[T, P], v T) T {
	if c, ok := d.(Cloner[T]); ok {
		return c.Clone(v)
	}
	return v
}

// Normalizer is implemented by differs whose values can come back from
// msgpack in a different but equivalent shape, e.g. int8 for int64. The
// engine normalizes every snapshot it decodes.
type Normalizer[T any] interface {
	Normalize(v T) T
}

// Normalize returns v in canonical form if d defines one, or v itself.
func Normalize[T, P any](d Differ[T, P], v T) T {
	if n, ok := d.(Normalizer[T]); ok {
		return n.Normalize(v)
	}
	return v
}
