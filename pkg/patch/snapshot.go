// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package patch

// Replace is a delta that carries the next value in full.
type Replace[T any] struct {
	Value T `msgpack:"v"`
}

// Snapshot is a Differ for types with no useful structural diff. Every delta
// is the complete next value, so only the compressor sees any redundancy.
type Snapshot[T any] struct{}

// Diff implements Differ.
func (Snapshot[T]) Diff(prev, next T) (Replace[T], error) {
	return Replace[T]{Value: next}, nil
}

// Apply implements Differ.
func (Snapshot[T]) Apply(v T, p Replace[T]) (T, error) {
	return p.Value, nil
}

// SnapshotFactory returns a Factory producing Snapshot differs.
func SnapshotFactory[T any]() Factory[T, Replace[T]] {
	return func() Differ[T, Replace[T]] { return Snapshot[T]{} }
}
