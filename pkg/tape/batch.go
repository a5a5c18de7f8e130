// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// GetEntities returns the version of each id current at time at, in the
// order of ids. A nil element means the entity is unknown or has no version
// at that time.
//
// Batches larger than the configured number of workers are split into
// contiguous chunks of nearly equal size that are fetched concurrently,
// each with its own decoder.
func (db *Database[T, P]) GetEntities(ids []uuid.UUID, at int64) ([]*VersionedRecord[T], error) {
	op := metricQueries.Start("get_entities")
	out, err := db.getEntities(ids, at)
	op.EndWithError(err)
	return out, err
}

func (db *Database[T, P]) getEntities(ids []uuid.UUID, at int64) ([]*VersionedRecord[T], error) {
	out := make([]*VersionedRecord[T], len(ids))
	workers := db.cfg.workers()

	if len(ids) <= workers {
		dec, err := db.getDecoder()
		if err != nil {
			return nil, err
		}
		defer db.putDecoder(dec)
		for i, id := range ids {
			rec, ok, err := db.getEntity(id, at, dec)
			if err != nil {
				return nil, err
			}
			if ok {
				out[i] = &rec
			}
		}
		return out, nil
	}

	var g errgroup.Group
	for _, c := range partition(len(ids), workers) {
		c := c
		g.Go(func() error {
			dec, err := db.newDecoder()
			if err != nil {
				return err
			}
			defer dec.Close()
			for i := c.start; i < c.end; i++ {
				rec, ok, err := db.getEntity(ids[i], at, dec)
				if err != nil {
					return err
				}
				if ok {
					out[i] = &rec
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// chunk is the half-open index range [start, end).
type chunk struct {
	start, end int
}

// partition splits n items into parts contiguous chunks whose sizes differ
// by at most one. It never returns empty chunks.
func partition(n, parts int) []chunk {
	if parts > n {
		parts = n
	}
	if parts <= 0 {
		return nil
	}
	chunks := make([]chunk, 0, parts)
	size, extra := n/parts, n%parts
	start := 0
	for i := 0; i < parts; i++ {
		end := start + size
		if i < extra {
			end++
		}
		chunks = append(chunks, chunk{start: start, end: end})
		start = end
	}
	return chunks
}
