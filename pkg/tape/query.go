// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

// versionAt returns the index of the last version with time <= at, or -1.
func versionAt(times []int64, at int64) int {
	return sort.Search(len(times), func(i int) bool { return times[i] > at }) - 1
}

// GetEntity returns the version of id that was current at time at. It
// returns false if id is unknown or at is before its first version.
func (db *Database[T, P]) GetEntity(id uuid.UUID, at int64) (VersionedRecord[T], bool, error) {
	op := metricQueries.Start("get_entity")
	dec, err := db.getDecoder()
	if err != nil {
		op.EndWithError(err)
		return VersionedRecord[T]{}, false, err
	}
	rec, ok, err := db.getEntity(id, at, dec)
	db.putDecoder(dec)
	op.EndWithError(err)
	return rec, ok, err
}

// getEntity does the work of GetEntity with the caller's decoder.
func (db *Database[T, P]) getEntity(id uuid.UUID, at int64, dec *zstd.Decoder) (VersionedRecord[T], bool, error) {
	var zero VersionedRecord[T]
	h, ok := db.headers[id]
	if !ok {
		return zero, false, nil
	}
	i := versionAt(h.Times, at)
	if i < 0 {
		return zero, false, nil
	}
	block, err := db.block(h, dec)
	if err != nil {
		return zero, false, err
	}
	cp, steps := checkpointOf(i, int(h.CheckpointEvery))
	log.V(2).Infof("get %s at %d: version %d, checkpoint %d, %d steps", id, at, i, cp, steps)

	v, err := db.replaySegment(h, block, cp, i, -1, nil)
	if err != nil {
		return zero, false, err
	}
	return VersionedRecord[T]{Time: h.Times[i], Value: v}, true, nil
}

// GetVersions returns every version of id with after < time <= before, in
// time order. It returns false only if id is unknown; a window that holds
// no versions yields an empty result.
func (db *Database[T, P]) GetVersions(id uuid.UUID, before, after int64) ([]VersionedRecord[T], bool, error) {
	op := metricQueries.Start("get_versions")
	dec, err := db.getDecoder()
	if err != nil {
		op.EndWithError(err)
		return nil, false, err
	}
	recs, ok, err := db.getVersions(id, before, after, dec)
	db.putDecoder(dec)
	op.EndWithError(err)
	return recs, ok, err
}

func (db *Database[T, P]) getVersions(id uuid.UUID, before, after int64, dec *zstd.Decoder) ([]VersionedRecord[T], bool, error) {
	h, ok := db.headers[id]
	if !ok {
		return nil, false, nil
	}
	start := sort.Search(len(h.Times), func(i int) bool { return h.Times[i] > after })
	end := versionAt(h.Times, before)
	if start > end {
		return []VersionedRecord[T]{}, true, nil
	}

	block, err := db.block(h, dec)
	if err != nil {
		return nil, false, err
	}
	every := int(h.CheckpointEvery)
	startCp, _ := checkpointOf(start, every)
	endCp, _ := checkpointOf(end, every)
	log.V(2).Infof("versions %s in (%d, %d]: versions %d..%d, checkpoints %d..%d",
		id, after, before, start, end, startCp, endCp)

	out := make([]VersionedRecord[T], 0, end-start+1)
	switch endCp - startCp {
	case 0:
		// One snapshot, replayed up to end.
		_, err = db.replaySegment(h, block, startCp, end, start, &out)
	case 1:
		// The tail of one range, then the head of the next.
		if _, err = db.replaySegment(h, block, startCp, h.lastVersion(startCp), start, &out); err == nil {
			_, err = db.replaySegment(h, block, endCp, end, firstVersion(endCp, every), &out)
		}
	default:
		if _, err = db.replaySegment(h, block, startCp, h.lastVersion(startCp), start, &out); err != nil {
			break
		}
		for cp := startCp + 1; cp < endCp && err == nil; cp++ {
			_, err = db.replaySegment(h, block, cp, h.lastVersion(cp), firstVersion(cp, every), &out)
		}
		if err == nil {
			_, err = db.replaySegment(h, block, endCp, end, firstVersion(endCp, every), &out)
		}
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// replaySegment decodes the snapshot of checkpoint cp and applies deltas
// until version to is reached, which it returns. If out is not nil, every
// version from collect on is appended to it.
func (db *Database[T, P]) replaySegment(h *EntityHeader, block []byte, cp, to, collect int, out *[]VersionedRecord[T]) (T, error) {
	var v T
	differ := db.newDiffer()
	patch.Checkpoint(differ)

	dec := msgpack.NewDecoder(bytes.NewReader(h.segment(block, cp)))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: entity %s checkpoint %d: %v", ErrCorruptTape, h.ID, cp, err)
	}
	v = patch.Normalize(differ, v)

	i := firstVersion(cp, int(h.CheckpointEvery))
	for {
		if out != nil && i >= collect {
			rec := v
			if i < to {
				rec = patch.Clone(differ, v)
			}
			*out = append(*out, VersionedRecord[T]{Time: h.Times[i], Value: rec})
		}
		if i == to {
			return v, nil
		}
		i++
		var p P
		if err := dec.Decode(&p); err != nil {
			if !errors.Is(err, patch.ErrInvalidOpCode) && !errors.Is(err, patch.ErrInvalidPatchData) {
				err = fmt.Errorf("%w: %w", patch.ErrInvalidPatchData, err)
			}
			return v, fmt.Errorf("entity %s version %d: %w", h.ID, i, err)
		}
		var err error
		if v, err = differ.Apply(v, p); err != nil {
			return v, fmt.Errorf("entity %s version %d: %w", h.ID, i, err)
		}
	}
}
