// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"fmt"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// VerifyError describes one entity that could not be reconstructed.
type VerifyError struct {
	ID  uuid.UUID
	Err error
}

// Verify reconstructs every version of every entity and reports the ones
// that fail. It stops after limit failures; limit <= 0 means no limit.
// Blocks decompressed here bypass the cache.
func (db *Database[T, P]) Verify(limit int) []VerifyError {
	dec, err := db.newDecoder()
	if err != nil {
		return []VerifyError{{Err: err}}
	}
	defer dec.Close()

	var failed []VerifyError
	for _, id := range db.ids {
		h := db.headers[id]
		if err := db.verifyEntity(h, dec); err != nil {
			log.Errorf("verify %s: %v", id, err)
			failed = append(failed, VerifyError{ID: id, Err: err})
			if limit > 0 && len(failed) >= limit {
				break
			}
		}
	}
	log.Infof("verified %d entities in %s, %d failed", len(db.ids), db.path, len(failed))
	return failed
}

func (db *Database[T, P]) verifyEntity(h *EntityHeader, dec *zstd.Decoder) error {
	src := db.body[h.Offset : h.Offset+h.CompressedLen]
	block, err := dec.DecodeAll(src, make([]byte, 0, h.DecompressedLen))
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrCorruptTape, err)
	}
	if len(block) != int(h.DecompressedLen) {
		return fmt.Errorf("%w: decompressed to %d bytes, want %d", ErrCorruptTape, len(block), h.DecompressedLen)
	}
	for cp := range h.CheckpointPositions {
		if _, err := db.replaySegment(h, block, cp, h.lastVersion(cp), -1, nil); err != nil {
			return err
		}
	}
	return nil
}
