// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"fmt"
	"io"
	"math"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

// Recorder streams entities into a compressed tape body and accumulates
// their headers. The body is written to the io.Writer given to NewRecorder,
// which stays owned by the caller; after Finish it holds exactly the bytes
// that Merge expects as the body.
type Recorder[T, P any] struct {
	cfg     RecorderConfig
	w       io.Writer
	encoder *entityEncoder[T, P]
	zenc    *zstd.Encoder

	headers []EntityHeader
	seen    map[uuid.UUID]struct{}
	offset  uint64
	scratch []byte

	finished bool
}

// NewRecorder returns a Recorder writing to body. dict may be nil.
func NewRecorder[T, P any](body io.Writer, dict []byte, cfg RecorderConfig, newDiffer patch.Factory[T, P]) (*Recorder[T, P], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	zenc, err := newBlockEncoder(dict, cfg.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("tape: create encoder: %w", err)
	}
	return &Recorder[T, P]{
		cfg:     cfg,
		w:       body,
		encoder: newEntityEncoder(newDiffer, cfg.CheckpointEvery),
		zenc:    zenc,
		seen:    make(map[uuid.UUID]struct{}),
	}, nil
}

// newBlockEncoder returns the encoder used for entity blocks. Blocks are
// small and never streamed, so checksums are left out.
func newBlockEncoder(dict []byte, level int) (*zstd.Encoder, error) {
	opts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderCRC(false),
		zstd.WithEncoderConcurrency(1),
	}
	if len(dict) > 0 {
		opts = append(opts, zstd.WithEncoderDict(dict))
	}
	return zstd.NewWriter(nil, opts...)
}

// AddEntity encodes, compresses and writes one entity's full history.
// times must be non-decreasing and as long as records.
func (r *Recorder[T, P]) AddEntity(id uuid.UUID, times []int64, records []T) error {
	if r.finished {
		return ErrFinished
	}
	if err := checkHistory(id, times, records); err != nil {
		return err
	}
	if _, ok := r.seen[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, id)
	}

	raw, positions, err := r.encoder.encode(records)
	if err != nil {
		return fmt.Errorf("entity %s: %w", id, err)
	}
	if uint64(len(raw)) > math.MaxUint32 {
		return fmt.Errorf("%w: entity %s decodes to %d bytes", ErrTapeTooLarge, id, len(raw))
	}
	r.scratch = r.zenc.EncodeAll(raw, r.scratch[:0])
	if r.offset+uint64(len(r.scratch)) > math.MaxUint32 {
		return fmt.Errorf("%w: body would exceed 4GiB at entity %s", ErrTapeTooLarge, id)
	}
	if _, err := r.w.Write(r.scratch); err != nil {
		return fmt.Errorf("tape: write body: %w", err)
	}

	ts := make([]int64, len(times))
	copy(ts, times)
	r.headers = append(r.headers, EntityHeader{
		ID:                  id,
		Times:               ts,
		CompressedLen:       uint32(len(r.scratch)),
		DecompressedLen:     uint32(len(raw)),
		Offset:              uint32(r.offset),
		CheckpointEvery:     uint(r.cfg.CheckpointEvery),
		CheckpointPositions: positions,
	})
	r.seen[id] = struct{}{}
	r.offset += uint64(len(r.scratch))

	log.V(2).Infof("recorded %s: %d versions, %d checkpoints, %d -> %d bytes",
		id, len(times), len(positions), len(raw), len(r.scratch))
	return nil
}

// Len returns the number of entities recorded so far.
func (r *Recorder[T, P]) Len() int {
	return len(r.headers)
}

// BodyLen returns the number of body bytes written so far.
func (r *Recorder[T, P]) BodyLen() uint64 {
	return r.offset
}

// Finish returns the compressed header block for Merge. The Recorder can
// not be used afterwards.
func (r *Recorder[T, P]) Finish() ([]byte, error) {
	if r.finished {
		return nil, ErrFinished
	}
	r.finished = true
	r.zenc.Close()
	header, err := encodeHeaders(r.headers)
	if err != nil {
		return nil, err
	}
	log.Infof("finished tape body: %d entities, %d body bytes, %d header bytes", len(r.headers), r.offset, len(header))
	return header, nil
}
