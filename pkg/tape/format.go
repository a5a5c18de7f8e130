// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package tape stores the complete version history of many entities in a
// single write-once file and answers point-in-time and range queries
// against it.
//
// Each entity's history is encoded as full snapshots (checkpoints) every
// CheckpointEvery versions, with deltas in between, and compressed with
// zstd as one block, optionally against a dictionary trained on the same
// data. The merged file looks like (all integers little endian):
//
//	[8 bytes] dictionary length D
//	[D bytes] dictionary (no dictionary if D == 0)
//	[8 bytes] compressed header length H
//	[H bytes] zstd-compressed msgpack list of EntityHeader
//	[.......] compressed entity blocks, memory-mapped at query time
//
// A tape is built by a DictTrainer (optional), a Recorder and Merge, and
// read by a Database.
package tape

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// CheckpointFirstOnly as CheckpointEvery stores only the first version of
// each entity in full; every later version is a delta.
const CheckpointFirstOnly = 0

// prefixLen is the size of each of the two length fields in the file.
const prefixLen = 8

// EntityHeader describes one entity's block in the body.
type EntityHeader struct {
	ID                  uuid.UUID `msgpack:"id"`
	Times               []int64   `msgpack:"times"`
	CompressedLen       uint32    `msgpack:"compressed_len"`
	DecompressedLen     uint32    `msgpack:"decompressed_len"`
	Offset              uint32    `msgpack:"offset"`
	CheckpointEvery     uint      `msgpack:"checkpoint_every"`
	CheckpointPositions []uint    `msgpack:"checkpoint_positions"`
}

// VersionedRecord is one reconstructed version of an entity.
type VersionedRecord[T any] struct {
	Time  int64
	Value T
}

// isCheckpoint returns true if version i is stored as a full snapshot.
func isCheckpoint(i, every int) bool {
	if every == CheckpointFirstOnly {
		return i == 0
	}
	return i%every == 0
}

// numCheckpoints returns how many snapshots an n-version history has.
func numCheckpoints(n, every int) int {
	if every == CheckpointFirstOnly {
		return 1
	}
	return (n + every - 1) / every
}

// checkpointOf returns the checkpoint that version i is reconstructed from
// and how many deltas must be replayed after it.
func checkpointOf(i, every int) (cp, steps int) {
	if every == CheckpointFirstOnly {
		return 0, i
	}
	return i / every, i % every
}

// firstVersion returns the version index stored at checkpoint cp.
func firstVersion(cp, every int) int {
	if every == CheckpointFirstOnly {
		return 0
	}
	return cp * every
}

// lastVersion returns the last version index covered by checkpoint cp.
func (h *EntityHeader) lastVersion(cp int) int {
	every := int(h.CheckpointEvery)
	if every == CheckpointFirstOnly {
		return len(h.Times) - 1
	}
	return min((cp+1)*every, len(h.Times)) - 1
}

// segment returns the part of a decompressed block that belongs to
// checkpoint cp: its snapshot followed by its deltas.
func (h *EntityHeader) segment(block []byte, cp int) []byte {
	start := h.CheckpointPositions[cp]
	if cp+1 < len(h.CheckpointPositions) {
		return block[start:h.CheckpointPositions[cp+1]]
	}
	return block[start:]
}

// validate checks the invariants a reader relies on.
func (h *EntityHeader) validate(bodyLen int) error {
	n := len(h.Times)
	if n == 0 {
		return fmt.Errorf("%w: entity %s has no versions", ErrCorruptTape, h.ID)
	}
	for i := 1; i < n; i++ {
		if h.Times[i] < h.Times[i-1] {
			return fmt.Errorf("%w: entity %s times decrease at %d", ErrCorruptTape, h.ID, i)
		}
	}
	want := numCheckpoints(n, int(h.CheckpointEvery))
	if len(h.CheckpointPositions) != want {
		return fmt.Errorf("%w: entity %s has %d checkpoints, want %d", ErrCorruptTape, h.ID, len(h.CheckpointPositions), want)
	}
	if h.CheckpointPositions[0] != 0 {
		return fmt.Errorf("%w: entity %s first checkpoint at %d", ErrCorruptTape, h.ID, h.CheckpointPositions[0])
	}
	for i := 1; i < want; i++ {
		if h.CheckpointPositions[i] <= h.CheckpointPositions[i-1] {
			return fmt.Errorf("%w: entity %s checkpoint positions not increasing at %d", ErrCorruptTape, h.ID, i)
		}
	}
	if h.CheckpointPositions[want-1] >= uint(h.DecompressedLen) {
		return fmt.Errorf("%w: entity %s checkpoint beyond block end", ErrCorruptTape, h.ID)
	}
	if uint64(h.Offset)+uint64(h.CompressedLen) > uint64(bodyLen) {
		return fmt.Errorf("%w: entity %s block [%d,+%d) beyond body of %d bytes", ErrCorruptTape, h.ID, h.Offset, h.CompressedLen, bodyLen)
	}
	return nil
}

// newHeaderEncoder returns the encoder for the standalone header block. It
// uses the strongest level and a large window since the header is
// compressed once and read once.
func newHeaderEncoder() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithWindowSize(headerWindowSize),
		zstd.WithEncoderConcurrency(1),
	)
}

const headerWindowSize = 1 << 27

// encodeHeaders serializes and compresses the header list.
func encodeHeaders(headers []EntityHeader) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(headers); err != nil {
		return nil, fmt.Errorf("tape: encode headers: %w", err)
	}
	zenc, err := newHeaderEncoder()
	if err != nil {
		return nil, err
	}
	defer zenc.Close()
	// EncodeAll writes the frame content size, so the reader knows exactly
	// how much to allocate.
	return zenc.EncodeAll(buf.Bytes(), make([]byte, 0, buf.Len()/4)), nil
}

// decodeHeaders is the inverse of encodeHeaders.
func decodeHeaders(b []byte) ([]EntityHeader, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress header: %v", ErrCorruptTape, err)
	}
	var headers []EntityHeader
	if err := msgpack.Unmarshal(raw, &headers); err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", ErrCorruptTape, err)
	}
	return headers, nil
}

// layout locates the parts of a merged tape.
type layout struct {
	dict, header []byte
	bodyStart    int
}

// parseLayout splits a merged tape into its parts without copying.
func parseLayout(data []byte) (layout, error) {
	var l layout
	if len(data) < 2*prefixLen {
		return l, fmt.Errorf("%w: file of %d bytes is too short", ErrCorruptTape, len(data))
	}
	d := binary.LittleEndian.Uint64(data[0:prefixLen])
	if d > uint64(len(data)-2*prefixLen) {
		return l, fmt.Errorf("%w: dictionary length %d exceeds file", ErrCorruptTape, d)
	}
	pos := prefixLen + int(d)
	if d > 0 {
		l.dict = data[prefixLen:pos]
	}
	h := binary.LittleEndian.Uint64(data[pos : pos+prefixLen])
	pos += prefixLen
	if h > uint64(len(data)-pos) {
		return l, fmt.Errorf("%w: header length %d exceeds file", ErrCorruptTape, h)
	}
	l.header = data[pos : pos+int(h)]
	l.bodyStart = pos + int(h)
	return l, nil
}
