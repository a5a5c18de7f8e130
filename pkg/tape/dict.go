// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"fmt"
	"hash/crc32"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/klauspost/compress/dict"
	"github.com/klauspost/compress/zstd"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

// Dictionary ids below this are reserved by the zstd format.
const minDictID = 32768

// DictTrainer runs the entity encoding over a corpus and trains a zstd
// dictionary on the raw blocks. It must use the same CheckpointEvery and
// differ as the Recorder the dictionary is meant for.
type DictTrainer[T, P any] struct {
	cfg     RecorderConfig
	encoder *entityEncoder[T, P]
	samples [][]byte
	bytes   int
	crc     uint32
}

// NewDictTrainer returns an empty DictTrainer.
func NewDictTrainer[T, P any](cfg RecorderConfig, newDiffer patch.Factory[T, P]) (*DictTrainer[T, P], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DictTrainer[T, P]{
		cfg:     cfg,
		encoder: newEntityEncoder(newDiffer, cfg.CheckpointEvery),
	}, nil
}

// AddEntity encodes one entity and keeps its raw block as a sample. Once
// MaxSampleBytes have been collected further entities are ignored.
func (d *DictTrainer[T, P]) AddEntity(id uuid.UUID, times []int64, records []T) error {
	if err := checkHistory(id, times, records); err != nil {
		return err
	}
	if d.cfg.MaxSampleBytes > 0 && d.bytes >= d.cfg.MaxSampleBytes {
		return nil
	}
	raw, _, err := d.encoder.encode(records)
	if err != nil {
		return fmt.Errorf("entity %s: %w", id, err)
	}
	sample := make([]byte, len(raw))
	copy(sample, raw)
	d.samples = append(d.samples, sample)
	d.bytes += len(sample)
	d.crc = crc32.Update(d.crc, crc32.IEEETable, sample)
	return nil
}

// Samples returns the number of samples collected.
func (d *DictTrainer[T, P]) Samples() int {
	return len(d.samples)
}

// Train builds a dictionary from the collected samples.
func (d *DictTrainer[T, P]) Train() ([]byte, error) {
	if len(d.samples) < d.cfg.MinSamples || len(d.samples) == 0 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTooFewSamples, len(d.samples), d.cfg.MinSamples)
	}
	id := minDictID + d.crc%(1<<31-minDictID)
	out, err := dict.BuildZstdDict(d.samples, dict.Options{
		MaxDictSize: d.cfg.DictSize,
		HashBytes:   6,
		ZstdDictID:  id,
		ZstdLevel:   zstd.EncoderLevelFromZstd(d.cfg.CompressionLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("tape: train dictionary: %w", err)
	}
	log.Infof("trained dictionary %d: %d bytes from %d samples (%d bytes)", id, len(out), len(d.samples), d.bytes)
	return out, nil
}
