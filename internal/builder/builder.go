// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package builder turns the staged versions of one record kind into a tape
// file.
package builder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/westerndigitalcorporation/tape/internal/staging"
	"github.com/westerndigitalcorporation/tape/pkg/patch"
	"github.com/westerndigitalcorporation/tape/pkg/tape"
)

// Config encapsulates parameters for building a tape.
type Config struct {
	tape.RecorderConfig

	// Train a dictionary before recording. If there is too little data the
	// tape is built without one.
	Train bool
	// Where temporary files go. Empty means next to the output.
	TempDir string
	// Log progress every this many entities.
	LogEvery int
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if err := c.RecorderConfig.Validate(); err != nil {
		return err
	}
	if c.LogEvery < 0 {
		return fmt.Errorf("LogEvery can not be negative")
	}
	return nil
}

// DefaultConfig specifies the default values for Config.
var DefaultConfig = Config{
	RecorderConfig: tape.DefaultRecorderConfig,
	Train:          true,
	LogEvery:       10000,
}

// Result describes a built tape.
type Result struct {
	Path        string
	Entities    int
	Versions    int
	BodyBytes   uint64
	HeaderBytes int
	DictBytes   int
	Elapsed     time.Duration
}

// Build reads every staged entity of kind, decodes its versions with decode
// and writes the resulting tape to out. out is replaced atomically; on
// error it is left untouched.
func Build[T, P any](ctx context.Context, st *staging.Store, kind, out string, cfg Config,
	newDiffer patch.Factory[T, P], decode func([]byte) (T, error)) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	res := Result{Path: out}

	tmpDir := cfg.TempDir
	if tmpDir == "" {
		tmpDir = filepath.Dir(out)
	}

	var dict []byte
	if cfg.Train {
		var err error
		if dict, err = train(ctx, st, kind, cfg, newDiffer, decode); err != nil {
			return res, err
		}
	}

	body, err := os.CreateTemp(tmpDir, ".body-*")
	if err != nil {
		return res, err
	}
	defer func() {
		body.Close()
		os.Remove(body.Name())
	}()

	bw := bufio.NewWriterSize(body, 1<<20)
	rec, err := tape.NewRecorder(bw, dict, cfg.RecorderConfig, newDiffer)
	if err != nil {
		return res, err
	}
	err = eachEntity(ctx, st, kind, decode, func(id uuid.UUID, times []int64, values []T) error {
		if err := rec.AddEntity(id, times, values); err != nil {
			return err
		}
		res.Entities++
		res.Versions += len(times)
		if cfg.LogEvery > 0 && res.Entities%cfg.LogEvery == 0 {
			log.Infof("%s: recorded %d entities, %d versions, %d body bytes", kind, res.Entities, res.Versions, rec.BodyLen())
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	header, err := rec.Finish()
	if err != nil {
		return res, err
	}
	if err := bw.Flush(); err != nil {
		return res, fmt.Errorf("builder: write body: %w", err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return res, err
	}
	res.BodyBytes = rec.BodyLen()
	res.HeaderBytes = len(header)
	res.DictBytes = len(dict)

	if err := writeAtomic(tmpDir, out, func(w io.Writer) error {
		return tape.Merge(header, body, dict, w)
	}); err != nil {
		return res, err
	}

	res.Elapsed = time.Since(start)
	log.Infof("%s: built %s with %d entities, %d versions (%d body, %d header, %d dictionary bytes) in %s",
		kind, out, res.Entities, res.Versions, res.BodyBytes, res.HeaderBytes, res.DictBytes, res.Elapsed)
	return res, nil
}

// train runs a dictionary trainer over everything staged for kind. It
// returns a nil dictionary if there is not enough data to train on.
func train[T, P any](ctx context.Context, st *staging.Store, kind string, cfg Config,
	newDiffer patch.Factory[T, P], decode func([]byte) (T, error)) ([]byte, error) {
	trainer, err := tape.NewDictTrainer(cfg.RecorderConfig, newDiffer)
	if err != nil {
		return nil, err
	}
	err = eachEntity(ctx, st, kind, decode, func(id uuid.UUID, times []int64, values []T) error {
		return trainer.AddEntity(id, times, values)
	})
	if err != nil {
		return nil, err
	}
	dict, err := trainer.Train()
	if errors.Is(err, tape.ErrTooFewSamples) {
		log.Warningf("%s: building without a dictionary: %v", kind, err)
		return nil, nil
	}
	return dict, err
}

// eachEntity decodes the staged history of every entity of kind.
func eachEntity[T any](ctx context.Context, st *staging.Store, kind string, decode func([]byte) (T, error),
	fn func(id uuid.UUID, times []int64, values []T) error) error {
	return st.Entities(kind, func(id uuid.UUID, times []int64, raw [][]byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		values := make([]T, len(raw))
		for i, r := range raw {
			v, err := decode(r)
			if err != nil {
				return fmt.Errorf("builder: %s %s at %d: %w", kind, id, times[i], err)
			}
			values[i] = v
		}
		return fn(id, times, values)
	})
}

// writeAtomic writes a file at path through a temporary file in dir that
// is renamed over path once complete.
func writeAtomic(dir, path string, write func(io.Writer) error) error {
	f, err := os.CreateTemp(dir, ".tape-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
