// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

// Database answers queries against one memory-mapped tape. Once Open
// returns, a Database is immutable apart from its block cache and is safe
// for any number of concurrent readers.
type Database[T, P any] struct {
	path      string
	cfg       ReaderConfig
	newDiffer patch.Factory[T, P]

	file *os.File
	data []byte // the whole mapping
	body []byte
	dict []byte

	headers map[uuid.UUID]*EntityHeader
	ids     []uuid.UUID

	cache *blockCache // nil if disabled

	// Decoders for single queries. Batch workers get their own.
	decoders sync.Pool
}

// Stats describes an open Database.
type Stats struct {
	Entities          int
	Versions          int
	BodyBytes         int
	DecompressedBytes uint64
	DictBytes         int
	DictID            uint32
	CacheEntries      int
	CacheHits         uint64
	CacheMisses       uint64
}

// Open maps the tape at path and loads its header. newDiffer must produce
// the same kind of differ the tape was recorded with.
func Open[T, P any](path string, cfg ReaderConfig, newDiffer patch.Factory[T, P]) (*Database[T, P], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < 2*prefixLen {
		f.Close()
		return nil, fmt.Errorf("%w: %s is only %d bytes", ErrCorruptTape, path, fi.Size())
	}
	data, err := mapFile(f, int(fi.Size()), cfg.Populate)
	if err != nil {
		f.Close()
		return nil, err
	}

	db := &Database[T, P]{
		path:      path,
		cfg:       cfg,
		newDiffer: newDiffer,
		file:      f,
		data:      data,
	}
	if err := db.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("tape %s: %w", path, err)
	}

	log.Infof("opened tape %s: %d entities, %d body bytes, %d dictionary bytes in %s",
		path, len(db.ids), len(db.body), len(db.dict), time.Since(start))
	return db, nil
}

// load parses the layout and header of the mapped file.
func (db *Database[T, P]) load() error {
	l, err := parseLayout(db.data)
	if err != nil {
		return err
	}
	db.dict = l.dict
	db.body = db.data[l.bodyStart:]

	if db.dict != nil {
		if _, err := zstd.InspectDictionary(db.dict); err != nil {
			return fmt.Errorf("%w: bad dictionary: %v", ErrCorruptTape, err)
		}
	}

	headers, err := decodeHeaders(l.header)
	if err != nil {
		return err
	}
	db.headers = make(map[uuid.UUID]*EntityHeader, len(headers))
	db.ids = make([]uuid.UUID, 0, len(headers))
	var total uint64
	for i := range headers {
		h := &headers[i]
		if err := h.validate(len(db.body)); err != nil {
			return err
		}
		if _, ok := db.headers[h.ID]; ok {
			return fmt.Errorf("%w: entity %s appears twice", ErrCorruptTape, h.ID)
		}
		db.headers[h.ID] = h
		db.ids = append(db.ids, h.ID)
		total += uint64(h.DecompressedLen)
	}

	if db.cfg.CacheEntries >= 0 {
		entries := db.cfg.CacheEntries
		if entries == 0 {
			var mean uint64
			if len(headers) > 0 {
				mean = total / uint64(len(headers))
			}
			entries = cacheEntriesFor(db.cfg.CacheMemoryFraction, mean)
		}
		db.cache = newBlockCache(entries, db.cfg.CacheShards, db.cfg.CacheTTL, db.cfg.CacheTTI)
	}

	// Make sure the dictionary is usable before we start serving.
	dec, err := db.newDecoder()
	if err != nil {
		return err
	}
	db.decoders.Put(dec)
	return nil
}

// Close unmaps the tape. The Database must not be used afterwards.
func (db *Database[T, P]) Close() error {
	var err error
	if db.data != nil {
		err = unmapFile(db.data)
		db.data, db.body, db.dict = nil, nil, nil
	}
	if db.file != nil {
		if cerr := db.file.Close(); err == nil {
			err = cerr
		}
		db.file = nil
	}
	return err
}

// newDecoder returns a decoder private to the caller.
func (db *Database[T, P]) newDecoder() (*zstd.Decoder, error) {
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	if db.dict != nil {
		opts = append(opts, zstd.WithDecoderDicts(db.dict))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("tape: create decoder: %w", err)
	}
	return dec, nil
}

func (db *Database[T, P]) getDecoder() (*zstd.Decoder, error) {
	if dec, ok := db.decoders.Get().(*zstd.Decoder); ok {
		return dec, nil
	}
	return db.newDecoder()
}

func (db *Database[T, P]) putDecoder(dec *zstd.Decoder) {
	db.decoders.Put(dec)
}

// AllIDs returns the ids of all entities in the order they were recorded.
// The slice must not be modified.
func (db *Database[T, P]) AllIDs() []uuid.UUID {
	return db.ids
}

// Header returns the header of an entity.
func (db *Database[T, P]) Header(id uuid.UUID) (EntityHeader, bool) {
	h, ok := db.headers[id]
	if !ok {
		return EntityHeader{}, false
	}
	return *h, true
}

// Path returns the file the Database was opened from.
func (db *Database[T, P]) Path() string {
	return db.path
}

// Stats returns a description of the tape and its cache.
func (db *Database[T, P]) Stats() Stats {
	s := Stats{
		Entities:  len(db.ids),
		BodyBytes: len(db.body),
		DictBytes: len(db.dict),
	}
	for _, h := range db.headers {
		s.Versions += len(h.Times)
		s.DecompressedBytes += uint64(h.DecompressedLen)
	}
	if db.dict != nil {
		if d, err := zstd.InspectDictionary(db.dict); err == nil {
			s.DictID = d.ID()
		}
	}
	if db.cache != nil {
		s.CacheEntries = db.cache.len()
		s.CacheHits = db.cache.hits.Load()
		s.CacheMisses = db.cache.misses.Load()
	}
	return s
}

// block returns the decompressed block of h, from the cache if possible.
func (db *Database[T, P]) block(h *EntityHeader, dec *zstd.Decoder) ([]byte, error) {
	load := func() ([]byte, error) {
		start := time.Now()
		src := db.body[h.Offset : h.Offset+h.CompressedLen]
		out, err := dec.DecodeAll(src, make([]byte, 0, h.DecompressedLen))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress entity %s: %v", ErrCorruptTape, h.ID, err)
		}
		if len(out) != int(h.DecompressedLen) {
			return nil, fmt.Errorf("%w: entity %s decompressed to %d bytes, want %d", ErrCorruptTape, h.ID, len(out), h.DecompressedLen)
		}
		metricDecompressLatency.Observe(time.Since(start).Seconds())
		return out, nil
	}
	if db.cache == nil {
		return load()
	}
	return db.cache.getOrLoad(blockKey{offset: h.Offset, length: h.CompressedLen}, load)
}
