// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package staging collects entity versions as they are captured, before
// they are built into a tape. Versions are kept in a boltdb file with one
// bucket per record kind, keyed so that a cursor walks each entity's
// history in time order.
package staging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/golang/glog"

	"github.com/boltdb/bolt"
	"github.com/golang/snappy"
	"github.com/google/uuid"
)

var (
	mode = 0600

	// ErrUnknownKind is returned when reading a kind that was never staged.
	ErrUnknownKind = errors.New("no versions staged for kind")

	// ErrBadValue is returned when a staged value can't be decoded.
	ErrBadValue = errors.New("corrupt staged value")
)

// Key layout within a kind's bucket: id, time, sequence.
const (
	idLen  = 16
	keyLen = idLen + 8 + 8
)

// Version is one captured version of an entity. Value is the JSON document
// as received.
type Version struct {
	ID    uuid.UUID
	Time  int64
	Value []byte
}

// Store is an on-disk staging area backed by boltdb.
type Store struct {
	db *bolt.DB
}

// Open opens a staging store from a given path. If no file exists a new
// store will be created.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, os.FileMode(mode), nil)
	if err != nil {
		return nil, fmt.Errorf("staging: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// makeKey builds the key of a version. Times are stored with the sign bit
// flipped so that negative times sort before positive ones.
func makeKey(id uuid.UUID, t int64, seq uint64) []byte {
	k := make([]byte, keyLen)
	copy(k, id[:])
	binary.BigEndian.PutUint64(k[idLen:], uint64(t)^(1<<63))
	binary.BigEndian.PutUint64(k[idLen+8:], seq)
	return k
}

// parseKey is the inverse of makeKey.
func parseKey(k []byte) (id uuid.UUID, t int64, ok bool) {
	if len(k) != keyLen {
		return id, 0, false
	}
	copy(id[:], k[:idLen])
	t = int64(binary.BigEndian.Uint64(k[idLen:]) ^ (1 << 63))
	return id, t, true
}

// Put stages one version.
func (s *Store) Put(kind string, v Version) error {
	return s.PutBatch(kind, []Version{v})
}

// PutBatch stages several versions in one transaction. Versions of the same
// entity with equal times keep the order in which they were staged.
func (s *Store) PutBatch(kind string, vs []Version) error {
	if kind == "" {
		return fmt.Errorf("staging: empty kind")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		for _, v := range vs {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if err := b.Put(makeKey(v.ID, v.Time, seq), snappy.Encode(nil, v.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

// EntityFunc receives the complete staged history of one entity. The
// slices are owned by the callee.
type EntityFunc func(id uuid.UUID, times []int64, values [][]byte) error

// Entities calls fn for every entity of kind in id order, with its history
// in time order. It stops at the first error fn returns.
func (s *Store) Entities(kind string, fn EntityFunc) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}

		var cur uuid.UUID
		var times []int64
		var values [][]byte
		flush := func() error {
			if len(times) == 0 {
				return nil
			}
			err := fn(cur, times, values)
			times, values = nil, nil
			return err
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id, t, ok := parseKey(k)
			if !ok {
				return fmt.Errorf("%w: bad key %x", ErrBadValue, k)
			}
			if id != cur {
				if err := flush(); err != nil {
					return err
				}
				cur = id
			}
			val, err := snappy.Decode(nil, v)
			if err != nil {
				return fmt.Errorf("%w: %s at %d: %v", ErrBadValue, id, t, err)
			}
			times = append(times, t)
			values = append(values, val)
		}
		return flush()
	})
}

// History returns the staged history of one entity.
func (s *Store) History(kind string, id uuid.UUID) ([]Version, error) {
	var out []Version
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
		c := b.Cursor()
		for k, v := c.Seek(id[:]); k != nil && bytes.HasPrefix(k, id[:]); k, v = c.Next() {
			_, t, _ := parseKey(k)
			val, err := snappy.Decode(nil, v)
			if err != nil {
				return fmt.Errorf("%w: %s at %d: %v", ErrBadValue, id, t, err)
			}
			out = append(out, Version{ID: id, Time: t, Value: val})
		}
		return nil
	})
	return out, err
}

// Kinds returns the kinds that have staged versions.
func (s *Store) Kinds() ([]string, error) {
	var kinds []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			kinds = append(kinds, string(name))
			return nil
		})
	})
	return kinds, err
}

// Count returns the number of entities and versions staged for kind.
func (s *Store) Count(kind string) (entities, versions int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		var last []byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			versions++
			if last == nil || !bytes.Equal(last, k[:idLen]) {
				entities++
				last = copySlice(k[:idLen])
			}
		}
		return nil
	})
	return
}

// Drop removes everything staged for kind.
func (s *Store) Drop(kind string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(kind)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
}

// Backup writes a snappy-compressed copy of the whole store to writer.
func (s *Store) Backup(writer io.Writer) (n int64, err error) {
	sw := snappy.NewBufferedWriter(writer)
	err = s.db.View(func(tx *bolt.Tx) error {
		n, err = tx.WriteTo(sw)
		return err
	})
	if cerr := sw.Close(); err == nil {
		err = cerr
	}
	log.Infof("backed up staging store: %d bytes", n)
	return n, err
}

// Restore writes a backup made by Backup to a new store file at path.
func Restore(reader io.Reader, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, snappy.NewReader(reader)); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("staging: restore %s: %w", path, err)
	}
	return f.Close()
}

// Make a copy of a slice.
func copySlice(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
