// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package records

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/westerndigitalcorporation/tape/pkg/jsonpatch"
	"github.com/westerndigitalcorporation/tape/pkg/tape"
)

// Version is one rendered version of an entity.
type Version struct {
	Time  int64           `json:"time"`
	Value json.RawMessage `json:"value"`
}

// Change is a version expressed as a JSON Patch against the one before it.
// The first change of a history carries the full value instead.
type Change struct {
	Time  int64           `json:"time"`
	Value json.RawMessage `json:"value,omitempty"`
	Patch json.RawMessage `json:"patch,omitempty"`
}

// Changes renders consecutive versions as RFC 6902 patches.
func Changes(vs []Version) ([]Change, error) {
	out := make([]Change, len(vs))
	d := jsonpatch.NewDiffer()
	var prev any
	for i, v := range vs {
		doc, err := jsonpatch.Parse(v.Value)
		if err != nil {
			return nil, fmt.Errorf("version at %d: %w", v.Time, err)
		}
		out[i].Time = v.Time
		if i == 0 {
			out[i].Value = v.Value
		} else {
			p, err := d.Diff(prev, doc)
			if err != nil {
				return nil, err
			}
			if out[i].Patch, err = d.RFC6902(p); err != nil {
				return nil, err
			}
		}
		prev = doc
	}
	return out, nil
}

// Store serves one tape without its callers knowing the record type.
// Values are rendered as JSON.
type Store interface {
	// Get returns the version current at time at.
	Get(id uuid.UUID, at int64) (Version, bool, error)
	// GetMany returns the versions current at time at; nil means absent.
	GetMany(ids []uuid.UUID, at int64) ([]*Version, error)
	// Versions returns the versions with after < time <= before.
	Versions(id uuid.UUID, before, after int64) ([]Version, bool, error)

	AllIDs() []uuid.UUID
	Header(id uuid.UUID) (tape.EntityHeader, bool)
	Stats() tape.Stats
	Verify(limit int) []tape.VerifyError
	Close() error
}

// store adapts a typed tape.Database to Store.
type store[T, P any] struct {
	*tape.Database[T, P]
	render func(T) (json.RawMessage, error)
}

func newStore[T, P any](db *tape.Database[T, P], render func(T) (json.RawMessage, error)) Store {
	return &store[T, P]{Database: db, render: render}
}

func (s *store[T, P]) version(id uuid.UUID, r tape.VersionedRecord[T]) (Version, error) {
	b, err := s.render(r.Value)
	if err != nil {
		return Version{}, fmt.Errorf("render %s at %d: %w", id, r.Time, err)
	}
	return Version{Time: r.Time, Value: b}, nil
}

func (s *store[T, P]) Get(id uuid.UUID, at int64) (Version, bool, error) {
	r, ok, err := s.GetEntity(id, at)
	if err != nil || !ok {
		return Version{}, ok, err
	}
	v, err := s.version(id, r)
	return v, err == nil, err
}

func (s *store[T, P]) GetMany(ids []uuid.UUID, at int64) ([]*Version, error) {
	recs, err := s.GetEntities(ids, at)
	if err != nil {
		return nil, err
	}
	out := make([]*Version, len(recs))
	for i, r := range recs {
		if r == nil {
			continue
		}
		v, err := s.version(ids[i], *r)
		if err != nil {
			return nil, err
		}
		out[i] = &v
	}
	return out, nil
}

func (s *store[T, P]) Versions(id uuid.UUID, before, after int64) ([]Version, bool, error) {
	recs, ok, err := s.GetVersions(id, before, after)
	if err != nil || !ok {
		return nil, ok, err
	}
	out := make([]Version, len(recs))
	for i, r := range recs {
		if out[i], err = s.version(id, r); err != nil {
			return nil, false, err
		}
	}
	return out, true, nil
}
