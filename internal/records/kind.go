// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package records defines the record kinds that are archived in tapes and
// how each of them is diffed, built and served.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/westerndigitalcorporation/tape/internal/builder"
	"github.com/westerndigitalcorporation/tape/internal/staging"
	"github.com/westerndigitalcorporation/tape/pkg/jsonpatch"
	"github.com/westerndigitalcorporation/tape/pkg/patch"
	"github.com/westerndigitalcorporation/tape/pkg/tape"
)

// ErrUnknownKind is returned when looking up a kind name that doesn't exist.
var ErrUnknownKind = errors.New("unknown record kind")

// Kind is one of the record kinds we archive.
type Kind int

// The record kinds.
const (
	Games Kind = iota
	Players
	Teams
)

// kindInfo is everything that differs between kinds.
type kindInfo struct {
	name  string
	open  func(path string, cfg tape.ReaderConfig) (Store, error)
	build func(ctx context.Context, st *staging.Store, kind, out string, cfg builder.Config) (builder.Result, error)
}

var kinds = []kindInfo{
	Games:   {name: "games", open: openDocuments, build: buildDocuments},
	Players: {name: "players", open: openPlayers, build: buildPlayers},
	Teams:   {name: "teams", open: openDocuments, build: buildDocuments},
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (Kind, error) {
	for k, info := range kinds {
		if info.name == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// AllKinds returns every kind.
func AllKinds() []Kind {
	out := make([]Kind, len(kinds))
	for i := range kinds {
		out[i] = Kind(i)
	}
	return out
}

func (k Kind) valid() bool {
	return k >= 0 && int(k) < len(kinds)
}

// String returns the name of the kind, which is also its staging bucket.
func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].name
}

// OpenStore opens a tape of kind k.
func OpenStore(k Kind, path string, cfg tape.ReaderConfig) (Store, error) {
	if !k.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return kinds[k].open(path, cfg)
}

// Build builds a tape of kind k at out from everything staged for it.
func Build(ctx context.Context, k Kind, st *staging.Store, out string, cfg builder.Config) (builder.Result, error) {
	if !k.valid() {
		return builder.Result{}, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return kinds[k].build(ctx, st, k.String(), out, cfg)
}

// Games and teams are served as free-form documents.

func openDocuments(path string, cfg tape.ReaderConfig) (Store, error) {
	db, err := tape.Open(path, cfg, jsonpatch.Factory())
	if err != nil {
		return nil, err
	}
	return newStore(db, renderJSON[any]), nil
}

func buildDocuments(ctx context.Context, st *staging.Store, kind, out string, cfg builder.Config) (builder.Result, error) {
	return builder.Build(ctx, st, kind, out, cfg, jsonpatch.Factory(), jsonpatch.Parse)
}

func openPlayers(path string, cfg tape.ReaderConfig) (Store, error) {
	db, err := tape.Open(path, cfg, PlayerFactory())
	if err != nil {
		return nil, err
	}
	return newStore(db, renderJSON[Player]), nil
}

func buildPlayers(ctx context.Context, st *staging.Store, kind, out string, cfg builder.Config) (builder.Result, error) {
	return builder.Build(ctx, st, kind, out, cfg, PlayerFactory(), DecodePlayer)
}

func renderJSON[T any](v T) (json.RawMessage, error) {
	return json.Marshal(v)
}

var _ patch.Cloner[Player] = PlayerDiffer{}
