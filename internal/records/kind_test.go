// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/westerndigitalcorporation/tape/internal/builder"
	"github.com/westerndigitalcorporation/tape/internal/staging"
	"github.com/westerndigitalcorporation/tape/pkg/jsonpatch"
	"github.com/westerndigitalcorporation/tape/pkg/tape"
	"github.com/westerndigitalcorporation/tape/pkg/testutil"
)

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds() {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("tributes"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if Kind(42).String() != "Kind(42)" {
		t.Fatalf("bad name for invalid kind: %s", Kind(42))
	}
	if _, err := OpenStore(Kind(-1), "x", tape.DefaultTestReaderConfig); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func buildConfig() builder.Config {
	cfg := builder.DefaultConfig
	cfg.CompressionLevel = 3
	cfg.CheckpointEvery = 3
	cfg.Train = false
	return cfg
}

func buildKind(t *testing.T, k Kind, docs map[uuid.UUID][]string) Store {
	dir := testutil.Dir(t)
	st, err := staging.Open(filepath.Join(dir, "staging.db"))
	if err != nil {
		t.Fatalf("staging.Open: %v", err)
	}
	defer st.Close()
	for id, versions := range docs {
		for i, doc := range versions {
			if err := st.Put(k.String(), staging.Version{ID: id, Time: int64(10 * (i + 1)), Value: []byte(doc)}); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}

	out := filepath.Join(dir, k.String()+".tape")
	if _, err := Build(context.Background(), k, st, out, buildConfig()); err != nil {
		t.Fatalf("Build(%s): %v", k, err)
	}
	s, err := OpenStore(k, out, tape.DefaultTestReaderConfig)
	if err != nil {
		t.Fatalf("OpenStore(%s): %v", k, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sameJSON(t *testing.T, got json.RawMessage, want string) {
	t.Helper()
	a, err := jsonpatch.Parse(got)
	if err != nil {
		t.Fatalf("bad json %s: %v", got, err)
	}
	b, err := jsonpatch.Parse([]byte(want))
	if err != nil {
		t.Fatalf("bad json %s: %v", want, err)
	}
	if !jsonpatch.Equal(a, b) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestPlayersStore(t *testing.T) {
	id := uuid.New()
	player := func(team string, points int) string {
		return fmt.Sprintf(`{"id":%q,"name":"Casey","team_id":%q,"position":"C","number":5,"active":true,"stats":{"points":%d}}`, id, team, points)
	}
	versions := []string{player("t1", 0), player("t1", 4), player("t1", 9), player("t2", 9), player("t2", 15)}
	s := buildKind(t, Players, map[uuid.UUID][]string{id: versions})

	v, ok, err := s.Get(id, 35)
	if err != nil || !ok || v.Time != 30 {
		t.Fatalf("Get: %+v %v %v", v, ok, err)
	}
	sameJSON(t, v.Value, versions[2])

	vs, ok, err := s.Versions(id, 50, 10)
	if err != nil || !ok || len(vs) != 4 {
		t.Fatalf("Versions: %d %v %v", len(vs), ok, err)
	}
	for i, v := range vs {
		sameJSON(t, v.Value, versions[i+1])
	}

	many, err := s.GetMany([]uuid.UUID{uuid.New(), id}, 100)
	if err != nil || many[0] != nil || many[1] == nil {
		t.Fatalf("GetMany: %v %v", many, err)
	}
	sameJSON(t, many[1].Value, versions[4])
	if failed := s.Verify(0); len(failed) != 0 {
		t.Fatalf("Verify: %v", failed)
	}
}

func TestGamesStore(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	docs := map[uuid.UUID][]string{
		a: {`{"home":1,"away":0,"clock":"12:00"}`, `{"home":3,"away":0,"clock":"9:41"}`, `{"home":3,"away":2,"clock":"2:10","final":true}`},
		b: {`{"home":0,"away":0,"plays":[]}`, `{"home":0,"away":1,"plays":["goal"]}`},
	}
	s := buildKind(t, Games, docs)
	if len(s.AllIDs()) != 2 || s.Stats().Versions != 5 {
		t.Fatalf("bad store: %d ids, %+v", len(s.AllIDs()), s.Stats())
	}
	for id, versions := range docs {
		for i, doc := range versions {
			v, ok, err := s.Get(id, int64(10*(i+1)))
			if err != nil || !ok {
				t.Fatalf("Get: %v %v", ok, err)
			}
			sameJSON(t, v.Value, doc)
		}
		if _, ok, _ := s.Get(id, 5); ok {
			t.Fatalf("expected nothing before the first version")
		}
		if h, ok := s.Header(id); !ok || len(h.Times) != len(versions) {
			t.Fatalf("bad header %+v", h)
		}
	}
}
