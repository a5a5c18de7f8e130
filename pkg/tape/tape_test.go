// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/westerndigitalcorporation/tape/pkg/jsonpatch"
	"github.com/westerndigitalcorporation/tape/pkg/patch"
	"github.com/westerndigitalcorporation/tape/pkg/testutil"
)

type docDB = Database[any, *jsonpatch.Patch]

// history is one entity's input to a tape.
type history struct {
	id    uuid.UUID
	times []int64
	docs  []any
}

func testRecorderConfig(every int) RecorderConfig {
	cfg := DefaultRecorderConfig
	cfg.CompressionLevel = 3
	cfg.CheckpointEvery = every
	cfg.DictSize = 8 << 10
	cfg.MinSamples = 4
	return cfg
}

// writeTape records hs and merges the result into a new file.
func writeTape(t *testing.T, cfg RecorderConfig, dict []byte, hs []history) string {
	var body bytes.Buffer
	rec, err := NewRecorder(&body, dict, cfg, jsonpatch.Factory())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	for _, h := range hs {
		if err := rec.AddEntity(h.id, h.times, h.docs); err != nil {
			t.Fatalf("AddEntity(%s): %v", h.id, err)
		}
	}
	header, err := rec.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	path := filepath.Join(testutil.Dir(t), "test.tape")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Merge(header, &body, dict, f); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func openTape(t *testing.T, path string) *docDB {
	db, err := Open(path, DefaultTestReaderConfig, jsonpatch.Factory())
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var names = []string{"avery", "blake", "casey", "devon", "emery", "finley"}

// randomDoc returns a document that shares most of its shape with its
// neighbours, like successive snapshots of one API object.
func randomDoc(r *rand.Rand, i int) any {
	tags := make([]any, r.Intn(4))
	for j := range tags {
		tags[j] = names[r.Intn(len(names))]
	}
	doc := map[string]any{
		"id":    int64(i),
		"name":  names[r.Intn(len(names))],
		"score": r.Int63n(100),
		"ratio": r.Float64(),
		"tags":  tags,
		"stats": map[string]any{
			"games": r.Int63n(10),
			"wins":  r.Int63n(5),
			"team":  map[string]any{"city": names[r.Intn(3)]},
		},
	}
	if r.Intn(3) == 0 {
		doc["injured"] = true
	}
	if r.Intn(5) == 0 {
		doc["stats"] = nil
	}
	return doc
}

// randomHistory returns n versions with strictly increasing times.
func randomHistory(r *rand.Rand, n int) history {
	h := history{id: uuid.New()}
	t := int64(1000)
	for i := 0; i < n; i++ {
		t += 1 + r.Int63n(50)
		h.times = append(h.times, t)
		h.docs = append(h.docs, randomDoc(r, i))
	}
	return h
}

func mustEqual(t *testing.T, what string, got, want any) {
	t.Helper()
	if !jsonpatch.Equal(got, want) {
		t.Fatalf("%s: got %v, want %v", what, got, want)
	}
}

func TestConcreteScenario(t *testing.T) {
	h := history{id: uuid.New()}
	for i := 0; i < 7; i++ {
		h.times = append(h.times, int64(10*(i+1)))
		h.docs = append(h.docs, map[string]any{"version": int64(i), "name": "x"})
	}
	db := openTape(t, writeTape(t, testRecorderConfig(3), nil, []history{h}))

	hdr, ok := db.Header(h.id)
	if !ok {
		t.Fatalf("missing header")
	}
	if len(hdr.CheckpointPositions) != 3 {
		t.Fatalf("expected checkpoints at 0, 3, 6, got %v", hdr.CheckpointPositions)
	}

	for _, c := range []struct{ at, want int64 }{{45, 40}, {55, 50}, {10, 10}, {70, 70}, {1000, 70}} {
		rec, ok, err := db.GetEntity(h.id, c.at)
		if err != nil || !ok {
			t.Fatalf("GetEntity(%d): %v %v", c.at, ok, err)
		}
		if rec.Time != c.want {
			t.Fatalf("GetEntity(%d) got time %d, want %d", c.at, rec.Time, c.want)
		}
		mustEqual(t, fmt.Sprintf("at %d", c.at), rec.Value, h.docs[c.want/10-1])
	}

	recs, ok, err := db.GetVersions(h.id, 65, 15)
	if err != nil || !ok {
		t.Fatalf("GetVersions: %v %v", ok, err)
	}
	var times []int64
	for _, r := range recs {
		times = append(times, r.Time)
	}
	if fmt.Sprint(times) != "[20 30 40 50 60]" {
		t.Fatalf("GetVersions(65, 15) got times %v", times)
	}
	for i, r := range recs {
		mustEqual(t, "range", r.Value, h.docs[i+1])
	}
}

func TestBeforeFirstAndUnknown(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	h := randomHistory(r, 10)
	db := openTape(t, writeTape(t, testRecorderConfig(4), nil, []history{h}))

	if _, ok, err := db.GetEntity(h.id, h.times[0]-1); ok || err != nil {
		t.Fatalf("expected no version before first, got %v %v", ok, err)
	}
	if _, ok, err := db.GetEntity(uuid.New(), h.times[5]); ok || err != nil {
		t.Fatalf("expected unknown id to be absent, got %v %v", ok, err)
	}
	if _, ok, err := db.GetVersions(uuid.New(), 1<<40, 0); ok || err != nil {
		t.Fatalf("expected unknown id to be absent, got %v %v", ok, err)
	}
	recs, ok, err := db.GetVersions(h.id, h.times[0]-1, 0)
	if !ok || err != nil || len(recs) != 0 {
		t.Fatalf("expected empty window, got %d %v %v", len(recs), ok, err)
	}
}

// Every version comes back at its own timestamp, for several cadences.
func TestRoundTrip(t *testing.T) {
	for _, every := range []int{CheckpointFirstOnly, 1, 2, 5, 64} {
		r := rand.New(rand.NewSource(int64(every)))
		var hs []history
		for i := 0; i < 12; i++ {
			hs = append(hs, randomHistory(r, 1+r.Intn(40)))
		}
		db := openTape(t, writeTape(t, testRecorderConfig(every), nil, hs))
		if len(db.AllIDs()) != len(hs) {
			t.Fatalf("every=%d: %d ids, want %d", every, len(db.AllIDs()), len(hs))
		}
		for i, h := range hs {
			if db.AllIDs()[i] != h.id {
				t.Fatalf("every=%d: ids not in recorded order", every)
			}
			for j, ts := range h.times {
				rec, ok, err := db.GetEntity(h.id, ts)
				if err != nil || !ok {
					t.Fatalf("every=%d: GetEntity(%s, %d): %v %v", every, h.id, ts, ok, err)
				}
				mustEqual(t, fmt.Sprintf("every=%d version %d", every, j), rec.Value, h.docs[j])
			}
		}
	}
}

// Between two recorded times the earlier version is returned.
func TestMonotonicity(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	h := randomHistory(r, 30)
	db := openTape(t, writeTape(t, testRecorderConfig(7), nil, []history{h}))

	for j := 0; j+1 < len(h.times); j++ {
		for at := h.times[j]; at < h.times[j+1]; at++ {
			rec, ok, err := db.GetEntity(h.id, at)
			if err != nil || !ok {
				t.Fatalf("GetEntity(%d): %v %v", at, ok, err)
			}
			if rec.Time != h.times[j] {
				t.Fatalf("GetEntity(%d) got time %d, want %d", at, rec.Time, h.times[j])
			}
		}
	}
}

func TestDuplicateTimes(t *testing.T) {
	h := history{
		id:    uuid.New(),
		times: []int64{10, 20, 20, 20, 30},
		docs: []any{
			map[string]any{"n": int64(0)},
			map[string]any{"n": int64(1)},
			map[string]any{"n": int64(2)},
			map[string]any{"n": int64(3)},
			map[string]any{"n": int64(4)},
		},
	}
	db := openTape(t, writeTape(t, testRecorderConfig(2), nil, []history{h}))

	rec, ok, err := db.GetEntity(h.id, 25)
	if err != nil || !ok {
		t.Fatalf("GetEntity: %v %v", ok, err)
	}
	mustEqual(t, "last duplicate", rec.Value, h.docs[3])

	recs, _, err := db.GetVersions(h.id, 20, 10)
	if err != nil || len(recs) != 3 {
		t.Fatalf("GetVersions got %d: %v", len(recs), err)
	}
	for i, r := range recs {
		mustEqual(t, "duplicates", r.Value, h.docs[i+1])
	}
}

func TestRangeCompleteness(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	h := randomHistory(r, 40)
	const every = 4
	db := openTape(t, writeTape(t, testRecorderConfig(every), nil, []history{h}))

	check := func(name string, from, to int) {
		// (after, before] selects versions from..to.
		after := h.times[from] - 1
		before := h.times[to]
		recs, ok, err := db.GetVersions(h.id, before, after)
		if err != nil || !ok {
			t.Fatalf("%s: %v %v", name, ok, err)
		}
		if len(recs) != to-from+1 {
			t.Fatalf("%s: got %d versions, want %d", name, len(recs), to-from+1)
		}
		for i, rec := range recs {
			if rec.Time != h.times[from+i] {
				t.Fatalf("%s: version %d at time %d, want %d", name, i, rec.Time, h.times[from+i])
			}
			mustEqual(t, fmt.Sprintf("%s version %d", name, from+i), rec.Value, h.docs[from+i])
		}
	}

	check("one range", 1, 3)
	check("one version", 5, 5)
	check("checkpoint only", 8, 8)
	check("two ranges", 2, 6)
	check("two full ranges", 4, 11)
	check("five ranges", 3, 21)
	check("everything", 0, 39)
	check("to the end", 37, 39)
}

func TestGetEntities(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	var hs []history
	for i := 0; i < 37; i++ {
		hs = append(hs, randomHistory(r, 1+r.Intn(20)))
	}
	db := openTape(t, writeTape(t, testRecorderConfig(3), nil, hs))
	at := int64(1200)

	for _, n := range []int{0, 3, len(hs)} {
		ids := make([]uuid.UUID, 0, n+1)
		for _, h := range hs[:n] {
			ids = append(ids, h.id)
		}
		ids = append(ids, uuid.New())

		got, err := db.GetEntities(ids, at)
		if err != nil {
			t.Fatalf("GetEntities(%d): %v", n, err)
		}
		if len(got) != len(ids) {
			t.Fatalf("got %d results for %d ids", len(got), len(ids))
		}
		if got[len(got)-1] != nil {
			t.Fatalf("unknown id returned a record")
		}
		for i, id := range ids[:n] {
			want, ok, err := db.GetEntity(id, at)
			if err != nil {
				t.Fatalf("GetEntity: %v", err)
			}
			if !ok {
				if got[i] != nil {
					t.Fatalf("id %d: expected nil", i)
				}
				continue
			}
			if got[i] == nil || got[i].Time != want.Time {
				t.Fatalf("id %d: got %v, want time %d", i, got[i], want.Time)
			}
			mustEqual(t, "batch", got[i].Value, want.Value)
		}
	}
}

func TestPartition(t *testing.T) {
	for _, c := range []struct{ n, parts int }{{10, 3}, {10, 10}, {3, 8}, {100, 7}, {1, 1}, {0, 4}} {
		chunks := partition(c.n, c.parts)
		next := 0
		for _, ch := range chunks {
			if ch.start != next || ch.end <= ch.start {
				t.Fatalf("partition(%d, %d) = %v", c.n, c.parts, chunks)
			}
			size := ch.end - ch.start
			if size < c.n/c.parts || size > c.n/c.parts+1 {
				t.Fatalf("partition(%d, %d) uneven: %v", c.n, c.parts, chunks)
			}
			next = ch.end
		}
		if next != c.n {
			t.Fatalf("partition(%d, %d) covers %d", c.n, c.parts, next)
		}
	}
}

func TestDictionaryOptional(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	var hs []history
	for i := 0; i < 120; i++ {
		hs = append(hs, randomHistory(r, 5+r.Intn(30)))
	}
	cfg := testRecorderConfig(8)

	trainer, err := NewDictTrainer(cfg, jsonpatch.Factory())
	if err != nil {
		t.Fatalf("NewDictTrainer: %v", err)
	}
	for _, h := range hs {
		if err := trainer.AddEntity(h.id, h.times, h.docs); err != nil {
			t.Fatalf("trainer.AddEntity: %v", err)
		}
	}
	if trainer.Samples() != len(hs) {
		t.Fatalf("got %d samples, want %d", trainer.Samples(), len(hs))
	}
	dict, err := trainer.Train()
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	plain := openTape(t, writeTape(t, cfg, nil, hs))
	withDict := openTape(t, writeTape(t, cfg, dict, hs))
	if withDict.Stats().DictID < minDictID {
		t.Fatalf("bad dictionary id %d", withDict.Stats().DictID)
	}
	if plain.Stats().DictBytes != 0 {
		t.Fatalf("plain tape has a dictionary")
	}

	for _, h := range hs {
		a, _, err := plain.GetVersions(h.id, 1<<40, 0)
		if err != nil {
			t.Fatalf("plain: %v", err)
		}
		b, _, err := withDict.GetVersions(h.id, 1<<40, 0)
		if err != nil {
			t.Fatalf("dict: %v", err)
		}
		if len(a) != len(b) || len(a) != len(h.docs) {
			t.Fatalf("got %d and %d versions, want %d", len(a), len(b), len(h.docs))
		}
		for i := range a {
			mustEqual(t, "dictionary", b[i].Value, a[i].Value)
		}
	}
}

func TestTooFewSamples(t *testing.T) {
	cfg := testRecorderConfig(8)
	cfg.MinSamples = 10
	trainer, err := NewDictTrainer(cfg, jsonpatch.Factory())
	if err != nil {
		t.Fatalf("NewDictTrainer: %v", err)
	}
	h := randomHistory(rand.New(rand.NewSource(6)), 3)
	if err := trainer.AddEntity(h.id, h.times, h.docs); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	if _, err := trainer.Train(); !errors.Is(err, ErrTooFewSamples) {
		t.Fatalf("expected ErrTooFewSamples, got %v", err)
	}
}

func TestRecorderErrors(t *testing.T) {
	var body bytes.Buffer
	rec, err := NewRecorder(&body, nil, testRecorderConfig(4), jsonpatch.Factory())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	doc := map[string]any{"a": int64(1)}
	id := uuid.New()

	if err := rec.AddEntity(id, nil, nil); !errors.Is(err, ErrEmptyHistory) {
		t.Fatalf("expected ErrEmptyHistory, got %v", err)
	}
	if err := rec.AddEntity(id, []int64{1, 2}, []any{doc}); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
	if err := rec.AddEntity(id, []int64{2, 1}, []any{doc, doc}); !errors.Is(err, ErrUnsortedTimes) {
		t.Fatalf("expected ErrUnsortedTimes, got %v", err)
	}
	if err := rec.AddEntity(id, []int64{1, 1}, []any{doc, doc}); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	if err := rec.AddEntity(id, []int64{3}, []any{doc}); !errors.Is(err, ErrDuplicateEntity) {
		t.Fatalf("expected ErrDuplicateEntity, got %v", err)
	}
	if rec.Len() != 1 || rec.BodyLen() != uint64(body.Len()) {
		t.Fatalf("Len %d BodyLen %d body %d", rec.Len(), rec.BodyLen(), body.Len())
	}
	if _, err := rec.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := rec.AddEntity(uuid.New(), []int64{1}, []any{doc}); !errors.Is(err, ErrFinished) {
		t.Fatalf("expected ErrFinished, got %v", err)
	}

	bad := testRecorderConfig(4)
	bad.CompressionLevel = 0
	if _, err := NewRecorder(&body, nil, bad, jsonpatch.Factory()); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
}

func TestMergeLayout(t *testing.T) {
	var out bytes.Buffer
	dict := []byte("dictionary")
	header := []byte("header")
	if err := Merge(header, bytes.NewReader([]byte("body")), dict, &out); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	l, err := parseLayout(out.Bytes())
	if err != nil {
		t.Fatalf("parseLayout: %v", err)
	}
	if string(l.dict) != "dictionary" || string(l.header) != "header" || string(out.Bytes()[l.bodyStart:]) != "body" {
		t.Fatalf("bad layout: %q %q %d", l.dict, l.header, l.bodyStart)
	}

	out.Reset()
	if err := Merge(header, bytes.NewReader(nil), nil, &out); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if l, err = parseLayout(out.Bytes()); err != nil || l.dict != nil {
		t.Fatalf("expected no dictionary: %v %v", l.dict, err)
	}
}

func TestCorruptTape(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	h := randomHistory(r, 20)
	path := writeTape(t, testRecorderConfig(4), nil, []history{h})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	write := func(name string, b []byte) string {
		p := filepath.Join(filepath.Dir(path), name)
		if err := os.WriteFile(p, b, 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return p
	}

	for name, b := range map[string][]byte{
		"short":     data[:5],
		"truncated": data[:2*prefixLen+3],
		"garbage":   append(append([]byte{}, data[:2*prefixLen]...), bytes.Repeat([]byte{0xff}, 64)...),
	} {
		if _, err := Open(write(name, b), DefaultTestReaderConfig, jsonpatch.Factory()); !errors.Is(err, ErrCorruptTape) {
			t.Fatalf("%s: expected ErrCorruptTape, got %v", name, err)
		}
	}

	// Damage the body only; the header still opens.
	l, _ := parseLayout(data)
	damaged := append([]byte{}, data...)
	for i := l.bodyStart; i < len(damaged); i++ {
		damaged[i] ^= 0x5a
	}
	db, err := Open(write("damaged", damaged), DefaultTestReaderConfig, jsonpatch.Factory())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if _, _, err := db.GetEntity(h.id, h.times[10]); err == nil {
		t.Fatalf("expected an error reading a damaged block")
	}
	if failed := db.Verify(0); len(failed) != 1 || failed[0].ID != h.id {
		t.Fatalf("expected Verify to report the entity, got %v", failed)
	}
}

func TestVerifyAndStats(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	var hs []history
	versions := 0
	for i := 0; i < 10; i++ {
		h := randomHistory(r, 1+r.Intn(25))
		versions += len(h.times)
		hs = append(hs, h)
	}
	db := openTape(t, writeTape(t, testRecorderConfig(5), nil, hs))
	if failed := db.Verify(0); len(failed) != 0 {
		t.Fatalf("Verify: %v", failed)
	}

	for _, h := range hs {
		db.GetEntity(h.id, h.times[len(h.times)-1])
		db.GetEntity(h.id, h.times[0])
	}
	s := db.Stats()
	if s.Entities != len(hs) || s.Versions != versions {
		t.Fatalf("bad stats %+v", s)
	}
	if s.CacheEntries != len(hs) || s.CacheMisses != uint64(len(hs)) || s.CacheHits != uint64(len(hs)) {
		t.Fatalf("bad cache stats %+v", s)
	}
}

func TestNoCache(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	h := randomHistory(r, 12)
	path := writeTape(t, testRecorderConfig(5), nil, []history{h})

	cfg := DefaultTestReaderConfig
	cfg.CacheEntries = -1
	db, err := Open(path, cfg, jsonpatch.Factory())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	rec, ok, err := db.GetEntity(h.id, h.times[11])
	if err != nil || !ok {
		t.Fatalf("GetEntity: %v %v", ok, err)
	}
	mustEqual(t, "uncached", rec.Value, h.docs[11])
	if s := db.Stats(); s.CacheEntries != 0 || s.CacheHits != 0 {
		t.Fatalf("bad stats %+v", s)
	}
}

type counter struct {
	N    int64    `msgpack:"n"`
	Tags []string `msgpack:"tags"`
}

// Record types without a structural differ store every version in full.
func TestSnapshotDiffer(t *testing.T) {
	id := uuid.New()
	times := []int64{1, 2, 3, 4, 5}
	recs := []counter{{N: 1}, {N: 2, Tags: []string{"a"}}, {N: 3}, {N: 4}, {N: 5, Tags: []string{"b", "c"}}}

	var body bytes.Buffer
	rec, err := NewRecorder(&body, nil, testRecorderConfig(2), patch.SnapshotFactory[counter]())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.AddEntity(id, times, recs); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	header, err := rec.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	path := filepath.Join(testutil.Dir(t), "counter.tape")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Merge(header, &body, nil, f); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	f.Close()

	db, err := Open(path, DefaultTestReaderConfig, patch.SnapshotFactory[counter]())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	got, _, err := db.GetVersions(id, 5, 0)
	if err != nil || len(got) != len(recs) {
		t.Fatalf("GetVersions: %d %v", len(got), err)
	}
	for i := range got {
		if got[i].Value.N != recs[i].N || len(got[i].Value.Tags) != len(recs[i].Tags) {
			t.Fatalf("version %d: got %+v, want %+v", i, got[i].Value, recs[i])
		}
	}
}
