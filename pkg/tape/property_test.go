// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/westerndigitalcorporation/tape/pkg/jsonpatch"
)

// The checkpoint cadence changes the encoding, never the answers.
func TestPropertyCheckpointInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("same versions for every cadence", prop.ForAll(
		func(values []int64, every int) bool {
			h := history{id: uuid.New()}
			for i, v := range values {
				h.times = append(h.times, int64(10*i))
				list := make([]any, int(uint64(v)%5))
				for j := range list {
					list[j] = v + int64(j)
				}
				h.docs = append(h.docs, map[string]any{"v": v, "list": list})
			}
			a := openTape(t, writeTape(t, testRecorderConfig(CheckpointFirstOnly), nil, []history{h}))
			b := openTape(t, writeTape(t, testRecorderConfig(every), nil, []history{h}))

			for _, at := range []int64{0, 5, int64(5 * len(values)), int64(10 * len(values))} {
				ra, oka, erra := a.GetEntity(h.id, at)
				rb, okb, errb := b.GetEntity(h.id, at)
				if erra != nil || errb != nil || oka != okb || ra.Time != rb.Time || !jsonpatch.Equal(ra.Value, rb.Value) {
					return false
				}
			}
			va, _, erra := a.GetVersions(h.id, 1<<40, -1)
			vb, _, errb := b.GetVersions(h.id, 1<<40, -1)
			if erra != nil || errb != nil || len(va) != len(values) || len(vb) != len(values) {
				return false
			}
			for i := range va {
				if !jsonpatch.Equal(va[i].Value, h.docs[i]) || !jsonpatch.Equal(vb[i].Value, h.docs[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(30, gen.Int64Range(-1000, 1000)).SuchThat(func(v []int64) bool { return len(v) > 0 }),
		gen.IntRange(1, 9),
	))

	properties.TestingRun(t)
}
