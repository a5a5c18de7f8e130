// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package jsonpatch

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/vmihailenco/msgpack/v5"
)

func toDoc(m map[string]int64, xs []string) any {
	obj := make(map[string]any, len(m)+1)
	for k, v := range m {
		obj[k] = v
	}
	list := make([]any, len(xs))
	for i, x := range xs {
		list[i] = x
	}
	obj["list"] = list
	return obj
}

// Arbitrary pairs of documents survive diff, serialization and replay.
func TestPropertyDiffApply(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("apply(a, diff(a, b)) == b", prop.ForAll(
		func(am map[string]int64, axs []string, bm map[string]int64, bxs []string) bool {
			a, b := toDoc(am, axs), toDoc(bm, bxs)
			p, err := NewDiffer().Diff(a, b)
			if err != nil {
				return false
			}
			raw, err := msgpack.Marshal(p)
			if err != nil {
				return false
			}
			var decoded Patch
			if err := msgpack.Unmarshal(raw, &decoded); err != nil {
				return false
			}
			got, err := NewDiffer().Apply(DeepCopy(a), &decoded)
			return err == nil && Equal(got, b)
		},
		gen.MapOf(gen.AlphaString(), gen.Int64()),
		gen.SliceOf(gen.AlphaString()),
		gen.MapOf(gen.AlphaString(), gen.Int64()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
