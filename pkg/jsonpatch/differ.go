// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package jsonpatch

import (
	"fmt"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

// Differ implements patch.Differ for canonical documents. It owns the path
// interning table for the checkpoint range it is currently in. A Differ is
// used either for writing (Diff) or for reading (Apply), never both, and is
// not safe for concurrent use.
type Differ struct {
	ids   map[string]uint32
	paths []string
}

var (
	_ patch.Differ[any, *Patch] = (*Differ)(nil)
	_ patch.Checkpointer        = (*Differ)(nil)
	_ patch.Cloner[any]         = (*Differ)(nil)
)

// NewDiffer returns a Differ with an empty path table.
func NewDiffer() *Differ {
	return &Differ{ids: make(map[string]uint32)}
}

// Factory returns a patch.Factory producing fresh Differs.
func Factory() patch.Factory[any, *Patch] {
	return func() patch.Differ[any, *Patch] { return NewDiffer() }
}

// Checkpoint implements patch.Checkpointer by forgetting all interned paths.
func (d *Differ) Checkpoint() {
	d.paths = d.paths[:0]
	for k := range d.ids {
		delete(d.ids, k)
	}
}

// Clone implements patch.Cloner.
func (d *Differ) Clone(doc any) any {
	return DeepCopy(doc)
}

// Normalize implements patch.Normalizer.
func (d *Differ) Normalize(doc any) any {
	return Normalize(doc)
}

// Paths returns the number of paths currently interned.
func (d *Differ) Paths() int {
	return len(d.paths)
}

// intern returns the id for ptr, recording it in p if it is new.
func (d *Differ) intern(p *Patch, ptr string) uint32 {
	if id, ok := d.ids[ptr]; ok {
		return id
	}
	id := uint32(len(d.paths))
	d.ids[ptr] = id
	d.paths = append(d.paths, ptr)
	p.NewPaths = append(p.NewPaths, ptr)
	return id
}

// learn adds the paths introduced by p to the table.
func (d *Differ) learn(p *Patch) {
	for _, ptr := range p.NewPaths {
		if _, ok := d.ids[ptr]; !ok {
			d.ids[ptr] = uint32(len(d.paths))
		}
		d.paths = append(d.paths, ptr)
	}
}

func (d *Differ) resolve(id uint32) (string, error) {
	if int(id) >= len(d.paths) {
		return "", fmt.Errorf("%w: id %d, table has %d entries", patch.ErrPathResolution, id, len(d.paths))
	}
	return d.paths[id], nil
}

// Diff implements patch.Differ. It emits add, remove and replace
// operations; objects are compared member by member and arrays element by
// element, with growth or shrinkage handled at the tail.
func (d *Differ) Diff(prev, next any) (*Patch, error) {
	p := &Patch{}
	d.diffValue(p, "", prev, next)
	return p, nil
}

func (d *Differ) diffValue(p *Patch, ptr string, a, b any) {
	if Equal(a, b) {
		return
	}
	switch x := a.(type) {
	case map[string]any:
		if y, ok := b.(map[string]any); ok {
			d.diffObject(p, ptr, x, y)
			return
		}
	case []any:
		if y, ok := b.([]any); ok {
			d.diffArray(p, ptr, x, y)
			return
		}
	}
	p.Ops = append(p.Ops, Op{Code: OpReplace, Path: d.intern(p, ptr), Value: b})
}

func (d *Differ) diffObject(p *Patch, ptr string, a, b map[string]any) {
	for _, k := range sortedKeys(a) {
		if _, ok := b[k]; !ok {
			p.Ops = append(p.Ops, Op{Code: OpRemove, Path: d.intern(p, appendToken(ptr, k))})
		}
	}
	for _, k := range sortedKeys(b) {
		child := appendToken(ptr, k)
		if av, ok := a[k]; ok {
			d.diffValue(p, child, av, b[k])
		} else {
			p.Ops = append(p.Ops, Op{Code: OpAdd, Path: d.intern(p, child), Value: b[k]})
		}
	}
}

func (d *Differ) diffArray(p *Patch, ptr string, a, b []any) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d.diffValue(p, appendIndex(ptr, i), a[i], b[i])
	}
	// Shrink from the end so earlier indices stay valid.
	for i := len(a) - 1; i >= len(b); i-- {
		p.Ops = append(p.Ops, Op{Code: OpRemove, Path: d.intern(p, appendIndex(ptr, i))})
	}
	for i := len(a); i < len(b); i++ {
		p.Ops = append(p.Ops, Op{Code: OpAdd, Path: d.intern(p, appendIndex(ptr, i)), Value: b[i]})
	}
}

// Apply implements patch.Differ. doc may be modified in place.
func (d *Differ) Apply(doc any, p *Patch) (any, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil patch", patch.ErrInvalidPatchData)
	}
	d.learn(p)
	var err error
	for i, op := range p.Ops {
		if doc, err = d.applyOp(doc, op); err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, op.Code, err)
		}
	}
	return doc, nil
}

func (d *Differ) applyOp(doc any, op Op) (any, error) {
	ptr, err := d.resolve(op.Path)
	if err != nil {
		return nil, err
	}
	tokens, err := splitPointer(ptr)
	if err != nil {
		return nil, err
	}

	switch op.Code {
	case OpAdd:
		return add(doc, tokens, DeepCopy(op.Value))
	case OpRemove:
		doc, _, err = remove(doc, tokens)
		return doc, err
	case OpReplace:
		return replace(doc, tokens, DeepCopy(op.Value))
	case OpTest:
		v, err := lookup(doc, tokens)
		if err != nil {
			return nil, err
		}
		if !Equal(v, op.Value) {
			return nil, fmt.Errorf("%w: test failed at %q", patch.ErrInvalidPatchData, ptr)
		}
		return doc, nil
	case OpMove, OpCopy:
		fromPtr, err := d.resolve(op.From)
		if err != nil {
			return nil, err
		}
		from, err := splitPointer(fromPtr)
		if err != nil {
			return nil, err
		}
		if op.Code == OpCopy {
			v, err := lookup(doc, from)
			if err != nil {
				return nil, err
			}
			return add(doc, tokens, DeepCopy(v))
		}
		if isPrefix(from, tokens) && len(from) < len(tokens) {
			return nil, fmt.Errorf("%w: cannot move %q into its own child %q", patch.ErrInvalidPatchData, fromPtr, ptr)
		}
		rest, v, err := remove(doc, from)
		if err != nil {
			return nil, err
		}
		return add(rest, tokens, v)
	}
	return nil, fmt.Errorf("%w: %d", patch.ErrInvalidOpCode, op.Code)
}

func add(doc any, tokens []string, v any) (any, error) {
	if len(tokens) == 0 {
		return v, nil
	}
	return mutate(doc, tokens, func(parent any, t string) (any, error) {
		switch c := parent.(type) {
		case map[string]any:
			c[t] = v
			return c, nil
		case []any:
			i, err := arrayIndex(t, len(c), true)
			if err != nil {
				return nil, err
			}
			c = append(c, nil)
			copy(c[i+1:], c[i:])
			c[i] = v
			return c, nil
		}
		return nil, fmt.Errorf("%w: cannot add %q to %T", patch.ErrInvalidPatchData, t, parent)
	})
}

func remove(doc any, tokens []string) (any, any, error) {
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("%w: cannot remove the root", patch.ErrInvalidPatchData)
	}
	var removed any
	doc, err := mutate(doc, tokens, func(parent any, t string) (any, error) {
		switch c := parent.(type) {
		case map[string]any:
			v, ok := c[t]
			if !ok {
				return nil, fmt.Errorf("%w: no member %q to remove", patch.ErrInvalidPatchData, t)
			}
			removed = v
			delete(c, t)
			return c, nil
		case []any:
			i, err := arrayIndex(t, len(c), false)
			if err != nil {
				return nil, err
			}
			removed = c[i]
			return append(c[:i], c[i+1:]...), nil
		}
		return nil, fmt.Errorf("%w: cannot remove %q from %T", patch.ErrInvalidPatchData, t, parent)
	})
	return doc, removed, err
}

func replace(doc any, tokens []string, v any) (any, error) {
	if len(tokens) == 0 {
		return v, nil
	}
	return mutate(doc, tokens, func(parent any, t string) (any, error) {
		switch c := parent.(type) {
		case map[string]any:
			if _, ok := c[t]; !ok {
				return nil, fmt.Errorf("%w: no member %q to replace", patch.ErrInvalidPatchData, t)
			}
			c[t] = v
			return c, nil
		case []any:
			i, err := arrayIndex(t, len(c), false)
			if err != nil {
				return nil, err
			}
			c[i] = v
			return c, nil
		}
		return nil, fmt.Errorf("%w: cannot replace %q in %T", patch.ErrInvalidPatchData, t, parent)
	})
}

func isPrefix(prefix, tokens []string) bool {
	if len(prefix) > len(tokens) {
		return false
	}
	for i := range prefix {
		if prefix[i] != tokens[i] {
			return false
		}
	}
	return true
}
