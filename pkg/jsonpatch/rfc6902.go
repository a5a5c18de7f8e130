// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package jsonpatch

import (
	"encoding/json"
)

// Operation is one RFC 6902 operation with its paths spelled out.
type Operation struct {
	Op    string
	Path  string
	From  string
	Value any
}

// MarshalJSON writes exactly the members op requires. value is always
// present for add, replace and test, even when it is null.
func (o Operation) MarshalJSON() ([]byte, error) {
	switch o.Op {
	case OpAdd.String(), OpReplace.String(), OpTest.String():
		return json.Marshal(struct {
			Op    string `json:"op"`
			Path  string `json:"path"`
			Value any    `json:"value"`
		}{o.Op, o.Path, o.Value})
	case OpMove.String(), OpCopy.String():
		return json.Marshal(struct {
			Op   string `json:"op"`
			From string `json:"from"`
			Path string `json:"path"`
		}{o.Op, o.From, o.Path})
	default:
		return json.Marshal(struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
}

// Resolve returns p with its path ids replaced by the paths they stand for.
// p must be the patch most recently produced by Diff, or most recently
// passed to Apply, on d.
func (d *Differ) Resolve(p *Patch) ([]Operation, error) {
	out := make([]Operation, 0, len(p.Ops))
	for _, op := range p.Ops {
		path, err := d.resolve(op.Path)
		if err != nil {
			return nil, err
		}
		o := Operation{Op: op.Code.String(), Path: path}
		if op.Code.hasFrom() {
			if o.From, err = d.resolve(op.From); err != nil {
				return nil, err
			}
		}
		if op.Code.hasValue() {
			o.Value = op.Value
		}
		out = append(out, o)
	}
	return out, nil
}

// RFC6902 renders p as a standard JSON Patch document.
func (d *Differ) RFC6902(p *Patch) ([]byte, error) {
	ops, err := d.Resolve(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ops)
}
