// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package jsonpatch

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

// OpCode identifies a patch operation. The values are part of the on-tape
// format and must never be renumbered.
type OpCode uint8

const (
	OpAdd     OpCode = 1
	OpRemove  OpCode = 2
	OpReplace OpCode = 3
	OpMove    OpCode = 4
	OpCopy    OpCode = 5
	OpTest    OpCode = 6
)

var opNames = map[OpCode]string{
	OpAdd:     "add",
	OpRemove:  "remove",
	OpReplace: "replace",
	OpMove:    "move",
	OpCopy:    "copy",
	OpTest:    "test",
}

func (c OpCode) String() string {
	if n, ok := opNames[c]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(c))
}

// Valid returns true if c is a known operation.
func (c OpCode) Valid() bool {
	_, ok := opNames[c]
	return ok
}

// hasValue and hasFrom describe which operands an op carries on the wire.
func (c OpCode) hasValue() bool { return c == OpAdd || c == OpReplace || c == OpTest }
func (c OpCode) hasFrom() bool  { return c == OpMove || c == OpCopy }

// Op is one operation. Path and From are interned path ids.
type Op struct {
	Code  OpCode
	Path  uint32
	From  uint32
	Value any
}

// Patch is an ordered list of operations plus the paths it interns.
// NewPaths[i] receives id base+i, where base is the number of paths the
// differ already knew about when the patch was made.
type Patch struct {
	NewPaths []string
	Ops      []Op
}

var (
	_ msgpack.CustomEncoder = (*Patch)(nil)
	_ msgpack.CustomDecoder = (*Patch)(nil)
)

// EncodeMsgpack writes p as [newPaths, ops] where each op is the tag, the
// path id, and then either nothing, a from id, or a value depending on the
// tag.
func (p *Patch) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(p.NewPaths)); err != nil {
		return err
	}
	for _, s := range p.NewPaths {
		if err := enc.EncodeString(s); err != nil {
			return err
		}
	}
	if err := enc.EncodeArrayLen(len(p.Ops)); err != nil {
		return err
	}
	for _, op := range p.Ops {
		if !op.Code.Valid() {
			return fmt.Errorf("%w: %d", patch.ErrInvalidOpCode, op.Code)
		}
		if err := enc.EncodeUint8(uint8(op.Code)); err != nil {
			return err
		}
		if err := enc.EncodeUint32(op.Path); err != nil {
			return err
		}
		switch {
		case op.Code.hasFrom():
			if err := enc.EncodeUint32(op.From); err != nil {
				return err
			}
		case op.Code.hasValue():
			if err := enc.Encode(op.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// maxPrealloc bounds the capacity reserved from a decoded length.
const maxPrealloc = 64

// DecodeMsgpack is the inverse of EncodeMsgpack.
func (p *Patch) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return corrupt(err)
	}
	if n != 2 {
		return fmt.Errorf("%w: patch has %d fields", patch.ErrInvalidPatchData, n)
	}

	if n, err = dec.DecodeArrayLen(); err != nil {
		return corrupt(err)
	}
	// Lengths come from the stream; slices grow as elements actually decode.
	p.NewPaths = nil
	if n > 0 {
		p.NewPaths = make([]string, 0, min(n, maxPrealloc))
	}
	for i := 0; i < n; i++ {
		s, err := dec.DecodeString()
		if err != nil {
			return corrupt(err)
		}
		p.NewPaths = append(p.NewPaths, s)
	}

	if n, err = dec.DecodeArrayLen(); err != nil {
		return corrupt(err)
	}
	if n < 0 {
		return fmt.Errorf("%w: nil op list", patch.ErrInvalidPatchData)
	}
	p.Ops = make([]Op, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		p.Ops = append(p.Ops, Op{})
		op := &p.Ops[i]
		code, err := dec.DecodeUint8()
		if err != nil {
			return corrupt(err)
		}
		op.Code = OpCode(code)
		if !op.Code.Valid() {
			return fmt.Errorf("%w: %d", patch.ErrInvalidOpCode, code)
		}
		if op.Path, err = dec.DecodeUint32(); err != nil {
			return corrupt(err)
		}
		switch {
		case op.Code.hasFrom():
			if op.From, err = dec.DecodeUint32(); err != nil {
				return corrupt(err)
			}
		case op.Code.hasValue():
			v, err := dec.DecodeInterfaceLoose()
			if err != nil {
				return corrupt(err)
			}
			op.Value = Normalize(v)
		}
	}
	return nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", patch.ErrInvalidPatchData, err)
}
