// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package jsonpatch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/westerndigitalcorporation/tape/pkg/patch"
)

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")
var pointerUnescaper = strings.NewReplacer("~1", "/", "~0", "~")

// appendToken extends a JSON pointer (RFC 6901) by one reference token.
func appendToken(ptr, token string) string {
	return ptr + "/" + pointerEscaper.Replace(token)
}

func appendIndex(ptr string, i int) string {
	return ptr + "/" + strconv.Itoa(i)
}

// splitPointer returns the reference tokens of ptr. The root pointer "" has
// no tokens.
func splitPointer(ptr string) ([]string, error) {
	if ptr == "" {
		return nil, nil
	}
	if ptr[0] != '/' {
		return nil, fmt.Errorf("%w: pointer %q does not start with '/'", patch.ErrInvalidPatchData, ptr)
	}
	tokens := strings.Split(ptr[1:], "/")
	for i, t := range tokens {
		tokens[i] = pointerUnescaper.Replace(t)
	}
	return tokens, nil
}

// arrayIndex parses token as an index into an array of length n. If
// allowEnd is set, "-" and n itself are accepted and mean "append".
func arrayIndex(token string, n int, allowEnd bool) (int, error) {
	if allowEnd && token == "-" {
		return n, nil
	}
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, fmt.Errorf("%w: bad array index %q", patch.ErrInvalidPatchData, token)
	}
	i, err := strconv.Atoi(token)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("%w: bad array index %q", patch.ErrInvalidPatchData, token)
	}
	limit := n - 1
	if allowEnd {
		limit = n
	}
	if i > limit {
		return 0, fmt.Errorf("%w: array index %d out of range (len %d)", patch.ErrInvalidPatchData, i, n)
	}
	return i, nil
}

// lookup resolves tokens against doc.
func lookup(doc any, tokens []string) (any, error) {
	cur := doc
	for _, t := range tokens {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[t]
			if !ok {
				return nil, fmt.Errorf("%w: no member %q", patch.ErrInvalidPatchData, t)
			}
			cur = v
		case []any:
			i, err := arrayIndex(t, len(c), false)
			if err != nil {
				return nil, err
			}
			cur = c[i]
		default:
			return nil, fmt.Errorf("%w: cannot descend into %T with %q", patch.ErrInvalidPatchData, cur, t)
		}
	}
	return cur, nil
}

// mutate walks doc along all but the last token and calls f on the parent
// with the last token. f returns the (possibly reallocated) parent, which is
// stored back into its own parent. mutate returns the new root.
func mutate(doc any, tokens []string, f func(parent any, token string) (any, error)) (any, error) {
	if len(tokens) == 1 {
		return f(doc, tokens[0])
	}
	head, rest := tokens[0], tokens[1:]
	switch c := doc.(type) {
	case map[string]any:
		child, ok := c[head]
		if !ok {
			return nil, fmt.Errorf("%w: no member %q", patch.ErrInvalidPatchData, head)
		}
		nc, err := mutate(child, rest, f)
		if err != nil {
			return nil, err
		}
		c[head] = nc
		return c, nil
	case []any:
		i, err := arrayIndex(head, len(c), false)
		if err != nil {
			return nil, err
		}
		nc, err := mutate(c[i], rest, f)
		if err != nil {
			return nil, err
		}
		c[i] = nc
		return c, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T with %q", patch.ErrInvalidPatchData, doc, head)
	}
}
