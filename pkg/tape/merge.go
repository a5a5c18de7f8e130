// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tape

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Merge writes a complete tape to out: the dictionary (may be nil), the
// header block returned by Recorder.Finish, and the body copied unchanged
// from body.
func Merge(header []byte, body io.Reader, dict []byte, out io.Writer) error {
	w := bufio.NewWriterSize(out, 1<<20)
	var prefix [prefixLen]byte

	binary.LittleEndian.PutUint64(prefix[:], uint64(len(dict)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("tape: write dictionary length: %w", err)
	}
	if _, err := w.Write(dict); err != nil {
		return fmt.Errorf("tape: write dictionary: %w", err)
	}

	binary.LittleEndian.PutUint64(prefix[:], uint64(len(header)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("tape: write header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("tape: write header: %w", err)
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("tape: copy body: %w", err)
	}
	return w.Flush()
}
