package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// WriteLine encodes v as one JSON document followed by a newline and
// flushes w.
func WriteLine(w *bufio.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if len(buf)+1 > MaxFrameSize {
		return ErrTooLargeFrame
	}

	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return w.Flush()
}

// ReadLine reads one newline-terminated JSON document into v.
//
// It returns io.EOF only when the peer closed the stream before sending
// a single byte of the line.
func ReadLine(r *bufio.Reader, v any) error {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxFrameSize {
			return ErrTooLargeFrame
		}

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return ErrEmptyFrame
	}

	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}
