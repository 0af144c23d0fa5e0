package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// maxFrameSize bounds a single JSON-RPC message. Workers returning larger
// payloads indicate a protocol violation rather than a legitimate result.
const maxFrameSize = 8 << 20 // 8 MiB

// ErrFrameTooLarge is returned when a message exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("inbound message exceeds frame size limit")

// frameReader assembles complete JSON-RPC objects from a byte stream.
//
// Messages are not length-prefixed, so completeness is detected by brace
// balancing with JSON string/escape awareness. This tolerates workers that
// pretty-print across lines, emit several objects on one line, or write
// stray diagnostics between messages; bytes outside an object are skipped.
type frameReader struct {
	r       *bufio.Reader
	maxSize int
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024), maxSize: maxFrameSize}
}

// Next returns the next syntactically complete JSON object. On EOF in the
// middle of an object it returns io.ErrUnexpectedEOF.
func (f *frameReader) Next() ([]byte, error) {
	var buf bytes.Buffer
	depth := 0
	inString := false
	escaped := false

	for {
		b, err := f.r.ReadByte()
		if err != nil {
			if buf.Len() > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if depth == 0 && b != '{' {
			continue // skip inter-message noise
		}
		buf.WriteByte(b)

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				out := make([]byte, buf.Len())
				copy(out, buf.Bytes())
				return out, nil
			}
		}

		if f.maxSize > 0 && buf.Len() > f.maxSize {
			return nil, ErrFrameTooLarge
		}
	}
}
