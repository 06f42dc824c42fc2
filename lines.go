package main

import (
	"bufio"
	"io"
)

// lineReader splits input into lines like bufio.ScanLines, dropping the "\n"
// and a "\r" before it, but without a limit on the line length. Slicers embed
// base64 thumbnails and long config values that can exceed any fixed buffer.
type lineReader struct {
	r    *bufio.Reader
	buf  []byte
	line []byte
	err  error
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Scan advances to the next line, which is then available through Bytes.
func (lr *lineReader) Scan() bool {
	if lr.err != nil {
		return false
	}

	lr.buf = lr.buf[:0]
	for {
		chunk, err := lr.r.ReadSlice('\n')
		switch err {
		case nil:
			chunk = chunk[:len(chunk)-1]
			if len(lr.buf) == 0 {
				lr.line = dropCR(chunk)
			} else {
				lr.buf = append(lr.buf, chunk...)
				lr.line = dropCR(lr.buf)
			}
			return true
		case bufio.ErrBufferFull:
			lr.buf = append(lr.buf, chunk...)
		case io.EOF:
			lr.err = io.EOF
			lr.buf = append(lr.buf, chunk...)
			if len(lr.buf) == 0 {
				return false
			}
			lr.line = dropCR(lr.buf)
			return true
		default:
			lr.err = err
			return false
		}
	}
}

// Bytes returns the current line. It is only valid until the next call to Scan.
func (lr *lineReader) Bytes() []byte {
	return lr.line
}

func (lr *lineReader) Err() error {
	if lr.err == io.EOF {
		return nil
	}
	return lr.err
}

func dropCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
