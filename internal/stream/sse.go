package stream

import (
	"bufio"
	"bytes"
	"io"
)

const maxMessageSize = 1 << 20

// decoder splits a text/event-stream body into message payloads. Only data
// fields are kept; comments and other fields are ignored.
type decoder struct {
	sc  *bufio.Scanner
	buf bytes.Buffer
	has bool
}

func newDecoder(r io.Reader) *decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxMessageSize)
	return &decoder{sc: sc}
}

// Next returns the next message payload. At the end of input a trailing
// message without its blank line is still returned, then io.EOF.
func (d *decoder) Next() ([]byte, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			if d.has {
				return d.take(), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if d.has {
			d.buf.WriteByte('\n')
		}
		d.buf.Write(value)
		d.has = true
	}
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	if d.has {
		return d.take(), nil
	}
	return nil, io.EOF
}

func (d *decoder) take() []byte {
	out := append([]byte(nil), d.buf.Bytes()...)
	d.buf.Reset()
	d.has = false
	return out
}
