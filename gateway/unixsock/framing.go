package unixsock

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/truenas/middlewared/gateway"
)

const headerSize = 4

// ReadFrame reads one length-prefixed message. The prefix is a 4-byte
// big-endian length; lengths above gateway.MaxFrameSize are rejected
// before any body is read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > gateway.MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", n, gateway.MaxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame writes data with its length prefix in one write
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > gateway.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(data), gateway.MaxFrameSize)
	}
	buf := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[headerSize:], data)
	_, err := w.Write(buf)
	return err
}
