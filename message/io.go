// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/luxfi/qimessaging/buffer"
)

// WriteTo writes m to w as one vectored write: header, then the payload
// with its sub-buffers spliced in place.
func WriteTo(w io.Writer, m *Message) error {
	if m.Payload == nil {
		m.Payload = buffer.New()
	}
	m.PayloadSize = uint32(m.Payload.TotalSize())
	m.Version = Version
	hdr := make([]byte, HeaderSize)
	m.Header.Put(hdr)
	bufs := append(net.Buffers{hdr}, m.Payload.Segments()...)
	_, err := bufs.WriteTo(w)
	return err
}

// Encode returns m as one contiguous frame.
func Encode(m *Message) []byte {
	if m.Payload == nil {
		m.Payload = buffer.New()
	}
	m.PayloadSize = uint32(m.Payload.TotalSize())
	m.Version = Version
	out := make([]byte, HeaderSize, HeaderSize+m.Payload.TotalSize())
	m.Header.Put(out)
	for _, seg := range m.Payload.Segments() {
		out = append(out, seg...)
	}
	return out
}

// Decode parses a contiguous frame holding exactly one message.
func Decode(p []byte, maxPayload int) (*Message, error) {
	h, err := ParseHeader(p, maxPayload)
	if err != nil {
		return nil, err
	}
	body := p[HeaderSize:]
	if len(body) != int(h.PayloadSize) {
		return nil, fmt.Errorf("%w: frame holds %d payload bytes, header says %d", ErrProtocol, len(body), h.PayloadSize)
	}
	return &Message{Header: h, Payload: buffer.FromBytes(body)}, nil
}

// Reader reconstructs messages from a byte stream.
type Reader struct {
	r          *bufio.Reader
	maxPayload int
	hdr        [HeaderSize]byte
}

// NewReader reads messages from r, rejecting payloads above maxPayload
// (zero selects DefaultMaxPayload).
func NewReader(r io.Reader, maxPayload int) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024), maxPayload: maxPayload}
}

// Next blocks until a complete message is read. A malformed header returns
// an error wrapping ErrProtocol; a stream ending mid-message returns
// io.ErrUnexpectedEOF.
func (r *Reader) Next() (*Message, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}
	h, err := ParseHeader(r.hdr[:], r.maxPayload)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Message{Header: h, Payload: buffer.FromBytes(payload)}, nil
}
