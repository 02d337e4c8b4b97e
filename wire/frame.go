// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/sage-x-project/saltcore/errs"
	"github.com/sage-x-project/saltcore/internal/metrics"
)

// MaxFrameSize bounds a single frame to guard against a malicious or
// corrupt peer claiming an enormous length prefix.
const MaxFrameSize = 256 * 1024 * 1024 // 256 MiB

// lengthPrefixSize is the width, in bytes, of the frame's length prefix.
const lengthPrefixSize = 4

// WriteFrame writes payload to w as a 4-byte big-endian length prefix
// followed by payload itself. Raw TCP connections need this framing;
// gorilla/websocket's own message framing makes it redundant there, so
// the wsbroker transport sends each JSON frame as one websocket message
// instead.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errs.New(errs.CodeFrameTooLarge, fmt.Sprintf("frame of %d bytes exceeds max %d", len(payload), MaxFrameSize))
	}

	var header [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return errs.Wrap(errs.CodeDisconnected, "write frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.Wrap(errs.CodeDisconnected, "write frame body", err)
	}

	metrics.FrameSize.Observe(float64(len(payload)))
	return nil
}

// Decoder reads length-prefixed frames off a stream transport.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r for frame-at-a-time reads.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFrame blocks until one full frame is read, or returns an error if
// the stream closes or the frame violates MaxFrameSize.
func (d *Decoder) ReadFrame() ([]byte, error) {
	start := time.Now()

	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, errs.Wrap(errs.CodeDisconnected, "connection closed", err)
		}
		return nil, errs.Wrap(errs.CodeDisconnected, "read frame header", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, errs.New(errs.CodeFrameTooLarge, fmt.Sprintf("frame of %d bytes exceeds max %d", size, MaxFrameSize))
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolViolation, "read frame body", err)
	}

	metrics.FrameSize.Observe(float64(size))
	metrics.FrameDecodeDuration.Observe(time.Since(start).Seconds())

	return payload, nil
}
