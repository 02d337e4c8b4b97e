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
	"bytes"
	"strings"
	"testing"

	"github.com/sage-x-project/saltcore/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{Enc: EncAES, Load: []byte("ciphertext"), Sender: "web01"}

	data, err := env.Marshal()
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, decoded.Unmarshal(data))
	assert.Equal(t, env.Enc, decoded.Enc)
	assert.Equal(t, env.Load, decoded.Load)
	assert.Equal(t, env.Sender, decoded.Sender)
}

func TestWriteFrameAndReadFrame(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello salt")

	require.NoError(t, WriteFrame(&buf, payload))

	dec := NewDecoder(&buf)
	got, err := dec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxFrameSize+1)

	err := WriteFrame(&buf, oversized)
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeFrameTooLarge, code)
}

func TestReadFrameMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, []byte("second")))

	dec := NewDecoder(&buf)
	first, err := dec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))

	second, err := dec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))
}

func TestReadFrameOnClosedStream(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	_, err := dec.ReadFrame()
	require.Error(t, err)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeDisconnected, code)
}
