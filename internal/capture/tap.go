// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"io"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

// Tap records every frame crossing a transport.
type Tap struct {
	conn    io.ReadWriteCloser
	w       *Writer
	session string
	decoder *harp.Decoder
}

// NewTap wraps conn so that inbound frames and outbound writes are recorded
// to w. Each Write on conn must carry whole frames.
func NewTap(conn io.ReadWriteCloser, w *Writer, session string) *Tap {
	return &Tap{conn: conn, w: w, session: session, decoder: harp.NewDecoder()}
}

// Read reads from the transport and records the frames completed by the data.
func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	for _, b := range p[:n] {
		m, derr := t.decoder.DecodeByte(b)
		switch {
		case derr != nil:
			_ = t.w.WriteError(t.session, DirectionIn, derr)
		case m != nil:
			_ = t.w.WriteMessage(t.session, DirectionIn, m)
		}
	}
	return n, err
}

// Write records p and writes it to the transport.
func (t *Tap) Write(p []byte) (int, error) {
	_ = t.w.Write(Record{Session: t.session, Direction: DirectionOut, Frame: append([]byte(nil), p...)})
	return t.conn.Write(p)
}

// Close closes the transport. The capture writer stays open.
func (t *Tap) Close() error {
	return t.conn.Close()
}
