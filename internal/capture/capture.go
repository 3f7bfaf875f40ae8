// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture reads and writes frame capture files.
//
// A capture file is a sequence of CBOR encoded records, one per frame seen
// on the transport, in the order they were observed.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

// Direction of a captured frame relative to the host.
type Direction uint8

// Directions
const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Record is one captured frame.
type Record struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Session   string    `cbor:"2,keyasint,omitempty"`
	Direction Direction `cbor:"3,keyasint"`
	Frame     []byte    `cbor:"4,keyasint,omitempty"`

	// Error holds the decode error for frames that were rejected.
	Error string `cbor:"5,keyasint,omitempty"`
}

// Message decodes the captured frame.
func (r Record) Message(catalog *harp.Catalog) (*harp.Message, error) {
	if len(r.Frame) == 0 {
		return nil, errors.New("record holds no frame")
	}
	if catalog != nil {
		return catalog.Decode(r.Frame)
	}
	return harp.Decode(r.Frame)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture: encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture: decoder mode: %v", err))
	}
}

// Writer appends records to a capture stream. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	encoder *cbor.Encoder
	count   int
	closed  bool
}

// NewWriter returns a Writer on w. Close closes w when it is an io.Closer.
func NewWriter(w io.Writer) *Writer {
	c, _ := w.(io.Closer)
	return &Writer{w: w, closer: c, encoder: encMode.NewEncoder(w)}
}

// Create creates or truncates the capture file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture: %w", err)
	}
	return NewWriter(f), nil
}

// Write appends r.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if err := w.encoder.Encode(r); err != nil {
		return fmt.Errorf("write capture record: %w", err)
	}
	w.count++
	return nil
}

// WriteMessage records a decoded frame.
func (w *Writer) WriteMessage(session string, dir Direction, m *harp.Message) error {
	frame, err := harp.Encode(m)
	if err != nil {
		return err
	}
	return w.Write(Record{Timestamp: m.ReceivedAt, Session: session, Direction: dir, Frame: frame})
}

// WriteError records a frame rejected by the decoder.
func (w *Writer) WriteError(session string, dir Direction, decodeErr error) error {
	return w.Write(Record{Session: session, Direction: dir, Error: decodeErr.Error()})
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the underlying writer. Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Direction *Direction
	Address   *uint8
	Session   string
}

func (f Filter) matches(r Record) bool {
	if f.Direction != nil && r.Direction != *f.Direction {
		return false
	}
	if f.Session != "" && r.Session != f.Session {
		return false
	}
	if f.Address != nil {
		// Frame layout: type, length, address.
		if len(r.Frame) < 3 || r.Frame[2] != *f.Address {
			return false
		}
	}
	return true
}

// Reader iterates over the records of a capture stream.
type Reader struct {
	closer  io.Closer
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader, filter Filter) *Reader {
	c, _ := r.(io.Closer)
	return &Reader{closer: c, decoder: decMode.NewDecoder(r), filter: filter}
}

// Open opens the capture file at path.
func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	return NewReader(f, filter), nil
}

// Next returns the next matching record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	for {
		var rec Record
		if err := r.decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("read capture record: %w", err)
		}
		if r.filter.matches(rec) {
			return rec, nil
		}
	}
}

// Close closes the underlying reader.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
