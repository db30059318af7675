// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logfile

import (
	"fmt"
	"io"
	"os"

	"mktreplay"
)

// Reader is a sequential reader over a market-data log.
//
// Open rejects files whose magic or version do not match. A header that
// passes that check but fails structural consistency - typically a crash
// during a header rewrite - is opened in degraded mode: the stored
// msg_count is kept as-is (it is only ever updated after the records it
// counts are on disk), the sequence range is cleared and the file is
// treated as not cleanly closed.
type Reader struct {
	path string
	f    *os.File

	msgCount      int64
	firstSeq      int64
	lastSeq       int64
	cleanlyClosed bool
	degraded      bool

	idx int64 // next record index in [0, msgCount]
	rec [RecordSize]byte
}

// Open reads and validates the header at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("logfile: open %s: %w", path, err)
	}

	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(f, hdrBuf[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logfile: %s: %w", path, ErrShortHeader)
	}
	hdr := decodeHeader(hdrBuf[:])
	if hdr.Magic != Magic {
		_ = f.Close()
		return nil, fmt.Errorf("logfile: %s: %w", path, ErrBadMagic)
	}
	if hdr.Version != Version {
		_ = f.Close()
		return nil, fmt.Errorf("logfile: %s: version %d: %w", path, hdr.Version, ErrBadVersion)
	}

	r := &Reader{path: path, f: f}
	if !hdr.Consistent() {
		// Fall back to what we can trust: msg_count is flushed only after
		// its records, so keep it and clear the sequence range.
		r.msgCount = hdr.MsgCount
		r.firstSeq = mktreplay.InvalidSeq
		r.lastSeq = mktreplay.InvalidSeq
		r.degraded = true
	} else {
		r.msgCount = hdr.MsgCount
		r.firstSeq = hdr.FirstSeq
		r.lastSeq = hdr.LastSeq
		r.cleanlyClosed = hdr.Complete()
	}
	return r, nil
}

// ReadNext returns the next record, or io.EOF once the read position has
// reached the header's msg_count.
func (r *Reader) ReadNext() (mktreplay.Msg, error) {
	m, err := r.readAt(r.idx)
	if err != nil {
		return mktreplay.Msg{}, err
	}
	r.idx++
	return m, nil
}

// Peek returns the next record without consuming it.
func (r *Reader) Peek() (mktreplay.Msg, error) {
	return r.readAt(r.idx)
}

// Seek positions the reader at the record for sequence seq.
//
// When the header's sequence range is trusted, seq is an absolute sequence
// number and is translated through first_seq (in the system's normal case
// first_seq == 0 and the two coincide). In degraded mode there is no range
// to translate against, so seq is interpreted directly as a record index.
func (r *Reader) Seek(seq int64) error {
	idx := seq
	if !r.degraded && r.firstSeq != mktreplay.InvalidSeq {
		idx = seq - r.firstSeq
	}
	if idx < 0 || idx >= r.msgCount {
		return fmt.Errorf("logfile: seek %d out of range [0, %d)", seq, r.msgCount)
	}
	r.idx = idx
	return nil
}

// Close releases the file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// MsgCount returns the record count from the header.
func (r *Reader) MsgCount() int64 { return r.msgCount }

// FirstSeq returns the first recorded sequence, or InvalidSeq.
func (r *Reader) FirstSeq() int64 { return r.firstSeq }

// LastSeq returns the last recorded sequence, or InvalidSeq.
func (r *Reader) LastSeq() int64 { return r.lastSeq }

// CleanlyClosed reports whether the writer set FlagComplete.
func (r *Reader) CleanlyClosed() bool { return r.cleanlyClosed }

// CurrentIndex returns the next record index to be read.
func (r *Reader) CurrentIndex() int64 { return r.idx }

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

func (r *Reader) readAt(idx int64) (mktreplay.Msg, error) {
	if r.f == nil {
		return mktreplay.Msg{}, fmt.Errorf("logfile: %s: reader closed", r.path)
	}
	if idx >= r.msgCount {
		return mktreplay.Msg{}, io.EOF
	}
	off := int64(HeaderSize) + idx*RecordSize
	if _, err := r.f.ReadAt(r.rec[:], off); err != nil {
		return mktreplay.Msg{}, fmt.Errorf("logfile: read record %d of %s: %w", idx, r.path, err)
	}
	return decodeMsg(r.rec[:]), nil
}
