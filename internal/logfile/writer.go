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
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"mktreplay"
)

// Writer appends messages to a market-data log, maintaining the header's
// integrity fields as it goes.
//
// Invariants maintained:
//   - first_seq is set on the first write and never changes
//   - last_seq is updated on every write
//   - FlagComplete is set only in Close
//   - Flush rewrites the header in place (without FlagComplete) and forces
//     the OS buffer to disk, so a crash loses at most the records written
//     since the last flush and a concurrent reader sees a consistent count
//
// A Writer holds an exclusive advisory lock on <path>.lock for its
// lifetime; a second writer on the same path fails to open.
type Writer struct {
	path string
	f    *os.File
	buf  *bufio.Writer
	lock *flock.Flock

	hdr    Header
	rec    [RecordSize]byte
	hdrBuf [HeaderSize]byte
}

// Create truncates (or creates) the file at path and writes a placeholder
// header stamped with today's date. The real counts land on Flush/Close.
func Create(path string) (*Writer, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("logfile: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("logfile: %s is locked by another writer", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("logfile: create %s: %w", path, err)
	}

	w := &Writer{
		path: path,
		f:    f,
		buf:  bufio.NewWriterSize(f, 1<<20),
		lock: lock,
		hdr:  NewHeader(dateStamp(time.Now())),
	}
	w.hdr.encode(w.hdrBuf[:])
	if _, err := w.buf.Write(w.hdrBuf[:]); err != nil {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("logfile: write header %s: %w", path, err)
	}
	return w, nil
}

// Write appends one record and updates the tracked sequence range.
func (w *Writer) Write(m mktreplay.Msg) error {
	encodeMsg(w.rec[:], m)
	if _, err := w.buf.Write(w.rec[:]); err != nil {
		return fmt.Errorf("logfile: append %s: %w", w.path, err)
	}
	if w.hdr.FirstSeq == mktreplay.InvalidSeq {
		w.hdr.FirstSeq = m.Seq
	}
	w.hdr.LastSeq = m.Seq
	w.hdr.MsgCount++
	return nil
}

// Flush drains the append buffer, rewrites the header in place with the
// current counts - never setting FlagComplete - and syncs the file. The
// append position is untouched; WriteAt does not move the file offset.
func (w *Writer) Flush() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("logfile: flush %s: %w", w.path, err)
	}
	if err := w.writeHeader(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("logfile: sync %s: %w", w.path, err)
	}
	return nil
}

// Close marks the file complete, rewrites the header a final time and
// releases the file and its lock.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	w.hdr.Flags |= FlagComplete
	flushErr := w.Flush()
	closeErr := w.f.Close()
	w.f = nil
	_ = w.lock.Unlock()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("logfile: close %s: %w", w.path, closeErr)
	}
	return nil
}

// MsgCount returns the number of records written so far.
func (w *Writer) MsgCount() int64 { return w.hdr.MsgCount }

// FirstSeq returns the first recorded sequence, or InvalidSeq.
func (w *Writer) FirstSeq() int64 { return w.hdr.FirstSeq }

// LastSeq returns the last recorded sequence, or InvalidSeq.
func (w *Writer) LastSeq() int64 { return w.hdr.LastSeq }

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

func (w *Writer) writeHeader() error {
	w.hdr.encode(w.hdrBuf[:])
	if _, err := w.f.WriteAt(w.hdrBuf[:], 0); err != nil {
		return fmt.Errorf("logfile: rewrite header %s: %w", w.path, err)
	}
	return nil
}

// dateStamp converts a local time to the header's YYYYMMDD form.
func dateStamp(t time.Time) uint32 {
	y, m, d := t.Date()
	return uint32(y*10000 + int(m)*100 + d)
}
