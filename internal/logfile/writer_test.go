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
	"io"
	"os"
	"path/filepath"
	"testing"

	"mktreplay"
)

// writeLog writes msgs to a fresh log at path and closes it cleanly.
func writeLog(t *testing.T, path string, msgs []mktreplay.Msg) {
	t.Helper()
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if err := w.Write(m); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func seqMsgs(n int) []mktreplay.Msg {
	msgs := make([]mktreplay.Msg, n)
	for i := range msgs {
		msgs[i] = mktreplay.Msg{Seq: int64(i), TimestampNs: int64(i) * 10, Payload: float64(i) + 0.25}
	}
	return msgs
}

// TestWriter_RoundTrip writes K messages and reads them back in order,
// checking the header invariant msg_count == last - first + 1 along the way.
func TestWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt.bin")
	msgs := seqMsgs(100)
	writeLog(t, path, msgs)

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.MsgCount() != 100 || r.FirstSeq() != 0 || r.LastSeq() != 99 {
		t.Fatalf("header: count=%d first=%d last=%d", r.MsgCount(), r.FirstSeq(), r.LastSeq())
	}
	if r.LastSeq()-r.FirstSeq()+1 != r.MsgCount() {
		t.Error("count/range invariant violated")
	}
	if !r.CleanlyClosed() {
		t.Error("CleanlyClosed() = false after Close")
	}

	for i := range msgs {
		m, err := r.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext #%d: %v", i, err)
		}
		if m != msgs[i] {
			t.Fatalf("record %d: got %+v, want %+v", i, m, msgs[i])
		}
	}
	if _, err := r.ReadNext(); err != io.EOF {
		t.Errorf("ReadNext past end = %v, want io.EOF", err)
	}
}

// TestWriter_EmptyFile checks the empty-file header: zero count, InvalidSeq
// bounds, complete after a clean close.
func TestWriter_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	writeLog(t, path, nil)

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.MsgCount() != 0 || r.FirstSeq() != mktreplay.InvalidSeq || r.LastSeq() != mktreplay.InvalidSeq {
		t.Errorf("empty header: count=%d first=%d last=%d", r.MsgCount(), r.FirstSeq(), r.LastSeq())
	}
	if _, err := r.ReadNext(); err != io.EOF {
		t.Errorf("ReadNext on empty log = %v, want io.EOF", err)
	}
}

// TestWriter_LockExclusion: the advisory lock must keep a second writer off
// the same path while the first is open, and release on close.
func TestWriter_LockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.bin")
	w1, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Create(path); err == nil {
		t.Error("second Create on a locked path succeeded")
	}
	if err := w1.Close(); err != nil {
		t.Fatal(err)
	}
	w2, err := Create(path)
	if err != nil {
		t.Fatalf("Create after close: %v", err)
	}
	_ = w2.Close()
}

// TestWriter_CrashInterrupted simulates a crash: messages flushed but the
// file never closed. Reopening must report not-cleanly-closed and still
// return every flushed record intact.
func TestWriter_CrashInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.bin")
	msgs := seqMsgs(50)

	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if err := w.Write(m); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	// Crash: drop the handle without Close - FlagComplete never written.
	if err := w.f.Close(); err != nil {
		t.Fatal(err)
	}
	w.f = nil
	_ = w.lock.Unlock()

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.CleanlyClosed() {
		t.Error("CleanlyClosed() = true for a crashed file")
	}
	if r.MsgCount() != 50 {
		t.Fatalf("MsgCount() = %d, want 50", r.MsgCount())
	}
	for i := range msgs {
		m, err := r.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext #%d: %v", i, err)
		}
		if m != msgs[i] {
			t.Fatalf("record %d: got %+v, want %+v", i, m, msgs[i])
		}
	}
}

// TestWriter_FlushVisibleToConcurrentReader: a reader opened after a flush
// sees everything flushed so far, with the file still incomplete.
func TestWriter_FlushVisibleToConcurrentReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.bin")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	msgs := seqMsgs(10)
	for _, m := range msgs[:7] {
		if err := w.Write(m); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.MsgCount() != 7 {
		t.Errorf("reader sees %d records, want 7", r.MsgCount())
	}
	if r.CleanlyClosed() {
		t.Error("mid-write file reported cleanly closed")
	}

	// The writer keeps appending after the header rewrite; the tail must
	// land after the existing records, not over them.
	for _, m := range msgs[7:] {
		if err := w.Write(m); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	r2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	if r2.MsgCount() != 10 {
		t.Fatalf("reader sees %d records after second flush, want 10", r2.MsgCount())
	}
	if err := r2.Seek(7); err != nil {
		t.Fatal(err)
	}
	m, err := r2.ReadNext()
	if err != nil || m != msgs[7] {
		t.Errorf("record 7 after append: %+v, %v", m, err)
	}
}

// TestReader_RejectsForeignFiles covers the open-time H-1 checks: wrong
// magic, wrong version, truncated header.
func TestReader_RejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	t.Run("bad magic", func(t *testing.T) {
		path := filepath.Join(dir, "magic.bin")
		var buf [HeaderSize]byte
		h := NewHeader(0)
		h.Magic = 0x12345678
		h.encode(buf[:])
		if err := os.WriteFile(path, buf[:], 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(path); err == nil {
			t.Error("opened a file with foreign magic")
		}
	})

	t.Run("bad version", func(t *testing.T) {
		path := filepath.Join(dir, "version.bin")
		var buf [HeaderSize]byte
		h := NewHeader(0)
		h.Version = 99
		h.encode(buf[:])
		if err := os.WriteFile(path, buf[:], 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(path); err == nil {
			t.Error("opened a file with unsupported version")
		}
	})

	t.Run("short header", func(t *testing.T) {
		path := filepath.Join(dir, "short.bin")
		if err := os.WriteFile(path, []byte("MKTD"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(path); err == nil {
			t.Error("opened a file shorter than a header")
		}
	})
}

// TestReader_DegradedHeader: a header passing magic/version but failing
// structural consistency opens in degraded mode - count kept, range
// cleared, not cleanly closed.
func TestReader_DegradedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "degraded.bin")

	h := NewHeader(0)
	h.MsgCount = 3
	h.FirstSeq = 0
	h.LastSeq = 9 // range width 10 contradicts count 3
	h.Flags = FlagComplete
	var buf [HeaderSize]byte
	h.encode(buf[:])

	data := buf[:]
	var rec [RecordSize]byte
	for i := 0; i < 3; i++ {
		encodeMsg(rec[:], mktreplay.Msg{Seq: int64(i), Payload: float64(i)})
		data = append(data, rec[:]...)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("degraded header refused to open: %v", err)
	}
	defer r.Close()

	if r.MsgCount() != 3 {
		t.Errorf("MsgCount() = %d, want 3", r.MsgCount())
	}
	if r.FirstSeq() != mktreplay.InvalidSeq || r.LastSeq() != mktreplay.InvalidSeq {
		t.Errorf("degraded range not cleared: first=%d last=%d", r.FirstSeq(), r.LastSeq())
	}
	if r.CleanlyClosed() {
		t.Error("degraded file reported cleanly closed despite COMPLETE flag")
	}
	for i := 0; i < 3; i++ {
		if _, err := r.ReadNext(); err != nil {
			t.Fatalf("ReadNext #%d in degraded mode: %v", i, err)
		}
	}
}

// TestReader_SeekTranslation: Seek takes absolute sequence numbers and
// translates through first_seq, including a log that starts mid-stream.
func TestReader_SeekTranslation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seek.bin")
	msgs := make([]mktreplay.Msg, 10)
	for i := range msgs {
		msgs[i] = mktreplay.Msg{Seq: int64(100 + i), Payload: float64(i)}
	}
	writeLog(t, path, msgs)

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.Seek(105); err != nil {
		t.Fatal(err)
	}
	m, err := r.ReadNext()
	if err != nil {
		t.Fatal(err)
	}
	if m.Seq != 105 {
		t.Errorf("Seek(105) landed on seq %d", m.Seq)
	}

	if err := r.Seek(99); err == nil {
		t.Error("Seek before first_seq succeeded")
	}
	if err := r.Seek(110); err == nil {
		t.Error("Seek past last record succeeded")
	}

	// Peek must not advance.
	if err := r.Seek(100); err != nil {
		t.Fatal(err)
	}
	p1, err := r.Peek()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := r.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("Peek advanced the read position")
	}
	if m, _ := r.ReadNext(); m != p1 {
		t.Error("ReadNext after Peek returned a different record")
	}
}
