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

//go:build linux

// Package shm publishes the ring buffer over a named POSIX shared-memory
// object so the producer and its consumers can run as separate processes.
//
// The mapped layout is part of the public protocol shared by all three
// binaries - field order, widths and alignment are fixed, little-endian:
//
//	offset   0: write_seq       i64  next sequence to assign
//	offset  64: server_running  u32  1 while the server is alive, then 0
//	offset 128: total_messages  i64  total messages the server will push
//	offset 192: slots           64-byte slots, power-of-two count
//
// Each control field sits on its own cache line. A slot is the same
// {msg 24 B, published-seq i64, padding} cell the in-process ring uses, and
// the per-slot seqlock protocol is identical.
package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"mktreplay"
)

const (
	// DefaultName is the shared-memory object name.
	DefaultName = "/mktdata_rb"

	// DefaultSlots is the shared ring's slot count. Deliberately smaller
	// than the in-process default: the mapping is paid for by every
	// attached process.
	DefaultSlots = 1 << 16

	cacheLine  = mktreplay.CacheLineSize
	headerSize = 3 * cacheLine
	slotSize   = cacheLine

	offWriteSeq      = 0
	offServerRunning = 1 * cacheLine
	offTotalMessages = 2 * cacheLine
)

// Ring is a view over the shared-memory ring buffer. The creating server
// writes; clients attach and read. Slot reads use the same seqlock
// double-check as the in-process ring, so a client can never observe a torn
// message.
type Ring struct {
	mem   []byte
	name  string
	slots int64
	mask  int64
	owner bool
}

// Create builds (or rebuilds) the shared object as the server. Any stale
// object with the same name is unlinked first. slots must be a power of two
// and at least 2.
func Create(name string, slots int) (*Ring, error) {
	if slots < 2 || slots&(slots-1) != 0 {
		return nil, fmt.Errorf("shm: slot count must be a power of two >= 2, got %d", slots)
	}
	path := shmPath(name)
	_ = os.Remove(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	defer f.Close()

	size := headerSize + slots*slotSize
	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	r := &Ring{mem: mem, name: name, slots: int64(slots), mask: int64(slots - 1), owner: true}
	for i := int64(0); i < r.slots; i++ {
		atomic.StoreInt64(r.slotSeqPtr(i), mktreplay.InvalidSeq)
	}
	atomic.StoreInt64(r.i64Ptr(offWriteSeq), 0)
	atomic.StoreInt64(r.i64Ptr(offTotalMessages), 0)
	atomic.StoreUint32(r.u32Ptr(offServerRunning), 1)
	return r, nil
}

// Open attaches to an existing shared object as a client. The slot count is
// derived from the mapped size.
func Open(name string) (*Ring, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	size := st.Size()
	slots := (size - headerSize) / slotSize
	if size < headerSize+2*slotSize || slots&(slots-1) != 0 {
		return nil, fmt.Errorf("shm: %s has unexpected size %d", path, size)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Ring{mem: mem, name: name, slots: slots, mask: slots - 1}, nil
}

// Attach is Open with a retry loop, for clients started before the server:
// up to retries attempts, delay apart.
func Attach(name string, retries int, delay time.Duration) (*Ring, error) {
	var lastErr error
	for i := 0; i < retries; i++ {
		r, err := Open(name)
		if err == nil {
			return r, nil
		}
		lastErr = err
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("shm: attach %s after %d attempts: %w", name, retries, lastErr)
}

// Push assigns the next sequence to msg and publishes it. Server only.
func (r *Ring) Push(msg mktreplay.Msg) int64 {
	seq := atomic.AddInt64(r.i64Ptr(offWriteSeq), 1) - 1
	msg.Seq = seq
	slot := (*mktreplay.Msg)(r.slotPtr(seq & r.mask))
	*slot = msg
	atomic.StoreInt64(r.slotSeqPtr(seq&r.mask), seq)
	return seq
}

// ReadEx reads the message at expectedSeq with the seqlock double-check.
func (r *Ring) ReadEx(expectedSeq int64) (mktreplay.Msg, mktreplay.ReadStatus) {
	if expectedSeq < 0 {
		return mktreplay.Msg{}, mktreplay.StatusNotReady
	}
	idx := expectedSeq & r.mask
	seqPtr := r.slotSeqPtr(idx)

	published := atomic.LoadInt64(seqPtr)
	switch {
	case published == expectedSeq:
		local := *(*mktreplay.Msg)(r.slotPtr(idx))
		if atomic.LoadInt64(seqPtr) == expectedSeq {
			return local, mktreplay.StatusOK
		}
		return mktreplay.Msg{}, mktreplay.StatusOverwritten
	case published > expectedSeq:
		return mktreplay.Msg{}, mktreplay.StatusOverwritten
	default:
		return mktreplay.Msg{}, mktreplay.StatusNotReady
	}
}

// LatestSeq returns the latest published sequence, or InvalidSeq.
func (r *Ring) LatestSeq() int64 { return atomic.LoadInt64(r.i64Ptr(offWriteSeq)) - 1 }

// Slots returns the slot count.
func (r *Ring) Slots() int { return int(r.slots) }

// ServerRunning reports whether the creating server is still alive. When it
// flips false and a consumer's cursor has passed LatestSeq, the consumer
// exits cleanly.
func (r *Ring) ServerRunning() bool { return atomic.LoadUint32(r.u32Ptr(offServerRunning)) != 0 }

// SetServerRunning flips the graceful-shutdown signal. Server only.
func (r *Ring) SetServerRunning(running bool) {
	var v uint32
	if running {
		v = 1
	}
	atomic.StoreUint32(r.u32Ptr(offServerRunning), v)
}

// TotalMessages returns the announced total message count.
func (r *Ring) TotalMessages() int64 { return atomic.LoadInt64(r.i64Ptr(offTotalMessages)) }

// SetTotalMessages announces the total message count. Server only.
func (r *Ring) SetTotalMessages(n int64) { atomic.StoreInt64(r.i64Ptr(offTotalMessages), n) }

// Close unmaps the view. The creating server also unlinks the object.
func (r *Ring) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if r.owner {
		_ = os.Remove(shmPath(r.name))
	}
	return err
}

func (r *Ring) i64Ptr(off int) *int64 {
	return (*int64)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) u32Ptr(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) slotPtr(idx int64) unsafe.Pointer {
	return unsafe.Pointer(&r.mem[headerSize+idx*slotSize])
}

func (r *Ring) slotSeqPtr(idx int64) *int64 {
	return (*int64)(unsafe.Pointer(&r.mem[headerSize+idx*slotSize+mktreplay.MsgSize]))
}

// shmPath maps a POSIX shm name ("/mktdata_rb") to its tmpfs path.
func shmPath(name string) string {
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return "/dev/shm/" + name
}
