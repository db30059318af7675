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

// Package logfile implements the on-disk market-data log: a 64-byte header
// with crash-consistent integrity metadata followed by a tightly packed
// array of 24-byte messages, little-endian throughout.
//
// Byte layout of the header:
//
//	 0..3   magic      u32   0x4D4B5444 ("MKTD")
//	 4..5   version    u16   current: 2
//	 6..7   flags      u16   bit 0x0001 = COMPLETE (writer closed cleanly)
//	 8..11  date       u32   YYYYMMDD, or 0
//	12..15  reserved   u32
//	16..23  msg_count  i64
//	24..31  first_seq  i64   InvalidSeq when empty
//	32..39  last_seq   i64   InvalidSeq when empty
//	40..63  reserved
//
// The format is not portable across endiannesses; all deployments are
// little-endian.
package logfile

import (
	"encoding/binary"
	"errors"
	"math"

	"mktreplay"
)

const (
	// Magic identifies a market-data log file ("MKTD").
	Magic uint32 = 0x4D4B5444
	// Version is the current header version.
	Version uint16 = 2
	// FlagComplete is set in the header flags only on clean close. Its
	// absence means the stored msg_count is a lower bound that is known
	// good, not the full extent of the file.
	FlagComplete uint16 = 0x0001

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 64
	// RecordSize is the packed size of one message record.
	RecordSize = mktreplay.MsgSize
)

var (
	// ErrBadMagic rejects files that are not market-data logs.
	ErrBadMagic = errors.New("logfile: bad magic")
	// ErrBadVersion rejects headers written by an incompatible version.
	ErrBadVersion = errors.New("logfile: unsupported version")
	// ErrShortHeader rejects files too small to hold a header.
	ErrShortHeader = errors.New("logfile: short header")
)

// Header is the decoded form of the 64-byte file header.
type Header struct {
	Magic    uint32
	Version  uint16
	Flags    uint16
	Date     uint32
	MsgCount int64
	FirstSeq int64
	LastSeq  int64
}

// NewHeader returns an empty-file header stamped with date (YYYYMMDD or 0).
func NewHeader(date uint32) Header {
	return Header{
		Magic:    Magic,
		Version:  Version,
		Date:     date,
		FirstSeq: mktreplay.InvalidSeq,
		LastSeq:  mktreplay.InvalidSeq,
	}
}

// Valid reports whether magic and version match this implementation.
func (h Header) Valid() bool {
	return h.Magic == Magic && h.Version == Version
}

// Consistent reports structural consistency of the counting fields:
// an empty file carries InvalidSeq bounds, a non-empty file carries a
// sequence range whose width equals msg_count.
func (h Header) Consistent() bool {
	if !h.Valid() || h.MsgCount < 0 {
		return false
	}
	if h.MsgCount == 0 {
		return h.FirstSeq == mktreplay.InvalidSeq && h.LastSeq == mktreplay.InvalidSeq
	}
	if h.FirstSeq < 0 || h.LastSeq < 0 || h.FirstSeq > h.LastSeq {
		return false
	}
	return h.LastSeq-h.FirstSeq+1 == h.MsgCount
}

// Complete reports whether the writer closed the file cleanly.
func (h Header) Complete() bool { return h.Flags&FlagComplete != 0 }

func (h Header) encode(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.Date)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.MsgCount))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.FirstSeq))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(h.LastSeq))
	for i := 40; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

func decodeHeader(buf []byte) Header {
	_ = buf[HeaderSize-1]
	return Header{
		Magic:    binary.LittleEndian.Uint32(buf[0:4]),
		Version:  binary.LittleEndian.Uint16(buf[4:6]),
		Flags:    binary.LittleEndian.Uint16(buf[6:8]),
		Date:     binary.LittleEndian.Uint32(buf[8:12]),
		MsgCount: int64(binary.LittleEndian.Uint64(buf[16:24])),
		FirstSeq: int64(binary.LittleEndian.Uint64(buf[24:32])),
		LastSeq:  int64(binary.LittleEndian.Uint64(buf[32:40])),
	}
}

func encodeMsg(buf []byte, m mktreplay.Msg) {
	_ = buf[RecordSize-1]
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Seq))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.TimestampNs))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(m.Payload))
}

func decodeMsg(buf []byte) mktreplay.Msg {
	_ = buf[RecordSize-1]
	return mktreplay.Msg{
		Seq:         int64(binary.LittleEndian.Uint64(buf[0:8])),
		TimestampNs: int64(binary.LittleEndian.Uint64(buf[8:16])),
		Payload:     math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24])),
	}
}
