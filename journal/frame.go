package journal

import (
	"sync/atomic"
	"unsafe"
)

// Frame wire layout, little-endian, 8-byte aligned:
//
//	offset 0  length       u32  total frame bytes incl. header (atomic)
//	offset 4  msg_type     u32
//	offset 8  gen_time     i64
//	offset 16 trigger_time i64
//	offset 24 source       u32
//	offset 28 dest         u32
//	offset 32 data_length  u32
//	offset 36 reserved     u32
//	offset 40 payload
//
// The length field doubles as the publication flag: the writer stores it
// last with release ordering, readers load it with acquire ordering and
// treat zero as not-yet-published.
const (
	FrameHeaderSize = 40

	offLength      = 0
	offMsgType     = 4
	offGenTime     = 8
	offTriggerTime = 16
	offSource      = 24
	offDest        = 28
	offDataLength  = 32
)

// align8 rounds n up to the frame alignment.
func align8(n int) int { return (n + 7) &^ 7 }

// Frame is a view over one record inside a mapped page. The bytes belong
// to the page mapping; copy Data before retaining it past the next call
// into the reader.
type Frame struct {
	buf []byte
}

func frameAt(pageBuf []byte, off int) Frame {
	return Frame{buf: pageBuf[off:]}
}

// loadLength acquires the publication flag.
func (f Frame) loadLength() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&f.buf[offLength])))
}

// storeLength publishes the frame.
func (f Frame) storeLength(n uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&f.buf[offLength])), n)
}

func (f Frame) Length() uint32     { return f.loadLength() }
func (f Frame) MsgType() int32     { return int32(le.Uint32(f.buf[offMsgType:])) }
func (f Frame) GenTime() int64     { return int64(le.Uint64(f.buf[offGenTime:])) }
func (f Frame) TriggerTime() int64 { return int64(le.Uint64(f.buf[offTriggerTime:])) }
func (f Frame) Source() uint32     { return le.Uint32(f.buf[offSource:]) }
func (f Frame) Dest() uint32       { return le.Uint32(f.buf[offDest:]) }
func (f Frame) DataLength() uint32 { return le.Uint32(f.buf[offDataLength:]) }

// Data returns the payload bytes, still backed by the page mapping.
func (f Frame) Data() []byte {
	n := f.DataLength()
	return f.buf[FrameHeaderSize : FrameHeaderSize+int(n)]
}

func (f Frame) setMsgType(t int32)      { le.PutUint32(f.buf[offMsgType:], uint32(t)) }
func (f Frame) setGenTime(ns int64)     { le.PutUint64(f.buf[offGenTime:], uint64(ns)) }
func (f Frame) setTriggerTime(ns int64) { le.PutUint64(f.buf[offTriggerTime:], uint64(ns)) }
func (f Frame) setSource(uid uint32)    { le.PutUint32(f.buf[offSource:], uid) }
func (f Frame) setDest(uid uint32)      { le.PutUint32(f.buf[offDest:], uid) }
func (f Frame) setDataLength(n uint32)  { le.PutUint32(f.buf[offDataLength:], n) }
