package journal

import (
	"fmt"

	"loom"
	"loom/internal/check"
)

// Writer is the single producer of one (location, dest) journal. It is
// not safe for concurrent use; each journal has exactly one owner.
type Writer struct {
	store *Store
	loc   loom.Location
	dest  uint32

	page *Page
	off  int

	lastGen int64

	frameOpen bool
	cur       Frame
	curSize   int
}

func openWriter(s *Store, l loom.Location, dest uint32) (*Writer, error) {
	page, err := s.OpenPageForAppend(l, dest)
	if err != nil {
		return nil, fmt.Errorf("open writer %s -> %08x: %w", l.Uname(), dest, err)
	}
	w := &Writer{store: s, loc: l, dest: dest, page: page, off: PageHeaderSize}
	if err := w.recover(); err != nil {
		_ = page.Close()
		return nil, err
	}
	return w, nil
}

// recover scans to the append point, following rollovers that happened
// before a restart.
func (w *Writer) recover() error {
	for {
		fr := w.page.FrameAt(w.off)
		length := fr.loadLength()
		if length == 0 {
			return nil
		}
		if int(length) < FrameHeaderSize || w.off+int(length) > w.page.Size() {
			return fmt.Errorf("journal %s -> %08x: corrupt frame at page %d offset %d",
				w.loc.Uname(), w.dest, w.page.No, w.off)
		}
		if fr.MsgType() == loom.MsgEndOfPage {
			next := w.page.No + 1
			if err := w.page.Close(); err != nil {
				return err
			}
			page, err := w.store.openAppendPage(w.loc, w.dest, next)
			if err != nil {
				return err
			}
			w.page = page
			w.off = PageHeaderSize
			continue
		}
		if g := fr.GenTime(); g > w.lastGen {
			w.lastGen = g
		}
		w.off += int(length)
	}
}

func (w *Writer) Location() loom.Location { return w.loc }
func (w *Writer) Dest() uint32            { return w.dest }

// LastGenTime is the gen_time of the most recently published frame.
func (w *Writer) LastGenTime() int64 { return w.lastGen }

// OpenFrame reserves a frame for size payload bytes and returns the
// payload region. Fails if size can never fit a page. Allocating the
// next page on overflow is atomic from the writer's perspective.
func (w *Writer) OpenFrame(triggerTime int64, msgType int32, size int) ([]byte, error) {
	check.Assert(!w.frameOpen, "journal.Writer: frame already open")
	if w.frameOpen {
		return nil, fmt.Errorf("journal %s -> %08x: frame already open", w.loc.Uname(), w.dest)
	}

	total := align8(FrameHeaderSize + size)
	// Leave room for the end-of-page sentinel after this frame.
	if total+FrameHeaderSize > w.page.Capacity() {
		return nil, fmt.Errorf("journal %s -> %08x: frame size %d exceeds page capacity",
			w.loc.Uname(), w.dest, size)
	}
	if w.off+total+FrameHeaderSize > w.page.Size() {
		if err := w.rollover(); err != nil {
			return nil, err
		}
	}

	fr := w.page.FrameAt(w.off)
	fr.setMsgType(msgType)
	fr.setTriggerTime(triggerTime)
	fr.setSource(w.loc.UID)
	fr.setDest(w.dest)
	fr.setDataLength(0)

	w.frameOpen = true
	w.cur = fr
	w.curSize = size
	return fr.buf[FrameHeaderSize : FrameHeaderSize+size], nil
}

// CloseFrame publishes the open frame with actual payload bytes, which
// must not exceed the reserved size.
func (w *Writer) CloseFrame(actual int) error {
	return w.closeFrame(actual, w.nextGenTime())
}

func (w *Writer) closeFrame(actual int, genTime int64) error {
	if !w.frameOpen {
		return fmt.Errorf("journal %s -> %08x: no open frame", w.loc.Uname(), w.dest)
	}
	if actual > w.curSize {
		return fmt.Errorf("journal %s -> %08x: close %d bytes, reserved %d",
			w.loc.Uname(), w.dest, actual, w.curSize)
	}
	total := align8(FrameHeaderSize + actual)
	w.cur.setDataLength(uint32(actual))
	w.cur.setGenTime(genTime)
	w.cur.storeLength(uint32(total))
	w.off += total
	w.frameOpen = false
	return nil
}

// nextGenTime reads the clock with the monotonic regression guard:
// gen_time never decreases within one writer.
func (w *Writer) nextGenTime() int64 {
	g := w.store.clock.Now()
	if g <= w.lastGen {
		g = w.lastGen + 1
	}
	w.lastGen = g
	return g
}

// Write appends a complete frame: open, copy, close.
func (w *Writer) Write(triggerTime int64, msgType int32, data []byte) error {
	buf, err := w.OpenFrame(triggerTime, msgType, len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	return w.CloseFrame(len(data))
}

// Mark appends a zero-payload frame.
func (w *Writer) Mark(triggerTime int64, msgType int32) error {
	if _, err := w.OpenFrame(triggerTime, msgType, 0); err != nil {
		return err
	}
	return w.CloseFrame(0)
}

// MarkWithTime appends a zero-payload frame with an explicit gen_time,
// used for time events scheduled for the future.
func (w *Writer) MarkWithTime(ns int64, msgType int32) error {
	if _, err := w.OpenFrame(0, msgType, 0); err != nil {
		return err
	}
	if ns > w.lastGen {
		w.lastGen = ns
	}
	return w.closeFrame(0, ns)
}

// rollover publishes the end-of-page sentinel and switches the writer to
// the next numbered page.
func (w *Writer) rollover() error {
	remaining := w.page.Size() - w.off
	check.Assert(remaining >= FrameHeaderSize, "journal.Writer: no room for sentinel")

	sentinel := w.page.FrameAt(w.off)
	sentinel.setMsgType(loom.MsgEndOfPage)
	sentinel.setSource(w.loc.UID)
	sentinel.setDest(w.dest)
	sentinel.setDataLength(0)
	sentinel.setGenTime(w.nextGenTime())

	next := w.page.No + 1
	page, err := w.store.openAppendPage(w.loc, w.dest, next)
	if err != nil {
		return fmt.Errorf("journal %s -> %08x: allocate page %d: %w", w.loc.Uname(), w.dest, next, err)
	}

	// Publish the sentinel only after the next page exists so readers
	// always find somewhere to follow.
	sentinel.storeLength(uint32(remaining))

	if err := w.page.Close(); err != nil {
		_ = page.Close()
		return err
	}
	w.page = page
	w.off = PageHeaderSize
	return nil
}

// Close releases the page mapping. Any open frame is abandoned
// unpublished.
func (w *Writer) Close() error {
	w.frameOpen = false
	if w.page == nil {
		return nil
	}
	page := w.page
	w.page = nil
	return page.Close()
}
