package journal

import (
	"errors"
	"log/slog"

	"loom"
)

// source is one (writer location, dest) journal a reader follows.
type source struct {
	loc      loom.Location
	dest     uint32
	priority int

	page   *Page
	nextNo uint32 // page to open when page == nil
	off    int
	dead   bool
}

// Reader merges frames from any number of journals into a single stream
// ordered by non-decreasing gen_time. Ties are broken by source priority
// (the master's journals first) then by ascending writer uid, so control
// frames are processed before their effects.
type Reader struct {
	store   *Store
	sources []*source
	current *source
}

// Join attaches the (l, dest) journal, positioned at the first frame
// with gen_time >= fromNS. Joining an already attached journal is a
// no-op.
func (r *Reader) Join(l loom.Location, dest uint32, fromNS int64) error {
	for _, s := range r.sources {
		if s.loc.UID == l.UID && s.dest == dest {
			return nil
		}
	}
	priority := 1
	if l.Category == loom.System && l.Group == "master" {
		priority = 0
	}
	s := &source{loc: l, dest: dest, priority: priority, nextNo: 1, off: PageHeaderSize}
	r.sources = append(r.sources, s)
	r.seekSource(s, fromNS)
	return nil
}

// Disjoin detaches every source writing from or addressed to uid.
func (r *Reader) Disjoin(uid uint32) {
	kept := r.sources[:0]
	for _, s := range r.sources {
		if s.loc.UID == uid || s.dest == uid {
			if s.page != nil {
				_ = s.page.Close()
			}
			if r.current == s {
				r.current = nil
			}
			continue
		}
		kept = append(kept, s)
	}
	r.sources = kept
}

// ensurePage lazily opens the source's next page; journals may not exist
// yet when a reader joins ahead of the writer.
func (r *Reader) ensurePage(s *source) bool {
	if s.page != nil {
		return true
	}
	page, err := r.store.OpenPageForRead(s.loc, s.dest, s.nextNo)
	if err != nil {
		if !errors.Is(err, ErrNoPage) {
			slog.Error("journal reader: open page", "source", s.loc.Uname(), "page", s.nextNo, "err", err)
		}
		return false
	}
	s.page = page
	s.off = PageHeaderSize
	return true
}

// peek returns the source's current published frame, following
// end-of-page sentinels. ok is false when no frame is available yet.
func (r *Reader) peek(s *source) (Frame, bool) {
	for {
		if s.dead || !r.ensurePage(s) {
			return Frame{}, false
		}
		if s.off+FrameHeaderSize > s.page.Size() {
			// Page filled to the brim; follow to the next page.
			r.advancePage(s)
			continue
		}
		fr := s.page.FrameAt(s.off)
		length := fr.loadLength()
		if length == 0 {
			return Frame{}, false
		}
		if int(length) < FrameHeaderSize || s.off+int(length) > s.page.Size() {
			slog.Error("journal reader: corrupt frame, dropping source",
				"source", s.loc.Uname(), "dest", s.dest, "page", s.page.No, "offset", s.off)
			s.dead = true
			return Frame{}, false
		}
		if fr.MsgType() == loom.MsgEndOfPage {
			r.advancePage(s)
			continue
		}
		return fr, true
	}
}

func (r *Reader) advancePage(s *source) {
	next := s.page.No + 1
	_ = s.page.Close()
	s.page = nil
	s.nextNo = next
	s.off = PageHeaderSize
}

// pick selects the source whose current frame comes first in the merged
// order.
func (r *Reader) pick() *source {
	var best *source
	var bestFrame Frame
	for _, s := range r.sources {
		fr, ok := r.peek(s)
		if !ok {
			continue
		}
		if best == nil || before(fr, s, bestFrame, best) {
			best = s
			bestFrame = fr
		}
	}
	return best
}

func before(a Frame, as *source, b Frame, bs *source) bool {
	if a.GenTime() != b.GenTime() {
		return a.GenTime() < b.GenTime()
	}
	if as.priority != bs.priority {
		return as.priority < bs.priority
	}
	return as.loc.UID < bs.loc.UID
}

// DataAvailable reports whether a frame is ready on any source.
func (r *Reader) DataAvailable() bool {
	if r.current != nil {
		if _, ok := r.peek(r.current); ok {
			return true
		}
		r.current = nil
	}
	r.current = r.pick()
	return r.current != nil
}

// CurrentFrame returns the next frame in merge order. Only valid after
// DataAvailable reported true.
func (r *Reader) CurrentFrame() Frame {
	if r.current == nil {
		r.current = r.pick()
	}
	if r.current == nil {
		return Frame{}
	}
	fr, _ := r.peek(r.current)
	return fr
}

// Next consumes the current frame.
func (r *Reader) Next() {
	if r.current == nil {
		return
	}
	fr, ok := r.peek(r.current)
	if ok {
		r.current.off += int(fr.Length())
	}
	r.current = nil
}

// SeekToTime repositions every source at its first frame with
// gen_time >= ns.
func (r *Reader) SeekToTime(ns int64) {
	for _, s := range r.sources {
		r.rewind(s)
		r.seekSource(s, ns)
	}
	r.current = nil
}

func (r *Reader) rewind(s *source) {
	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
	}
	s.nextNo = 1
	s.off = PageHeaderSize
	s.dead = false
	if ids, err := r.store.ListPageIDs(s.loc, s.dest); err == nil && len(ids) > 0 {
		s.nextNo = ids[0]
	}
}

// seekSource scans the source linearly to the first frame at or past ns.
// Pages are dense, so a linear walk is bounded by live data.
func (r *Reader) seekSource(s *source, ns int64) {
	if ns <= 0 {
		return
	}
	for {
		fr, ok := r.peek(s)
		if !ok || fr.GenTime() >= ns {
			return
		}
		s.off += int(fr.Length())
	}
}

// Sources returns the attached (writer uid, dest uid) pairs.
func (r *Reader) Sources() []loom.Channel {
	out := make([]loom.Channel, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, loom.Channel{SourceID: s.loc.UID, DestID: s.dest})
	}
	return out
}

// Close releases every page mapping held by the reader.
func (r *Reader) Close() error {
	for _, s := range r.sources {
		if s.page != nil {
			_ = s.page.Close()
			s.page = nil
		}
	}
	r.sources = nil
	r.current = nil
	return nil
}
