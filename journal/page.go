package journal

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

// Page header layout, 64 bytes reserved:
//
//	offset 0  magic     u64
//	offset 8  version   u32
//	offset 12 page_no   u32
//	offset 16 owner_uid u32
//	offset 20 dest_uid  u32
//	offset 24 start_ns  i64
//	offset 32 ... zero
const (
	pageMagic       = uint64(0x4c4f4f4d50414745) // "LOOMPAGE"
	pageVersion     = uint32(1)
	PageHeaderSize  = 64
	DefaultPageSize = 128 << 20

	// MinPageSize keeps tests cheap while preserving the power-of-two
	// constraint real deployments use.
	MinPageSize = 4 << 10
)

// Page is one fixed-size memory-mapped journal file. The owner holds the
// only writable mapping; every reader maps it read-only.
type Page struct {
	Path     string
	No       uint32
	OwnerUID uint32
	DestUID  uint32
	StartNS  int64

	buf      []byte
	writable bool
}

// OpenPage maps the page file at path, creating and initializing it when
// writable and absent. size must be a power of two.
func OpenPage(path string, size int, no, owner, dest uint32, startNS int64, writable bool) (*Page, error) {
	if size < MinPageSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("page size %d: must be a power of two >= %d", size, MinPageSize)
	}

	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat page: %w", err)
	}
	fresh := info.Size() == 0
	if fresh {
		if !writable {
			return nil, fmt.Errorf("page %s: empty", path)
		}
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("size page: %w", err)
		}
	} else if info.Size() != int64(size) {
		return nil, fmt.Errorf("page %s: size %d, want %d", path, info.Size(), size)
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap page: %w", err)
	}

	p := &Page{Path: path, buf: buf, writable: writable}
	if fresh {
		le.PutUint64(buf[0:], pageMagic)
		le.PutUint32(buf[8:], pageVersion)
		le.PutUint32(buf[12:], no)
		le.PutUint32(buf[16:], owner)
		le.PutUint32(buf[20:], dest)
		le.PutUint64(buf[24:], uint64(startNS))
	}
	if err := p.readHeader(); err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	return p, nil
}

func (p *Page) readHeader() error {
	if le.Uint64(p.buf[0:]) != pageMagic {
		return fmt.Errorf("page %s: bad magic", p.Path)
	}
	if v := le.Uint32(p.buf[8:]); v != pageVersion {
		return fmt.Errorf("page %s: version %d, want %d", p.Path, v, pageVersion)
	}
	p.No = le.Uint32(p.buf[12:])
	p.OwnerUID = le.Uint32(p.buf[16:])
	p.DestUID = le.Uint32(p.buf[20:])
	p.StartNS = int64(le.Uint64(p.buf[24:]))
	return nil
}

// Size is the full mapped size including the header.
func (p *Page) Size() int { return len(p.buf) }

// Capacity is the bytes available to frames.
func (p *Page) Capacity() int { return len(p.buf) - PageHeaderSize }

// FrameAt returns a frame view anchored at off.
func (p *Page) FrameAt(off int) Frame { return frameAt(p.buf, off) }

// Close unmaps the page. Safe to call once per mapping on every exit path.
func (p *Page) Close() error {
	if p.buf == nil {
		return nil
	}
	buf := p.buf
	p.buf = nil
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("munmap page: %w", err)
	}
	return nil
}
