// Package pmem implements the persistent-memory primitive underneath the
// region manager: a fixed-size memory-mapped backing file carved into
// chunk-aligned clumps with a reserve/activate/free protocol. Pointer fixups
// requested through OnActivate/OnFree are journaled in the clump header on
// media before the state transition, so a crash mid-transition either rolls
// the clump back or replays the fixups at the next open.
//
// The layout is word-oriented and little-endian. Offsets stored on media are
// always relative to the mapping base; absolute pointers never reach the
// file.
package pmem

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// ChunkSize is the allocation granularity. Every clump and every user
	// payload starts on a chunk boundary, which also makes payloads cache
	// line aligned.
	ChunkSize = 64

	// StaticAreaSize is the byte count of the caller-owned area at offset 0.
	// The pool never interprets it beyond zero-filling it on a fresh file.
	StaticAreaSize = 64

	poolHeaderOff  = StaticAreaSize
	poolHeaderSize = 64
	clumpBase      = poolHeaderOff + poolHeaderSize

	poolMagic uint64 = 0x314c4f4f5453564e // "NVSTOOL1"

	wordSize = 8
)

// Format tags describe the node layout of the layer above. A file written
// under one layout must be refused by a build using the other.
const (
	FormatRelease uint64 = 1
	FormatDebug   uint64 = 2
)

// Pool header words, relative to poolHeaderOff.
const (
	hdrMagic  = 0
	hdrFormat = 8
	hdrSize   = 16
)

// Clump header words, relative to the clump offset. The header occupies one
// chunk; user data begins at clumpOff+clumpHeaderSize.
const (
	clumpHeaderSize = ChunkSize
	maxHooks        = 3

	offSizeState = 0
	offHookCount = 8
	offHooks     = 16 // maxHooks pairs of {target offset, value}
)

// Clump states live in the low bits of the size word. Sizes are chunk
// multiples, so the low six bits are available.
const (
	stateFree       uint64 = 0x1
	stateReserved   uint64 = 0x2
	stateActivating uint64 = 0x3
	stateActive     uint64 = 0x4
	stateFreeing    uint64 = 0x5
	stateMask       uint64 = 0x3f
)

var (
	ErrMapFailed          = errors.New("pmem: unable to map backing file")
	ErrOutOfMemory        = errors.New("pmem: out of persistent memory")
	ErrRange              = errors.New("pmem: range outside mapping")
	ErrIncompatibleLayout = errors.New("pmem: backing file uses an incompatible node layout")
)

var isLittleEndian = func() bool {
	x := uint16(1)

	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// Pool is one open mapping of a backing file.
type Pool struct {
	path string
	size uint64
	page uint64
	data []byte
	mu   sync.Mutex
}

// MinPoolSize is the smallest usable backing file: static area, pool header
// and one clump with one chunk of user space.
const MinPoolSize = clumpBase + clumpHeaderSize + ChunkSize

// Open maps the backing file at path, creating and formatting it when it
// does not exist yet. An existing file must match size and format; a file
// formatted by the other node layout is refused with ErrIncompatibleLayout.
func Open(path string, size uint64, format uint64) (*Pool, error) {
	// The hook journal and the state words are read and written through
	// native 64-bit loads and stores on the mapping.
	if strconv.IntSize != 64 {
		return nil, fmt.Errorf("64-bit platform required: %w", ErrMapFailed)
	}
	if !isLittleEndian {
		return nil, fmt.Errorf("little-endian platform required: %w", ErrMapFailed)
	}
	if size < MinPoolSize {
		return nil, fmt.Errorf("pool size %d below minimum %d: %w", size, MinPoolSize, ErrMapFailed)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", path, err, ErrMapFailed)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %v: %w", path, err, ErrMapFailed)
	}
	switch {
	case st.Size() == 0:
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("grow %s to %d bytes: %v: %w", path, size, err, ErrMapFailed)
		}
	case uint64(st.Size()) != size:
		return nil, fmt.Errorf("backing file %s is %d bytes, want %d: %w", path, st.Size(), size, ErrMapFailed)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %v: %w", path, err, ErrMapFailed)
	}

	p := &Pool{
		path: path,
		size: size,
		page: uint64(os.Getpagesize()),
		data: data,
	}

	if *p.Uint64(poolHeaderOff+hdrMagic) != poolMagic {
		p.initFresh(format)

		return p, nil
	}
	if got := *p.Uint64(poolHeaderOff + hdrFormat); got != format {
		_ = p.Close()

		return nil, fmt.Errorf("file format tag %d, build expects %d: %w", got, format, ErrIncompatibleLayout)
	}
	if got := *p.Uint64(poolHeaderOff + hdrSize); got != size {
		_ = p.Close()

		return nil, fmt.Errorf("file claims pool size %d, want %d: %w", got, size, ErrMapFailed)
	}
	p.recoverClumps()

	return p, nil
}

// initFresh formats an all-zero file: pool header plus one free clump
// spanning the rest of the pool. The static area stays zero.
func (p *Pool) initFresh(format uint64) {
	*p.Uint64(poolHeaderOff + hdrFormat) = format
	*p.Uint64(poolHeaderOff + hdrSize) = p.size
	p.setClump(clumpBase, p.size-clumpBase, stateFree)
	*p.Uint64(clumpBase + offHookCount) = 0
	p.mustPersist(clumpBase, clumpHeaderSize)

	// The magic word goes last: a crash during formatting leaves a file
	// that will simply be reformatted.
	*p.Uint64(poolHeaderOff + hdrMagic) = poolMagic
	p.mustPersist(0, clumpBase)
}

// recoverClumps finishes or rolls back transitions interrupted by a crash.
// Reserved clumps were never committed and become free again; activating and
// freeing clumps have a persisted hook journal and are replayed forward.
func (p *Pool) recoverClumps() {
	for off := uint64(clumpBase); off < p.size; {
		size, state := p.clump(off)
		if size == 0 || size&(ChunkSize-1) != 0 {
			panic(fmt.Sprintf("pmem: corrupt clump header at offset %d", off))
		}
		switch state {
		case stateReserved:
			p.setClump(off, size, stateFree)
			p.mustPersist(off, wordSize)
		case stateActivating:
			p.applyHooks(off)
			p.finishTransition(off, size, stateActive)
		case stateFreeing:
			p.applyHooks(off)
			p.finishTransition(off, size, stateFree)
		}
		off += size
	}
	p.coalesce()
}

// Close unmaps the pool. The backing file is left alone.
func (p *Pool) Close() error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil

	return err
}

// Size returns the pool size in bytes.
func (p *Pool) Size() uint64 { return p.size }

// Format returns the format tag recorded in the pool header.
func (p *Pool) Format() uint64 { return *p.Uint64(poolHeaderOff + hdrFormat) }

// StaticArea returns the caller-owned bytes at the start of the mapping.
func (p *Pool) StaticArea() []byte { return p.data[:StaticAreaSize] }

// Uint64 returns the word at off as a live pointer into the mapping.
func (p *Pool) Uint64(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&p.data[off]))
}

// Bytes returns [off, off+n) of the mapping.
func (p *Pool) Bytes(off, n uint64) []byte { return p.data[off : off+n] }

// Ptr translates an intra-file offset to an absolute address.
func (p *Pool) Ptr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&p.data[off])
}

// OffsetOf translates an absolute address back to an intra-file offset.
// The second result reports whether ptr lies inside the mapping.
func (p *Pool) OffsetOf(ptr unsafe.Pointer) (uint64, bool) {
	base := uintptr(unsafe.Pointer(&p.data[0]))
	u := uintptr(ptr)
	if u < base || u >= base+uintptr(p.size) {
		return 0, false
	}

	return uint64(u - base), true
}

// Persist write-backs [off, off+n) to persistent media with release
// ordering. The flushed range is widened to page boundaries as msync
// requires.
func (p *Pool) Persist(off, n uint64) error {
	if off > p.size || n > p.size-off {
		return fmt.Errorf("persist [%d, %d) in pool of %d bytes: %w", off, off+n, p.size, ErrRange)
	}
	if n == 0 {
		return nil
	}

	return p.persistRange(off, n)
}

func (p *Pool) persistRange(off, n uint64) error {
	start := off &^ (p.page - 1)
	end := alignUp(off+n, p.page)
	if end > uint64(len(p.data)) {
		end = uint64(len(p.data))
	}

	return unix.Msync(p.data[start:end], unix.MS_SYNC)
}

// mustPersist is the internal flush for allocator metadata, where a failed
// write-back leaves the protocol state unknown.
func (p *Pool) mustPersist(off, n uint64) {
	if err := p.persistRange(off, n); err != nil {
		panic(fmt.Sprintf("pmem: msync [%d, %d): %v", off, off+n, err))
	}
}

func alignUp(n, a uint64) uint64 { return (n + a - 1) &^ (a - 1) }
