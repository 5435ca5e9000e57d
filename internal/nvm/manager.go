// Package nvm hosts the process-wide manager for long-lived, growable
// regions inside a memory-mapped persistent-memory file. Regions carry a
// payload header (uuid, size, capacity, allocated) and a raw byte array, and
// are linked into a doubly-linked live list rooted in the file's static
// header. All persistent cross-references are intra-file offsets; absolute
// pointers exist only in memory.
package nvm

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/nvstore-db/nvstore/internal/pmem"
)

var log = logrus.WithField("component", "nvm")

// VectorInfo is the persistent payload header of a region. Values of this
// type live on the mapping: a *VectorInfo stays valid until its region is
// destroyed or resized.
type VectorInfo struct {
	UUID      uint64 // 0 marks a dead region
	Size      uint64 // logical element count
	Capacity  uint64 // element count the payload holds without reallocation
	Allocated uint64 // byte count of the raw array
}

const vectorInfoSize = uint64(unsafe.Sizeof(VectorInfo{}))

// Node layout on media, relative to the node offset. The header is padded
// to one chunk so payloads start cache-line aligned. nodeInfoOff and the
// reserve slack for the tail canary come from the build-dependent layout
// files.
const (
	nodeNextOff    = 0
	nodePrevOff    = 8
	nodeHeaderSize = pmem.ChunkSize
)

// Static header words at the start of the mapping.
const (
	staticRootOff        = 0
	staticInitializedOff = 8
)

// nullOff is the list sentinel. Offset 0 is the static area and never a
// node.
const nullOff = 0

// Manager owns the mapping and the live-region list.
type Manager struct {
	pool        *pmem.Pool
	opts        Options
	nonVolatile bool
	uuidCounter atomic.Uint64
	allocMu     sync.Mutex
	watcher     *fileWatcher
	stats       statCounters
}

// Process-wide instance with latched configuration.
var (
	mgrMu        sync.Mutex
	mgr          *Manager
	materialized atomic.Bool
	latchNonVol  bool
	latchOpts    = DefaultOptions()
)

// Configure replaces the options the manager will materialize with. It
// fails with ErrConfigLocked once the manager exists.
func Configure(opts Options) error {
	if err := opts.validate(); err != nil {
		return err
	}
	mgrMu.Lock()
	defer mgrMu.Unlock()
	if materialized.Load() {
		return ErrConfigLocked
	}
	latchOpts = opts

	return nil
}

// SetNonVolatileMode declares that the backing file must survive the
// process. The default is volatile (file unlinked right after mapping).
// Fails with ErrConfigLocked once the manager exists.
func SetNonVolatileMode() error {
	mgrMu.Lock()
	defer mgrMu.Unlock()
	if materialized.Load() {
		return ErrConfigLocked
	}
	latchNonVol = true

	return nil
}

// Open returns the process-wide manager, materializing it on first call.
// Init failures are fatal to the caller: there is no retry and no partially
// initialized instance.
func Open() (*Manager, error) {
	mgrMu.Lock()
	defer mgrMu.Unlock()
	if mgr != nil {
		return mgr, nil
	}
	m := &Manager{opts: latchOpts, nonVolatile: latchNonVol}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	mgr = m
	materialized.Store(true)

	return m, nil
}

func (m *Manager) initialize() error {
	if !m.opts.DisableMountCheck {
		if err := checkMounted(m.opts.MountTable, m.opts.MountPoint); err != nil {
			return err
		}
		if err := probeWritable(m.opts.ProbeFile); err != nil {
			return err
		}
	}

	pool, err := pmem.Open(m.opts.FilePath, m.opts.FileSize, layoutFormat)
	if err != nil {
		return err
	}
	if len(pool.StaticArea()) < int(staticInitializedOff)+1 {
		pool.Close()

		return ErrStaticAreaMissing
	}
	m.pool = pool

	// In volatile mode the file only has to outlive the mapping, which the
	// kernel guarantees; the name disappears now.
	if !m.nonVolatile {
		os.Remove(m.opts.FilePath)
	}

	static := pool.StaticArea()
	if static[staticInitializedOff] == 0 {
		*pool.Uint64(staticRootOff) = nullOff
		static[staticInitializedOff] = 1
		if err := pool.Persist(0, pmem.StaticAreaSize); err != nil {
			pool.Close()

			return err
		}
	}

	// A crash between marking a region dead and completing its unlink can
	// leave a uuid-0 node reachable. Prune those before anything else reads
	// the list.
	var dead []*VectorInfo
	for off := m.rootOff(); off != nullOff; off = m.nodeNext(off) {
		if vi := m.info(off); vi.UUID == 0 {
			dead = append(dead, vi)
		}
	}
	for _, vi := range dead {
		m.destroyLocked(vi)
	}
	if len(dead) > 0 {
		log.WithField("regions", len(dead)).Warn("pruned dead regions left by an interrupted destroy")
	}

	// UUIDs must stay unique for the whole file lifetime, so a reopen of an
	// existing file seeds the counter past every live region.
	next := uint64(1)
	live := 0
	liveBytes := int64(0)
	for off := m.rootOff(); off != nullOff; off = m.nodeNext(off) {
		live++
		liveBytes += int64(m.info(off).Allocated)
		if u := m.info(off).UUID; u >= next {
			next = u + 1
		}
	}
	m.uuidCounter.Store(next)
	m.stats.liveRegions.Store(int64(live))
	m.stats.liveBytes.Store(liveBytes)

	if m.nonVolatile {
		m.watcher, err = watchBackingFile(m.opts.MountPoint, m.opts.FilePath)
		if err != nil {
			log.WithError(err).Warn("backing file watch unavailable")
			m.watcher = nil
		}
	}

	log.WithFields(logrus.Fields{
		"path":        m.opts.FilePath,
		"bytes":       m.opts.FileSize,
		"nonvolatile": m.nonVolatile,
		"regions":     live,
	}).Info("mapped persistent store")

	return nil
}

// NonVolatileMode reports whether the backing file survives the process.
func (m *Manager) NonVolatileMode() bool { return m.nonVolatile }

// VolatileMode reports whether regions are discarded with the process.
func (m *Manager) VolatileMode() bool { return !m.nonVolatile }

// Reset verifies canaries, drops the mapping and re-runs initialization.
// Every *VectorInfo handed out before is invalid afterwards. Intended for
// test isolation.
func (m *Manager) Reset() error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	m.VerifyCanaries()
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
	if err := m.pool.Close(); err != nil {
		return err
	}

	return m.initialize()
}

// GetOrCreateVectorSpace returns an existing region by UUID, or allocates a
// fresh one of sizeBytes payload with a newly generated UUID.
//
//   - uuid != 0: lookup; ErrNotFound when absent.
//   - uuid == 0, sizeBytes > 0: allocate.
//   - uuid == 0, sizeBytes == 0: ErrInvalidArg.
func (m *Manager) GetOrCreateVectorSpace(uuid, sizeBytes uint64) (*VectorInfo, error) {
	switch {
	case uuid == 0 && sizeBytes == 0:
		return nil, fmt.Errorf("need a uuid or a payload size: %w", ErrInvalidArg)
	case uuid != 0:
		vi := m.lookup(uuid)
		if vi == nil {
			return nil, fmt.Errorf("uuid %d: %w", uuid, ErrNotFound)
		}

		return vi, nil
	default:
		vi, err := m.allocate(sizeBytes)
		if err != nil {
			return nil, err
		}
		vi.UUID = m.generateUUID()

		return vi, nil
	}
}

// ResizeVectorSpace moves a region into a fresh allocation of newBytes,
// copying min(newBytes, old allocated) payload bytes and carrying the UUID
// forward. The new header and payload are persisted, then the old region is
// destroyed. Size and capacity of the result are the caller's to set:
// resize at this layer is byte-level.
func (m *Manager) ResizeVectorSpace(vi *VectorInfo, newBytes uint64) (*VectorInfo, error) {
	nvi, err := m.allocate(newBytes)
	if err != nil {
		return nil, err
	}
	n := vi.Allocated
	if newBytes < n {
		n = newBytes
	}
	copy(m.Payload(nvi)[:n], m.Payload(vi)[:n])
	nvi.UUID = vi.UUID
	if err := m.PersistThrough(nvi, nvi.Allocated); err != nil {
		return nil, err
	}
	m.DestroyVectorSpace(vi)
	m.stats.resizes.Add(1)

	return nvi, nil
}

// DestroyVectorSpace unlinks a region from the live list and frees it. The
// rewiring of prev.next, next.prev and the root runs through the allocator's
// on-free journal, so a crash mid-destroy leaves a consistent list.
func (m *Manager) DestroyVectorSpace(vi *VectorInfo) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	m.destroyLocked(vi)
}

func (m *Manager) destroyLocked(vi *VectorInfo) {
	node := m.nodeOf(vi)
	next := m.nodeNext(node)
	prev := m.nodePrev(node)

	if next != nullOff {
		m.pool.OnFree(node, next+nodePrevOff, prev)
	}
	if prev != nullOff {
		m.pool.OnFree(node, prev+nodeNextOff, next)
	}
	if m.rootOff() == node {
		m.pool.OnFree(node, staticRootOff, next)
	}

	allocated := vi.Allocated
	vi.UUID, vi.Size, vi.Capacity, vi.Allocated = 0, 0, 0, 0
	m.pool.Free(node)

	m.stats.frees.Add(1)
	m.stats.liveRegions.Add(-1)
	m.stats.liveBytes.Add(-int64(allocated))
}

// Persist flushes [ptr, ptr+n) to persistent media with release ordering.
// The range must lie inside the mapping.
func (m *Manager) Persist(ptr unsafe.Pointer, n uint64) error {
	off, ok := m.pool.OffsetOf(ptr)
	if !ok {
		return fmt.Errorf("pointer outside mapping: %w", ErrRange)
	}

	return m.persistRange(off, n)
}

// PersistInfo flushes a region's payload header.
func (m *Manager) PersistInfo(vi *VectorInfo) error {
	return m.persistRange(m.nodeOf(vi)+nodeInfoOff, vectorInfoSize)
}

// PersistThrough flushes the payload header and the first n payload bytes
// in a single call.
func (m *Manager) PersistThrough(vi *VectorInfo, n uint64) error {
	if n > alignUp(vi.Allocated, pmem.ChunkSize) {
		return fmt.Errorf("persist %d bytes of %d-byte payload: %w", n, vi.Allocated, ErrRange)
	}
	node := m.nodeOf(vi)
	span := (nodeHeaderSize - nodeInfoOff) + n

	return m.persistRange(node+nodeInfoOff, span)
}

// PersistPayload flushes [start, start+n) of the payload array. The bound
// is the chunk-aligned payload span, so whole-cache-line flushes at the
// tail stay legal.
func (m *Manager) PersistPayload(vi *VectorInfo, start, n uint64) error {
	limit := alignUp(vi.Allocated, pmem.ChunkSize)
	if start > limit || n > limit-start {
		return fmt.Errorf("persist payload [%d, %d) of %d: %w", start, start+n, vi.Allocated, ErrRange)
	}

	return m.persistRange(m.nodeOf(vi)+nodeHeaderSize+start, n)
}

func (m *Manager) persistRange(off, n uint64) error {
	if err := m.pool.Persist(off, n); err != nil {
		return err
	}
	m.stats.persists.Add(1)
	m.stats.persistBytes.Add(n)

	return nil
}

// Payload returns the raw element array of a region.
func (m *Manager) Payload(vi *VectorInfo) []byte {
	return m.pool.Bytes(m.nodeOf(vi)+nodeHeaderSize, vi.Allocated)
}

// PayloadPtr returns the start of the raw element array. The pointer is
// invalidated by any reallocation of the region.
func (m *Manager) PayloadPtr(vi *VectorInfo) unsafe.Pointer {
	return m.pool.Ptr(m.nodeOf(vi) + nodeHeaderSize)
}

// Format returns the node-layout tag recorded in the pool header:
// pmem.FormatRelease or pmem.FormatDebug.
func (m *Manager) Format() uint64 { return m.pool.Format() }

// StaticHeader is the fixed-offset header at the start of the mapping.
type StaticHeader struct {
	RootOffset  uint64 // offset of the first region node, 0 when empty
	Initialized bool
}

// StaticHeader returns the current static header.
func (m *Manager) StaticHeader() StaticHeader {
	return StaticHeader{
		RootOffset:  m.rootOff(),
		Initialized: m.pool.StaticArea()[staticInitializedOff] != 0,
	}
}

// RegionDesc describes one live region for inspection.
type RegionDesc struct {
	UUID      uint64
	Size      uint64
	Capacity  uint64
	Allocated uint64
}

// Regions returns the live list in list order (most recently allocated
// first).
func (m *Manager) Regions() []RegionDesc {
	var out []RegionDesc
	for off := m.rootOff(); off != nullOff; off = m.nodeNext(off) {
		vi := m.info(off)
		out = append(out, RegionDesc{
			UUID:      vi.UUID,
			Size:      vi.Size,
			Capacity:  vi.Capacity,
			Allocated: vi.Allocated,
		})
	}

	return out
}

// allocate reserves a node plus payload, links it as the new list root via
// the on-activate journal and commits. A fresh region has uuid 0 until the
// caller assigns one.
func (m *Manager) allocate(size uint64) (*VectorInfo, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	node, err := m.pool.Reserve(nodeHeaderSize + size + nodeReserveExtra)
	if err != nil {
		return nil, err
	}

	root := m.rootOff()
	*m.pool.Uint64(node + nodePrevOff) = nullOff

	vi := m.info(node)
	vi.UUID = 0
	vi.Size = 0
	vi.Capacity = 0
	vi.Allocated = size
	writeCanaries(m.pool, node, size)

	// All three list fixups run through the on-activate journal so the
	// region appears as the fully linked new root, or not at all.
	m.pool.OnActivate(node, node+nodeNextOff, root)
	if root != nullOff {
		m.pool.OnActivate(node, root+nodePrevOff, node)
	}
	m.pool.OnActivate(node, staticRootOff, node)
	m.pool.Activate(node)

	m.stats.allocs.Add(1)
	m.stats.liveRegions.Add(1)
	m.stats.liveBytes.Add(int64(size))

	return vi, nil
}

// lookup walks the live list without the allocate lock. Safe because nodes
// are linked in at the head and unlinked under the lock, and a region a
// caller still holds is never reclaimed underneath it.
func (m *Manager) lookup(uuid uint64) *VectorInfo {
	for off := m.rootOff(); off != nullOff; off = m.nodeNext(off) {
		if vi := m.info(off); vi.UUID == uuid {
			return vi
		}
	}

	return nil
}

func (m *Manager) generateUUID() uint64 {
	return m.uuidCounter.Add(1) - 1
}

func (m *Manager) rootOff() uint64 { return *m.pool.Uint64(staticRootOff) }

func (m *Manager) nodeNext(node uint64) uint64 { return *m.pool.Uint64(node + nodeNextOff) }

func (m *Manager) nodePrev(node uint64) uint64 { return *m.pool.Uint64(node + nodePrevOff) }

func (m *Manager) info(node uint64) *VectorInfo {
	return (*VectorInfo)(m.pool.Ptr(node + nodeInfoOff))
}

func (m *Manager) nodeOf(vi *VectorInfo) uint64 {
	off, ok := m.pool.OffsetOf(unsafe.Pointer(vi))
	if !ok {
		panic("nvm: VectorInfo outside mapping")
	}

	return off - nodeInfoOff
}

func alignUp(n, a uint64) uint64 { return (n + a - 1) &^ (a - 1) }
