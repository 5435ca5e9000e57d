// Package storage provides the typed vector and attribute-vector layers
// over persistent regions. A Vector is a growable, random-access sequence
// whose storage is exactly one region owned by the nvm manager; its
// contents survive process restarts when the manager runs non-volatile.
package storage

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/nvstore-db/nvstore/internal/nvm"
)

// cacheLine is the persistence granularity. Payloads start cache-line
// aligned; the allocator guarantees it.
const cacheLine = 64

// Element constrains vector elements to fixed-width scalars. Elements are
// copied with memmove semantics and their size divides the allocator
// granularity.
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int | ~uint | ~uintptr | ~float32 | ~float64
}

// Vector is a typed view over one region. The zero value is not usable;
// construct with NewVector, NewVectorFill or RestoreVector.
//
// Pointer stability: any growth (PushBack past capacity, Reserve, Resize)
// may move the region inside the mapping. Slices and pointers obtained
// before a reallocation are stale afterwards; Data after growth is the
// single source of truth.
type Vector[T Element] struct {
	m    *nvm.Manager
	info *nvm.VectorInfo
	data *T
}

// NewVector creates a vector of count zero-valued elements. The backing
// region holds at least one element so capacity doubling is always
// well-defined.
func NewVector[T Element](count uint64) (*Vector[T], error) {
	var zero T

	return NewVectorFill(count, zero)
}

// NewVectorFill creates a vector of count elements, all set to fill.
func NewVectorFill[T Element](count uint64, fill T) (*Vector[T], error) {
	m, err := nvm.Open()
	if err != nil {
		return nil, err
	}
	elems := count
	if elems == 0 {
		elems = 1
	}
	info, err := m.GetOrCreateVectorSpace(0, elems*sizeOf[T]())
	if err != nil {
		return nil, err
	}
	info.Capacity = elems
	info.Size = count
	v := &Vector[T]{m: m, info: info}
	v.rebind()
	d := v.elems()
	for i := uint64(0); i < count; i++ {
		d[i] = fill
	}

	return v, nil
}

// RestoreVector binds a vector to an already-populated region, typically
// retrieved by UUID, without modifying its contents.
func RestoreVector[T Element](info *nvm.VectorInfo) (*Vector[T], error) {
	m, err := nvm.Open()
	if err != nil {
		return nil, err
	}
	v := &Vector[T]{m: m, info: info}
	v.rebind()

	return v, nil
}

// Close releases the vector. In volatile mode the backing region is
// destroyed; in non-volatile mode it is left intact so a later run can
// rebind by UUID. Safe to defer and to call twice.
func (v *Vector[T]) Close() error {
	if v.info == nil {
		return nil
	}
	if v.m.VolatileMode() && v.info.Allocated > 0 {
		v.m.DestroyVectorSpace(v.info)
	}
	v.info = nil
	v.data = nil

	return nil
}

// UUID returns the region identity, stable across resizes and Swap.
func (v *Vector[T]) UUID() uint64 { return v.info.UUID }

// Len returns the logical element count.
func (v *Vector[T]) Len() uint64 { return v.info.Size }

// Cap returns the element count the region holds without reallocation.
func (v *Vector[T]) Cap() uint64 { return v.info.Capacity }

// Empty reports whether the vector has no elements.
func (v *Vector[T]) Empty() bool { return v.info.Size == 0 }

// At returns element i, failing with ErrOutOfRange for i >= Len.
func (v *Vector[T]) At(i uint64) (T, error) {
	if i >= v.info.Size {
		var zero T

		return zero, fmt.Errorf("index %d of %d: %w", i, v.info.Size, nvm.ErrOutOfRange)
	}

	return v.elems()[i], nil
}

// Get returns element i. Bounds are asserted in debug builds only.
func (v *Vector[T]) Get(i uint64) T {
	assertLess(i, v.info.Size)

	return v.elems()[i]
}

// Set overwrites element i. Bounds are asserted in debug builds only.
func (v *Vector[T]) Set(i uint64, x T) {
	assertLess(i, v.info.Size)
	v.elems()[i] = x
}

// Front returns the first element.
func (v *Vector[T]) Front() T { return v.elems()[0] }

// Back returns the last element.
func (v *Vector[T]) Back() T { return v.elems()[v.info.Size-1] }

// Data returns the live element window. The slice is invalidated by any
// growth operation; re-fetch after Reserve, Resize or a growing PushBack.
func (v *Vector[T]) Data() []T { return v.elems()[:v.info.Size] }

// Reserve grows capacity to at least n elements. A no-op when n <= Cap;
// otherwise the region is moved and every prior pointer into it is stale.
func (v *Vector[T]) Reserve(n uint64) error {
	if n <= v.info.Capacity {
		return nil
	}
	oldSize := v.info.Size
	info, err := v.m.ResizeVectorSpace(v.info, n*sizeOf[T]())
	if err != nil {
		return err
	}
	info.Size = oldSize
	info.Capacity = n
	v.info = info
	v.rebind()

	return nil
}

// ShrinkToFit resizes the region to exactly Len elements; an empty vector
// keeps room for one.
func (v *Vector[T]) ShrinkToFit() error {
	if v.info.Capacity == v.info.Size {
		return nil
	}
	n := v.info.Size
	if n == 0 {
		n = 1
	}
	size := v.info.Size
	info, err := v.m.ResizeVectorSpace(v.info, n*sizeOf[T]())
	if err != nil {
		return err
	}
	info.Size = size
	info.Capacity = n
	v.info = info
	v.rebind()

	return nil
}

// Clear drops all elements without touching capacity.
func (v *Vector[T]) Clear() { v.info.Size = 0 }

// PushBack appends x, doubling capacity when full.
func (v *Vector[T]) PushBack(x T) error {
	if v.info.Size >= v.info.Capacity {
		if err := v.Reserve(v.info.Capacity * 2); err != nil {
			return err
		}
	}
	v.elems()[v.info.Size] = x
	v.info.Size++

	return nil
}

// PopBack removes the last element.
func (v *Vector[T]) PopBack() {
	assertLess(0, v.info.Size)
	v.info.Size--
}

// Resize sets the element count to n, zero-filling any new tail.
func (v *Vector[T]) Resize(n uint64) error {
	var zero T

	return v.ResizeFill(n, zero)
}

// ResizeFill sets the element count to n. Shrinking keeps the prefix;
// growing fills [old len, n) with fill.
func (v *Vector[T]) ResizeFill(n uint64, fill T) error {
	if n <= v.info.Size {
		v.info.Size = n

		return nil
	}
	if err := v.Reserve(n); err != nil {
		return err
	}
	d := v.elems()
	for i := v.info.Size; i < n; i++ {
		d[i] = fill
	}
	v.info.Size = n

	return nil
}

// Assign replaces the contents with count copies of value.
func (v *Vector[T]) Assign(count uint64, value T) error {
	d := v.elems()
	n := v.info.Size
	if count < n {
		n = count
	}
	for i := uint64(0); i < n; i++ {
		d[i] = value
	}

	return v.ResizeFill(count, value)
}

// Insert shifts [pos, Len) right by one and writes value at pos. The vector
// must have spare capacity.
// TODO: grow via Reserve when full, matching PushBack.
func (v *Vector[T]) Insert(pos uint64, value T) error {
	if pos > v.info.Size {
		return fmt.Errorf("insert at %d of %d: %w", pos, v.info.Size, nvm.ErrOutOfRange)
	}
	if v.info.Size >= v.info.Capacity {
		return fmt.Errorf("insert into full vector: %w", nvm.ErrOutOfMemory)
	}
	d := v.elems()
	copy(d[pos+1:v.info.Size+1], d[pos:v.info.Size])
	d[pos] = value
	v.info.Size++

	return nil
}

// Erase removes element pos, shifting the tail left.
func (v *Vector[T]) Erase(pos uint64) error {
	if pos >= v.info.Size {
		return fmt.Errorf("erase at %d of %d: %w", pos, v.info.Size, nvm.ErrOutOfRange)
	}
	d := v.elems()
	copy(d[pos:], d[pos+1:v.info.Size])
	v.info.Size--

	return nil
}

// EraseRange removes [first, last), shifting the tail left.
func (v *Vector[T]) EraseRange(first, last uint64) error {
	if first > last || last > v.info.Size {
		return fmt.Errorf("erase [%d, %d) of %d: %w", first, last, v.info.Size, nvm.ErrOutOfRange)
	}
	d := v.elems()
	copy(d[first:], d[last:v.info.Size])
	v.info.Size -= last - first

	return nil
}

// Swap exchanges the backing regions of two vectors. Each vector keeps the
// UUID it started with, so a captured identity still names the same vector
// after the swap.
func (v *Vector[T]) Swap(other *Vector[T]) {
	myUUID, otherUUID := v.info.UUID, other.info.UUID
	v.info, other.info = other.info, v.info
	v.data, other.data = other.data, v.data
	v.info.UUID = myUUID
	other.info.UUID = otherUUID
}

// Persist flushes the region header, and unless withoutData is set, the
// first Len elements of the payload. To publish new records durably, flush
// payload lines first and the header carrying the new size last.
func (v *Vector[T]) Persist(withoutData bool) error {
	if withoutData {
		return v.m.PersistInfo(v.info)
	}

	return v.m.PersistThrough(v.info, v.info.Size*sizeOf[T]())
}

// PersistPartial flushes num elements starting at start, then the header.
// When start is zero the header and the elements coalesce into one flush.
func (v *Vector[T]) PersistPartial(start, num uint64) error {
	sz := sizeOf[T]()
	if start == 0 {
		return v.m.PersistThrough(v.info, num*sz)
	}
	if err := v.m.PersistPayload(v.info, start*sz, num*sz); err != nil {
		return err
	}

	return v.m.PersistInfo(v.info)
}

// PersistScattered flushes only the cache lines covering the given element
// indices, then the header. Indices may be unsorted and non-consecutive;
// runs of adjacent lines are coalesced into a single flush each.
func (v *Vector[T]) PersistScattered(indices []uint64) error {
	if len(indices) == 0 {
		return nil
	}
	sz := sizeOf[T]()
	lines := make([]uint64, len(indices))
	for i, e := range indices {
		lines[i] = e * sz / cacheLine
	}
	sort.Slice(lines, func(a, b int) bool { return lines[a] < lines[b] })

	runStart, runLen := lines[0], uint64(1)
	for _, ln := range lines[1:] {
		switch {
		case ln < runStart+runLen:
			// duplicate line
		case ln == runStart+runLen:
			runLen++
		default:
			if err := v.m.PersistPayload(v.info, runStart*cacheLine, runLen*cacheLine); err != nil {
				return err
			}
			runStart, runLen = ln, 1
		}
	}
	if err := v.m.PersistPayload(v.info, runStart*cacheLine, runLen*cacheLine); err != nil {
		return err
	}

	return v.m.PersistInfo(v.info)
}

func (v *Vector[T]) rebind() { v.data = (*T)(v.m.PayloadPtr(v.info)) }

func (v *Vector[T]) elems() []T { return unsafe.Slice(v.data, v.info.Capacity) }

func sizeOf[T Element]() uint64 {
	var zero T

	return uint64(unsafe.Sizeof(zero))
}
