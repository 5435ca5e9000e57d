package storage

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/nvstore-db/nvstore/internal/nvm"
)

// FixedElement constrains attribute-vector values to integer widths. The
// 4- and 8-byte widths additionally support AtomicInc.
type FixedElement interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int | ~uint
}

// AttributeVector is the fixed-length attribute vector contract of the
// column store: a (columns x rows) table of scalar values over contiguous
// row-major storage.
type AttributeVector[T FixedElement] interface {
	// Data returns the start of the backing array. Invalidated by growth.
	Data() unsafe.Pointer

	// SetNumRows reserves storage for rows rows without changing the size.
	SetNumRows(rows uint64) error

	Get(column, row uint64) T
	Set(column, row uint64, value T)

	Reserve(rows uint64) error
	Clear()
	Size() uint64
	Resize(rows uint64) error
	Capacity() uint64

	// Copy duplicates the attribute vector where the backend supports it.
	Copy() (AttributeVector[T], error)

	// Inc adds one to (column, row) and returns the previous value.
	Inc(column, row uint64) T

	// AtomicInc adds one to (column, row) with a CPU fetch-and-add and
	// returns the previous value. The only mutator that is safe to call
	// from concurrent goroutines.
	AtomicInc(column, row uint64) T

	// Print renders the table for debugging.
	Print() string
}

// NVAttributeVector maps (column, row) coordinates row-major onto one
// persistent Vector. Elements are unspecified until written; the layer
// above writes before it reads.
type NVAttributeVector[T FixedElement] struct {
	vec     *Vector[T]
	columns uint64
}

// NewNVAttributeVector builds the underlying vector sized columns*rows and
// clears it.
func NewNVAttributeVector[T FixedElement](columns, rows uint64) (*NVAttributeVector[T], error) {
	if columns == 0 {
		return nil, fmt.Errorf("attribute vector needs at least one column: %w", nvm.ErrInvalidArg)
	}
	vec, err := NewVector[T](columns * rows)
	if err != nil {
		return nil, err
	}
	vec.Clear()

	return &NVAttributeVector[T]{vec: vec, columns: columns}, nil
}

// Close releases the underlying vector.
func (av *NVAttributeVector[T]) Close() error { return av.vec.Close() }

// UUID returns the identity of the backing region.
func (av *NVAttributeVector[T]) UUID() uint64 { return av.vec.UUID() }

// Vector exposes the backing vector, e.g. for persistence calls.
func (av *NVAttributeVector[T]) Vector() *Vector[T] { return av.vec }

func (av *NVAttributeVector[T]) Data() unsafe.Pointer { return unsafe.Pointer(av.vec.data) }

func (av *NVAttributeVector[T]) SetNumRows(rows uint64) error {
	return av.vec.Reserve(rows * av.columns)
}

func (av *NVAttributeVector[T]) Get(column, row uint64) T {
	av.checkAccess(column, row)

	return av.vec.elems()[av.pos(column, row)]
}

func (av *NVAttributeVector[T]) Set(column, row uint64, value T) {
	av.checkAccess(column, row)
	av.vec.elems()[av.pos(column, row)] = value
}

func (av *NVAttributeVector[T]) Reserve(rows uint64) error {
	return av.vec.Reserve(rows * av.columns)
}

func (av *NVAttributeVector[T]) Clear() { av.vec.Clear() }

func (av *NVAttributeVector[T]) Size() uint64 { return av.vec.Len() / av.columns }

func (av *NVAttributeVector[T]) Resize(rows uint64) error {
	return av.vec.Resize(rows * av.columns)
}

func (av *NVAttributeVector[T]) Capacity() uint64 { return av.vec.Cap() / av.columns }

// Copy is not available on the persistent backend: duplicating a region
// would need a second UUID identity for the same logical column, which the
// design does not define.
func (av *NVAttributeVector[T]) Copy() (AttributeVector[T], error) {
	return nil, fmt.Errorf("copy of a persistent attribute vector: %w", nvm.ErrUnsupported)
}

func (av *NVAttributeVector[T]) Inc(column, row uint64) T {
	av.checkAccess(column, row)
	d := av.vec.elems()
	p := av.pos(column, row)
	old := d[p]
	d[p] = old + 1

	return old
}

// AtomicInc increments with a CPU fetch-and-add. Atomicity is CPU-cache
// atomicity only: making the counter durable still requires an explicit
// persist afterwards.
func (av *NVAttributeVector[T]) AtomicInc(column, row uint64) T {
	av.checkAccess(column, row)

	return fetchAdd(&av.vec.elems()[av.pos(column, row)])
}

func (av *NVAttributeVector[T]) Print() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "AttributeVector %p ---\n", av)
	for row := uint64(0); row < av.Size(); row++ {
		buf.WriteString("| ")
		for col := uint64(0); col < av.columns; col++ {
			fmt.Fprintf(&buf, "%v |", av.Get(col, row))
		}
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "%p ---\n", av)

	return buf.String()
}

// PersistScattered flushes the cache lines of the given linear element
// positions, then the header.
func (av *NVAttributeVector[T]) PersistScattered(positions []uint64) error {
	return av.vec.PersistScattered(positions)
}

func (av *NVAttributeVector[T]) pos(column, row uint64) uint64 {
	return row*av.columns + column
}

func (av *NVAttributeVector[T]) checkAccess(column, row uint64) {
	assertLess(column, av.columns)
	assertLess(row, av.vec.Len()/av.columns)
}

// fetchAdd adds one to a 4- or 8-byte integer cell and returns the previous
// value.
func fetchAdd[T FixedElement](p *T) T {
	switch unsafe.Sizeof(*p) {
	case 4:
		return T(atomic.AddUint32((*uint32)(unsafe.Pointer(p)), 1) - 1)
	case 8:
		return T(atomic.AddUint64((*uint64)(unsafe.Pointer(p)), 1) - 1)
	default:
		panic("storage: atomic increment requires a 4- or 8-byte element")
	}
}
