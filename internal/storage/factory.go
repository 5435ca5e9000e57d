package storage

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/nvstore-db/nvstore/internal/nvm"
)

// NewAttributeVector returns an attribute vector backed either by process
// memory or, when nonvolatile is set, by the persistent store.
func NewAttributeVector[T FixedElement](columns, rows uint64, nonvolatile bool) (AttributeVector[T], error) {
	if nonvolatile {
		return NewNVAttributeVector[T](columns, rows)
	}

	return newVolatileAttributeVector[T](columns, rows)
}

// volatileAttributeVector is the DRAM-backed arm of the factory: a plain
// slice with the same row-major contract, discarded with the process.
type volatileAttributeVector[T FixedElement] struct {
	data    []T
	size    uint64 // linear element count in use
	columns uint64
}

func newVolatileAttributeVector[T FixedElement](columns, rows uint64) (*volatileAttributeVector[T], error) {
	if columns == 0 {
		return nil, fmt.Errorf("attribute vector needs at least one column: %w", nvm.ErrInvalidArg)
	}
	n := columns * rows
	if n == 0 {
		n = columns
	}

	return &volatileAttributeVector[T]{data: make([]T, n), columns: columns}, nil
}

func (av *volatileAttributeVector[T]) Data() unsafe.Pointer { return unsafe.Pointer(&av.data[0]) }

func (av *volatileAttributeVector[T]) SetNumRows(rows uint64) error { return av.Reserve(rows) }

func (av *volatileAttributeVector[T]) Get(column, row uint64) T {
	av.checkAccess(column, row)

	return av.data[row*av.columns+column]
}

func (av *volatileAttributeVector[T]) Set(column, row uint64, value T) {
	av.checkAccess(column, row)
	av.data[row*av.columns+column] = value
}

func (av *volatileAttributeVector[T]) Reserve(rows uint64) error {
	need := rows * av.columns
	if need > uint64(len(av.data)) {
		grown := make([]T, need)
		copy(grown, av.data)
		av.data = grown
	}

	return nil
}

func (av *volatileAttributeVector[T]) Clear() { av.size = 0 }

func (av *volatileAttributeVector[T]) Size() uint64 { return av.size / av.columns }

func (av *volatileAttributeVector[T]) Resize(rows uint64) error {
	if err := av.Reserve(rows); err != nil {
		return err
	}
	av.size = rows * av.columns

	return nil
}

func (av *volatileAttributeVector[T]) Capacity() uint64 {
	return uint64(len(av.data)) / av.columns
}

func (av *volatileAttributeVector[T]) Copy() (AttributeVector[T], error) {
	dup := &volatileAttributeVector[T]{
		data:    make([]T, len(av.data)),
		size:    av.size,
		columns: av.columns,
	}
	copy(dup.data, av.data)

	return dup, nil
}

func (av *volatileAttributeVector[T]) Inc(column, row uint64) T {
	av.checkAccess(column, row)
	p := row*av.columns + column
	old := av.data[p]
	av.data[p] = old + 1

	return old
}

func (av *volatileAttributeVector[T]) AtomicInc(column, row uint64) T {
	av.checkAccess(column, row)

	return fetchAdd(&av.data[row*av.columns+column])
}

func (av *volatileAttributeVector[T]) Print() string {
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

func (av *volatileAttributeVector[T]) checkAccess(column, row uint64) {
	assertLess(column, av.columns)
	assertLess(row, av.size/av.columns)
}
