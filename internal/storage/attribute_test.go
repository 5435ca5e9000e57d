package storage

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nvstore-db/nvstore/internal/nvm"
)

func newAttr(t *testing.T, columns, rows uint64, nonvolatile bool) AttributeVector[uint32] {
	t.Helper()
	av, err := NewAttributeVector[uint32](columns, rows, nonvolatile)
	if err != nil {
		t.Fatalf("new attribute vector: %v", err)
	}
	if nv, ok := av.(*NVAttributeVector[uint32]); ok {
		t.Cleanup(func() { nv.Close() })
	}

	return av
}

func TestFactoryChoosesBackend(t *testing.T) {
	if _, ok := newAttr(t, 2, 4, true).(*NVAttributeVector[uint32]); !ok {
		t.Fatal("nonvolatile factory arm did not return the NV backend")
	}
	if _, ok := newAttr(t, 2, 4, false).(*volatileAttributeVector[uint32]); !ok {
		t.Fatal("volatile factory arm did not return the DRAM backend")
	}
	if _, err := NewAttributeVector[uint32](0, 4, true); !errors.Is(err, nvm.ErrInvalidArg) {
		t.Fatalf("zero columns: err = %v, want ErrInvalidArg", err)
	}
}

func TestAttributeRoundTrip(t *testing.T) {
	for _, nonvolatile := range []bool{false, true} {
		av := newAttr(t, 3, 4, nonvolatile)

		// Construction leaves the vector cleared; size follows Resize.
		if av.Size() != 0 {
			t.Fatalf("nonvolatile=%v: size = %d after construction, want 0", nonvolatile, av.Size())
		}
		if err := av.Resize(4); err != nil {
			t.Fatalf("resize: %v", err)
		}
		if av.Size() != 4 {
			t.Fatalf("nonvolatile=%v: size = %d, want 4", nonvolatile, av.Size())
		}

		for row := uint64(0); row < 4; row++ {
			for col := uint64(0); col < 3; col++ {
				av.Set(col, row, uint32(row*10+col))
			}
		}
		for row := uint64(0); row < 4; row++ {
			for col := uint64(0); col < 3; col++ {
				if got := av.Get(col, row); got != uint32(row*10+col) {
					t.Fatalf("nonvolatile=%v: (%d,%d) = %d", nonvolatile, col, row, got)
				}
			}
		}
	}
}

func TestAttributeRowMajorLayout(t *testing.T) {
	av := newAttr(t, 3, 4, true).(*NVAttributeVector[uint32])
	if err := av.Resize(4); err != nil {
		t.Fatalf("resize: %v", err)
	}

	for row := uint64(0); row < 4; row++ {
		for col := uint64(0); col < 3; col++ {
			av.Set(col, row, uint32(100+row*3+col))
		}
	}

	// pos = row*columns + column over the backing vector.
	d := av.Vector().Data()
	for i, x := range d {
		if x != uint32(100+i) {
			t.Fatalf("linear position %d = %d, want %d", i, x, 100+i)
		}
	}
}

func TestAttributeCapacityAndReserve(t *testing.T) {
	av := newAttr(t, 2, 5, true)
	if av.Capacity() < 5 {
		t.Fatalf("capacity = %d, want >= 5", av.Capacity())
	}
	if err := av.Reserve(50); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if av.Capacity() < 50 {
		t.Fatalf("capacity = %d after reserve, want >= 50", av.Capacity())
	}
	if av.Size() != 0 {
		t.Fatalf("size = %d after reserve, want 0", av.Size())
	}
	if err := av.SetNumRows(80); err != nil {
		t.Fatalf("set num rows: %v", err)
	}
	if av.Capacity() < 80 {
		t.Fatalf("capacity = %d after SetNumRows, want >= 80", av.Capacity())
	}
}

func TestIncReturnsPreviousValue(t *testing.T) {
	av := newAttr(t, 2, 2, true)
	if err := av.Resize(2); err != nil {
		t.Fatalf("resize: %v", err)
	}

	av.Set(1, 1, 41)
	if got := av.Inc(1, 1); got != 41 {
		t.Fatalf("inc returned %d, want 41", got)
	}
	if got := av.Get(1, 1); got != 42 {
		t.Fatalf("cell = %d after inc, want 42", got)
	}
}

func TestAtomicIncIsConcurrencySafe(t *testing.T) {
	for _, nonvolatile := range []bool{false, true} {
		av := newAttr(t, 1, 1, nonvolatile)
		if err := av.Resize(1); err != nil {
			t.Fatalf("resize: %v", err)
		}
		av.Set(0, 0, 0)

		const workers = 8
		const perWorker = 1000

		var wg sync.WaitGroup
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					av.AtomicInc(0, 0)
				}
			}()
		}
		wg.Wait()

		if got := av.Get(0, 0); got != workers*perWorker {
			t.Fatalf("nonvolatile=%v: counter = %d, want %d", nonvolatile, got, workers*perWorker)
		}
	}
}

func TestAtomicIncWide(t *testing.T) {
	av, err := NewAttributeVector[uint64](1, 1, true)
	if err != nil {
		t.Fatalf("new attribute vector: %v", err)
	}
	defer av.(*NVAttributeVector[uint64]).Close()
	if err := av.Resize(1); err != nil {
		t.Fatalf("resize: %v", err)
	}

	av.Set(0, 0, 1<<40)
	if got := av.AtomicInc(0, 0); got != 1<<40 {
		t.Fatalf("atomic inc returned %d", got)
	}
	if got := av.Get(0, 0); got != 1<<40+1 {
		t.Fatalf("cell = %d", got)
	}
}

func TestCopySemantics(t *testing.T) {
	nv := newAttr(t, 2, 2, true)
	if _, err := nv.Copy(); !errors.Is(err, nvm.ErrUnsupported) {
		t.Fatalf("NV copy: err = %v, want ErrUnsupported", err)
	}

	vol := newAttr(t, 2, 2, false)
	if err := vol.Resize(2); err != nil {
		t.Fatalf("resize: %v", err)
	}
	vol.Set(0, 0, 5)
	dup, err := vol.Copy()
	if err != nil {
		t.Fatalf("volatile copy: %v", err)
	}
	vol.Set(0, 0, 6)
	if dup.Get(0, 0) != 5 {
		t.Fatalf("copy shares storage: cell = %d, want 5", dup.Get(0, 0))
	}
}

func TestPrint(t *testing.T) {
	av := newAttr(t, 2, 1, true)
	if err := av.Resize(1); err != nil {
		t.Fatalf("resize: %v", err)
	}
	av.Set(0, 0, 7)
	av.Set(1, 0, 8)

	out := av.Print()
	if !strings.Contains(out, "| 7 |") || !strings.Contains(out, "8 |") {
		t.Fatalf("print output %q misses cell values", out)
	}
}
