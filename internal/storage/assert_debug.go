//go:build debug

package storage

import "fmt"

// In debug builds, unchecked accessors assert their bounds.

func assertLess(i, n uint64) {
	if i >= n {
		panic(fmt.Sprintf("storage: index %d out of bounds for length %d", i, n))
	}
}
