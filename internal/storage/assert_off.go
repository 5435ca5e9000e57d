//go:build !debug

package storage

// assertLess guards unchecked accessors in debug builds. No-op in normal
// builds.
func assertLess(i, n uint64) {}
