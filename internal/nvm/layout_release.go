//go:build !debug

package nvm

import "github.com/nvstore-db/nvstore/internal/pmem"

// Release node layout: {next, prev, info}, padded to one chunk, no
// canaries.
const (
	nodeInfoOff      = 16
	nodeReserveExtra = 0

	layoutFormat = pmem.FormatRelease
)

func writeCanaries(p *pmem.Pool, node, allocated uint64) {}

// VerifyCanaries is a no-op in release builds.
func (m *Manager) VerifyCanaries() {}
