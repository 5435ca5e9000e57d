//go:build debug

package nvm

import (
	"encoding/binary"
	"fmt"

	"github.com/nvstore-db/nvstore/internal/pmem"
)

// Debug node layout: {next, prev, head canary, info}, padded to one chunk,
// plus a tail canary word placed exactly at payload+allocated.
const (
	nodeCanaryOff    = 16
	nodeInfoOff      = 24
	nodeReserveExtra = 8

	layoutFormat = pmem.FormatDebug

	headCanary uint64 = 0xDEADBEEF
	tailCanary uint64 = 0xDEADBABE
)

func writeCanaries(p *pmem.Pool, node, allocated uint64) {
	*p.Uint64(node + nodeCanaryOff) = headCanary
	// The tail sits at an arbitrary byte offset, so it goes through an
	// encoding store instead of a word overlay.
	binary.LittleEndian.PutUint64(p.Bytes(node+nodeHeaderSize+allocated, 8), tailCanary)
}

// VerifyCanaries walks the live list and asserts both canaries of every
// region. A mismatch is corruption and panics; it cannot be papered over.
func (m *Manager) VerifyCanaries() {
	for off := m.rootOff(); off != nullOff; off = m.nodeNext(off) {
		if got := *m.pool.Uint64(off + nodeCanaryOff); got != headCanary {
			panic(fmt.Sprintf("nvm: head canary %#x at node %d, want %#x", got, off, headCanary))
		}
		allocated := m.info(off).Allocated
		if got := binary.LittleEndian.Uint64(m.pool.Bytes(off+nodeHeaderSize+allocated, 8)); got != tailCanary {
			panic(fmt.Sprintf("nvm: tail canary %#x at node %d, want %#x", got, off, tailCanary))
		}
	}
}
