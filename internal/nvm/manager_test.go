package nvm

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()

	return Options{
		MountPoint:        dir,
		MountTable:        filepath.Join(dir, "mtab"),
		FilePath:          filepath.Join(dir, "store"),
		ProbeFile:         filepath.Join(dir, "probe"),
		FileSize:          4 << 20,
		DisableMountCheck: true,
	}
}

// reinitManager tears the process-wide instance down and materializes a
// fresh one. White-box: tests in this package own the latch state.
func reinitManager(t *testing.T, opts Options, nonVolatile bool) *Manager {
	t.Helper()
	mgrMu.Lock()
	if mgr != nil {
		if mgr.watcher != nil {
			mgr.watcher.Close()
			mgr.watcher = nil
		}
		mgr.pool.Close()
		mgr = nil
	}
	materialized.Store(false)
	latchOpts = opts
	latchNonVol = nonVolatile
	mgrMu.Unlock()

	m, err := Open()
	if err != nil {
		t.Fatalf("open manager: %v", err)
	}

	return m
}

func TestConfigurationLatches(t *testing.T) {
	opts := testOptions(t)
	reinitManager(t, opts, false)

	if err := Configure(opts); !errors.Is(err, ErrConfigLocked) {
		t.Fatalf("Configure after first use: err = %v, want ErrConfigLocked", err)
	}
	if err := SetNonVolatileMode(); !errors.Is(err, ErrConfigLocked) {
		t.Fatalf("SetNonVolatileMode after first use: err = %v, want ErrConfigLocked", err)
	}
}

func TestGetOrCreateContract(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	if _, err := m.GetOrCreateVectorSpace(0, 0); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("no uuid, no size: err = %v, want ErrInvalidArg", err)
	}
	if _, err := m.GetOrCreateVectorSpace(42, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown uuid: err = %v, want ErrNotFound", err)
	}

	vi, err := m.GetOrCreateVectorSpace(0, 256)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if vi.UUID == 0 {
		t.Fatal("fresh region has uuid 0")
	}
	if vi.Allocated != 256 {
		t.Fatalf("allocated = %d, want 256", vi.Allocated)
	}
	if len(m.Payload(vi)) != 256 {
		t.Fatalf("payload length = %d, want 256", len(m.Payload(vi)))
	}

	got, err := m.GetOrCreateVectorSpace(vi.UUID, 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != vi {
		t.Fatal("lookup returned a different header for the same uuid")
	}
}

func TestUUIDsAreUniqueAndMonotonic(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	seen := make(map[uint64]bool)
	last := uint64(0)
	for i := 0; i < 16; i++ {
		vi, err := m.GetOrCreateVectorSpace(0, 64)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if seen[vi.UUID] {
			t.Fatalf("uuid %d assigned twice", vi.UUID)
		}
		if vi.UUID <= last {
			t.Fatalf("uuid %d not monotonic after %d", vi.UUID, last)
		}
		seen[vi.UUID] = true
		last = vi.UUID
	}
}

func TestDestroyRewiresList(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	var vis [3]*VectorInfo
	for i := range vis {
		vi, err := m.GetOrCreateVectorSpace(0, 64)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		vis[i] = vi
	}
	// List order is most recent first.
	wantOrder := []uint64{vis[2].UUID, vis[1].UUID, vis[0].UUID}
	checkRegions(t, m, wantOrder)

	u1 := vis[1].UUID
	m.DestroyVectorSpace(vis[1]) // middle
	checkRegions(t, m, []uint64{wantOrder[0], wantOrder[2]})
	if _, err := m.GetOrCreateVectorSpace(u1, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("destroyed uuid still found: err = %v", err)
	}

	m.DestroyVectorSpace(vis[2]) // root
	checkRegions(t, m, []uint64{wantOrder[2]})

	m.DestroyVectorSpace(vis[0]) // last
	checkRegions(t, m, nil)
}

func checkRegions(t *testing.T, m *Manager, want []uint64) {
	t.Helper()
	regions := m.Regions()
	if len(regions) != len(want) {
		t.Fatalf("live regions = %d, want %d", len(regions), len(want))
	}
	for i, r := range regions {
		if r.UUID != want[i] {
			t.Fatalf("region %d uuid = %d, want %d", i, r.UUID, want[i])
		}
	}
}

func TestResizePreservesUUIDAndPayload(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	vi, err := m.GetOrCreateVectorSpace(0, 256)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	uuid := vi.UUID
	payload := m.Payload(vi)
	for i := range payload {
		payload[i] = byte(i)
	}

	vi, err = m.ResizeVectorSpace(vi, 512)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if vi.UUID != uuid {
		t.Fatalf("uuid after grow = %d, want %d", vi.UUID, uuid)
	}
	if vi.Allocated != 512 {
		t.Fatalf("allocated after grow = %d, want 512", vi.Allocated)
	}
	grown := m.Payload(vi)
	for i := 0; i < 256; i++ {
		if grown[i] != byte(i) {
			t.Fatalf("payload byte %d = %#x after grow", i, grown[i])
		}
	}

	vi, err = m.ResizeVectorSpace(vi, 64)
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if vi.UUID != uuid {
		t.Fatalf("uuid after shrink = %d, want %d", vi.UUID, uuid)
	}
	if !bytes.Equal(m.Payload(vi), grown[:64]) {
		t.Fatal("payload prefix lost on shrink")
	}

	// The old region is gone; only the moved one remains.
	if n := len(m.Regions()); n != 1 {
		t.Fatalf("live regions = %d after resize, want 1", n)
	}
}

func TestRegionsDoNotOverlap(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	a, err := m.GetOrCreateVectorSpace(0, 400)
	if err != nil {
		t.Fatalf("allocate a: %v", err)
	}
	b, err := m.GetOrCreateVectorSpace(0, 400)
	if err != nil {
		t.Fatalf("allocate b: %v", err)
	}

	pa := m.Payload(a)
	pb := m.Payload(b)
	for i := range pa {
		pa[i] = 0xAA
	}
	for i := range pb {
		pb[i] = 0xBB
	}
	for i := range pa {
		if pa[i] != 0xAA {
			t.Fatalf("region a byte %d clobbered", i)
		}
	}
}

func TestPersistRejectsForeignPointer(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	var local [64]byte
	if err := m.Persist(unsafe.Pointer(&local), 64); !errors.Is(err, ErrRange) {
		t.Fatalf("persist of foreign pointer: err = %v, want ErrRange", err)
	}

	vi, err := m.GetOrCreateVectorSpace(0, 128)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.Persist(m.PayloadPtr(vi), 128); err != nil {
		t.Fatalf("persist payload: %v", err)
	}
	if err := m.PersistPayload(vi, 128, 128); !errors.Is(err, ErrRange) {
		t.Fatalf("persist past payload: err = %v, want ErrRange", err)
	}
}

func TestVolatileResetDiscards(t *testing.T) {
	opts := testOptions(t)
	m := reinitManager(t, opts, false)

	if !m.VolatileMode() {
		t.Fatal("default mode is not volatile")
	}
	if _, err := os.Stat(opts.FilePath); !os.IsNotExist(err) {
		t.Fatal("backing file still linked in volatile mode")
	}

	if _, err := m.GetOrCreateVectorSpace(0, 64); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n := len(m.Regions()); n != 0 {
		t.Fatalf("live regions after volatile reset = %d, want 0", n)
	}
}

func TestNonVolatileDurabilityAcrossReset(t *testing.T) {
	opts := testOptions(t)
	m := reinitManager(t, opts, true)

	if m.VolatileMode() {
		t.Fatal("manager not in non-volatile mode")
	}

	vi, err := m.GetOrCreateVectorSpace(0, 256)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	uuid := vi.UUID
	payload := m.Payload(vi)
	for i := range payload {
		payload[i] = byte(255 - i)
	}
	vi.Size = 256
	vi.Capacity = 256
	if err := m.PersistThrough(vi, 256); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// Reset drops the mapping and re-acquires it, the in-process stand-in
	// for a restart.
	if err := m.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, err := m.GetOrCreateVectorSpace(uuid, 0)
	if err != nil {
		t.Fatalf("lookup after reset: %v", err)
	}
	if got.Size != 256 || got.Capacity != 256 || got.Allocated != 256 {
		t.Fatalf("header after reset = %+v", *got)
	}
	payload = m.Payload(got)
	for i := range payload {
		if payload[i] != byte(255-i) {
			t.Fatalf("payload byte %d = %#x after reset", i, payload[i])
		}
	}

	// A new region must not reuse a uuid from before the reset.
	nvi, err := m.GetOrCreateVectorSpace(0, 64)
	if err != nil {
		t.Fatalf("allocate after reset: %v", err)
	}
	if nvi.UUID <= uuid {
		t.Fatalf("uuid %d after reset not past %d", nvi.UUID, uuid)
	}
}

func TestStatsTrackActivity(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	before := m.Stats()
	vi, err := m.GetOrCreateVectorSpace(0, 128)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.PersistInfo(vi); err != nil {
		t.Fatalf("persist: %v", err)
	}
	m.DestroyVectorSpace(vi)
	after := m.Stats()

	if after.AllocCount != before.AllocCount+1 {
		t.Fatalf("alloc count %d -> %d", before.AllocCount, after.AllocCount)
	}
	if after.FreeCount != before.FreeCount+1 {
		t.Fatalf("free count %d -> %d", before.FreeCount, after.FreeCount)
	}
	if after.PersistCount != before.PersistCount+1 {
		t.Fatalf("persist count %d -> %d", before.PersistCount, after.PersistCount)
	}
	if after.LiveRegions != 0 {
		t.Fatalf("live regions = %d, want 0", after.LiveRegions)
	}
}

func TestStaticHeaderAndFormat(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	if m.Format() != layoutFormat {
		t.Fatalf("format = %d, want %d", m.Format(), uint64(layoutFormat))
	}
	static := m.StaticHeader()
	if !static.Initialized {
		t.Fatal("static header not initialized after open")
	}
	if static.RootOffset != 0 {
		t.Fatalf("root offset = %d on empty store, want 0", static.RootOffset)
	}

	if _, err := m.GetOrCreateVectorSpace(0, 64); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if static = m.StaticHeader(); static.RootOffset == 0 {
		t.Fatal("root offset still 0 after allocation")
	}
}

func TestVerifyCanariesWalksAllRegions(t *testing.T) {
	m := reinitManager(t, testOptions(t), false)

	for i := 0; i < 4; i++ {
		if _, err := m.GetOrCreateVectorSpace(0, 100); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}
	// Release builds no-op; debug builds assert every head and tail
	// sentinel on the live list.
	m.VerifyCanaries()
}
