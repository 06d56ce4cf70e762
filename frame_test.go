//go:build amd64

package detour

import (
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoRoom = errors.New("no room")

// fakeMemory records calls and hands out whatever allocate returns. By
// default that's the hint itself, which isn't backed by anything, so tests
// that get as far as writing the frame must supply real memory.
type fakeMemory struct {
	gran      uintptr
	allocate  func(hint uintptr) (uintptr, error)
	release   func(addr uintptr) error
	unprotect func(addr uintptr) error

	hints       []uintptr
	released    []uintptr
	unprotected []uintptr
	protected   []uintptr
}

func (m *fakeMemory) Granularity() uintptr {
	return m.gran
}

func (m *fakeMemory) Allocate(hint uintptr, size int) (uintptr, error) {
	m.hints = append(m.hints, hint)
	if m.allocate == nil {
		return hint, nil
	}
	return m.allocate(hint)
}

func (m *fakeMemory) Release(addr uintptr, size int) error {
	m.released = append(m.released, addr)
	if m.release != nil {
		return m.release(addr)
	}
	return nil
}

func (m *fakeMemory) Unprotect(addr uintptr, size int) error {
	m.unprotected = append(m.unprotected, addr)
	if m.unprotect != nil {
		return m.unprotect(addr)
	}
	return nil
}

func (m *fakeMemory) Protect(addr uintptr, size int) error {
	m.protected = append(m.protected, addr)
	return nil
}

func (m *fakeMemory) Flush(addr uintptr, size int) error { return nil }

func testLogger() (*log.Logger, *memory.Handler) {
	h := memory.New()
	return &log.Logger{Handler: h, Level: log.DebugLevel}, h
}

func TestLocateFrame_FirstCandidate(t *testing.T) {
	assert := assert.New(t)

	mem := &fakeMemory{gran: 0x1000}
	logger, _ := testLogger()

	f, err := locateFrame(mem, 0x10_0000_0800, 64, logger)
	require.NoError(t, err)

	assert.Equal(uintptr(0x10_0000_1000), f.Addr)
	assert.Equal(64, f.Size)
	assert.Equal(1, f.probes)
	assert.Empty(mem.released)
}

func TestLocateFrame_Revalidate(t *testing.T) {
	assert := assert.New(t)

	const target = uintptr(0x10_0000_0000)
	const far = uintptr(0x7000_0000_0000)

	// The first request is honored somewhere useless.
	calls := 0
	mem := &fakeMemory{
		gran: 0x1000,
		allocate: func(hint uintptr) (uintptr, error) {
			calls++
			if calls == 1 {
				return far, nil
			}
			return hint, nil
		},
	}
	logger, _ := testLogger()

	f, err := locateFrame(mem, target, 64, logger)
	require.NoError(t, err)

	assert.Equal([]uintptr{far}, mem.released)
	assert.Equal(target+0x1000, f.Addr)
	assert.Equal([]uintptr{target, target + 0x1000}, mem.hints)
	assert.True(reachable(target, f.Addr))
}

func TestLocateFrame_AlternatesDirections(t *testing.T) {
	assert := assert.New(t)

	const target = uintptr(0x10_0000_0000)

	mem := &fakeMemory{gran: 0x1000}
	logger, _ := testLogger()

	// The first five probes fail.
	mem.allocate = func(hint uintptr) (uintptr, error) {
		if len(mem.hints) < 6 {
			return 0, errNoRoom
		}
		return hint, nil
	}

	f, err := locateFrame(mem, target, 64, logger)
	require.NoError(t, err)

	assert.Equal([]uintptr{
		target,
		target + 0x1000,
		target - 0x1000,
		target + 0x2000,
		target - 0x2000,
		target + 0x3000,
	}, mem.hints)
	assert.Equal(target+0x3000, f.Addr)
}

func TestLocateFrame_BelowOnly(t *testing.T) {
	assert := assert.New(t)

	const target = uintptr(0x10_0000_0800)

	mem := &fakeMemory{
		gran: 0x1000,
		allocate: func(hint uintptr) (uintptr, error) {
			if hint >= target {
				return 0, errNoRoom
			}
			return hint, nil
		},
	}
	logger, _ := testLogger()

	f, err := locateFrame(mem, target, 64, logger)
	require.NoError(t, err)

	assert.Equal(uintptr(0x0f_ffff_f000), f.Addr)
	assert.True(reachable(target, f.Addr))
}

func TestLocateFrame_Exhausted(t *testing.T) {
	assert := assert.New(t)

	const target = uintptr(0x40_0000_0000)

	mem := &fakeMemory{
		gran: 1 << 28,
		allocate: func(hint uintptr) (uintptr, error) {
			return 0, errNoRoom
		},
	}
	logger, _ := testLogger()

	_, err := locateFrame(mem, target, 64, logger)
	assert.ErrorIs(err, ErrAllocation)

	// Eight steps of 256MiB cover 2GiB. The first step only goes up.
	assert.Len(mem.hints, 15)
	for _, hint := range mem.hints {
		assert.True(reachable(target, hint), "%#x out of range", hint)
	}
}

func TestLocateFrame_NearZero(t *testing.T) {
	assert := assert.New(t)

	mem := &fakeMemory{
		gran: 1 << 28,
		allocate: func(hint uintptr) (uintptr, error) {
			return 0, errNoRoom
		},
	}
	logger, _ := testLogger()

	_, err := locateFrame(mem, 0x3000, 64, logger)
	assert.ErrorIs(err, ErrAllocation)

	assert.NotContains(mem.hints, uintptr(0))
	for _, hint := range mem.hints {
		assert.Greater(hint, uintptr(0x3000))
	}
}

func TestLocateFrame_NearTop(t *testing.T) {
	assert := assert.New(t)

	const target = ^uintptr(0) - 0x800

	mem := &fakeMemory{gran: 0x1000}
	logger, _ := testLogger()

	// Rounding up from the target overflows, so the first usable
	// candidate is below it.
	f, err := locateFrame(mem, target, 64, logger)
	require.NoError(t, err)
	assert.Less(f.Addr, target)
	assert.True(reachable(target, f.Addr))
}

func TestLocateFrame_BadGranularity(t *testing.T) {
	logger, _ := testLogger()

	for _, gran := range []uintptr{0, 3, 0x1800} {
		_, err := locateFrame(&fakeMemory{gran: gran}, 0x10_0000_0000, 64, logger)
		assert.ErrorIs(t, err, ErrAllocation)
	}
}

func TestLocateFrame_ReleaseFailureLogged(t *testing.T) {
	assert := assert.New(t)

	const target = uintptr(0x10_0000_0000)

	calls := 0
	mem := &fakeMemory{
		gran: 0x1000,
		allocate: func(hint uintptr) (uintptr, error) {
			calls++
			if calls == 1 {
				return 0x7000_0000_0000, nil
			}
			return hint, nil
		},
		release: func(addr uintptr) error {
			return errors.New("munmap failed")
		},
	}
	logger, h := testLogger()

	_, err := locateFrame(mem, target, 64, logger)
	require.NoError(t, err)

	if assert.Len(h.Entries, 1) {
		assert.Equal(log.WarnLevel, h.Entries[0].Level)
		assert.Equal("0x700000000000", h.Entries[0].Fields.Get("frame"))
	}
}

func TestReachable(t *testing.T) {
	assert := assert.New(t)

	assert.True(reachable(0x1000_0000_0000, 0x1000_0000_0000+MaxDisplacement))
	assert.False(reachable(0x1000_0000_0000, 0x1000_0000_0000+MaxDisplacement+1))
	assert.True(reachable(0x1000_0000_0000, 0x1000_0000_0000-MaxDisplacement))
	assert.False(reachable(0x1000_0000_0000, 0x1000_0000_0000-MaxDisplacement-1))
}
