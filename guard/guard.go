// Package guard provides page-guarded allocations for secret material.
//
// A Region is a fixed-size allocation placed on its own pages, flanked by
// inaccessible guard pages and preceded by a random canary. The pages are
// locked against swapping and excluded from core dumps where the platform
// supports it. Access is gated by a borrow state machine: a region starts
// with no access, read borrows share the region read-only, and a mutable
// borrow takes it exclusively read-write. Releasing the last borrow returns
// the region to no access and re-checks the canary.
//
// Misuse is not reported as an error. A corrupted canary, a borrow of a
// destroyed region, a mutable borrow while other borrows are active, or an
// unbalanced release all indicate memory corruption or a broken caller, and
// the package panics. Such a panic is not meant to be recovered; the region
// state is unusable afterwards. The only recoverable failure is resource
// exhaustion, reported as ErrResourceExhausted when the platform runs out
// of mappings or locked memory.
package guard

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// canarySize is the number of random bytes written immediately before the
// data of every region. The value is generated per region.
const canarySize = 16

// ErrResourceExhausted reports that the platform refused a new guarded
// allocation, typically because the locked-memory limit or the mapping
// count ceiling was reached. Callers may destroy regions and retry.
var ErrResourceExhausted = errors.New("guarded memory exhausted")

// Capability describes how much of the guarded allocator the platform
// backend can enforce.
type Capability int

const (
	// CapabilityFull means guard pages, page protection transitions and
	// memory locking are enforced by the operating system.
	CapabilityFull Capability = iota

	// CapabilityDegraded means allocations are plain heap memory. The
	// borrow accounting, canary and wipe-on-destroy still apply, but
	// protections are bookkeeping only.
	CapabilityDegraded
)

func (c Capability) String() string {
	if c == CapabilityFull {
		return "full"
	}
	return "degraded"
}

type protection int

const (
	protNone protection = iota
	protRead
	protReadWrite
)

// Region is a guarded allocation. The zero value is not usable; regions
// are created with Alloc, AllocRandom or AllocZero.
type Region struct {
	mu        sync.Mutex
	refs      int
	mutable   bool
	destroyed bool

	alloc  []byte // whole mapping including guard pages
	inner  []byte // protectable span: slack, canary, data
	data   []byte // payload view, flush against the trailing guard page
	slot   []byte // canary location inside inner
	canary []byte // expected canary value, kept on the regular heap
}

// Alloc copies data into a new guarded region and wipes the source slice.
// The region starts with no access; use Borrow or BorrowMut to reach the
// contents. The source is wiped even when allocation fails.
func Alloc(data []byte) (*Region, error) {
	r, err := newRegion(len(data))
	if err != nil {
		Wipe(data)
		return nil, err
	}
	copy(r.data, data)
	Wipe(data)
	if err := r.seal(); err != nil {
		return nil, err
	}
	return r, nil
}

// AllocRandom returns a guarded region of n bytes filled from the system
// CSPRNG.
func AllocRandom(n int) (*Region, error) {
	r, err := newRegion(n)
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(r.data); err != nil {
		r.teardown()
		return nil, fmt.Errorf("guard: fill random region: %w", err)
	}
	if err := r.seal(); err != nil {
		return nil, err
	}
	return r, nil
}

// AllocZero returns a zero-filled guarded region of n bytes.
func AllocZero(n int) (*Region, error) {
	r, err := newRegion(n)
	if err != nil {
		return nil, err
	}
	if err := r.seal(); err != nil {
		return nil, err
	}
	return r, nil
}

func newRegion(size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.New("guard: region size must be positive")
	}
	page := pageSize()
	innerLen := roundToPage(size+canarySize, page)
	total := innerLen + 2*page

	alloc, err := mapMemory(total)
	if err != nil {
		return nil, err
	}
	r := &Region{
		alloc: alloc,
		inner: alloc[page : page+innerLen],
	}
	r.data = r.inner[innerLen-size:]
	r.slot = r.inner[innerLen-size-canarySize : innerLen-size]

	r.canary = make([]byte, canarySize)
	if _, err := rand.Read(r.canary); err != nil {
		r.teardown()
		return nil, fmt.Errorf("guard: generate canary: %w", err)
	}
	copy(r.slot, r.canary)

	if err := protectPages(alloc[:page], protNone); err != nil {
		r.teardown()
		return nil, fmt.Errorf("guard: arm front guard page: %w", err)
	}
	if err := protectPages(alloc[page+innerLen:], protNone); err != nil {
		r.teardown()
		return nil, fmt.Errorf("guard: arm rear guard page: %w", err)
	}
	if err := lockMemory(r.inner); err != nil {
		r.teardown()
		return nil, err
	}
	disableDump(r.inner)
	return r, nil
}

// seal sets the freshly written region to no access.
func (r *Region) seal() error {
	if err := protectPages(r.inner, protNone); err != nil {
		r.teardown()
		return fmt.Errorf("guard: seal region: %w", err)
	}
	return nil
}

// teardown releases the mapping of a region that never became usable.
func (r *Region) teardown() {
	protectPages(r.inner, protReadWrite)
	Wipe(r.inner)
	unlockMemory(r.inner)
	unmapMemory(r.alloc)
	r.destroyed = true
}

// Len returns the payload size in bytes.
func (r *Region) Len() int { return len(r.data) }

// String returns a redacted placeholder. Region contents are never
// printed or otherwise duplicated implicitly.
func (r *Region) String() string { return "guard.Region(redacted)" }

// Borrow grants shared read access. The first borrow moves the region
// from no access to read-only; further borrows share it. Every Ref must
// be released exactly once.
func (r *Region) Borrow() (*Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		violation("borrow of destroyed region")
	}
	if r.mutable {
		violation("read borrow while region is mutably borrowed")
	}
	if r.refs == 0 {
		if err := protectPages(r.inner, protRead); err != nil {
			return nil, fmt.Errorf("guard: unprotect for read: %w", err)
		}
	}
	r.refs++
	return &Ref{region: r, data: r.data}, nil
}

// BorrowMut grants exclusive read-write access. It is only legal when no
// borrow is outstanding; a mutable borrow while the region is borrowed in
// any way is fatal.
func (r *Region) BorrowMut() (*RefMut, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		violation("mutable borrow of destroyed region")
	}
	if r.mutable {
		violation("second mutable borrow of region")
	}
	if r.refs > 0 {
		violation("mutable borrow while read borrows are active")
	}
	if err := protectPages(r.inner, protReadWrite); err != nil {
		return nil, fmt.Errorf("guard: unprotect for write: %w", err)
	}
	r.mutable = true
	return &RefMut{region: r, data: r.data}, nil
}

// Destroy verifies the canary, wipes the region and returns its pages to
// the platform. Destroying an already destroyed region is a no-op.
// Destroying a borrowed region is fatal.
func (r *Region) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	if r.refs > 0 || r.mutable {
		violation("destroy of borrowed region")
	}
	if err := protectPages(r.inner, protReadWrite); err != nil {
		violation("cannot open region for destruction: %v", err)
	}
	r.verifyCanary()
	Wipe(r.inner)
	unlockMemory(r.inner)
	unmapMemory(r.alloc)
	r.alloc, r.inner, r.data, r.slot = nil, nil, nil, nil
	r.destroyed = true
}

// Equal compares the contents of two regions in constant time with
// respect to the compared bytes. Lengths are not secret; regions of
// different length compare unequal.
func Equal(a, b *Region) (bool, error) {
	ra, err := a.Borrow()
	if err != nil {
		return false, err
	}
	defer ra.Release()
	rb, err := b.Borrow()
	if err != nil {
		return false, err
	}
	defer rb.Release()
	return subtle.ConstantTimeCompare(ra.Bytes(), rb.Bytes()) == 1, nil
}

// verifyCanary must be called while the inner span is readable and the
// region mutex is held.
func (r *Region) verifyCanary() {
	if !bytes.Equal(r.slot, r.canary) {
		violation("canary corrupted, memory before region was overwritten")
	}
}

// returnToNoAccess re-checks the canary and seals the region again. The
// region mutex must be held and the inner span must still be readable.
func (r *Region) returnToNoAccess() {
	r.verifyCanary()
	if err := protectPages(r.inner, protNone); err != nil {
		violation("cannot re-protect region: %v", err)
	}
}

// Ref is a shared read borrow of a Region.
type Ref struct {
	region   *Region
	data     []byte
	released bool
}

// Bytes returns the protected payload. The slice aliases read-only pages;
// writing through it faults on platforms with full capability. The slice
// must not be used after Release.
func (ref *Ref) Bytes() []byte { return ref.data }

// Release gives the borrow back. Releasing the last borrow seals the
// region again. Releasing twice is fatal.
func (ref *Ref) Release() {
	r := ref.region
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref.released {
		violation("double release of read borrow")
	}
	ref.released = true
	ref.data = nil
	if r.destroyed {
		violation("release after region destroy")
	}
	if r.refs == 0 {
		violation("release without active borrow")
	}
	r.refs--
	if r.refs == 0 {
		r.returnToNoAccess()
	}
}

// RefMut is an exclusive read-write borrow of a Region.
type RefMut struct {
	region   *Region
	data     []byte
	released bool
}

// Bytes returns the writable payload. The slice must not be used after
// Release.
func (m *RefMut) Bytes() []byte { return m.data }

// Release seals the region again after re-checking the canary.
func (m *RefMut) Release() {
	r := m.region
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.released {
		violation("double release of mutable borrow")
	}
	m.released = true
	m.data = nil
	if r.destroyed {
		violation("release after region destroy")
	}
	if !r.mutable {
		violation("mutable release without mutable borrow")
	}
	r.mutable = false
	r.returnToNoAccess()
}

// Wipe zeroes b. The write is kept observable so the compiler cannot
// elide it for a dying buffer.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func violation(format string, args ...interface{}) {
	panic("guard: " + fmt.Sprintf(format, args...))
}

func roundToPage(n, page int) int {
	return (n + page - 1) / page * page
}
