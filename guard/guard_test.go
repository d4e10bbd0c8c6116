package guard

import (
	"bytes"
	"errors"
	"testing"
)

func TestAllocCopiesAndWipesSource(t *testing.T) {
	source := []byte("super sensitive value")
	want := append([]byte(nil), source...)

	r, err := Alloc(source)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer r.Destroy()

	for i, b := range source {
		if b != 0 {
			t.Fatalf("source byte %d not wiped after Alloc", i)
		}
	}

	ref, err := r.Borrow()
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	defer ref.Release()
	if !bytes.Equal(ref.Bytes(), want) {
		t.Fatalf("region contents = %q, want %q", ref.Bytes(), want)
	}
}

func TestBorrowCycle(t *testing.T) {
	r := mustAlloc(t, []byte("cycle"))
	defer r.Destroy()

	// Shared read borrows stack.
	a, err := r.Borrow()
	if err != nil {
		t.Fatalf("first Borrow failed: %v", err)
	}
	b, err := r.Borrow()
	if err != nil {
		t.Fatalf("second Borrow failed: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("shared borrows disagree on contents")
	}
	b.Release()
	a.Release()

	// After the last release the region is sealed again and can be
	// borrowed mutably.
	m, err := r.BorrowMut()
	if err != nil {
		t.Fatalf("BorrowMut after release failed: %v", err)
	}
	m.Release()
}

func TestBorrowMutWritesStick(t *testing.T) {
	r := mustAlloc(t, []byte("aaaa"))
	defer r.Destroy()

	m, err := r.BorrowMut()
	if err != nil {
		t.Fatalf("BorrowMut failed: %v", err)
	}
	copy(m.Bytes(), "bbbb")
	m.Release()

	ref, err := r.Borrow()
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	defer ref.Release()
	if string(ref.Bytes()) != "bbbb" {
		t.Fatalf("contents = %q after mutable write, want %q", ref.Bytes(), "bbbb")
	}
}

func TestRegionSizes(t *testing.T) {
	page := pageSize()
	for _, size := range []int{1, 31, canarySize, page - canarySize, page, page + 1, 3 * page} {
		r, err := AllocZero(size)
		if err != nil {
			t.Fatalf("AllocZero(%d) failed: %v", size, err)
		}
		if r.Len() != size {
			t.Fatalf("Len = %d, want %d", r.Len(), size)
		}
		ref, err := r.Borrow()
		if err != nil {
			t.Fatalf("Borrow of %d byte region failed: %v", size, err)
		}
		if len(ref.Bytes()) != size {
			t.Fatalf("borrowed view is %d bytes, want %d", len(ref.Bytes()), size)
		}
		for i, b := range ref.Bytes() {
			if b != 0 {
				t.Fatalf("byte %d of zero region is %d", i, b)
			}
		}
		ref.Release()
		r.Destroy()
	}
}

func TestAllocRandomDistinct(t *testing.T) {
	a, err := AllocRandom(32)
	if err != nil {
		t.Fatalf("AllocRandom failed: %v", err)
	}
	defer a.Destroy()
	b, err := AllocRandom(32)
	if err != nil {
		t.Fatalf("AllocRandom failed: %v", err)
	}
	defer b.Destroy()

	same, err := Equal(a, b)
	if err != nil {
		t.Fatalf("Equal failed: %v", err)
	}
	if same {
		t.Fatal("two random regions are identical")
	}
}

func TestEqual(t *testing.T) {
	a := mustAlloc(t, []byte("identical"))
	defer a.Destroy()
	b := mustAlloc(t, []byte("identical"))
	defer b.Destroy()
	c := mustAlloc(t, []byte("different!"))
	defer c.Destroy()
	d := mustAlloc(t, []byte("identicaX"))
	defer d.Destroy()

	if same, err := Equal(a, b); err != nil || !same {
		t.Fatalf("Equal(a, b) = %v, %v, want true", same, err)
	}
	if same, err := Equal(a, c); err != nil || same {
		t.Fatalf("Equal(a, c) = %v, %v, want false for differing lengths", same, err)
	}
	if same, err := Equal(a, d); err != nil || same {
		t.Fatalf("Equal(a, d) = %v, %v, want false", same, err)
	}
	if same, err := Equal(a, a); err != nil || !same {
		t.Fatalf("Equal(a, a) = %v, %v, want true", same, err)
	}
}

func TestZeroSizeRejected(t *testing.T) {
	if _, err := Alloc(nil); err == nil {
		t.Fatal("Alloc(nil) succeeded, want error")
	}
	if _, err := AllocZero(0); err == nil {
		t.Fatal("AllocZero(0) succeeded, want error")
	}
}

func TestStringRedacted(t *testing.T) {
	r := mustAlloc(t, []byte("do not print me"))
	defer r.Destroy()
	if s := r.String(); bytes.Contains([]byte(s), []byte("print")) {
		t.Fatalf("String leaked contents: %q", s)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	r := mustAlloc(t, []byte("twice"))
	r.Destroy()
	r.Destroy()
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4, 5}
	Wipe(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
}

func TestViolationsPanic(t *testing.T) {
	t.Run("double mutable borrow", func(t *testing.T) {
		r := mustAlloc(t, []byte("x"))
		defer r.Destroy()
		m, err := r.BorrowMut()
		if err != nil {
			t.Fatalf("BorrowMut failed: %v", err)
		}
		defer m.Release()
		expectPanic(t, func() { r.BorrowMut() })
	})

	t.Run("read borrow while mutable", func(t *testing.T) {
		r := mustAlloc(t, []byte("x"))
		defer r.Destroy()
		m, err := r.BorrowMut()
		if err != nil {
			t.Fatalf("BorrowMut failed: %v", err)
		}
		defer m.Release()
		expectPanic(t, func() { r.Borrow() })
	})

	t.Run("mutable borrow while read borrowed", func(t *testing.T) {
		r := mustAlloc(t, []byte("x"))
		defer r.Destroy()
		ref, err := r.Borrow()
		if err != nil {
			t.Fatalf("Borrow failed: %v", err)
		}
		defer ref.Release()
		expectPanic(t, func() { r.BorrowMut() })
	})

	t.Run("double release", func(t *testing.T) {
		r := mustAlloc(t, []byte("x"))
		defer r.Destroy()
		ref, err := r.Borrow()
		if err != nil {
			t.Fatalf("Borrow failed: %v", err)
		}
		ref.Release()
		expectPanic(t, func() { ref.Release() })
	})

	t.Run("borrow after destroy", func(t *testing.T) {
		r := mustAlloc(t, []byte("x"))
		r.Destroy()
		expectPanic(t, func() { r.Borrow() })
	})

	t.Run("destroy while borrowed", func(t *testing.T) {
		r := mustAlloc(t, []byte("x"))
		ref, err := r.Borrow()
		if err != nil {
			t.Fatalf("Borrow failed: %v", err)
		}
		expectPanic(t, func() { r.Destroy() })
		ref.Release()
		r.Destroy()
	})

	t.Run("corrupted canary", func(t *testing.T) {
		r := mustAlloc(t, []byte("x"))
		m, err := r.BorrowMut()
		if err != nil {
			t.Fatalf("BorrowMut failed: %v", err)
		}
		r.slot[0] ^= 0xff
		expectPanic(t, func() { m.Release() })
	})
}

func TestManyRegionsSurfaceExhaustion(t *testing.T) {
	if PlatformCapability() != CapabilityFull {
		t.Skip("no platform allocation ceiling to hit")
	}
	if testing.Short() {
		t.Skip("short mode")
	}

	const attempts = 4096
	regions := make([]*Region, 0, attempts)
	defer func() {
		for _, r := range regions {
			r.Destroy()
		}
	}()

	for i := 0; i < attempts; i++ {
		r, err := AllocZero(8)
		if err != nil {
			if !errors.Is(err, ErrResourceExhausted) {
				t.Fatalf("allocation %d failed with %v, want ErrResourceExhausted", i, err)
			}
			return
		}
		regions = append(regions, r)
	}
	t.Skipf("platform ceiling not reached within %d regions", attempts)
}

func mustAlloc(t *testing.T, data []byte) *Region {
	t.Helper()
	r, err := Alloc(data)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	return r
}

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected a guard violation panic")
		}
	}()
	fn()
}
