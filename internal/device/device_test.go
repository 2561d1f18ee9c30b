package device

import (
	"errors"
	"testing"
)

func TestAllocAccounting(t *testing.T) {
	d := New(1024)
	b, err := d.Alloc(512)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allocated() != 512 {
		t.Fatalf("allocated = %d, want 512", d.Allocated())
	}
	if _, err := d.Alloc(1024); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("over-capacity alloc error = %v, want ErrOutOfMemory", err)
	}
	d.Free(b)
	if d.Allocated() != 0 {
		t.Fatalf("allocated after free = %d, want 0", d.Allocated())
	}
	if _, err := d.Alloc(1024); err != nil {
		t.Fatalf("alloc after free: %v", err)
	}
}

func TestBufferViews(t *testing.T) {
	d := New(0)
	b, err := d.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	f := b.Float32s()
	if len(f) != 8 {
		t.Fatalf("float view len = %d, want 8", len(f))
	}
	f[3] = 2.5

	v, err := b.View(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	if got := v.Float32s()[1]; got != 2.5 {
		t.Fatalf("view does not alias parent storage: got %v", got)
	}

	if _, err := b.View(28, 8); err == nil {
		t.Fatal("out-of-range view succeeded")
	}
}

func TestStreamOrdering(t *testing.T) {
	s := NewStream()
	defer s.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := s.Launch("append", func() error {
			got = append(got, i)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("command %d ran out of order (saw %d)", i, v)
		}
	}
}

func TestStreamFailureIsSticky(t *testing.T) {
	s := NewStream()
	defer s.Close()

	boom := errors.New("kernel fault")
	if err := s.Launch("bad", func() error { return boom }); err != nil {
		t.Fatal(err)
	}
	ran := false
	_ = s.Launch("after", func() error { ran = true; return nil })

	if err := s.Sync(); !errors.Is(err, ErrStreamBroken) || !errors.Is(err, boom) {
		t.Fatalf("Sync error = %v, want ErrStreamBroken wrapping cause", err)
	}
	if ran {
		t.Fatal("command executed after stream broke")
	}
	if err := s.Launch("late", func() error { return nil }); !errors.Is(err, ErrStreamBroken) {
		t.Fatalf("Launch on broken stream = %v, want ErrStreamBroken", err)
	}
}

func TestStreamRecoversPanicAsError(t *testing.T) {
	s := NewStream()
	defer s.Close()

	if err := s.Launch("panics", func() error { panic("bad pointer") }); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(); err == nil || !errors.Is(err, ErrStreamBroken) {
		t.Fatalf("Sync after panic = %v, want ErrStreamBroken", err)
	}
}
