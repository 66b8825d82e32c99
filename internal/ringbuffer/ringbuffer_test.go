package ringbuffer

import "testing"

func TestPushPopRoundTrip(t *testing.T) {
	r := New(2, 16)
	in := []float32{0.1, 0.2, 0.3, 0.4}
	r.Push(in)
	if got := r.Backlog(); got != 4 {
		t.Fatalf("backlog = %d, want 4", got)
	}
	out := make([]float32, 4)
	n := r.Pop(out)
	if n != 4 {
		t.Fatalf("pop returned %d, want 4", n)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("sample %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestPopUnderflowIsShortRead(t *testing.T) {
	r := New(1, 8)
	r.Push([]float32{1, 2})
	dst := make([]float32, 5)
	n := r.Pop(dst)
	if n != 2 {
		t.Fatalf("pop returned %d, want 2 (short read)", n)
	}
}

func TestPushOverwritesOldestWhenFull(t *testing.T) {
	r := New(1, 4) // capacity rounds to 4
	r.Push([]float32{1, 2, 3, 4})
	if r.Backlog() != 4 {
		t.Fatalf("backlog = %d, want 4", r.Backlog())
	}
	// One more push should overwrite the oldest sample (1) and keep live count at capacity.
	r.Push([]float32{5})
	if got := r.Backlog(); got != 4 {
		t.Fatalf("backlog after overwrite = %d, want capacity 4", got)
	}
	out := make([]float32, 4)
	r.Pop(out)
	want := []float32{2, 3, 4, 5}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestClearAlignsReadToWrite(t *testing.T) {
	r := New(1, 8)
	r.Push([]float32{1, 2, 3})
	r.Clear()
	if got := r.Backlog(); got != 0 {
		t.Fatalf("backlog after clear = %d, want 0", got)
	}
	dst := make([]float32, 1)
	if n := r.Pop(dst); n != 0 {
		t.Fatalf("pop after clear returned %d, want 0", n)
	}
}

func TestGrowPreservesContents(t *testing.T) {
	r := New(1, 4)
	r.Push([]float32{1, 2, 3, 4})
	r.Grow(16)
	if got := r.Capacity(); got < 16 {
		t.Fatalf("capacity after grow = %d, want >= 16", got)
	}
	out := make([]float32, 4)
	n := r.Pop(out)
	if n != 4 {
		t.Fatalf("pop after grow returned %d, want 4", n)
	}
	want := []float32{1, 2, 3, 4}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestBacklogSeconds(t *testing.T) {
	r := New(2, 48000*2) // ~1s stereo at 48kHz
	frame := make([]float32, 2*24000)
	r.Push(frame) // 0.5s worth of stereo frames
	got := r.BacklogSeconds(48000)
	if got < 0.49 || got > 0.51 {
		t.Fatalf("backlog seconds = %v, want ~0.5", got)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 1023: 1024, 1024: 1024}
	for in, want := range cases {
		if got := nextPowerOfTwo(in); got != want {
			t.Fatalf("nextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}
