package bufpool

import "testing"

func TestGetReturnsRequestedCapacity(t *testing.T) {
	p := New(DefaultConfig())
	buf := p.Get(1024)
	if buf.Len() != 1024 {
		t.Fatalf("len = %d, want 1024", buf.Len())
	}
	if buf.Cap() < 1024 {
		t.Fatalf("cap = %d, want >= 1024", buf.Cap())
	}
}

func TestReleaseReturnsBufferToPool(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg)
	buf := p.Get(cfg.SmallSize)
	buf.Release()

	stats := p.Stats()
	if stats.Returned != 1 {
		t.Fatalf("returned = %d, want 1", stats.Returned)
	}
	if stats.Active != 0 {
		t.Fatalf("active = %d, want 0", stats.Active)
	}
}

func TestAcquireDefersReleaseUntilZero(t *testing.T) {
	p := New(DefaultConfig())
	buf := p.Get(256)
	buf.Acquire() // now refcount 2

	buf.Release()
	if got := p.Stats().Active; got != 1 {
		t.Fatalf("active after single release = %d, want 1 (still held)", got)
	}

	buf.Release()
	if got := p.Stats().Active; got != 0 {
		t.Fatalf("active after final release = %d, want 0", got)
	}
}

func TestOversizedRequestNotPooled(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg)
	buf := p.Get(cfg.LargeSize + 1)
	if buf.Len() != cfg.LargeSize+1 {
		t.Fatalf("len = %d, want %d", buf.Len(), cfg.LargeSize+1)
	}
	buf.Release()
	if got := p.Stats().Oversized; got != 1 {
		t.Fatalf("oversized = %d, want 1", got)
	}
}

func TestBytesReflectsRequestedLength(t *testing.T) {
	p := New(DefaultConfig())
	buf := p.Get(100)
	if len(buf.Bytes()) != 100 {
		t.Fatalf("len(Bytes()) = %d, want 100", len(buf.Bytes()))
	}
}
