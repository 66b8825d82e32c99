package capture

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/audiolibrelab/duetcapture/internal/bufpool"
	"github.com/audiolibrelab/duetcapture/internal/diskwriter"
	"github.com/audiolibrelab/duetcapture/internal/events"
	"github.com/audiolibrelab/duetcapture/internal/ringbuffer"
)

func TestGainLoadStoreRoundTrips(t *testing.T) {
	g := NewGain(0.75)
	if got := g.Load(); got != 0.75 {
		t.Fatalf("Load() = %v, want 0.75", got)
	}
	g.Store(1.5)
	if got := g.Load(); got != 1.5 {
		t.Fatalf("Load() after Store = %v, want 1.5", got)
	}
}

func TestGainRejectsNaN(t *testing.T) {
	g := NewGain(1.0)
	g.Store(math.NaN())
	if got := g.Load(); got != 1.0 {
		t.Fatalf("Load() after NaN store = %v, want unity fallback 1.0", got)
	}
}

func TestIsTransientDetectsInvalidatedDevices(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil error should not be transient")
	}
	err := errOf("device was Invalidated during open")
	if !IsTransient(err) {
		t.Fatal("expected invalidated-device error to be transient")
	}
	if IsTransient(errOf("permission denied")) {
		t.Fatal("unrelated error should not be treated as transient")
	}
}

func errOf(msg string) error {
	return &stringError{msg}
}

type stringError struct{ msg string }

func (e *stringError) Error() string { return e.msg }

func encodeF32LE(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func newTestPipeline(t *testing.T) (*Pipeline, *diskwriter.Writer, *bytes.Buffer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	canonical := Format{SampleRate: 48000, Channels: 2}
	var sys, mic, mix bytes.Buffer
	writer := diskwriter.NewWriter(diskwriter.QueueCapacity(0), &sys, &mic, &mix, nil)
	go writer.Run()

	cfg := Config{
		Canonical:   canonical,
		MixBitDepth: Mix32Bit,
		LoopGain:    NewGain(1.0),
		MicGain:     NewGain(1.0),
		Ring:        ringbuffer.NewForDuration(canonical.SampleRate, canonical.Channels, 4),
		Pool:        bufpool.New(bufpool.DefaultConfig()),
		Writer:      writer,
		Bus:         events.NewBus(8),
	}
	p := NewPipeline(cfg, time.Now().UnixNano())
	return p, writer, &sys, &mic, &mix
}

func TestLoopbackHandlerWritesSystemAndMix(t *testing.T) {
	p, writer, sys, _, mix := newTestPipeline(t)

	frames := 4
	samples := make([]float32, frames*2)
	for i := range samples {
		samples[i] = 0.2
	}
	input := encodeF32LE(samples)

	p.onLoopbackData(nil, input, uint32(frames))

	writer.Close()
	<-writer.Done()

	if sys.Len() != frames*2*2 {
		t.Fatalf("system bytes = %d, want %d", sys.Len(), frames*2*2)
	}
	if mix.Len() != frames*2*4 {
		t.Fatalf("mix bytes = %d, want %d", mix.Len(), frames*2*4)
	}
}

func TestMicHandlerPushesRingWhenLoopbackActive(t *testing.T) {
	p, writer, _, mic, _ := newTestPipeline(t)

	// Mark loopback as recently active.
	p.lastLoopbackTick.Store(time.Now().UnixNano())

	frames := 4
	samples := make([]float32, frames*2)
	for i := range samples {
		samples[i] = 0.1
	}
	input := encodeF32LE(samples)

	p.onMicData(input, uint32(frames), p.canonical)

	writer.Close()
	<-writer.Done()

	if mic.Len() != frames*2*2 {
		t.Fatalf("mic bytes = %d, want %d", mic.Len(), frames*2*2)
	}
	if got := p.ring.Backlog(); got != frames*2 {
		t.Fatalf("ring backlog = %d, want %d", got, frames*2)
	}
}

func TestMicHandlerClearsRingAndFallsBackWhenLoopbackSilent(t *testing.T) {
	p, writer, sys, mic, mix := newTestPipeline(t)

	// Pretend loopback has not ticked in a long time.
	p.lastLoopbackTick.Store(time.Now().Add(-time.Second).UnixNano())
	p.ring.Push(make([]float32, 100)) // stale content that must be cleared, not mixed

	frames := 4
	samples := make([]float32, frames*2)
	for i := range samples {
		samples[i] = 0.3
	}
	input := encodeF32LE(samples)

	p.onMicData(input, uint32(frames), p.canonical)

	writer.Close()
	<-writer.Done()

	if got := p.ring.Backlog(); got != 0 {
		t.Fatalf("ring backlog after silent-fallback push = %d, want 0 (cleared, not pushed)", got)
	}
	if mic.Len() != frames*2*2 {
		t.Fatalf("mic bytes = %d, want %d", mic.Len(), frames*2*2)
	}
	if sys.Len() != frames*2*2 {
		t.Fatalf("fallback system bytes = %d, want %d", sys.Len(), frames*2*2)
	}
	for _, b := range sys.Bytes() {
		if b != 0 {
			t.Fatalf("fallback system block not all-zero: %v", sys.Bytes())
		}
	}
	if mix.Len() != frames*2*4 {
		t.Fatalf("fallback mix bytes = %d, want %d", mix.Len(), frames*2*4)
	}
}

func TestLoopbackHandlerUnderrunsWhenRingEmpty(t *testing.T) {
	p, writer, _, _, _ := newTestPipeline(t)

	frames := 4
	samples := make([]float32, frames*2)
	input := encodeF32LE(samples)

	p.onLoopbackData(nil, input, uint32(frames))
	writer.Close()
	<-writer.Done()

	if got := p.counters.Underruns.Load(); got != 1 {
		t.Fatalf("underruns = %d, want 1 (ring was empty)", got)
	}
}
